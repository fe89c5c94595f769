package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/robertosilvah/rdtmgr/internal/logic"
	"github.com/robertosilvah/rdtmgr/internal/model"
	"github.com/robertosilvah/rdtmgr/internal/shift"
)

// Fixture is a line to create when it is missing from a store.
type Fixture struct {
	Location   model.Location
	Definition shift.Definition
	Product    model.Product
	Standard   logic.Standard
}

// Seed creates the fixtures whose location does not exist yet. Memory keeps
// the fixture ids, so a seeded standard can be referenced by id.
func Seed(ctx context.Context, s CatalogShiftStore, fixtures []Fixture) error {
	for _, f := range fixtures {
		if _, err := s.LocationByID(ctx, f.Location.ID); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		loc, err := s.CreateLocation(ctx, f.Location)
		if err != nil {
			return fmt.Errorf("seed location %q: %w", f.Location.Name, err)
		}
		def := f.Definition
		def.LocationID = loc.ID
		if _, err := s.CreateDefinition(ctx, def); err != nil {
			return fmt.Errorf("seed shift definition for %q: %w", loc.Name, err)
		}
		if f.Standard.Value <= 0 {
			continue
		}
		if _, err := s.ProductByID(ctx, f.Product.ID); errors.Is(err, ErrNotFound) {
			if _, err := s.CreateProduct(ctx, f.Product); err != nil {
				return fmt.Errorf("seed product %q: %w", f.Product.Name, err)
			}
		}
		std := f.Standard
		std.LocationID = loc.ID
		std.ProductID = f.Product.ID
		if _, err := s.CreateStandard(ctx, std); err != nil {
			return fmt.Errorf("seed standard for %q: %w", loc.Name, err)
		}
	}
	return nil
}

// CatalogShiftStore is the part of Store used by Seed.
type CatalogShiftStore interface {
	CatalogStore
	ShiftStore
}
