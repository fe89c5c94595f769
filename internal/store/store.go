// Package store persists the catalog, the shift records and the closed
// production and delay segments of every line.
package store

import (
	"context"
	"time"

	"github.com/robertosilvah/rdtmgr/internal/logic"
	"github.com/robertosilvah/rdtmgr/internal/model"
	"github.com/robertosilvah/rdtmgr/internal/shift"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = model.ErrNotFound

// SegmentStore holds production and delay segments.
type SegmentStore interface {
	// ProductionsInRange returns the productions of a location that lie within
	// [start, end], ordered by start.
	ProductionsInRange(ctx context.Context, locationID int64, start, end time.Time) ([]logic.Production, error)
	// DelaysInRange returns the delays of a location that lie within
	// [start, end], ordered by start.
	DelaysInRange(ctx context.Context, locationID int64, start, end time.Time) ([]logic.Delay, error)
	InsertProduction(ctx context.Context, p logic.Production) (int64, error)
	UpdateProduction(ctx context.Context, p logic.Production) error
	InsertDelay(ctx context.Context, d logic.Delay) (int64, error)
	UpdateDelay(ctx context.Context, d logic.Delay) error
}

// ShiftStore holds shift definitions and shift records.
type ShiftStore interface {
	// DefinitionFor returns the enabled definition of a location.
	DefinitionFor(ctx context.Context, locationID int64) (shift.Definition, error)
	DefinitionByID(ctx context.Context, id int64) (shift.Definition, error)
	ListDefinitions(ctx context.Context) ([]shift.Definition, error)
	CreateDefinition(ctx context.Context, d shift.Definition) (shift.Definition, error)
	UpdateDefinition(ctx context.Context, d shift.Definition) error
	DisableDefinition(ctx context.Context, id int64) error

	// ShiftByRange returns the record lying within [start, end].
	ShiftByRange(ctx context.Context, locationID int64, start, end time.Time) (shift.Record, error)
	// ShiftsOnDate returns the records starting on the UTC calendar day of
	// day, ordered by position.
	ShiftsOnDate(ctx context.Context, locationID int64, day time.Time) ([]shift.Record, error)
	ListShifts(ctx context.Context, locationID int64) ([]shift.Record, error)
	CreateShift(ctx context.Context, r shift.Record) (int64, error)
}

// CatalogStore holds locations, products, production standards and delay
// types. Deleting a catalog row disables it.
type CatalogStore interface {
	ListLocations(ctx context.Context) ([]model.Location, error)
	EnabledLocations(ctx context.Context) ([]model.Location, error)
	LocationByID(ctx context.Context, id int64) (model.Location, error)
	CreateLocation(ctx context.Context, l model.Location) (model.Location, error)
	UpdateLocation(ctx context.Context, l model.Location) error
	DisableLocation(ctx context.Context, id int64) error

	ListProducts(ctx context.Context) ([]model.Product, error)
	ProductByID(ctx context.Context, id int64) (model.Product, error)
	CreateProduct(ctx context.Context, p model.Product) (model.Product, error)
	UpdateProduct(ctx context.Context, p model.Product) error
	DisableProduct(ctx context.Context, id int64) error

	ListStandards(ctx context.Context) ([]logic.Standard, error)
	StandardByID(ctx context.Context, id int64) (logic.Standard, error)
	// StandardFor returns the enabled standard of a product on a location.
	StandardFor(ctx context.Context, productID, locationID int64) (logic.Standard, error)
	CreateStandard(ctx context.Context, s logic.Standard) (logic.Standard, error)
	UpdateStandard(ctx context.Context, s logic.Standard) error
	DisableStandard(ctx context.Context, id int64) error

	ListDelayTypes(ctx context.Context) ([]model.DelayType, error)
}

// Store is the persistence interface used by the service and the API server.
type Store interface {
	SegmentStore
	ShiftStore
	CatalogStore
	Ping(ctx context.Context) error
	Close() error
}

func dayBounds(day time.Time) (time.Time, time.Time) {
	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

func within(start, end, from, to time.Time) bool {
	return !start.Before(from) && !end.After(to)
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
