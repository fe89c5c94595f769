package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robertosilvah/rdtmgr/internal/logic"
	"github.com/robertosilvah/rdtmgr/internal/model"
	"github.com/robertosilvah/rdtmgr/internal/shift"
)

// Memory is an in-memory store used when no database is configured.
type Memory struct {
	mu          sync.Mutex
	nextID      int64
	locations   map[int64]model.Location
	products    map[int64]model.Product
	standards   map[int64]logic.Standard
	definitions map[int64]shift.Definition
	shifts      []shift.Record
	productions []logic.Production
	delays      []logic.Delay
}

func NewMemory() *Memory {
	return &Memory{
		locations:   map[int64]model.Location{},
		products:    map[int64]model.Product{},
		standards:   map[int64]logic.Standard{},
		definitions: map[int64]shift.Definition{},
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// reserve keeps generated ids above explicitly chosen ones.
func (m *Memory) reserve(id int64) {
	if id > m.nextID {
		m.nextID = id
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }

// Segments

func (m *Memory) ProductionsInRange(ctx context.Context, locationID int64, start, end time.Time) ([]logic.Production, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []logic.Production{}
	for _, p := range m.productions {
		if p.LocationID == locationID && within(p.Start, p.End, start, end) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		if !out[i].End.Equal(out[j].End) {
			return out[i].End.Before(out[j].End)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) DelaysInRange(ctx context.Context, locationID int64, start, end time.Time) ([]logic.Delay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []logic.Delay{}
	for _, d := range m.delays {
		if d.LocationID == locationID && within(d.Start, d.End, start, end) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *Memory) InsertProduction(ctx context.Context, p logic.Production) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.id()
	p.GoodPieces = p.TotalPieces - p.BadPieces
	m.productions = append(m.productions, p)
	return p.ID, nil
}

func (m *Memory) UpdateProduction(ctx context.Context, p logic.Production) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.productions {
		if m.productions[i].ID == p.ID {
			p.GoodPieces = p.TotalPieces - p.BadPieces
			m.productions[i] = p
			return nil
		}
	}
	return fmt.Errorf("production %d: %w", p.ID, ErrNotFound)
}

func (m *Memory) InsertDelay(ctx context.Context, d logic.Delay) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.delays {
		if x.LocationID == d.LocationID && x.Start.Equal(d.Start) {
			return 0, fmt.Errorf("delay at %s: %w", d.Start.Format(time.RFC3339), logic.ErrDuplicateDelay)
		}
	}
	d.ID = m.id()
	m.delays = append(m.delays, d)
	return d.ID, nil
}

func (m *Memory) UpdateDelay(ctx context.Context, d logic.Delay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.delays {
		if m.delays[i].ID == d.ID {
			m.delays[i].Start = d.Start
			m.delays[i].End = d.End
			return nil
		}
	}
	return fmt.Errorf("delay %d: %w", d.ID, ErrNotFound)
}

// Shifts

func (m *Memory) DefinitionFor(ctx context.Context, locationID int64) (shift.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.definitions))
	for id := range m.definitions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		d := m.definitions[id]
		if d.LocationID == locationID && d.Enabled {
			return d, nil
		}
	}
	return shift.Definition{}, fmt.Errorf("shift definition for location %d: %w", locationID, ErrNotFound)
}

func (m *Memory) DefinitionByID(ctx context.Context, id int64) (shift.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.definitions[id]
	if !ok {
		return d, fmt.Errorf("shift definition %d: %w", id, ErrNotFound)
	}
	return d, nil
}

func (m *Memory) ListDefinitions(ctx context.Context) ([]shift.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]shift.Definition, 0, len(m.definitions))
	for _, d := range m.definitions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LocationID != out[j].LocationID {
			return out[i].LocationID < out[j].LocationID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) CreateDefinition(ctx context.Context, d shift.Definition) (shift.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == 0 {
		d.ID = m.id()
	} else {
		m.reserve(d.ID)
	}
	m.definitions[d.ID] = d
	return d, nil
}

func (m *Memory) UpdateDefinition(ctx context.Context, d shift.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.definitions[d.ID]; !ok {
		return fmt.Errorf("shift definition %d: %w", d.ID, ErrNotFound)
	}
	m.definitions[d.ID] = d
	return nil
}

func (m *Memory) DisableDefinition(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.definitions[id]
	if !ok {
		return fmt.Errorf("shift definition %d: %w", id, ErrNotFound)
	}
	d.Enabled = false
	m.definitions[id] = d
	return nil
}

func (m *Memory) ShiftByRange(ctx context.Context, locationID int64, start, end time.Time) (shift.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.shifts {
		if r.LocationID == locationID && within(r.Start, r.End, start, end) {
			return r, nil
		}
	}
	return shift.Record{}, fmt.Errorf("shift for location %d in range: %w", locationID, ErrNotFound)
}

func (m *Memory) ShiftsOnDate(ctx context.Context, locationID int64, day time.Time) ([]shift.Record, error) {
	from, to := dayBounds(day)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []shift.Record{}
	for _, r := range m.shifts {
		if r.LocationID == locationID && !r.Start.Before(from) && r.Start.Before(to) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *Memory) ListShifts(ctx context.Context, locationID int64) ([]shift.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []shift.Record{}
	for _, r := range m.shifts {
		if r.LocationID == locationID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *Memory) CreateShift(ctx context.Context, r shift.Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = m.id()
	r.Start, r.End = r.Start.UTC(), r.End.UTC()
	m.shifts = append(m.shifts, r)
	return r.ID, nil
}

// Catalog

func (m *Memory) ListLocations(ctx context.Context) ([]model.Location, error) {
	return m.locationsWhere(func(model.Location) bool { return true }), nil
}

func (m *Memory) EnabledLocations(ctx context.Context) ([]model.Location, error) {
	return m.locationsWhere(func(l model.Location) bool { return l.Enabled }), nil
}

func (m *Memory) locationsWhere(keep func(model.Location) bool) []model.Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Location{}
	for _, l := range m.locations {
		if keep(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) LocationByID(ctx context.Context, id int64) (model.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locations[id]
	if !ok {
		return l, fmt.Errorf("location %d: %w", id, ErrNotFound)
	}
	return l, nil
}

func (m *Memory) CreateLocation(ctx context.Context, l model.Location) (model.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == 0 {
		l.ID = m.id()
	} else {
		m.reserve(l.ID)
	}
	m.locations[l.ID] = l
	return l, nil
}

func (m *Memory) UpdateLocation(ctx context.Context, l model.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locations[l.ID]; !ok {
		return fmt.Errorf("location %d: %w", l.ID, ErrNotFound)
	}
	m.locations[l.ID] = l
	return nil
}

func (m *Memory) DisableLocation(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locations[id]
	if !ok {
		return fmt.Errorf("location %d: %w", id, ErrNotFound)
	}
	l.Enabled = false
	m.locations[id] = l
	return nil
}

func (m *Memory) ListProducts(ctx context.Context) ([]model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ProductByID(ctx context.Context, id int64) (model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return p, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	return p, nil
}

func (m *Memory) CreateProduct(ctx context.Context, p model.Product) (model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		p.ID = m.id()
	} else {
		m.reserve(p.ID)
	}
	m.products[p.ID] = p
	return p, nil
}

func (m *Memory) UpdateProduct(ctx context.Context, p model.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[p.ID]; !ok {
		return fmt.Errorf("product %d: %w", p.ID, ErrNotFound)
	}
	m.products[p.ID] = p
	return nil
}

func (m *Memory) DisableProduct(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	p.Enabled = false
	m.products[id] = p
	return nil
}

func (m *Memory) ListStandards(ctx context.Context) ([]logic.Standard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]logic.Standard, 0, len(m.standards))
	for _, s := range m.standards {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) StandardByID(ctx context.Context, id int64) (logic.Standard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.standards[id]
	if !ok {
		return s, fmt.Errorf("production standard %d: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *Memory) StandardFor(ctx context.Context, productID, locationID int64) (logic.Standard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *logic.Standard
	for _, s := range m.standards {
		if s.ProductID == productID && s.LocationID == locationID && s.Enabled {
			if found == nil || s.ID < found.ID {
				s := s
				found = &s
			}
		}
	}
	if found == nil {
		return logic.Standard{}, fmt.Errorf("standard for product %d on location %d: %w", productID, locationID, ErrNotFound)
	}
	return *found, nil
}

func (m *Memory) CreateStandard(ctx context.Context, s logic.Standard) (logic.Standard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		s.ID = m.id()
	} else {
		m.reserve(s.ID)
	}
	m.standards[s.ID] = s
	return s, nil
}

func (m *Memory) UpdateStandard(ctx context.Context, s logic.Standard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.standards[s.ID]; !ok {
		return fmt.Errorf("production standard %d: %w", s.ID, ErrNotFound)
	}
	m.standards[s.ID] = s
	return nil
}

func (m *Memory) DisableStandard(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.standards[id]
	if !ok {
		return fmt.Errorf("production standard %d: %w", id, ErrNotFound)
	}
	s.Enabled = false
	m.standards[id] = s
	return nil
}

// ListDelayTypes returns no types: stoppages are not classified without a
// database.
func (m *Memory) ListDelayTypes(ctx context.Context) ([]model.DelayType, error) {
	return []model.DelayType{}, nil
}
