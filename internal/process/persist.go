package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robertosilvah/rdtmgr/internal/logic"
	"github.com/robertosilvah/rdtmgr/internal/model"
	"github.com/robertosilvah/rdtmgr/internal/shift"
)

// SegmentSink stores closed segments and shift records.
type SegmentSink interface {
	InsertProduction(ctx context.Context, p logic.Production) (int64, error)
	UpdateProduction(ctx context.Context, p logic.Production) error
	InsertDelay(ctx context.Context, d logic.Delay) (int64, error)
	UpdateDelay(ctx context.Context, d logic.Delay) error
	ShiftByRange(ctx context.Context, locationID int64, start, end time.Time) (shift.Record, error)
	CreateShift(ctx context.Context, r shift.Record) (int64, error)
}

// IDWriter writes storage ids back onto live segments.
type IDWriter interface {
	AssignProductionID(ctx context.Context, id int64, p logic.Production, rowID int64) error
	AssignDelayID(ctx context.Context, id int64, d logic.Delay, rowID int64) error
	AssignShiftID(ctx context.Context, id int64, iv shift.Interval, shiftID int64) error
}

// WriteObserver is told about every storage write.
type WriteObserver interface {
	SegmentWritten(kind string, err error)
}

// Persister stores the work emitted on Service.Segments. With saving disabled
// the work is logged and discarded.
type Persister struct {
	sink    SegmentSink
	ids     IDWriter
	log     *slog.Logger
	obs     WriteObserver
	enabled bool

	// latest shift record id per location
	shiftIDs map[int64]int64
}

// NewPersister creates a persister. obs may be nil.
func NewPersister(sink SegmentSink, ids IDWriter, log *slog.Logger, obs WriteObserver, enabled bool) *Persister {
	if log == nil {
		log = slog.Default()
	}
	return &Persister{
		sink:     sink,
		ids:      ids,
		log:      log.With("component", "persist"),
		obs:      obs,
		enabled:  enabled,
		shiftIDs: make(map[int64]int64),
	}
}

// Run consumes writes until ctx is done or the channel is closed. Failed
// writes are logged; they never stop the loop.
func (p *Persister) Run(ctx context.Context, writes <-chan Write) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w, ok := <-writes:
			if !ok {
				return nil
			}
			if err := p.Handle(ctx, w); err != nil {
				p.log.Error("write failed", "location", w.LocationID, "error", err)
			}
		}
	}
}

// Handle stores one unit of work.
func (p *Persister) Handle(ctx context.Context, w Write) error {
	switch {
	case w.Interval != nil:
		return p.observe("shift", p.shiftRecord(ctx, w.LocationID, *w.Interval))
	case w.Event == nil:
		return nil
	case w.Event.Production != nil:
		return p.observe("production", p.production(ctx, w.LocationID, *w.Event.Production))
	case w.Event.Delay != nil:
		return p.observe("delay", p.delay(ctx, w.LocationID, *w.Event.Delay))
	}
	return nil
}

func (p *Persister) observe(kind string, err error) error {
	if p.obs != nil && p.enabled {
		p.obs.SegmentWritten(kind, err)
	}
	return err
}

func (p *Persister) shiftRecord(ctx context.Context, loc int64, iv shift.Interval) error {
	if !p.enabled {
		p.log.Warn("saving disabled; shift record not created", "location", loc, "start", iv.Start)
		return nil
	}
	rec, err := p.sink.ShiftByRange(ctx, loc, iv.Start, iv.End)
	switch {
	case err == nil:
		p.log.Debug("found shift record", "location", loc, "shift", rec.ID)
	case errors.Is(err, model.ErrNotFound):
		if !iv.HasPosition() {
			return fmt.Errorf("shift record for %s: interval has no position", iv.Start.Format(time.RFC3339))
		}
		rec = shift.Record{LocationID: loc, Start: iv.Start, End: iv.End, Position: iv.Position}
		if rec.ID, err = p.sink.CreateShift(ctx, rec); err != nil {
			return fmt.Errorf("create shift record: %w", err)
		}
		p.log.Debug("created shift record", "location", loc, "shift", rec.ID)
	default:
		return fmt.Errorf("find shift record: %w", err)
	}

	p.shiftIDs[loc] = rec.ID
	return p.ids.AssignShiftID(ctx, loc, iv, rec.ID)
}

func (p *Persister) production(ctx context.Context, loc int64, x logic.Production) error {
	if !p.enabled {
		p.log.Warn("saving disabled; production not stored", "location", loc, "start", x.Start)
		return nil
	}
	if x.ShiftID == 0 {
		x.ShiftID = p.shiftIDs[loc]
	}
	if x.ID != 0 {
		if err := p.sink.UpdateProduction(ctx, x); err != nil {
			return fmt.Errorf("update production %d: %w", x.ID, err)
		}
		return nil
	}
	id, err := p.sink.InsertProduction(ctx, x)
	if err != nil {
		return fmt.Errorf("insert production: %w", err)
	}
	p.log.Debug("created production record", "location", loc, "production", id)
	return p.ids.AssignProductionID(ctx, loc, x, id)
}

func (p *Persister) delay(ctx context.Context, loc int64, d logic.Delay) error {
	if !p.enabled {
		p.log.Warn("saving disabled; delay not stored", "location", loc, "start", d.Start)
		return nil
	}
	if d.ShiftID == 0 {
		d.ShiftID = p.shiftIDs[loc]
	}
	if d.ID != 0 {
		if err := p.sink.UpdateDelay(ctx, d); err != nil {
			return fmt.Errorf("update delay %d: %w", d.ID, err)
		}
		return nil
	}
	id, err := p.sink.InsertDelay(ctx, d)
	if err != nil {
		return fmt.Errorf("insert delay: %w", err)
	}
	p.log.Debug("created delay record", "location", loc, "delay", id)
	return p.ids.AssignDelayID(ctx, loc, d, id)
}
