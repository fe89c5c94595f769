// Package process drives the per-line state engine from telemetry: it owns one
// controller per location, rolls states over at shift boundaries and hands
// closed segments and state changes to persistence and broadcast.
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

var (
	// ErrNoDefinition is returned when a line has no shift rotation to window
	// its telemetry.
	ErrNoDefinition = errors.New("location has no shift definition")

	// ErrNoState is returned when a line has no live state yet.
	ErrNoState = errors.New("location has no live state")

	// ErrUnknownLocation is returned for a location without a running process.
	ErrUnknownLocation = errors.New("unknown location")
)

// History reads persisted segments and standards.
type History interface {
	ProductionsInRange(ctx context.Context, locationID int64, start, end time.Time) ([]logic.Production, error)
	DelaysInRange(ctx context.Context, locationID int64, start, end time.Time) ([]logic.Delay, error)
	StandardFor(ctx context.Context, productID, locationID int64) (logic.Standard, error)
}

// Process is the controller of one line. It is not safe for concurrent use;
// Service runs each Process on its own goroutine.
type Process struct {
	location     model.Location
	definition   *shift.Definition
	state        *logic.State
	last         *Message
	lastStandard *logic.Standard
	pending      []logic.Event
}

// New creates a controller without a state. A nil definition is allowed; the
// controller rejects telemetry until one is set.
func New(loc model.Location, def *shift.Definition) *Process {
	p := &Process{location: loc}
	p.SetDefinition(def)
	return p
}

func (p *Process) Location() model.Location { return p.location }

// Definition returns the shift rotation, if any.
func (p *Process) Definition() (shift.Definition, bool) {
	if p.definition == nil {
		return shift.Definition{}, false
	}
	return *p.definition, true
}

// SetDefinition replaces the rotation. The live state keeps its window until
// the next rollover.
func (p *Process) SetDefinition(def *shift.Definition) {
	if def == nil {
		p.definition = nil
		return
	}
	d := *def
	p.definition = &d
}

// Setup installs a state rebuilt from history as the live state. The next
// message realigns the counter.
func (p *Process) Setup(st *logic.State) {
	p.state = st
	p.last = nil
	if std, ok := st.ProductionStandard(); ok {
		p.lastStandard = &std
	}
}

// State returns the live state, or nil.
func (p *Process) State() *logic.State { return p.state }

// Snapshot returns a copy of the live state.
func (p *Process) Snapshot() (logic.Snapshot, bool) {
	if p.state == nil {
		return logic.Snapshot{}, false
	}
	return p.state.Snapshot(), true
}

// IsLive reports whether iv is the window of the live state.
func (p *Process) IsLive(iv shift.Interval) bool {
	return p.state != nil && p.state.Interval().SameRange(iv)
}

// Shifts returns the rotation's intervals for the shift day containing t.
func (p *Process) Shifts(t time.Time) []shift.Interval {
	if p.definition == nil {
		return nil
	}
	return shift.IntervalsFrom(t, *p.definition)
}

// HandleMessage applies one reading. It reports whether the message was the
// first one of the live state, in which case the whole state should be
// republished and its shift record resolved.
//
// A reading at or after the end of the live window finishes that window
// first; the state for the new window is built from the message. Errors from
// finishing the old window are returned joined with any error of the new one,
// but never prevent the rollover.
func (p *Process) HandleMessage(m Message) (bool, error) {
	if p.definition == nil {
		return false, ErrNoDefinition
	}
	rollErr := p.rollover(m.Timestamp)

	if p.last == nil {
		err := p.firstUpdate(m)
		return err == nil, errors.Join(rollErr, err)
	}
	return false, errors.Join(rollErr, p.updateCount(m))
}

func (p *Process) rollover(ts time.Time) error {
	if p.state == nil {
		return nil
	}
	if std, ok := p.state.ProductionStandard(); ok {
		p.lastStandard = &std
	}
	iv := p.state.Interval()
	if ts.Before(iv.End) {
		return nil
	}

	err := p.state.Finish(iv.End)
	p.pending = append(p.pending, p.state.TakeEvents()...)
	p.state = nil
	p.last = nil
	if err != nil {
		return fmt.Errorf("finish window %s: %w", iv.Start.Format(time.RFC3339), err)
	}
	return nil
}

func (p *Process) firstUpdate(m Message) error {
	if p.state == nil {
		iv, err := shift.MatchingInterval(m.Timestamp, *p.definition)
		if err != nil {
			return err
		}
		st, err := logic.NewState(p.location, iv, nil, nil)
		if err != nil {
			return err
		}
		if p.lastStandard != nil {
			if err := st.SetStandard(*p.lastStandard); err != nil {
				return err
			}
		}
		p.state = st
	}

	p.state.Rebase(m.Count, m.CycleTime)
	if err := p.state.HandleUpdate(m.Timestamp); err != nil {
		return err
	}
	p.last = &m
	return nil
}

func (p *Process) updateCount(m Message) error {
	if p.state == nil {
		return ErrNoState
	}
	if m.Count != p.last.Count {
		var err error
		if p.state.Status() == logic.StatusRunning {
			err = p.state.TryUpdateProduction(m.Timestamp, m.CycleTime, m.Count)
		} else {
			err = p.state.TryStartProduction(m.Timestamp, m.CycleTime, m.Count)
		}
		if err != nil {
			return err
		}
	}
	if err := p.state.HandleUpdate(m.Timestamp); err != nil {
		return err
	}
	p.last = &m
	return nil
}

// SetStandard assigns a production standard to the live state and keeps it
// for the windows that follow.
func (p *Process) SetStandard(std logic.Standard) error {
	if p.state != nil {
		if err := p.state.SetStandard(std); err != nil {
			return err
		}
	} else if std.PerPiece() <= 0 {
		return fmt.Errorf("%w: standard %d has rate %v", logic.ErrNoStandard, std.ID, std.Value)
	}
	p.lastStandard = &std
	return nil
}

// SetScrap corrects the bad pieces of the live window.
func (p *Process) SetScrap(amount int) error {
	if p.state == nil {
		return ErrNoState
	}
	return p.state.SetScrap(amount)
}

// TakeEvents returns the segment events queued since the last call, including
// those of a window closed by rollover.
func (p *Process) TakeEvents() []logic.Event {
	ev := p.pending
	p.pending = nil
	if p.state != nil {
		ev = append(ev, p.state.TakeEvents()...)
	}
	return ev
}

// LoadState rebuilds the state of a line for iv from persisted segments. The
// standard of the last production's product is applied when it can be found;
// a failed lookup is logged and the default standard is kept.
func LoadState(ctx context.Context, h History, loc model.Location, iv shift.Interval, log *slog.Logger) (*logic.State, error) {
	ps, err := h.ProductionsInRange(ctx, loc.ID, iv.Start, iv.End)
	if err != nil {
		return nil, fmt.Errorf("load productions: %w", err)
	}
	ds, err := h.DelaysInRange(ctx, loc.ID, iv.Start, iv.End)
	if err != nil {
		return nil, fmt.Errorf("load delays: %w", err)
	}
	st, err := logic.NewState(loc, iv, ps, ds)
	if err != nil {
		return nil, err
	}

	if n := len(ps); n > 0 && ps[n-1].ProductID != 0 {
		productID := ps[n-1].ProductID
		std, err := h.StandardFor(ctx, productID, loc.ID)
		if err == nil {
			err = st.SetStandard(std)
		}
		if err != nil && log != nil {
			log.Warn("standard lookup failed", "product", productID, "error", err)
		}
	}
	return st, nil
}
