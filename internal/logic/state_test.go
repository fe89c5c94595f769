package logic

import (
	"errors"
	"testing"
	"time"

	"github.com/robertosilvah/rdtmgr/internal/model"
	"github.com/robertosilvah/rdtmgr/internal/shift"
)

var (
	upsetter = model.Location{ID: 1, Name: "Upsetter", Enabled: true}
	window   = shift.NewInterval(at("2021-02-14T04:00:00Z"), at("2021-02-14T12:00:00Z"), 2)
	minute   = Standard{ID: 21, ProductID: 21, LocationID: 1, Value: 60, Unit: "pcs/h", Enabled: true}
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func newState(t *testing.T, ps []Production, ds []Delay) *State {
	t.Helper()
	st, err := NewState(upsetter, window, ps, ds)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	return st
}

func earlyProduction() []Production {
	return []Production{{
		LocationID:  1,
		ProductID:   21,
		TotalPieces: 2,
		GoodPieces:  2,
		Start:       at("2021-02-14T04:58:00Z"),
		End:         at("2021-02-14T05:00:00Z"),
	}}
}

func earlyDelay() []Delay {
	return []Delay{{
		LocationID: 1,
		Start:      at("2021-02-14T04:00:00Z"),
		End:        at("2021-02-14T04:58:00Z"),
	}}
}

func TestNewStateEmpty(t *testing.T) {
	st := newState(t, nil, nil)
	now := at("2021-02-14T06:00:00Z")

	if err := st.HandleUpdate(now); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	s := st.Snapshot()

	if got := s.DelayTime(); got != 2*time.Hour {
		t.Errorf("delay time: got %v, want 2h", got)
	}
	if got := s.ProductionTime(); got != 0 {
		t.Errorf("production time: got %v, want 0", got)
	}
	if s.Status != StatusDelayed {
		t.Errorf("status: got %s, want DELAYED", s.Status)
	}
	if s.CurrentDelay == nil || !s.CurrentDelay.End.Equal(now) {
		t.Errorf("current delay: got %+v, want end %v", s.CurrentDelay, now)
	}
	if s.CurrentProduction != nil {
		t.Errorf("expected no current production, got %+v", s.CurrentProduction)
	}
}

func TestNewStateWithDelay(t *testing.T) {
	st := newState(t, nil, []Delay{{
		Start: at("2021-02-14T04:00:00Z"),
		End:   at("2021-02-14T04:18:00Z"),
	}})

	if err := st.HandleUpdate(at("2021-02-14T06:00:00Z")); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	s := st.Snapshot()

	if got := s.DelayTime(); got != 2*time.Hour {
		t.Errorf("delay time: got %v, want 2h", got)
	}
	if len(s.Delays) != 0 {
		t.Errorf("expected reopened delay to leave the closed list, got %d", len(s.Delays))
	}
	if s.CurrentDelay == nil || s.CurrentProduction != nil {
		t.Errorf("expected only a current delay: %+v %+v", s.CurrentDelay, s.CurrentProduction)
	}
}

func TestNewStateWithProductionAndDelay(t *testing.T) {
	t.Run("updated", func(t *testing.T) {
		st := newState(t, earlyProduction(), earlyDelay())
		now := at("2021-02-14T06:00:00Z")
		if err := st.HandleUpdate(now); err != nil {
			t.Fatalf("HandleUpdate: %v", err)
		}
		s := st.Snapshot()

		if got, want := s.DelayTime(), (60+58)*time.Minute; got != want {
			t.Errorf("delay time: got %v, want %v", got, want)
		}
		if got := s.ProductionTime(); got != 2*time.Minute {
			t.Errorf("production time: got %v, want 2m", got)
		}
		if got := s.TotalPieces(); got != 2 {
			t.Errorf("total pieces: got %d, want 2", got)
		}
		if s.CurrentDelay == nil || !s.CurrentDelay.End.Equal(now) {
			t.Errorf("current delay: got %+v", s.CurrentDelay)
		}
		if s.CurrentProduction != nil {
			t.Errorf("expected no current production")
		}
	})

	t.Run("not updated", func(t *testing.T) {
		st := newState(t, earlyProduction(), earlyDelay())
		s := st.Snapshot()

		if got := s.DelayTime(); got != 58*time.Minute {
			t.Errorf("delay time: got %v, want 58m", got)
		}
		if got := s.ProductionTime(); got != 2*time.Minute {
			t.Errorf("production time: got %v, want 2m", got)
		}
		want := at("2021-02-14T05:00:00Z")
		if s.CurrentDelay == nil || !s.CurrentDelay.End.Equal(want) || !s.CurrentDelay.Start.Equal(want) {
			t.Errorf("current delay: got %+v, want zero-length at %v", s.CurrentDelay, want)
		}
	})
}

func TestNewStateProductionOnly(t *testing.T) {
	st := newState(t, earlyProduction(), nil)
	s := st.Snapshot()

	if s.Status != StatusRunning {
		t.Errorf("status: got %s, want RUNNING", s.Status)
	}
	if s.CurrentProduction == nil || s.CurrentDelay != nil {
		t.Fatalf("expected only a current production: %+v %+v", s.CurrentProduction, s.CurrentDelay)
	}

	// The budget for two pieces is two minutes from 04:58.
	if err := st.HandleUpdate(at("2021-02-14T05:30:00Z")); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	s = st.Snapshot()
	if s.Status != StatusDelayed {
		t.Errorf("status: got %s, want DELAYED", s.Status)
	}
	if len(s.Productions) != 1 || !s.Productions[0].End.Equal(at("2021-02-14T05:00:00Z")) {
		t.Errorf("productions: got %+v", s.Productions)
	}
	if s.CurrentDelay == nil || !s.CurrentDelay.Start.Equal(at("2021-02-14T05:00:00Z")) {
		t.Errorf("current delay: got %+v", s.CurrentDelay)
	}
}

func TestStateProductionCycle(t *testing.T) {
	st := newState(t, earlyProduction(), earlyDelay())
	if err := st.SetStandard(minute); err != nil {
		t.Fatalf("SetStandard: %v", err)
	}
	st.TakeEvents()

	st.Rebase(10, 0)
	if err := st.HandleUpdate(at("2021-02-14T06:10:00Z")); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if got := st.Snapshot().Zero; got != 8 {
		t.Errorf("zero: got %d, want 8", got)
	}

	ts := at("2021-02-14T06:21:00Z")
	if err := st.TryStartProduction(ts, 4.5, 11); err != nil {
		t.Fatalf("TryStartProduction: %v", err)
	}
	if err := st.HandleUpdate(ts); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	s := st.Snapshot()
	if s.Status != StatusRunning {
		t.Errorf("status: got %s, want RUNNING", s.Status)
	}
	if s.TotalPieces() != 3 || s.Count != 11 {
		t.Errorf("pieces: total %d count %d, want 3 and 11", s.TotalPieces(), s.Count)
	}
	if s.CurrentProduction == nil || s.CurrentProduction.TotalPieces != 3 || s.CurrentProduction.CycleTime != 4.5 {
		t.Errorf("current production: got %+v", s.CurrentProduction)
	}

	events := st.TakeEvents()
	var finishedDelays int
	for _, e := range events {
		if e.Type == EventDelayFinished {
			finishedDelays++
			if !e.Delay.End.Equal(ts) {
				t.Errorf("finished delay end: got %v, want %v", e.Delay.End, ts)
			}
		}
	}
	if finishedDelays != 1 {
		t.Errorf("finished delays: got %d, want 1", finishedDelays)
	}

	// Unchanged count is a no-op.
	if err := st.TryUpdateProduction(ts, 4.5, 11); err != nil {
		t.Fatalf("TryUpdateProduction: %v", err)
	}
	if len(st.TakeEvents()) != 0 {
		t.Error("expected no events for an unchanged count")
	}

	// Three pieces at once create two closed entries and a new current one.
	ts = at("2021-02-14T06:21:30Z")
	if err := st.TryUpdateProduction(ts, 4.5, 14); err != nil {
		t.Fatalf("TryUpdateProduction: %v", err)
	}
	s = st.Snapshot()
	if s.TotalPieces() != 6 {
		t.Errorf("total pieces: got %d, want 6", s.TotalPieces())
	}
	if got := len(s.Productions); got != 4 {
		t.Errorf("productions: got %d, want 4", got)
	}
	if s.CurrentProduction.TotalPieces != 6 {
		t.Errorf("current total: got %d, want 6", s.CurrentProduction.TotalPieces)
	}
}

func TestStateCounterReset(t *testing.T) {
	st := newState(t, nil, nil)
	st.Rebase(5, 0)

	ts := at("2021-02-14T05:00:00Z")
	if err := st.TryStartProduction(ts, 0, 6); err != nil {
		t.Fatalf("TryStartProduction: %v", err)
	}
	if err := st.TryUpdateProduction(ts.Add(10*time.Second), 0, 0); err != nil {
		t.Fatalf("TryUpdateProduction: %v", err)
	}
	s := st.Snapshot()
	if s.Count != 0 {
		t.Errorf("count: got %d, want 0", s.Count)
	}
	if s.TotalPieces() != 2 {
		t.Errorf("total pieces: got %d, want 2", s.TotalPieces())
	}
	if err := st.TryUpdateProduction(ts.Add(20*time.Second), 0, 1); err != nil {
		t.Fatalf("TryUpdateProduction: %v", err)
	}
	if got := st.TotalPieces(); got != 3 {
		t.Errorf("total pieces after reset: got %d, want 3", got)
	}
}

func TestStateErrors(t *testing.T) {
	st := newState(t, nil, nil)

	if err := st.TryUpdateProduction(at("2021-02-14T05:00:00Z"), 0, 1); !errors.Is(err, ErrNoCurrentProduction) {
		t.Errorf("TryUpdateProduction while delayed: got %v, want ErrNoCurrentProduction", err)
	}
	if err := st.SetStandard(Standard{ID: 3}); !errors.Is(err, ErrNoStandard) {
		t.Errorf("SetStandard with zero rate: got %v, want ErrNoStandard", err)
	}
	if err := st.SetScrap(-1); !errors.Is(err, ErrInvalidScrap) {
		t.Errorf("SetScrap(-1): got %v, want ErrInvalidScrap", err)
	}

	if err := st.TryStartProduction(at("2021-02-14T05:00:00Z"), 0, 1); err != nil {
		t.Fatalf("TryStartProduction: %v", err)
	}
	if err := st.TryStartProduction(at("2021-02-14T05:00:10Z"), 0, 2); !errors.Is(err, ErrNoCurrentDelay) {
		t.Errorf("TryStartProduction while running: got %v, want ErrNoCurrentDelay", err)
	}
}

func TestStateDuplicateDelay(t *testing.T) {
	st := newState(t, nil, nil)
	// A second zero-length delay at the window start collides with the first.
	if err := st.TryStartProduction(window.Start, 0, 1); err != nil {
		t.Fatalf("TryStartProduction: %v", err)
	}
	if err := st.HandleUpdate(window.Start.Add(5 * time.Minute)); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	st.s.Delays[0].Start = st.s.CurrentDelay.Start

	err := st.TryStartProduction(window.Start.Add(6*time.Minute), 0, 2)
	if !errors.Is(err, ErrDuplicateDelay) {
		t.Fatalf("got %v, want ErrDuplicateDelay", err)
	}
	if st.s.CurrentDelay == nil {
		t.Error("current delay must survive a rejected finish")
	}
}

func TestStateSetScrap(t *testing.T) {
	st := newState(t, nil, nil)
	if err := st.TryStartProduction(at("2021-02-14T05:00:00Z"), 0, 4); err != nil {
		t.Fatalf("TryStartProduction: %v", err)
	}
	if err := st.SetScrap(1); err != nil {
		t.Fatalf("SetScrap: %v", err)
	}
	s := st.Snapshot()
	if s.BadPieces != 1 || s.GoodPieces() != 3 {
		t.Errorf("window pieces: bad %d good %d, want 1 and 3", s.BadPieces, s.GoodPieces())
	}
	if p := s.CurrentProduction; p.BadPieces != 1 || p.GoodPieces != 3 {
		t.Errorf("current production: got %+v", p)
	}
}

func TestStateFinish(t *testing.T) {
	t.Run("delayed", func(t *testing.T) {
		st := newState(t, nil, nil)
		if err := st.Finish(at("2021-02-14T12:05:00Z")); err != nil {
			t.Fatalf("Finish: %v", err)
		}
		s := st.Snapshot()
		if s.CurrentDelay != nil {
			t.Error("expected the delay to be closed")
		}
		if len(s.Delays) != 1 || !s.Delays[0].End.Equal(window.End) {
			t.Errorf("delays: got %+v", s.Delays)
		}
	})

	t.Run("running", func(t *testing.T) {
		st := newState(t, nil, nil)
		ts := window.End.Add(-30 * time.Second)
		if err := st.TryStartProduction(ts, 0, 1); err != nil {
			t.Fatalf("TryStartProduction: %v", err)
		}
		if err := st.Finish(window.End.Add(-10 * time.Second)); err != nil {
			t.Fatalf("Finish: %v", err)
		}
		s := st.Snapshot()
		if s.CurrentProduction != nil {
			t.Error("expected the production to be closed")
		}
		if n := len(s.Productions); n != 1 || !s.Productions[0].End.Equal(window.End) {
			t.Errorf("productions: got %+v", s.Productions)
		}
	})
}

func TestStateFinishPastWindowEnd(t *testing.T) {
	st := newState(t, nil, nil)
	// Ten minutes per piece: the last piece's budget runs past the window end.
	if err := st.SetStandard(Standard{ID: 5, ProductID: 21, LocationID: 1, Value: 6, Enabled: true}); err != nil {
		t.Fatalf("SetStandard: %v", err)
	}
	if err := st.TryStartProduction(window.End.Add(-5*time.Minute), 0, 1); err != nil {
		t.Fatalf("TryStartProduction: %v", err)
	}
	if err := st.Finish(window.End.Add(20 * time.Minute)); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	s := st.Snapshot()
	if s.CurrentProduction != nil || s.CurrentDelay != nil {
		t.Fatalf("expected no open segment: %+v %+v", s.CurrentProduction, s.CurrentDelay)
	}
	if n := len(s.Productions); n != 1 || !s.Productions[0].End.Equal(window.End) {
		t.Errorf("productions: got %+v, want one ending at %v", s.Productions, window.End)
	}
	for _, d := range s.Delays {
		if d.Duration() < 0 || d.End.After(window.End) {
			t.Errorf("delay outside the window: %v -> %v", d.Start, d.End)
		}
	}
	for _, p := range s.Productions {
		if p.End.After(window.End) {
			t.Errorf("production outside the window: %v -> %v", p.Start, p.End)
		}
	}
}

// Closing every segment and rebuilding from the closed lists keeps the
// aggregates.
func TestStateRebuildFromClosedSegments(t *testing.T) {
	st := newState(t, nil, nil)
	if err := st.SetStandard(minute); err != nil {
		t.Fatalf("SetStandard: %v", err)
	}
	st.Rebase(5, 0)

	readings := []struct {
		ts  string
		raw int
	}{
		{"2021-02-14T05:00:00Z", 8}, // three pieces at once
		{"2021-02-14T05:02:00Z", 8}, // budget overrun opens a delay
		{"2021-02-14T05:10:00Z", 0}, // counter reset counts one piece
	}
	for _, r := range readings {
		ts := at(r.ts)
		if err := st.HandleUpdate(ts); err != nil {
			t.Fatalf("HandleUpdate %s: %v", r.ts, err)
		}
		if err := st.TryStartProduction(ts, 0, r.raw); err != nil {
			t.Fatalf("TryStartProduction %s: %v", r.ts, err)
		}
	}
	if err := st.SetScrap(1); err != nil {
		t.Fatalf("SetScrap: %v", err)
	}
	if err := st.Finish(window.End); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	closed := st.Snapshot()
	if closed.TotalPieces() != 4 {
		t.Fatalf("total pieces: got %d, want 4", closed.TotalPieces())
	}

	rebuilt, err := NewState(upsetter, window, closed.Productions, closed.Delays)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	got := rebuilt.Snapshot()

	if got.TotalPieces() != closed.TotalPieces() {
		t.Errorf("total pieces: got %d, want %d", got.TotalPieces(), closed.TotalPieces())
	}
	if got.BadPieces != closed.BadPieces {
		t.Errorf("bad pieces: got %d, want %d", got.BadPieces, closed.BadPieces)
	}
	if got.DelayTime() != closed.DelayTime() {
		t.Errorf("delay time: got %v, want %v", got.DelayTime(), closed.DelayTime())
	}
	if got.ProductionTime() != closed.ProductionTime() {
		t.Errorf("production time: got %v, want %v", got.ProductionTime(), closed.ProductionTime())
	}
}

func TestStateAssignIDs(t *testing.T) {
	st := newState(t, nil, nil)
	ts := at("2021-02-14T05:00:00Z")
	if err := st.TryStartProduction(ts, 0, 1); err != nil {
		t.Fatalf("TryStartProduction: %v", err)
	}

	if !st.AssignDelayID(window.Start, 7) {
		t.Error("expected closed delay to be found")
	}
	if !st.AssignProductionID(ts, 1, 9) {
		t.Error("expected current production to be found")
	}
	if st.AssignProductionID(ts, 2, 10) {
		t.Error("unexpected match for a different total")
	}

	s := st.Snapshot()
	if s.Delays[0].ID != 7 || s.CurrentProduction.ID != 9 {
		t.Errorf("ids: delay %d production %d", s.Delays[0].ID, s.CurrentProduction.ID)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	st := newState(t, earlyProduction(), earlyDelay())
	s := st.Snapshot()
	s.Delays[0].End = time.Time{}
	s.CurrentDelay.End = time.Time{}

	again := st.Snapshot()
	if again.Delays[0].End.IsZero() || again.CurrentDelay.End.IsZero() {
		t.Error("snapshot mutation leaked into state")
	}
}

func TestPieces(t *testing.T) {
	ps := []Production{
		{ShiftID: 1, TotalPieces: 1},
		{ShiftID: 1, TotalPieces: 2},
		{ShiftID: 2, TotalPieces: 1},
		{ShiftID: 2, TotalPieces: 2, BadPieces: 2},
		{ShiftID: 1, TotalPieces: 2},
		{ShiftID: 2, TotalPieces: 1},
		{ShiftID: 2, TotalPieces: 2, BadPieces: 2},
	}
	total, bad := Pieces(ps)
	if total != 8 {
		t.Errorf("total: got %d, want 8", total)
	}
	if bad != 4 {
		t.Errorf("bad: got %d, want 4", bad)
	}
}

func TestCounterAdvance(t *testing.T) {
	tests := []struct {
		name   string
		c      Counter
		raw    int
		amount int
		next   Counter
	}{
		{"unchanged", Counter{Count: 10, Zero: 8}, 10, 0, Counter{Count: 10, Zero: 8}},
		{"increment", Counter{Count: 10, Zero: 8}, 13, 3, Counter{Count: 10, Zero: 8}},
		{"reset", Counter{Count: 13, Zero: 8}, 0, 1, Counter{Count: -1, Zero: -6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount, next := tt.c.Advance(tt.raw)
			if amount != tt.amount {
				t.Errorf("amount: got %d, want %d", amount, tt.amount)
			}
			if next != tt.next {
				t.Errorf("next: got %+v, want %+v", next, tt.next)
			}
			if tt.name == "reset" && next.Total() != tt.c.Total() {
				t.Errorf("reset must keep total: got %d, want %d", next.Total(), tt.c.Total())
			}
		})
	}
}
