package logic

import (
	"fmt"
	"time"

	"github.com/robertosilvah/rdtmgr/internal/model"
	"github.com/robertosilvah/rdtmgr/internal/shift"
)

// State is the production/delay timeline of one line within one shift window.
//
// At most one segment is open at a time: the current production while the line
// is RUNNING, or the current delay while it is DELAYED. Every segment change is
// queued as an Event and handed out by TakeEvents.
//
// State is not safe for concurrent use; callers serialize access.
type State struct {
	s      Snapshot
	events []Event
}

// NewState rebuilds a state from persisted segments. Productions and delays
// must be ordered by start time. The last production is reopened when it is
// still within its time budget; otherwise the line is DELAYED and the current
// delay is either the last persisted delay or the gap after the last
// production, whichever is most recent.
func NewState(loc model.Location, interval shift.Interval, productions []Production, delays []Delay) (*State, error) {
	st := &State{s: Snapshot{
		Location: loc,
		Interval: interval,
		Status:   StatusInitializing,
		Standard: DefaultStandard,
	}}
	if err := st.setProductions(append([]Production(nil), productions...)); err != nil {
		return nil, err
	}
	if err := st.setDelays(append([]Delay(nil), delays...)); err != nil {
		return nil, err
	}
	return st, nil
}

func (st *State) setProductions(ps []Production) error {
	st.s.Productions = ps
	if len(ps) == 0 {
		st.s.Status = StatusDelayed
		return nil
	}

	total, bad := Pieces(ps)
	st.s.Count = total
	st.s.BadPieces = bad

	last := ps[len(ps)-1]
	var prev *Production
	if len(ps) > 1 {
		prev = &ps[len(ps)-2]
	}
	surpassed, err := st.surpassed(&last, prev, time.Time{})
	if err != nil {
		return err
	}
	if surpassed {
		st.s.Status = StatusDelayed
		return nil
	}
	st.s.Productions = ps[:len(ps)-1]
	st.s.CurrentProduction = &last
	st.s.Status = StatusRunning
	return nil
}

func (st *State) setDelays(ds []Delay) error {
	st.s.Delays = ds

	var lastDelay *Delay
	if len(ds) > 0 {
		lastDelay = &ds[len(ds)-1]
	}
	lastProduction := st.s.LastProduction()

	switch {
	case lastDelay != nil && lastProduction != nil:
		if lastDelay.Start.After(lastProduction.Start) {
			st.reopenLastDelay()
		} else {
			st.openDelay(lastProduction.End, st.s.LastTimestamp())
		}
		return st.settleCurrentProduction()
	case lastDelay != nil:
		st.reopenLastDelay()
	case lastProduction != nil:
		if st.s.CurrentProduction != nil {
			return nil
		}
		st.openDelay(lastProduction.End, st.s.LastTimestamp())
	default:
		ts := st.s.LastTimestamp()
		st.openDelay(ts, ts)
	}
	return nil
}

func (st *State) reopenLastDelay() {
	d := st.s.Delays[len(st.s.Delays)-1]
	st.s.Delays = st.s.Delays[:len(st.s.Delays)-1]
	st.s.CurrentDelay = &d
	st.s.Status = StatusDelayed
}

// settleCurrentProduction closes a production reopened during construction
// when a delay follows it. Persisted productions keep their end time; unsaved
// ones are closed at their time budget.
func (st *State) settleCurrentProduction() error {
	cur := st.s.CurrentProduction
	if cur == nil {
		return nil
	}
	if cur.ID == 0 {
		return st.finishProduction(time.Time{})
	}
	st.s.Productions = append(st.s.Productions, *cur)
	st.s.CurrentProduction = nil
	return nil
}

func (st *State) openDelay(start, end time.Time) {
	if end.Before(start) {
		end = start
	}
	st.s.CurrentDelay = &Delay{
		LocationID: st.s.Location.ID,
		Start:      start,
		End:        end,
	}
	st.s.Status = StatusDelayed
}

// segmentPieces returns the pieces recorded by p, given the production closed
// before it.
func segmentPieces(p, prev *Production) int {
	n := p.TotalPieces
	if prev != nil {
		n -= prev.TotalPieces
	}
	if n < 1 {
		n = 1
	}
	return n
}

// surpassed reports whether p has been open longer than its time budget at ts.
// A zero ts means the last known timestamp.
func (st *State) surpassed(p, prev *Production, ts time.Time) (bool, error) {
	if st.s.Standard <= 0 {
		return false, ErrNoStandard
	}
	if p == nil {
		return false, nil
	}
	if ts.IsZero() {
		ts = st.s.LastTimestamp()
	}
	budget := st.s.Standard * time.Duration(segmentPieces(p, prev))
	return ts.Sub(p.Start) >= budget, nil
}

func (st *State) lastClosedProduction() *Production {
	if n := len(st.s.Productions); n > 0 {
		return &st.s.Productions[n-1]
	}
	return nil
}

// HandleUpdate advances the open segment to ts. A running production that
// outlives its budget is closed at the budget end and a delay opens after it.
func (st *State) HandleUpdate(ts time.Time) error {
	if err := st.updateCurrentProduction(ts); err != nil {
		return err
	}
	st.updateCurrentDelay(ts)

	switch {
	case st.s.CurrentDelay != nil:
		st.s.Status = StatusDelayed
	case st.s.CurrentProduction != nil:
		st.s.Status = StatusRunning
	default:
		return ErrNoOpenSegment
	}
	return nil
}

func (st *State) updateCurrentProduction(ts time.Time) error {
	if st.s.Standard <= 0 {
		return ErrNoStandard
	}
	cur := st.s.CurrentProduction
	if st.s.Status != StatusRunning || cur == nil {
		return nil
	}

	surpassed, err := st.surpassed(cur, st.lastClosedProduction(), ts)
	if err != nil {
		return err
	}
	if surpassed {
		if err := st.finishProduction(time.Time{}); err != nil {
			return err
		}
		st.openDelay(st.lastClosedProduction().End, ts)
		return nil
	}

	cur.End = ts
	st.emitProduction(EventProductionUpdated, cur)
	return nil
}

func (st *State) updateCurrentDelay(ts time.Time) {
	cur := st.s.CurrentDelay
	if st.s.Status == StatusRunning || cur == nil {
		return
	}
	cur.End = ts
	st.emitDelay(EventDelayUpdated, cur)
}

// TryStartProduction closes the current delay at ts and records the pieces
// implied by the raw counter reading. A reading equal to the last count is a
// no-op.
func (st *State) TryStartProduction(ts time.Time, cycleTime float64, raw int) error {
	if st.s.CurrentDelay == nil {
		return ErrNoCurrentDelay
	}
	amount, ok := st.advance(raw)
	if !ok {
		return nil
	}
	st.s.CycleTime = cycleTime
	if err := st.finishDelay(ts); err != nil {
		return err
	}
	return st.addProduction(ts, amount)
}

// TryUpdateProduction records the pieces implied by the raw counter reading
// while the line is running.
func (st *State) TryUpdateProduction(ts time.Time, cycleTime float64, raw int) error {
	if st.s.CurrentProduction == nil {
		return ErrNoCurrentProduction
	}
	amount, ok := st.advance(raw)
	if !ok {
		return nil
	}
	st.s.CycleTime = cycleTime
	return st.addProduction(ts, amount)
}

func (st *State) advance(raw int) (int, bool) {
	amount, next := st.s.counter().Advance(raw)
	if amount == 0 {
		return 0, false
	}
	st.s.Count = next.Count
	st.s.Zero = next.Zero
	return amount, true
}

// Rebase aligns the counter with the first reading seen for this window so the
// pieces already recorded are kept.
func (st *State) Rebase(raw int, cycleTime float64) {
	st.s.Zero = raw - st.s.TotalPieces()
	st.s.Count = raw
	st.s.CycleTime = cycleTime
}

func (st *State) finishDelay(ts time.Time) error {
	if st.s.Standard <= 0 {
		return ErrNoStandard
	}
	cur := st.s.CurrentDelay
	if cur == nil {
		return ErrNoCurrentDelay
	}
	for _, d := range st.s.Delays {
		if d.Start.Equal(cur.Start) {
			return fmt.Errorf("%w: start %s", ErrDuplicateDelay, cur.Start.Format(time.RFC3339))
		}
	}

	d := *cur
	d.End = ts
	d.ShiftID = st.s.ShiftID
	st.s.CurrentDelay = nil
	st.s.Delays = append(st.s.Delays, d)
	st.emitDelay(EventDelayFinished, &d)
	return nil
}

func (st *State) addProduction(ts time.Time, amount int) error {
	if st.s.CurrentProduction != nil {
		if err := st.finishProduction(ts); err != nil {
			return err
		}
	}

	total := st.s.TotalPieces()
	for i := 0; i < amount; i++ {
		p := Production{
			ProductID:   st.s.ProductID,
			LocationID:  st.s.Location.ID,
			ShiftID:     st.s.ShiftID,
			TotalPieces: total + i + 1,
			BadPieces:   st.s.BadPieces,
			Start:       ts,
			End:         ts,
			CycleTime:   st.s.CycleTime,
		}
		p.GoodPieces = p.TotalPieces - p.BadPieces
		if i == amount-1 {
			st.s.CurrentProduction = &p
			break
		}
		st.pushProduction(p)
	}

	st.s.Count += amount
	st.s.Status = StatusRunning
	return nil
}

// finishProduction closes the current production at end. A zero end closes it
// at its time budget.
func (st *State) finishProduction(end time.Time) error {
	if st.s.Standard <= 0 {
		return ErrNoStandard
	}
	cur := st.s.CurrentProduction
	if cur == nil {
		return ErrNoCurrentProduction
	}

	p := *cur
	if end.IsZero() {
		end = p.Start.Add(st.s.Standard * time.Duration(segmentPieces(&p, st.lastClosedProduction())))
	}
	p.End = end
	st.s.CurrentProduction = nil
	st.pushProduction(p)
	return nil
}

func (st *State) pushProduction(p Production) {
	st.s.Productions = append(st.s.Productions, p)
	st.emitProduction(EventProductionFinished, &p)
}

// Finish closes the state at the end of its window: the open segment is
// advanced to ts and then closed at the window end. A ts past the window end
// is clamped to it so no segment outlives the window.
func (st *State) Finish(ts time.Time) error {
	if end := st.s.Interval.End; ts.After(end) {
		ts = end
	}
	if err := st.HandleUpdate(ts); err != nil {
		return err
	}
	switch st.s.Status {
	case StatusDelayed, StatusLostConnection:
		return st.finishDelay(st.s.Interval.End)
	case StatusRunning:
		return st.finishProduction(st.s.Interval.End)
	}
	return fmt.Errorf("%w: status %s", ErrCannotFinish, st.s.Status)
}

// SetStandard assigns the production standard and the per-piece budget derived
// from it.
func (st *State) SetStandard(std Standard) error {
	perPiece := std.PerPiece()
	if perPiece <= 0 {
		return fmt.Errorf("%w: standard %d has rate %v", ErrNoStandard, std.ID, std.Value)
	}
	st.s.ProductionStandard = &std
	st.s.ProductID = std.ProductID
	st.s.Standard = perPiece
	return nil
}

// SetScrap sets the bad pieces of the window, also on the latest production.
func (st *State) SetScrap(amount int) error {
	if amount < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidScrap, amount)
	}
	st.s.BadPieces = amount
	if p := st.s.LastProduction(); p != nil {
		p.BadPieces = amount
		p.GoodPieces = p.TotalPieces - amount
	}
	return nil
}

// SetShiftID links the state to its persisted shift record.
func (st *State) SetShiftID(id int64) {
	st.s.ShiftID = id
}

// AssignProductionID stores the id given by storage to the production that
// started at start with the given cumulative total.
func (st *State) AssignProductionID(start time.Time, total int, id int64) bool {
	match := func(p *Production) bool {
		return p.ID == 0 && p.Start.Equal(start) && p.TotalPieces == total
	}
	if cur := st.s.CurrentProduction; cur != nil && match(cur) {
		cur.ID = id
		return true
	}
	for i := len(st.s.Productions) - 1; i >= 0; i-- {
		if match(&st.s.Productions[i]) {
			st.s.Productions[i].ID = id
			return true
		}
	}
	return false
}

// AssignDelayID stores the id given by storage to the delay that started at
// start.
func (st *State) AssignDelayID(start time.Time, id int64) bool {
	if cur := st.s.CurrentDelay; cur != nil && cur.Start.Equal(start) {
		cur.ID = id
		return true
	}
	for i := len(st.s.Delays) - 1; i >= 0; i-- {
		if st.s.Delays[i].Start.Equal(start) {
			st.s.Delays[i].ID = id
			return true
		}
	}
	return false
}

// TakeEvents returns the events queued since the last call.
func (st *State) TakeEvents() []Event {
	ev := st.events
	st.events = nil
	return ev
}

func (st *State) emitProduction(t EventType, p *Production) {
	cp := *p
	st.events = append(st.events, Event{Type: t, LocationID: st.s.Location.ID, Production: &cp})
}

func (st *State) emitDelay(t EventType, d *Delay) {
	cp := *d
	if cp.ShiftID == 0 {
		cp.ShiftID = st.s.ShiftID
	}
	st.events = append(st.events, Event{Type: t, LocationID: st.s.Location.ID, Delay: &cp})
}

// Snapshot returns a deep copy of the state.
func (st *State) Snapshot() Snapshot {
	return st.s.clone()
}

func (st *State) Status() Status           { return st.s.Status }
func (st *State) Interval() shift.Interval { return st.s.Interval }
func (st *State) Location() model.Location { return st.s.Location }
func (st *State) ShiftID() int64           { return st.s.ShiftID }
func (st *State) Count() int               { return st.s.Count }
func (st *State) TotalPieces() int         { return st.s.TotalPieces() }
func (st *State) LastTimestamp() time.Time { return st.s.LastTimestamp() }

// ProductionStandard returns a copy of the assigned standard, if any.
func (st *State) ProductionStandard() (Standard, bool) {
	if st.s.ProductionStandard == nil {
		return Standard{}, false
	}
	return *st.s.ProductionStandard, true
}

// Pieces sums the pieces recorded by a list of productions. Totals are
// cumulative within a shift, so the sum restarts from zero whenever the shift
// id changes between consecutive rows.
func Pieces(ps []Production) (total, bad int) {
	var prevTotal, prevBad int
	var prevShift int64
	for i, p := range ps {
		if i > 0 && p.ShiftID != prevShift {
			prevTotal, prevBad = 0, 0
		}
		total += p.TotalPieces - prevTotal
		bad += p.BadPieces - prevBad
		prevTotal, prevBad, prevShift = p.TotalPieces, p.BadPieces, p.ShiftID
	}
	return total, bad
}
