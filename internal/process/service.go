package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robertosilvah/rdtmgr/internal/logic"
	"github.com/robertosilvah/rdtmgr/internal/model"
	"github.com/robertosilvah/rdtmgr/internal/shift"
)

// Catalog is the storage the service reads from.
type Catalog interface {
	History
	EnabledLocations(ctx context.Context) ([]model.Location, error)
	DefinitionFor(ctx context.Context, locationID int64) (shift.Definition, error)
	StandardByID(ctx context.Context, id int64) (logic.Standard, error)
	ShiftByRange(ctx context.Context, locationID int64, start, end time.Time) (shift.Record, error)
	ShiftsOnDate(ctx context.Context, locationID int64, day time.Time) ([]shift.Record, error)
}

// UpdateKind names a state change pushed to clients.
type UpdateKind string

const (
	UpdateState      UpdateKind = "OnStateUpdate"
	UpdateProduction UpdateKind = "OnUpdateProduction"
	UpdateDelay      UpdateKind = "OnUpdateDelay"
)

// Update is a state change of one line.
type Update struct {
	Kind       UpdateKind
	LocationID int64
	Snapshot   logic.Snapshot
	Shifts     []shift.Interval
}

// Write is a unit of persistence work. Exactly one of Event and Interval is
// set: a closed segment to store, or a window whose shift record must be
// resolved.
type Write struct {
	LocationID int64
	Event      *logic.Event
	Interval   *shift.Interval
}

// Observer receives service activity. Implementations must not block.
type Observer interface {
	MessageHandled(locationID int64, err error)
	EventEmitted(t logic.EventType)
	Dropped(queue string)
}

type nopObserver struct{}

func (nopObserver) MessageHandled(int64, error) {}
func (nopObserver) EventEmitted(logic.EventType) {}
func (nopObserver) Dropped(string)               {}

// Observers fans activity out to every non-nil observer.
func Observers(obs ...Observer) Observer {
	var out multiObserver
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

type multiObserver []Observer

func (m multiObserver) MessageHandled(id int64, err error) {
	for _, o := range m {
		o.MessageHandled(id, err)
	}
}

func (m multiObserver) EventEmitted(t logic.EventType) {
	for _, o := range m {
		o.EventEmitted(t)
	}
}

func (m multiObserver) Dropped(queue string) {
	for _, o := range m {
		o.Dropped(queue)
	}
}

// Config holds service options.
type Config struct {
	// DefaultStandardID is applied to lines that have no standard after
	// loading their history.
	DefaultStandardID int64
	// Fields maps location ids to their telemetry fields.
	Fields map[int64]model.Fields
	// DebugMessages logs every parsed reading.
	DebugMessages bool

	InboxSize     int
	SegmentBuffer int
	UpdateBuffer  int

	Observer Observer
	Now      func() time.Time
}

func (c *Config) applyDefaults() {
	if c.InboxSize <= 0 {
		c.InboxSize = 64
	}
	if c.SegmentBuffer <= 0 {
		c.SegmentBuffer = 256
	}
	if c.UpdateBuffer <= 0 {
		c.UpdateBuffer = 256
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Service owns the controllers of all active lines. Each controller runs on
// its own goroutine so lines never wait on each other, and messages of one
// line are applied in arrival order.
type Service struct {
	store Catalog
	log   *slog.Logger
	cfg   Config

	mu     sync.RWMutex
	procs  map[int64]*handle
	fields atomic.Pointer[map[int64]model.Fields]

	segments chan Write
	updates  chan Update
}

// NewService creates a service. Call Start to load the enabled lines.
func NewService(store Catalog, log *slog.Logger, cfg Config) *Service {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		store:    store,
		log:      log.With("component", "process"),
		cfg:      cfg,
		procs:    make(map[int64]*handle),
		segments: make(chan Write, cfg.SegmentBuffer),
		updates:  make(chan Update, cfg.UpdateBuffer),
	}
	s.UpdateFields(cfg.Fields)
	return s
}

// Segments delivers persistence work. Work is dropped when the consumer
// falls behind.
func (s *Service) Segments() <-chan Write { return s.segments }

// Updates delivers state changes for clients. Updates are dropped when the
// consumer falls behind.
func (s *Service) Updates() <-chan Update { return s.updates }

// UpdateFields replaces the telemetry field mapping of every line.
func (s *Service) UpdateFields(fields map[int64]model.Fields) {
	cp := make(map[int64]model.Fields, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	s.fields.Store(&cp)
}

func (s *Service) fieldsFor(id int64) (model.Fields, bool) {
	f, ok := (*s.fields.Load())[id]
	return f, ok
}

// Start loads every enabled line. A line that fails to load is logged and
// skipped.
func (s *Service) Start(ctx context.Context) error {
	locs, err := s.store.EnabledLocations(ctx)
	if err != nil {
		return fmt.Errorf("list locations: %w", err)
	}
	for _, loc := range locs {
		if err := s.Ensure(ctx, loc); err != nil {
			s.log.Error("start line failed", "location", loc.ID, "error", err)
		}
	}
	return nil
}

// Ensure starts the controller of loc unless it is already running. The live
// state is rebuilt from the history of the current window.
func (s *Service) Ensure(ctx context.Context, loc model.Location) error {
	s.mu.RLock()
	_, ok := s.procs[loc.ID]
	s.mu.RUnlock()
	if ok {
		return nil
	}

	p, err := s.load(ctx, loc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.procs[loc.ID]; ok {
		return nil
	}
	h := newHandle(p, s.cfg.InboxSize)
	s.procs[loc.ID] = h
	go h.run()
	s.log.Info("line started", "location", loc.ID, "name", loc.Name)
	return nil
}

func (s *Service) load(ctx context.Context, loc model.Location) (*Process, error) {
	log := s.log.With("location", loc.ID)

	def, err := s.store.DefinitionFor(ctx, loc.ID)
	if errors.Is(err, model.ErrNotFound) {
		log.Warn("no shift definition; telemetry is ignored until one is set")
		return New(loc, nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load shift definition: %w", err)
	}
	p := New(loc, &def)

	iv, err := shift.MatchingInterval(s.cfg.Now(), def)
	if err != nil {
		return nil, err
	}
	st, err := LoadState(ctx, s.store, loc, iv, log)
	if err != nil {
		return nil, err
	}
	if rec, err := s.store.ShiftByRange(ctx, loc.ID, iv.Start, iv.End); err == nil {
		st.SetShiftID(rec.ID)
	} else if !errors.Is(err, model.ErrNotFound) {
		log.Warn("shift record lookup failed", "error", err)
	}

	if _, ok := st.ProductionStandard(); !ok && s.cfg.DefaultStandardID != 0 {
		std, err := s.store.StandardByID(ctx, s.cfg.DefaultStandardID)
		if err == nil {
			err = st.SetStandard(std)
		}
		if err != nil {
			log.Warn("default standard not applied", "standard", s.cfg.DefaultStandardID, "error", err)
		}
	}
	p.Setup(st)
	return p, nil
}

// Retire stops the controller of a line. The live state is discarded.
func (s *Service) Retire(id int64) bool {
	s.mu.Lock()
	h, ok := s.procs[id]
	delete(s.procs, id)
	s.mu.Unlock()
	if ok {
		h.stop()
		s.log.Info("line retired", "location", id)
	}
	return ok
}

// Close stops every controller.
func (s *Service) Close() {
	s.mu.Lock()
	procs := s.procs
	s.procs = make(map[int64]*handle)
	s.mu.Unlock()
	for _, h := range procs {
		h.stop()
	}
}

func (s *Service) handle(id int64) (*handle, error) {
	s.mu.RLock()
	h, ok := s.procs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLocation, id)
	}
	return h, nil
}

func (s *Service) handles() []*handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*handle, 0, len(s.procs))
	for _, h := range s.procs {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Dispatch routes one raw telemetry record to every running line that has a
// field mapping. Lines are updated concurrently; the returned error joins the
// failures of all lines.
func (s *Service) Dispatch(ctx context.Context, raw map[string]any) error {
	now := s.cfg.Now()
	hs := s.handles()

	errs := make([]error, len(hs))
	var wg sync.WaitGroup
	for i, h := range hs {
		fields, ok := s.fieldsFor(h.id)
		if !ok {
			continue
		}
		msg, err := ParseMessage(fields, raw, now)
		if err != nil {
			errs[i] = fmt.Errorf("location %d: %w", h.id, err)
			s.cfg.Observer.MessageHandled(h.id, err)
			continue
		}
		wg.Add(1)
		go func(i int, h *handle) {
			defer wg.Done()
			if err := s.apply(ctx, h, msg); err != nil {
				errs[i] = fmt.Errorf("location %d: %w", h.id, err)
			}
		}(i, h)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// DispatchTo applies a parsed reading to one line.
func (s *Service) DispatchTo(ctx context.Context, id int64, msg Message) error {
	h, err := s.handle(id)
	if err != nil {
		return err
	}
	return s.apply(ctx, h, msg)
}

func (s *Service) apply(ctx context.Context, h *handle, msg Message) error {
	msgErr, err := do(ctx, h, func(p *Process) error {
		if s.cfg.DebugMessages {
			s.log.Debug("message", "location", h.id, "count", msg.Count,
				"cycle_time", msg.CycleTime, "timestamp", msg.Timestamp)
		}
		first, err := p.HandleMessage(msg)
		s.flush(p, first)
		return err
	})
	if err != nil {
		return err
	}
	s.cfg.Observer.MessageHandled(h.id, msgErr)
	return msgErr
}

// flush hands queued events to the outbound queues. It runs on the line's
// goroutine.
func (s *Service) flush(p *Process, stateChanged bool) {
	id := p.Location().ID
	var updateKind UpdateKind
	for _, ev := range p.TakeEvents() {
		s.cfg.Observer.EventEmitted(ev.Type)
		switch ev.Type {
		case logic.EventProductionUpdated:
			updateKind = UpdateProduction
		case logic.EventDelayUpdated:
			updateKind = UpdateDelay
		default:
			s.sendSegment(Write{LocationID: id, Event: &ev})
		}
	}

	snap, ok := p.Snapshot()
	if !ok {
		return
	}
	if stateChanged {
		iv := snap.Interval
		s.sendSegment(Write{LocationID: id, Interval: &iv})
		updateKind = UpdateState
	}
	if updateKind == "" {
		return
	}
	s.sendUpdate(Update{
		Kind:       updateKind,
		LocationID: id,
		Snapshot:   snap,
		Shifts:     p.Shifts(snap.LastTimestamp()),
	})
}

func (s *Service) sendSegment(w Write) {
	select {
	case s.segments <- w:
	default:
		s.cfg.Observer.Dropped("segments")
		s.log.Warn("segment queue full; write dropped", "location", w.LocationID)
	}
}

func (s *Service) sendUpdate(u Update) {
	select {
	case s.updates <- u:
	default:
		s.cfg.Observer.Dropped("updates")
	}
}

// Line describes a running line.
type Line struct {
	Location   model.Location
	Snapshot   logic.Snapshot
	HasState   bool
	Definition *shift.Definition
	Shifts     []shift.Interval
}

// List returns every running line ordered by location id.
func (s *Service) List(ctx context.Context) ([]Line, error) {
	hs := s.handles()
	out := make([]Line, 0, len(hs))
	for _, h := range hs {
		line, err := do(ctx, h, describe)
		if err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, nil
}

func describe(p *Process) Line {
	line := Line{Location: p.Location()}
	if def, ok := p.Definition(); ok {
		line.Definition = &def
	}
	line.Snapshot, line.HasState = p.Snapshot()
	if line.HasState {
		line.Shifts = p.Shifts(line.Snapshot.LastTimestamp())
	}
	return line
}

// QueryRequest selects the window of a query. Range wins over Shift; with
// neither set the live window is returned.
type QueryRequest struct {
	Range *shift.Interval
	Shift *int
	Date  time.Time
}

// Result is the state of a line for a window.
type Result struct {
	Snapshot logic.Snapshot
	Shifts   []shift.Interval
	// Realtime reports whether the window contains the current time.
	Realtime bool
	// Selected reports whether the request named a window.
	Selected bool
}

// Query returns the state of a line for the requested window. The live state
// is copied on the line's goroutine; other windows are rebuilt from history
// without touching it.
func (s *Service) Query(ctx context.Context, id int64, req QueryRequest) (Result, error) {
	h, err := s.handle(id)
	if err != nil {
		return Result{}, err
	}

	var iv shift.Interval
	line, err := do(ctx, h, describe)
	if err != nil {
		return Result{}, err
	}

	shifts := line.Shifts
	if req.Shift != nil || req.Range != nil {
		day := req.Date
		if day.IsZero() && req.Range != nil {
			day = req.Range.Start
		}
		if !day.IsZero() {
			shifts, err = s.shiftsOn(ctx, id, day, line.Definition)
			if err != nil {
				return Result{}, err
			}
		}
	}

	switch {
	case req.Shift != nil && len(shifts) > 0:
		var ok bool
		iv, ok = shift.FromIntervals(*req.Shift, shifts)
		if !ok {
			return Result{}, fmt.Errorf("%w: shift %d", shift.ErrNoMatchingInterval, *req.Shift)
		}
	case req.Range != nil:
		iv = *req.Range
		if req.Shift != nil {
			iv.Position = *req.Shift
		}
	default:
		if !line.HasState {
			return Result{}, fmt.Errorf("%w: %d", ErrNoState, id)
		}
		return Result{Snapshot: line.Snapshot, Shifts: shifts, Realtime: true}, nil
	}

	res := Result{Shifts: shifts, Selected: true, Realtime: iv.Contains(s.cfg.Now())}
	live, err := do(ctx, h, func(p *Process) *logic.Snapshot {
		if !p.IsLive(iv) {
			return nil
		}
		if snap, ok := p.Snapshot(); ok {
			return &snap
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if live != nil {
		res.Snapshot = *live
		return res, nil
	}

	st, err := LoadState(ctx, s.store, line.Location, iv, s.log.With("location", id))
	if err != nil {
		return Result{}, err
	}
	if rec, err := s.store.ShiftByRange(ctx, id, iv.Start, iv.End); err == nil {
		st.SetShiftID(rec.ID)
	}
	res.Snapshot = st.Snapshot()
	return res, nil
}

// shiftsOn returns the windows of the rotation for day. The first stored shift
// of that calendar day wins over the current definition, so past days keep the
// rotation they were recorded with. Without records the rotation containing
// day is used.
func (s *Service) shiftsOn(ctx context.Context, id int64, day time.Time, def *shift.Definition) ([]shift.Interval, error) {
	recs, err := s.store.ShiftsOnDate(ctx, id, day)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("load shifts: %w", err)
	}
	for _, r := range recs {
		if r.Position == 0 {
			return shift.IntervalsFrom(r.Start, shift.DefinitionFromRange(r.Start, r.End)), nil
		}
	}
	if def == nil {
		return nil, nil
	}
	return shift.IntervalsFrom(day, *def), nil
}

// SetStandard assigns the standard of productID to a line.
func (s *Service) SetStandard(ctx context.Context, id, productID int64) (logic.Standard, error) {
	h, err := s.handle(id)
	if err != nil {
		return logic.Standard{}, err
	}
	std, err := s.store.StandardFor(ctx, productID, id)
	if err != nil {
		return logic.Standard{}, err
	}
	setErr, err := do(ctx, h, func(p *Process) error { return p.SetStandard(std) })
	if err != nil {
		return logic.Standard{}, err
	}
	return std, setErr
}

// SetScrap corrects the bad pieces of a line's live window and pushes the new
// state to clients.
func (s *Service) SetScrap(ctx context.Context, id int64, amount int) error {
	h, err := s.handle(id)
	if err != nil {
		return err
	}
	scrapErr, err := do(ctx, h, func(p *Process) error {
		if err := p.SetScrap(amount); err != nil {
			return err
		}
		s.forceUpdate(p)
		return nil
	})
	if err != nil {
		return err
	}
	return scrapErr
}

// Refresh pushes the full state of a line to clients.
func (s *Service) Refresh(ctx context.Context, id int64) error {
	h, err := s.handle(id)
	if err != nil {
		return err
	}
	return h.call(ctx, s.forceUpdate)
}

func (s *Service) forceUpdate(p *Process) {
	snap, ok := p.Snapshot()
	if !ok {
		return
	}
	s.sendUpdate(Update{
		Kind:       UpdateState,
		LocationID: p.Location().ID,
		Snapshot:   snap,
		Shifts:     p.Shifts(snap.LastTimestamp()),
	})
}

// UpdateDefinition replaces the shift rotation of a running line. A line that
// had none gets its current window loaded.
func (s *Service) UpdateDefinition(ctx context.Context, def shift.Definition) error {
	h, err := s.handle(def.LocationID)
	if err != nil {
		return err
	}
	if !def.Enabled {
		return h.call(ctx, func(p *Process) { p.SetDefinition(nil) })
	}
	if err := def.Validate(); err != nil {
		return err
	}

	fresh, err := do(ctx, h, func(p *Process) bool {
		_, had := p.Definition()
		p.SetDefinition(&def)
		return !had && p.State() == nil
	})
	if err != nil || !fresh {
		return err
	}

	loc, err := do(ctx, h, (*Process).Location)
	if err != nil {
		return err
	}
	iv, err := shift.MatchingInterval(s.cfg.Now(), def)
	if err != nil {
		return err
	}
	st, err := LoadState(ctx, s.store, loc, iv, s.log.With("location", loc.ID))
	if err != nil {
		return err
	}
	return h.call(ctx, func(p *Process) {
		if p.State() == nil {
			p.Setup(st)
		}
	})
}

// AssignProductionID writes a storage id back onto a live production.
func (s *Service) AssignProductionID(ctx context.Context, id int64, p logic.Production, rowID int64) error {
	return s.withState(ctx, id, func(st *logic.State) {
		st.AssignProductionID(p.Start, p.TotalPieces, rowID)
	})
}

// AssignDelayID writes a storage id back onto a live delay.
func (s *Service) AssignDelayID(ctx context.Context, id int64, d logic.Delay, rowID int64) error {
	return s.withState(ctx, id, func(st *logic.State) {
		st.AssignDelayID(d.Start, rowID)
	})
}

// AssignShiftID links the live state to its shift record when the record
// belongs to the live window.
func (s *Service) AssignShiftID(ctx context.Context, id int64, iv shift.Interval, shiftID int64) error {
	return s.withState(ctx, id, func(st *logic.State) {
		if st.Interval().SameRange(iv) {
			st.SetShiftID(shiftID)
		}
	})
}

func (s *Service) withState(ctx context.Context, id int64, fn func(*logic.State)) error {
	h, err := s.handle(id)
	if err != nil {
		return err
	}
	return h.call(ctx, func(p *Process) {
		if st := p.State(); st != nil {
			fn(st)
		}
	})
}

// handle runs one Process on its own goroutine.
type handle struct {
	id    int64
	proc  *Process
	inbox chan func(*Process)
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newHandle(p *Process, size int) *handle {
	return &handle{
		id:    p.Location().ID,
		proc:  p,
		inbox: make(chan func(*Process), size),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (h *handle) run() {
	defer close(h.done)
	for {
		select {
		case fn := <-h.inbox:
			fn(h.proc)
		case <-h.quit:
			return
		}
	}
}

// do runs fn on the line's goroutine and returns its result. The result is
// only read once fn has returned.
func do[T any](ctx context.Context, h *handle, fn func(*Process) T) (T, error) {
	out := make(chan T, 1)
	if err := h.call(ctx, func(p *Process) { out <- fn(p) }); err != nil {
		var zero T
		return zero, err
	}
	return <-out, nil
}

// call runs fn on the line's goroutine and waits for it to return.
func (h *handle) call(ctx context.Context, fn func(*Process)) error {
	ran := make(chan struct{})
	wrapped := func(p *Process) {
		defer close(ran)
		fn(p)
	}
	select {
	case h.inbox <- wrapped:
	case <-h.quit:
		return fmt.Errorf("%w: %d", ErrUnknownLocation, h.id)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-h.done:
		return fmt.Errorf("%w: %d", ErrUnknownLocation, h.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) stop() {
	h.once.Do(func() { close(h.quit) })
	<-h.done
}
