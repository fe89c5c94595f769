// Package status provides a thread-safe status tracker for the rdtmgr
// service. It is read by the status page and the MQTT system events.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/robertosilvah/rdtmgr/internal/logic"
	"github.com/robertosilvah/rdtmgr/internal/model"
	"github.com/robertosilvah/rdtmgr/internal/process"
	"github.com/robertosilvah/rdtmgr/internal/shift"
)

// Config contains service configuration for display.
type Config struct {
	Broker        string
	HTTPAddr      string
	WSAddr        string
	Store         string // "postgres" or "memory"
	SaveOnDB      bool
	NotifyClients bool
	StateTopic    string
	Relay         bool
}

// Counts are service-wide counters since startup.
type Counts struct {
	Messages    int
	Errors      int
	Productions int
	Delays      int
	Dropped     int
}

// Line is the last known state of one line.
type Line struct {
	Location      model.Location
	Status        logic.Status
	Interval      shift.Interval
	LastTimestamp time.Time
	TotalPieces   int
	HasStandard   bool
	OEE           float64
	Messages      int
	Errors        int
	LastError     string
}

// Snapshot is a point-in-time view of service state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	WSClients     int
	Counts        Counts
	Lines         []Line // sorted by location id
	Config        Config
}

// Uptime returns the duration since the service started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Ready reports whether telemetry can flow: the broker is connected and at
// least one line is running.
func (s Snapshot) Ready() bool {
	return s.MQTTConnected && len(s.Lines) > 0
}

// Tracker holds mutable service state behind an RWMutex. It implements
// process.Observer.
type Tracker struct {
	mu    sync.RWMutex
	snap  Snapshot
	lines map[int64]*Line
	now   func() time.Time
}

var _ process.Observer = (*Tracker)(nil)

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		lines: make(map[int64]*Line),
		now:   time.Now,
	}
}

func (t *Tracker) line(loc model.Location) *Line {
	l, ok := t.lines[loc.ID]
	if !ok {
		l = &Line{Location: loc}
		t.lines[loc.ID] = l
	}
	return l
}

// SetLine records the state of a line from its latest snapshot.
func (t *Tracker) SetLine(snap logic.Snapshot) {
	ind := snap.Indicators()
	t.mu.Lock()
	l := t.line(snap.Location)
	l.Location = snap.Location
	l.Status = snap.Status
	l.Interval = snap.Interval
	l.LastTimestamp = snap.LastTimestamp()
	l.TotalPieces = snap.TotalPieces()
	l.HasStandard = ind.HasStandard
	l.OEE = ind.OEE
	t.mu.Unlock()
}

// AddLine lists a line that has no state yet.
func (t *Tracker) AddLine(loc model.Location) {
	t.mu.Lock()
	t.line(loc).Location = loc
	t.mu.Unlock()
}

// RemoveLine drops a retired line.
func (t *Tracker) RemoveLine(id int64) {
	t.mu.Lock()
	delete(t.lines, id)
	t.mu.Unlock()
}

// MessageHandled counts a telemetry message of a line.
func (t *Tracker) MessageHandled(locationID int64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Counts.Messages++
	l, ok := t.lines[locationID]
	if ok {
		l.Messages++
	}
	if err != nil {
		t.snap.Counts.Errors++
		if ok {
			l.Errors++
			l.LastError = err.Error()
		}
	}
}

// EventEmitted counts finished segments.
func (t *Tracker) EventEmitted(e logic.EventType) {
	t.mu.Lock()
	switch e {
	case logic.EventProductionFinished:
		t.snap.Counts.Productions++
	case logic.EventDelayFinished:
		t.snap.Counts.Delays++
	}
	t.mu.Unlock()
}

// Dropped counts an outbound item that was dropped.
func (t *Tracker) Dropped(string) {
	t.mu.Lock()
	t.snap.Counts.Dropped++
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetWSClients sets the number of websocket clients.
func (t *Tracker) SetWSClients(n int) {
	t.mu.Lock()
	t.snap.WSClients = n
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the service state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Lines = make([]Line, 0, len(t.lines))
	for _, l := range t.lines {
		s.Lines = append(s.Lines, *l)
	}
	t.mu.RUnlock()
	sort.Slice(s.Lines, func(i, j int) bool { return s.Lines[i].Location.ID < s.Lines[j].Location.ID })
	s.Now = t.now()
	return s
}
