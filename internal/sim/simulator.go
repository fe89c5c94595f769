// Package sim generates, records and replays scanner telemetry for testing
// a deployment without a plant floor.
package sim

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/robertosilvah/rdtmgr/internal/mqtt"
)

// DefaultAutoIncrement is how often a line adds a piece when auto
// increment is on.
const DefaultAutoIncrement = 80 * time.Second

// Line is a simulated production line: a scanner counter that ticks every
// second while running, and a piece counter.
type Line struct {
	Key       string // path segment of the control API
	Scanner   string // telemetry field names
	Count     string
	CycleTime string
	// AutoIncrement is the piece period when auto increment is on.
	AutoIncrement time.Duration
}

// DefaultLines returns the two lines the plant dashboards were built
// against.
func DefaultLines() []Line {
	return []Line{
		{Key: "1", Scanner: "value", Count: "UpsetterPipeCount", CycleTime: "UpsetterCycleTime"},
		{Key: "2", Scanner: "HT_DT_Scanner", Count: "HTPipeCounter", CycleTime: "HtCycleTime"},
	}
}

type lineState struct {
	Line
	running  bool
	auto     bool
	lastAuto time.Time
}

// Simulator publishes the telemetry of its lines every second.
type Simulator struct {
	pub     mqtt.Publisher
	log     *slog.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu      sync.Mutex
	lines   map[string]*lineState
	order   []string
	payload map[string]any
	stopped chan struct{}
	once    sync.Once
}

// New creates a simulator with every line running. The payload is
// published every period.
func New(pub mqtt.Publisher, lines []Line, period time.Duration, log *slog.Logger) *Simulator {
	if log == nil {
		log = slog.Default()
	}
	s := &Simulator{
		pub:     pub,
		log:     log.With("component", "simulator"),
		limiter: rate.NewLimiter(rate.Every(period), 1),
		now:     time.Now,
		lines:   make(map[string]*lineState),
		payload: make(map[string]any),
		stopped: make(chan struct{}),
	}
	for _, l := range lines {
		if l.AutoIncrement <= 0 {
			l.AutoIncrement = DefaultAutoIncrement
		}
		s.lines[l.Key] = &lineState{Line: l, running: true}
		s.order = append(s.order, l.Key)
		s.payload[l.Scanner] = 0
		s.payload[l.Count] = 0
		if l.CycleTime != "" {
			s.payload[l.CycleTime] = 0
		}
	}
	return s
}

// Run publishes until ctx is done or the stop endpoint is called.
func (s *Simulator) Run(ctx context.Context) error {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		select {
		case <-s.stopped:
			return nil
		default:
		}
		if err := s.Tick(); err != nil {
			s.log.Error("publish failed", "error", err)
		}
	}
}

// Tick advances running lines by one period and publishes the payload.
func (s *Simulator) Tick() error {
	now := s.now()
	s.mu.Lock()
	for _, key := range s.order {
		l := s.lines[key]
		if l.running {
			s.add(l.Scanner, 1)
		}
		if l.auto && now.Sub(l.lastAuto) >= l.AutoIncrement {
			s.add(l.Count, 1)
			l.lastAuto = now
		}
	}
	payload, err := mqtt.FormatTelemetry(s.payload)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.pub.Publish(mqtt.TopicTelemetry, payload, false)
}

// Payload returns a copy of the current readings.
func (s *Simulator) Payload() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.payload))
	for k, v := range s.payload {
		out[k] = v
	}
	return out
}

// Stop ends Run.
func (s *Simulator) Stop() {
	s.once.Do(func() { close(s.stopped) })
}

// add increments an integer reading. Callers hold mu.
func (s *Simulator) add(field string, n int) {
	v, _ := s.payload[field].(int)
	s.payload[field] = v + n
}

// Handler returns the control API:
//
//	GET /{line}/start              start the scanner
//	GET /{line}/stop               stop the scanner
//	GET /{line}/increment          add one piece
//	GET /{line}/increment/start    add a piece every auto increment period
//	GET /{line}/increment/stop     stop auto increment
//	GET /{line}/increment/{value}  set the piece counter
//	GET /stop                      stop the simulator
//
// Every endpoint answers with the current telemetry payload.
func (s *Simulator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stop", func(w http.ResponseWriter, r *http.Request) {
		s.Stop()
		s.writePayload(w)
	})
	mux.HandleFunc("GET /{line}/start", s.withLine(func(l *lineState, _ *http.Request) error {
		l.running = true
		return nil
	}))
	mux.HandleFunc("GET /{line}/stop", s.withLine(func(l *lineState, _ *http.Request) error {
		l.running = false
		return nil
	}))
	mux.HandleFunc("GET /{line}/increment", s.withLine(func(l *lineState, _ *http.Request) error {
		s.add(l.Count, 1)
		return nil
	}))
	mux.HandleFunc("GET /{line}/increment/start", s.withLine(func(l *lineState, _ *http.Request) error {
		if !l.auto {
			l.auto = true
			l.lastAuto = s.now()
		}
		return nil
	}))
	mux.HandleFunc("GET /{line}/increment/stop", s.withLine(func(l *lineState, _ *http.Request) error {
		l.auto = false
		return nil
	}))
	mux.HandleFunc("GET /{line}/increment/{value}", s.withLine(func(l *lineState, r *http.Request) error {
		n, err := strconv.Atoi(r.PathValue("value"))
		if err != nil {
			return err
		}
		s.payload[l.Count] = n
		return nil
	}))
	return mux
}

// withLine runs fn on the line named in the path while holding mu.
func (s *Simulator) withLine(fn func(*lineState, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		l, ok := s.lines[r.PathValue("line")]
		if !ok {
			s.mu.Unlock()
			http.Error(w, "unknown line", http.StatusNotFound)
			return
		}
		err := fn(l, r)
		s.mu.Unlock()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.writePayload(w)
	}
}

func (s *Simulator) writePayload(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(mqtt.Telemetry{D: s.Payload()}) //nolint:errcheck
}
