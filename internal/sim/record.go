package sim

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/robertosilvah/rdtmgr/internal/mqtt"
)

// Record is one line of a recording: the telemetry payload plus the time
// it arrived.
type Record struct {
	D          map[string]any `json:"d"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

// Recorder writes every telemetry message it receives as a JSON line.
type Recorder struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
	log *slog.Logger
	n   int
}

// NewRecorder writes to w.
func NewRecorder(w io.Writer, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{w: w, now: time.Now, log: log.With("component", "recorder")}
}

// Handle is an mqtt.Handler.
func (r *Recorder) Handle(_ string, payload []byte) {
	d, err := mqtt.ParseTelemetry(payload)
	if err != nil {
		r.log.Warn("skipping message", "error", err)
		return
	}
	line, err := json.Marshal(Record{D: d, ReceivedAt: r.now()})
	if err != nil {
		r.log.Warn("skipping message", "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		r.log.Error("write record", "error", err)
		return
	}
	r.n++
}

// Count returns the number of records written.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// ReadRecords parses a recording. Lines that are not JSON objects, such as
// banners printed by older recorders, are skipped.
func ReadRecords(rd io.Reader) ([]Record, error) {
	var out []Record
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

// Replayer publishes a recording with its original spacing.
type Replayer struct {
	pub   mqtt.Publisher
	log   *slog.Logger
	speed float64
	floor *rate.Limiter
	sleep func(context.Context, time.Duration) error
}

// NewReplayer publishes to pub. speed scales the original spacing (2 plays
// twice as fast). maxRate caps messages per second so records that arrived
// together are not sent in a burst; zero disables the cap.
func NewReplayer(pub mqtt.Publisher, speed, maxRate float64, log *slog.Logger) *Replayer {
	if speed <= 0 {
		speed = 1
	}
	if log == nil {
		log = slog.Default()
	}
	limit := rate.Inf
	if maxRate > 0 {
		limit = rate.Limit(maxRate)
	}
	return &Replayer{
		pub:   pub,
		log:   log.With("component", "replay"),
		speed: speed,
		floor: rate.NewLimiter(limit, 1),
		sleep: sleepCtx,
	}
}

// Replay publishes records in order. It returns the number published.
func (p *Replayer) Replay(ctx context.Context, records []Record) (int, error) {
	for i, rec := range records {
		if i > 0 {
			gap := rec.ReceivedAt.Sub(records[i-1].ReceivedAt)
			if gap > 0 {
				if err := p.sleep(ctx, time.Duration(float64(gap)/p.speed)); err != nil {
					return i, err
				}
			}
		}
		if err := p.floor.Wait(ctx); err != nil {
			return i, err
		}
		payload, err := mqtt.FormatTelemetry(rec.D)
		if err != nil {
			return i, err
		}
		if err := p.pub.Publish(mqtt.TopicTelemetry, payload, false); err != nil {
			return i, fmt.Errorf("publish record %d: %w", i, err)
		}
		p.log.Debug("replayed", "index", i, "receivedAt", rec.ReceivedAt)
	}
	return len(records), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
