package gpio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robertosilvah/rdtmgr/internal/process"
)

// PulseCounter turns sensor edges into line telemetry. Every piece that
// enters the sensor counts once; the time between pieces is the cycle time.
type PulseCounter struct {
	r   Reader
	now func() time.Time

	present   bool
	primed    bool
	count     int
	heartbeat int
	lastPiece time.Time
	cycleTime float64
}

// NewPulseCounter counts pieces seen by r.
func NewPulseCounter(r Reader) *PulseCounter {
	return &PulseCounter{r: r, now: time.Now}
}

// Sample reads the sensor once and reports whether a new piece arrived.
// The first sample only establishes the resting state.
func (c *PulseCounter) Sample() (bool, error) {
	present, err := c.r.Read()
	if err != nil {
		return false, err
	}
	rising := c.primed && present && !c.present
	c.present = present
	c.primed = true
	if !rising {
		return false, nil
	}

	now := c.now()
	if !c.lastPiece.IsZero() {
		c.cycleTime = now.Sub(c.lastPiece).Seconds()
	}
	c.lastPiece = now
	c.count++
	return true, nil
}

// Message returns the current reading.
func (c *PulseCounter) Message() process.Message {
	c.heartbeat++
	return process.Message{
		Scanner:   c.heartbeat,
		Count:     c.count,
		CycleTime: c.cycleTime,
		Timestamp: c.now(),
	}
}

// Count returns the pieces seen so far.
func (c *PulseCounter) Count() int {
	return c.count
}

// Run samples the sensor every sample interval and emits a reading every
// report interval until ctx is done. Read errors are returned; emit errors
// are passed to onError and counting continues.
func (c *PulseCounter) Run(ctx context.Context, sample, report time.Duration,
	emit func(context.Context, process.Message) error, onError func(error)) error {
	sampleTick := time.NewTicker(sample)
	defer sampleTick.Stop()
	reportTick := time.NewTicker(report)
	defer reportTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sampleTick.C:
			if _, err := c.Sample(); err != nil {
				return fmt.Errorf("sample sensor: %w", err)
			}
		case <-reportTick.C:
			err := emit(ctx, c.Message())
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled):
				return nil
			case onError != nil:
				onError(err)
			}
		}
	}
}
