package ws

import (
	"context"
	"log/slog"

	"github.com/robertosilvah/rdtmgr/internal/process"
	"github.com/robertosilvah/rdtmgr/internal/view"
)

// Broadcaster turns line updates into client actions.
type Broadcaster struct {
	sink Sink
	log  *slog.Logger
}

// NewBroadcaster pushes actions to sink, the hub or a relay in front of it.
func NewBroadcaster(sink Sink, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{sink: sink, log: log.With("component", "broadcast")}
}

// Handle pushes the action of one update.
func (b *Broadcaster) Handle(ctx context.Context, u process.Update) error {
	return b.sink.Publish(ctx, u.LocationID, view.FromUpdate(u))
}

// Run pushes every update until updates is closed or ctx is done.
func (b *Broadcaster) Run(ctx context.Context, updates <-chan process.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if err := b.Handle(ctx, u); err != nil {
				b.log.Error("push update", "location", u.LocationID, "kind", u.Kind, "error", err)
			}
		}
	}
}
