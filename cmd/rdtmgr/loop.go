package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/robertosilvah/rdtmgr/internal/logic"
	"github.com/robertosilvah/rdtmgr/internal/mqtt"
	"github.com/robertosilvah/rdtmgr/internal/process"
	"github.com/robertosilvah/rdtmgr/internal/status"
	"github.com/robertosilvah/rdtmgr/internal/view"
)

// gauges are the per-line and broker metrics the loop keeps current.
type gauges interface {
	ObserveLine(snap logic.Snapshot)
	BrokerConnected(up bool)
}

// buffered is implemented by publishers that queue messages while the
// broker is down.
type buffered interface {
	Buffered() int
}

// loop holds what runLoop publishes to. push and gauges may be nil.
type loop struct {
	publisher  mqtt.Publisher
	conn       mqtt.ConnectionStatus
	tracker    *status.Tracker
	gauges     gauges
	push       func(context.Context, process.Update) error
	stateTopic string
	now        func() time.Time
	log        *slog.Logger
}

// runLoop fans line updates out to the status tracker, metrics, websocket
// clients and the retained state topic. It publishes a heartbeat on every
// heartbeat tick and a shutdown event when a signal arrives.
func runLoop(ctx context.Context, l loop, updates <-chan process.Update, statusTick, heartbeat <-chan time.Time, sig <-chan os.Signal) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case s := <-sig:
			name := signalName(s)
			l.log.Info("shutting down", "signal", name)
			l.refreshConnection()
			event := mqtt.SystemEvent{
				Timestamp:  l.now(),
				Event:      "SHUTDOWN",
				Reason:     name,
				Retained:   true,
				RawPayload: status.FormatStatusEvent(l.tracker.Snapshot(), "SHUTDOWN", name),
			}
			if err := mqtt.PublishSystem(l.publisher, event); err != nil {
				l.log.Warn("publish shutdown event", "error", err)
			} else {
				l.log.Info("published shutdown event")
			}
			return nil

		case u, ok := <-updates:
			if !ok {
				return nil
			}
			l.update(ctx, u)

		case <-statusTick:
			l.refreshConnection()

		case <-heartbeat:
			l.refreshConnection()
			snap := l.tracker.Snapshot()
			attrs := []any{"uptime", snap.Uptime().Round(time.Second), "messages", snap.Counts.Messages, "errors", snap.Counts.Errors}
			if b, ok := l.publisher.(buffered); ok {
				attrs = append(attrs, "buffered", b.Buffered())
			}
			l.log.Info("heartbeat", attrs...)
			event := mqtt.SystemEvent{
				Timestamp:  l.now(),
				Event:      "HEARTBEAT",
				RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
			}
			if err := mqtt.PublishSystem(l.publisher, event); err != nil {
				l.log.Warn("heartbeat publish error", "error", err)
			}
		}
	}
}

func (l loop) update(ctx context.Context, u process.Update) {
	l.tracker.SetLine(u.Snapshot)
	if l.gauges != nil {
		l.gauges.ObserveLine(u.Snapshot)
	}
	if l.push != nil {
		if err := l.push(ctx, u); err != nil {
			l.log.Warn("push update", "location", u.LocationID, "kind", u.Kind, "error", err)
		}
	}
	if l.stateTopic == "" || u.Kind != process.UpdateState {
		return
	}
	payload, err := json.Marshal(view.State(u.Snapshot, u.Shifts))
	if err != nil {
		l.log.Error("encode state", "location", u.LocationID, "error", err)
		return
	}
	if err := l.publisher.Publish(mqtt.StateTopic(l.stateTopic, u.LocationID), payload, true); err != nil {
		l.log.Warn("publish state", "location", u.LocationID, "error", err)
	}
}

func (l loop) refreshConnection() {
	if l.conn == nil {
		return
	}
	up := l.conn.IsConnected()
	l.tracker.SetMQTTConnected(up)
	if l.gauges != nil {
		l.gauges.BrokerConnected(up)
	}
}
