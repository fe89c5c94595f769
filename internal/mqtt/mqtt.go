// Package mqtt connects the line monitor to the telemetry broker, with an
// abstraction for testing.
package mqtt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// TopicTelemetry carries the scanner readings of every line.
const TopicTelemetry = "iot-2/downtime"

// TopicSystem is the topic for service lifecycle events.
const TopicSystem = "rdtmgr/system"

// ErrNoReadings is returned for a telemetry payload without a "d" object.
var ErrNoReadings = errors.New("telemetry payload has no readings")

// Handler receives messages of a subscription.
type Handler func(topic string, payload []byte)

// Publisher publishes messages to the broker.
type Publisher interface {
	// Publish sends payload on topic. While the broker is unreachable the
	// message may be buffered; an error means it was not accepted.
	Publish(topic string, payload []byte, retained bool) error

	// Close disconnects from the broker.
	Close() error
}

// Subscriber delivers messages from the broker.
type Subscriber interface {
	// Subscribe registers h for topic. Subscriptions survive reconnects.
	Subscribe(topic string, h Handler) error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// Client is a full broker connection.
type Client interface {
	Publisher
	Subscriber
	ConnectionStatus
}

// Telemetry is the wire form of a scanner record: {"d": {...}}.
type Telemetry struct {
	D map[string]any `json:"d"`
}

// ParseTelemetry decodes a telemetry payload. Numbers are kept as
// json.Number so large counters survive decoding.
func ParseTelemetry(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var t Telemetry
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decode telemetry: %w", err)
	}
	if t.D == nil {
		return nil, ErrNoReadings
	}
	return t.D, nil
}

// FormatTelemetry encodes readings as a telemetry payload.
func FormatTelemetry(readings map[string]any) ([]byte, error) {
	return json.Marshal(Telemetry{D: readings})
}

// StateTopic returns the retained state topic of a line under prefix.
func StateTopic(prefix string, locationID int64) string {
	return prefix + "/" + strconv.FormatInt(locationID, 10) + "/state"
}

// SystemEvent is a service lifecycle event (startup, shutdown, reconnect).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "RECONNECTED"
	Reason     string // e.g., "SIGTERM" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool
}

// SystemPayload is the payload of a system event without a status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	})
}

// PublishSystem formats and publishes a system event.
func PublishSystem(p Publisher, event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.Publish(TopicSystem, payload, event.Retained)
}
