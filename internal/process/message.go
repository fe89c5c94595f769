package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/robertosilvah/rdtmgr/internal/model"
)

// ErrMissingField is returned when a telemetry record lacks the count field of
// a line.
var ErrMissingField = errors.New("missing telemetry field")

// Message is one telemetry reading for a line.
type Message struct {
	Scanner   int       `json:"scanner"`
	Count     int       `json:"count"`
	CycleTime float64   `json:"cycleTime"`
	Timestamp time.Time `json:"timestamp"`
}

// ParseMessage extracts a line's reading from a raw telemetry record using the
// line's field mapping. Records carry no time of their own; now is used.
func ParseMessage(fields model.Fields, raw map[string]any, now time.Time) (Message, error) {
	count, ok, err := number(raw, fields.Count)
	if err != nil {
		return Message{}, err
	}
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrMissingField, fields.Count)
	}
	scanner, _, err := number(raw, fields.Scanner)
	if err != nil {
		return Message{}, err
	}
	cycleTime, _, err := number(raw, fields.CycleTime)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Scanner:   int(scanner),
		Count:     int(count),
		CycleTime: cycleTime,
		Timestamp: now,
	}, nil
}

func number(raw map[string]any, key string) (float64, bool, error) {
	if key == "" {
		return 0, false, nil
	}
	v, ok := raw[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch x := v.(type) {
	case float64:
		return x, true, nil
	case int:
		return float64(x), true, nil
	case int64:
		return float64(x), true, nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, false, fmt.Errorf("field %q: %w", key, err)
		}
		return f, true, nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false, fmt.Errorf("field %q: %w", key, err)
		}
		return f, true, nil
	case bool:
		if x {
			return 1, true, nil
		}
		return 0, true, nil
	}
	return 0, false, fmt.Errorf("field %q: unsupported type %T", key, v)
}
