// Package logic contains the per-line production state engine.
// This package has NO external dependencies (no storage, transport, OS, or clock).
// Time is always injectable via time.Time parameters.
package logic

import (
	"errors"
	"time"
)

// DefaultStandard is the time budget per piece used until a production
// standard is assigned.
const DefaultStandard = time.Minute

var (
	ErrNoStandard          = errors.New("no production standard set")
	ErrNoCurrentDelay      = errors.New("no current delay defined")
	ErrNoCurrentProduction = errors.New("no current production defined")
	ErrNoOpenSegment       = errors.New("no delay nor production defined")
	ErrDuplicateDelay      = errors.New("delay already inserted")
	ErrCannotFinish        = errors.New("cannot finish state")
	ErrInvalidScrap        = errors.New("invalid scrap amount")
)

// Status is the operating status of a line.
type Status int

const (
	StatusInitializing Status = iota
	StatusLostConnection
	StatusRunning
	StatusDelayed
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "INITIALIZING"
	case StatusLostConnection:
		return "LOST_CONNECTION"
	case StatusRunning:
		return "RUNNING"
	case StatusDelayed:
		return "DELAYED"
	}
	return "UNKNOWN"
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Production is a segment of continuous output. TotalPieces, GoodPieces and
// BadPieces are cumulative counter snapshots valid at End.
type Production struct {
	ID          int64     `json:"id"`
	ProductID   int64     `json:"productId"`
	LocationID  int64     `json:"locationId"`
	ShiftID     int64     `json:"shiftId"`
	TotalPieces int       `json:"totalPieces"`
	GoodPieces  int       `json:"goodPieces"`
	BadPieces   int       `json:"badPieces"`
	Start       time.Time `json:"startDate"`
	End         time.Time `json:"endDate"`
	CycleTime   float64   `json:"cycleTime"`
}

// Duration returns End - Start.
func (p Production) Duration() time.Duration {
	return p.End.Sub(p.Start)
}

// Delay is a segment during which the line produced nothing.
type Delay struct {
	ID          int64     `json:"id"`
	LocationID  int64     `json:"locationId"`
	DelayTypeID int64     `json:"delayTypeId,omitempty"`
	ShiftID     int64     `json:"shiftId,omitempty"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"startDate"`
	End         time.Time `json:"endDate"`
}

// Duration returns End - Start.
func (d Delay) Duration() time.Duration {
	return d.End.Sub(d.Start)
}

// Standard is the expected production rate of a product on a location.
type Standard struct {
	ID         int64   `json:"id"`
	ProductID  int64   `json:"productId"`
	LocationID int64   `json:"locationId"`
	Value      float64 `json:"value"` // pieces per hour
	Unit       string  `json:"unit"`
	Enabled    bool    `json:"enabled"`
}

// PerPiece returns the time allowed per piece, or 0 if the rate is unset.
func (s Standard) PerPiece() time.Duration {
	if s.Value <= 0 {
		return 0
	}
	return time.Duration(float64(time.Hour) / s.Value)
}

// EventType identifies a segment change.
type EventType string

const (
	EventProductionFinished EventType = "OnFinishProduction"
	EventProductionUpdated  EventType = "OnUpdateProduction"
	EventDelayFinished      EventType = "OnFinishDelay"
	EventDelayUpdated       EventType = "OnUpdateDelay"
)

// Event is a segment change to be persisted or broadcast. It carries a copy of
// the segment as it was when the event was raised.
type Event struct {
	Type       EventType
	LocationID int64
	Production *Production
	Delay      *Delay
}

// Finished reports whether the event closes a segment.
func (e Event) Finished() bool {
	return e.Type == EventProductionFinished || e.Type == EventDelayFinished
}
