package shift

import (
	"errors"
	"fmt"
	"time"
)

const day = 24 * time.Hour

var (
	// ErrInvalidDefinition is returned when a rotation cannot partition a day.
	ErrInvalidDefinition = errors.New("invalid shift definition")

	// ErrNoMatchingInterval is returned when no interval contains an instant.
	ErrNoMatchingInterval = errors.New("no matching shift interval")
)

// Clock is a UTC time of day, stored as the offset from midnight.
type Clock time.Duration

// NewClock builds a Clock from hours, minutes and seconds.
func NewClock(h, m, s int) Clock {
	return Clock(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second)
}

// ClockOf returns the UTC time of day of t.
func ClockOf(t time.Time) Clock {
	t = t.UTC()
	return NewClock(t.Hour(), t.Minute(), t.Second()) + Clock(t.Nanosecond())
}

// ParseClock parses "HH:MM" or "HH:MM:SS".
func ParseClock(s string) (Clock, error) {
	var h, m, sec int
	n, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec)
	if err != nil && n < 2 {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, fmt.Errorf("parse clock %q: out of range", s)
	}
	return NewClock(h, m, sec), nil
}

// String formats the clock as HH:MM:SS.
func (c Clock) String() string {
	d := time.Duration(c)
	return fmt.Sprintf("%02d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

// MarshalText implements encoding.TextMarshaler.
func (c Clock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Clock) UnmarshalText(b []byte) error {
	v, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Definition is a location's recurring shift rotation: Count equal shifts
// starting every day at StartTime.
type Definition struct {
	ID         int64 `json:"id"`
	LocationID int64 `json:"locationId"`
	StartTime  Clock `json:"startTime"`
	Count      int   `json:"amount"`
	Enabled    bool  `json:"enabled"`
}

// Validate checks that the rotation splits a day into equal whole-millisecond
// shifts.
func (d Definition) Validate() error {
	if d.Count <= 0 {
		return fmt.Errorf("%w: shift count %d", ErrInvalidDefinition, d.Count)
	}
	if day.Milliseconds()%int64(d.Count) != 0 {
		return fmt.Errorf("%w: %d shifts do not divide a day", ErrInvalidDefinition, d.Count)
	}
	if d.StartTime < 0 || time.Duration(d.StartTime) >= day {
		return fmt.Errorf("%w: start time %s", ErrInvalidDefinition, d.StartTime)
	}
	return nil
}

// ShiftDuration is the length of every shift in the rotation.
func (d Definition) ShiftDuration() time.Duration {
	if d.Count <= 0 {
		return 0
	}
	return day / time.Duration(d.Count)
}

// IntervalsFrom returns the Count intervals of the shift day containing t.
// The shift day starts at StartTime; an instant earlier in the calendar day
// than StartTime belongs to the previous day's rotation.
func IntervalsFrom(t time.Time, d Definition) []Interval {
	if d.Count <= 0 {
		return nil
	}

	t = t.UTC()
	anchor := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	if ClockOf(t) < d.StartTime {
		anchor = anchor.AddDate(0, 0, -1)
	}
	start := anchor.Add(time.Duration(d.StartTime))
	length := d.ShiftDuration()

	intervals := make([]Interval, d.Count)
	for i := range intervals {
		s := start.Add(length * time.Duration(i))
		intervals[i] = NewInterval(s, s.Add(length), i)
	}
	return intervals
}

// MatchingInterval returns the first interval from IntervalsFrom containing t.
// An instant on a boundary resolves to the earlier interval.
func MatchingInterval(t time.Time, d Definition) (Interval, error) {
	for _, i := range IntervalsFrom(t, d) {
		if i.Contains(t) {
			return i, nil
		}
	}
	return Interval{}, fmt.Errorf("%w: %s", ErrNoMatchingInterval, t.UTC().Format(time.RFC3339))
}

// FromIntervals picks the interval at position, falling back to the nearest
// lower position that exists.
func FromIntervals(position int, intervals []Interval) (Interval, bool) {
	if position < 0 || len(intervals) == 0 {
		return Interval{}, false
	}
	if position >= len(intervals) {
		position = len(intervals) - 1
	}
	return intervals[position], true
}

// DefinitionFromRange rebuilds the rotation that produces a shift spanning
// [start, end).
func DefinitionFromRange(start, end time.Time) Definition {
	length := end.Sub(start)
	count := 0
	if length > 0 {
		count = int(day / length)
	}
	start = start.UTC()
	return Definition{
		StartTime: NewClock(start.Hour(), start.Minute(), start.Second()),
		Count:     count,
		Enabled:   true,
	}
}

// Record is a persisted shift instance for one location.
type Record struct {
	ID         int64     `json:"id"`
	LocationID int64     `json:"locationId"`
	Start      time.Time `json:"startDate"`
	End        time.Time `json:"endDate"`
	Position   int       `json:"position"`
}

// Interval returns the record as an interval.
func (r Record) Interval() Interval {
	return NewInterval(r.Start, r.End, r.Position)
}
