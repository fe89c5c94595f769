// Package shift computes shift windows from a location's shift rotation.
// This package is pure: no I/O, no clock. All instants are handled in UTC.
package shift

import (
	"encoding/json"
	"time"
)

// NoPosition marks an interval that was built from an explicit range rather
// than from a rotation.
const NoPosition = -1

// Interval is a time range [Start, End] with an optional position inside the
// rotation it was derived from.
type Interval struct {
	Start    time.Time
	End      time.Time
	Position int
}

// NewInterval creates an interval at the given rotation position.
func NewInterval(start, end time.Time, position int) Interval {
	return Interval{Start: start.UTC(), End: end.UTC(), Position: position}
}

// Range creates an interval with no rotation position.
func Range(start, end time.Time) Interval {
	return NewInterval(start, end, NoPosition)
}

// HasPosition reports whether the interval carries a rotation position.
func (i Interval) HasPosition() bool {
	return i.Position >= 0
}

// Duration returns End - Start.
func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Contains reports whether t lies within the interval. Both bounds are
// inclusive, so an instant on a shift boundary is contained by two adjacent
// intervals.
func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Start) && !t.After(i.End)
}

// SameRange reports whether both intervals have identical bounds. The
// position is ignored.
func (i Interval) SameRange(o Interval) bool {
	return i.Start.Equal(o.Start) && i.End.Equal(o.End)
}

// Anchor returns the interval moved to the calendar day of day, keeping the
// time of day of Start and the duration.
func (i Interval) Anchor(day time.Time) Interval {
	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(),
		i.Start.Hour(), i.Start.Minute(), i.Start.Second(), i.Start.Nanosecond(), time.UTC)
	return NewInterval(start, start.Add(i.Duration()), i.Position)
}

type intervalJSON struct {
	ID    *int      `json:"id"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// MarshalJSON encodes the position as "id", null when absent.
func (i Interval) MarshalJSON() ([]byte, error) {
	v := intervalJSON{Start: i.Start, End: i.End}
	if i.HasPosition() {
		pos := i.Position
		v.ID = &pos
	}
	return json.Marshal(v)
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (i *Interval) UnmarshalJSON(data []byte) error {
	var v intervalJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*i = Range(v.Start, v.End)
	if v.ID != nil {
		i.Position = *v.ID
	}
	return nil
}
