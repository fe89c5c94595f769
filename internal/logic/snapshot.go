package logic

import (
	"time"

	"github.com/robertosilvah/rdtmgr/internal/model"
	"github.com/robertosilvah/rdtmgr/internal/shift"
)

// Snapshot is a point-in-time copy of a State. It is safe to read from any
// goroutine once taken.
type Snapshot struct {
	Location           model.Location
	Interval           shift.Interval
	ShiftID            int64
	Status             Status
	Count              int
	Zero               int
	BadPieces          int
	CycleTime          float64
	Standard           time.Duration // per piece
	ProductID          int64
	ProductionStandard *Standard
	Productions        []Production
	Delays             []Delay
	CurrentProduction  *Production
	CurrentDelay       *Delay
}

func (s Snapshot) counter() Counter {
	return Counter{Count: s.Count, Zero: s.Zero}
}

// TotalPieces returns the pieces produced in the window.
func (s Snapshot) TotalPieces() int {
	return s.Count - s.Zero
}

// GoodPieces returns the produced pieces that are not scrap.
func (s Snapshot) GoodPieces() int {
	return s.TotalPieces() - s.BadPieces
}

// LastTimestamp is the end of the open segment, or the window start when no
// segment is open.
func (s Snapshot) LastTimestamp() time.Time {
	switch {
	case s.CurrentDelay != nil:
		return s.CurrentDelay.End
	case s.CurrentProduction != nil:
		return s.CurrentProduction.End
	}
	return s.Interval.Start
}

// DelayAmount counts the delays, including the open one.
func (s Snapshot) DelayAmount() int {
	n := len(s.Delays)
	if s.CurrentDelay != nil {
		n++
	}
	return n
}

// DelayTime sums the duration of every delay, including the open one.
func (s Snapshot) DelayTime() time.Duration {
	var d time.Duration
	for _, x := range s.Delays {
		d += x.Duration()
	}
	if s.CurrentDelay != nil {
		d += s.CurrentDelay.Duration()
	}
	return d
}

// ProductionTime sums the duration of every production, including the open one.
func (s Snapshot) ProductionTime() time.Duration {
	var d time.Duration
	for _, x := range s.Productions {
		d += x.Duration()
	}
	if s.CurrentProduction != nil {
		d += s.CurrentProduction.Duration()
	}
	return d
}

// LastProduction returns the open production or else the last closed one.
// The pointer aliases the snapshot.
func (s *Snapshot) LastProduction() *Production {
	if s.CurrentProduction != nil {
		return s.CurrentProduction
	}
	if n := len(s.Productions); n > 0 {
		return &s.Productions[n-1]
	}
	return nil
}

// LastDelay returns the open delay or else the last closed one.
func (s *Snapshot) LastDelay() *Delay {
	if s.CurrentDelay != nil {
		return s.CurrentDelay
	}
	if n := len(s.Delays); n > 0 {
		return &s.Delays[n-1]
	}
	return nil
}

// AllProductions returns closed productions followed by the open one.
func (s Snapshot) AllProductions() []Production {
	out := append([]Production(nil), s.Productions...)
	if s.CurrentProduction != nil {
		out = append(out, *s.CurrentProduction)
	}
	return out
}

// AllDelays returns closed delays followed by the open one.
func (s Snapshot) AllDelays() []Delay {
	out := append([]Delay(nil), s.Delays...)
	if s.CurrentDelay != nil {
		out = append(out, *s.CurrentDelay)
	}
	return out
}

func (s Snapshot) clone() Snapshot {
	c := s
	c.Productions = append([]Production(nil), s.Productions...)
	c.Delays = append([]Delay(nil), s.Delays...)
	if s.CurrentProduction != nil {
		p := *s.CurrentProduction
		c.CurrentProduction = &p
	}
	if s.CurrentDelay != nil {
		d := *s.CurrentDelay
		c.CurrentDelay = &d
	}
	if s.ProductionStandard != nil {
		std := *s.ProductionStandard
		c.ProductionStandard = &std
	}
	return c
}
