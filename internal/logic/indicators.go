package logic

import (
	"math"
	"slices"
	"time"
)

// Indicators are the OEE figures of a snapshot. Rates are percentages.
type Indicators struct {
	HasStandard  bool
	DelayRate    float64
	DelayTime    time.Duration
	LineStops    int
	Availability float64
	Performance  float64
	Quality      float64
	OEE          float64
	CycleTime    float64
	TotalPieces  int
	Status       Status
	Gantt        []GanttItem
}

// GanttItem is one bar of the timeline chart.
type GanttItem struct {
	ID     int64
	Start  time.Time
	End    time.Time
	Delay  bool
	Pieces int
}

// Duration returns End - Start.
func (g GanttItem) Duration() time.Duration {
	return g.End.Sub(g.Start)
}

// Indicators computes availability, performance, quality and OEE over the
// time elapsed between the window start and the last timestamp. Without a
// standard only the initializing status is reported.
func (s Snapshot) Indicators() Indicators {
	if s.Standard <= 0 {
		return Indicators{Status: StatusInitializing}
	}

	elapsed := float64(s.LastTimestamp().Sub(s.Interval.Start))
	delayTime := s.DelayTime()
	total := s.TotalPieces()

	ind := Indicators{
		HasStandard: true,
		DelayTime:   delayTime,
		TotalPieces: total,
		CycleTime:   s.CycleTime,
		Status:      s.Status,
		DelayRate:   ratio(float64(delayTime), elapsed) * 100,
		LineStops:   s.DelayAmount(),
	}
	if ind.LineStops == 1 && s.CurrentDelay != nil && s.CurrentDelay.Duration() == 0 {
		ind.LineStops = 0
	}

	availability := ratio(float64(s.ProductionTime()), elapsed)
	performance := ratio(float64(total)*float64(s.Standard), elapsed)
	quality := ratio(float64(s.GoodPieces()), float64(total))

	ind.Availability = availability * 100
	ind.Performance = performance * 100
	ind.Quality = quality * 100
	ind.OEE = availability * performance * quality * 100
	ind.Gantt = ganttItems(s)
	return ind
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	r := a / b
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return r
}

func ganttItems(s Snapshot) []GanttItem {
	productions := GroupProductions(s.AllProductions())
	delays := s.AllDelays()

	items := make([]GanttItem, 0, len(productions)+len(delays))
	for _, p := range productions {
		items = append(items, GanttItem{ID: p.ID, Start: p.Start, End: p.End, Pieces: p.TotalPieces})
	}
	for _, d := range delays {
		items = append(items, GanttItem{ID: d.ID, Start: d.Start, End: d.End, Delay: true})
	}
	slices.SortStableFunc(items, func(a, b GanttItem) int { return a.Start.Compare(b.Start) })
	return items
}

// GroupProductions merges contiguous productions into runs. The input is not
// modified. A run that follows a gap has its piece counts reduced by the sum
// of the runs before it.
func GroupProductions(ps []Production) []Production {
	var out []Production
	var total, good, bad int

	for _, p := range ps {
		if len(out) == 0 {
			out = append(out, p)
			continue
		}
		last := &out[len(out)-1]
		if !last.End.Equal(p.Start) {
			total, good, bad = 0, 0, 0
			for _, r := range out {
				total += r.TotalPieces
				good += r.GoodPieces
				bad += r.BadPieces
			}
			run := p
			run.TotalPieces = p.TotalPieces - total
			run.GoodPieces = p.GoodPieces - good
			run.BadPieces = p.BadPieces - bad
			out = append(out, run)
			continue
		}
		last.End = p.End
		last.TotalPieces = p.TotalPieces - total
		last.GoodPieces = p.GoodPieces - good
		last.BadPieces = p.BadPieces - bad
	}
	return out
}
