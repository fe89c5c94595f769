// Package view converts line states into the JSON documents sent to API and
// websocket clients. Numbers are preformatted the way the dashboards display
// them.
package view

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/robertosilvah/rdtmgr/internal/logic"
	"github.com/robertosilvah/rdtmgr/internal/model"
	"github.com/robertosilvah/rdtmgr/internal/process"
	"github.com/robertosilvah/rdtmgr/internal/shift"
)

// Placeholders shown before a line has a production standard.
const (
	NoDelayTime = "--:--:--"
	NoLineStops = "-"
)

// StatusLabel returns the display label of a line status.
func StatusLabel(s logic.Status) string {
	switch s {
	case logic.StatusLostConnection:
		return "Lost broker connection"
	case logic.StatusRunning:
		return "Running"
	case logic.StatusDelayed:
		return "Delayed"
	}
	return "Initializing"
}

// FormatDuration formats d as HH:MM:SS. Hours are not wrapped.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3_600_000
	m := ms % 3_600_000 / 60_000
	s := ms % 60_000 / 1000
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatClock formats d as a time of day; durations of a day or more wrap.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return FormatDuration(d % (24 * time.Hour))
}

func fixed(v float64, digits int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	p := math.Pow(10, float64(digits))
	return strconv.FormatFloat(math.Round(v*p)/p, 'f', digits, 64)
}

// GanttDatum is one bar of the timeline chart.
type GanttDatum struct {
	ID       *int64    `json:"id"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Duration string    `json:"duration"`
	Value    bool      `json:"value"` // true for delays
	Pieces   *int      `json:"pieces,omitempty"`
}

func rowID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func ganttDatum(g logic.GanttItem) GanttDatum {
	d := GanttDatum{
		ID:       rowID(g.ID),
		Start:    g.Start,
		End:      g.End,
		Duration: FormatDuration(g.Duration()),
		Value:    g.Delay,
	}
	if !g.Delay {
		pieces := g.Pieces
		d.Pieces = &pieces
	}
	return d
}

// ProductionDatum returns the bar of a single production.
func ProductionDatum(p logic.Production) GanttDatum {
	return ganttDatum(logic.GanttItem{ID: p.ID, Start: p.Start, End: p.End, Pieces: p.TotalPieces})
}

// DelayDatum returns the bar of a single delay.
func DelayDatum(d logic.Delay) GanttDatum {
	return ganttDatum(logic.GanttItem{ID: d.ID, Start: d.Start, End: d.End, Delay: true})
}

// IndicatorsView is the display form of logic.Indicators.
type IndicatorsView struct {
	DelayRate    string       `json:"delayRate"`
	DelayTime    string       `json:"delayTimeStr"`
	LineStops    any          `json:"lineStops"` // count, or "-" without a standard
	Availability string       `json:"availability"`
	Performance  string       `json:"performance"`
	Quality      string       `json:"quality"`
	OEE          string       `json:"oee"`
	CycleTime    string       `json:"cycleTime"`
	TotalPieces  int          `json:"totalPieces"`
	Status       string       `json:"status"`
	Gantt        []GanttDatum `json:"gantt"`
}

// Indicators formats ind. Rates are rounded to whole percents.
func Indicators(ind logic.Indicators) IndicatorsView {
	if !ind.HasStandard {
		return IndicatorsView{
			DelayRate:    "0",
			DelayTime:    NoDelayTime,
			LineStops:    NoLineStops,
			Availability: "0",
			Performance:  "0",
			Quality:      "0",
			OEE:          "0",
			CycleTime:    "0",
			Status:       StatusLabel(ind.Status),
			Gantt:        []GanttDatum{},
		}
	}
	v := IndicatorsView{
		DelayRate:    fixed(ind.DelayRate, 0),
		DelayTime:    FormatClock(ind.DelayTime),
		LineStops:    ind.LineStops,
		Availability: fixed(ind.Availability, 0),
		Performance:  fixed(ind.Performance, 0),
		Quality:      fixed(ind.Quality, 0),
		OEE:          fixed(ind.OEE, 0),
		CycleTime:    fixed(ind.CycleTime, 1),
		TotalPieces:  ind.TotalPieces,
		Status:       StatusLabel(ind.Status),
		Gantt:        make([]GanttDatum, 0, len(ind.Gantt)),
	}
	for _, g := range ind.Gantt {
		v.Gantt = append(v.Gantt, ganttDatum(g))
	}
	return v
}

// StateView is the full state of a line for one window.
type StateView struct {
	Location      model.Location   `json:"location"`
	Standard      *logic.Standard  `json:"standard"`
	Shifts        []shift.Interval `json:"shifts"`
	LastTimestamp time.Time        `json:"lastTimestamp"`
	Interval      shift.Interval   `json:"interval"`
	Indicators    IndicatorsView   `json:"indicators"`
}

// State builds the view of a snapshot.
func State(snap logic.Snapshot, shifts []shift.Interval) StateView {
	if shifts == nil {
		shifts = []shift.Interval{}
	}
	return StateView{
		Location:      snap.Location,
		Standard:      snap.ProductionStandard,
		Shifts:        shifts,
		LastTimestamp: snap.LastTimestamp(),
		Interval:      snap.Interval,
		Indicators:    Indicators(snap.Indicators()),
	}
}

// ProductionUpdate is pushed while a production grows.
type ProductionUpdate struct {
	Location          model.Location `json:"location"`
	Indicators        IndicatorsView `json:"indicators"`
	CurrentProduction *GanttDatum    `json:"currentProduction"`
}

// DelayUpdate is pushed while a delay grows.
type DelayUpdate struct {
	Location     model.Location `json:"location"`
	Indicators   IndicatorsView `json:"indicators"`
	CurrentDelay *GanttDatum    `json:"currentDelay"`
}

// Action is the envelope of every websocket message.
type Action struct {
	Type     string `json:"type"`
	Payload  any    `json:"payload"`
	ClientID string `json:"clientId,omitempty"`
}

// FromUpdate builds the action pushed to clients for a state change.
func FromUpdate(u process.Update) Action {
	snap := u.Snapshot
	switch u.Kind {
	case process.UpdateProduction:
		payload := ProductionUpdate{Location: snap.Location, Indicators: Indicators(snap.Indicators())}
		if snap.CurrentProduction != nil {
			d := ProductionDatum(*snap.CurrentProduction)
			payload.CurrentProduction = &d
		}
		return Action{Type: string(u.Kind), Payload: payload}
	case process.UpdateDelay:
		payload := DelayUpdate{Location: snap.Location, Indicators: Indicators(snap.Indicators())}
		if snap.CurrentDelay != nil {
			d := DelayDatum(*snap.CurrentDelay)
			payload.CurrentDelay = &d
		}
		return Action{Type: string(u.Kind), Payload: payload}
	}
	return Action{Type: string(process.UpdateState), Payload: State(snap, u.Shifts)}
}

// Error is the body of every failed API call.
type Error struct {
	Error string `json:"error"`
}
