package status

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/robertosilvah/rdtmgr/internal/view"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string     `json:"event,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Ready         bool       `json:"ready"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	StartTime     string     `json:"start_time"`
	Timestamp     string     `json:"timestamp"`
	MQTT          MQTTStatus `json:"mqtt"`
	WSClients     int        `json:"ws_clients"`
	Counts        CountsJSON `json:"counts"`
	Lines         []LineJSON `json:"lines"`
	Config        ConfigJSON `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of service counters.
type CountsJSON struct {
	Messages    int `json:"messages"`
	Errors      int `json:"errors"`
	Productions int `json:"productions"`
	Delays      int `json:"delays"`
	Dropped     int `json:"dropped"`
}

// LineJSON is the JSON representation of one line.
type LineJSON struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	Shift         *int   `json:"shift,omitempty"`
	LastTimestamp string `json:"last_timestamp,omitempty"`
	TotalPieces   int    `json:"total_pieces"`
	OEE           string `json:"oee"`
	Messages      int    `json:"messages"`
	Errors        int    `json:"errors"`
	LastError     string `json:"last_error,omitempty"`
}

// ConfigJSON is the JSON representation of service config.
type ConfigJSON struct {
	Broker        string `json:"broker"`
	HTTPAddr      string `json:"http_addr"`
	WSAddr        string `json:"ws_addr,omitempty"`
	Store         string `json:"store"`
	SaveOnDB      bool   `json:"save_on_db"`
	NotifyClients bool   `json:"notify_clients"`
	StateTopic    string `json:"state_topic,omitempty"`
	Relay         bool   `json:"relay"`
}

// OEEText formats the OEE of a line, or "-" before it has a standard.
func (l Line) OEEText() string {
	if !l.HasStandard {
		return view.NoLineStops
	}
	return strconv.FormatFloat(l.OEE, 'f', 0, 64)
}

func buildLine(l Line) LineJSON {
	out := LineJSON{
		ID:          l.Location.ID,
		Name:        l.Location.Name,
		Status:      view.StatusLabel(l.Status),
		TotalPieces: l.TotalPieces,
		OEE:         l.OEEText(),
		Messages:    l.Messages,
		Errors:      l.Errors,
		LastError:   l.LastError,
	}
	if l.Interval.HasPosition() {
		pos := l.Interval.Position
		out.Shift = &pos
	}
	if !l.LastTimestamp.IsZero() {
		out.LastTimestamp = l.LastTimestamp.UTC().Format(time.RFC3339)
	}
	return out
}

func buildInner(snap Snapshot) StatusInner {
	lines := make([]LineJSON, 0, len(snap.Lines))
	for _, l := range snap.Lines {
		lines = append(lines, buildLine(l))
	}
	return StatusInner{
		Ready:         snap.Ready(),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		WSClients:     snap.WSClients,
		Counts: CountsJSON{
			Messages:    snap.Counts.Messages,
			Errors:      snap.Counts.Errors,
			Productions: snap.Counts.Productions,
			Delays:      snap.Counts.Delays,
			Dropped:     snap.Counts.Dropped,
		},
		Lines: lines,
		Config: ConfigJSON{
			Broker:        snap.Config.Broker,
			HTTPAddr:      snap.Config.HTTPAddr,
			WSAddr:        snap.Config.WSAddr,
			Store:         snap.Config.Store,
			SaveOnDB:      snap.Config.SaveOnDB,
			NotifyClients: snap.Config.NotifyClients,
			StateTopic:    snap.Config.StateTopic,
			Relay:         snap.Config.Relay,
		},
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
