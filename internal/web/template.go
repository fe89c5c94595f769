package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/robertosilvah/rdtmgr/internal/logic"
	"github.com/robertosilvah/rdtmgr/internal/status"
	"github.com/robertosilvah/rdtmgr/internal/view"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"label": view.StatusLabel,
	"statusClass": func(s logic.Status) string {
		switch s {
		case logic.StatusRunning:
			return "running"
		case logic.StatusDelayed:
			return "delayed"
		case logic.StatusLostConnection:
			return "lost"
		}
		return "init"
	},
	"stamp": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.UTC().Format("2006-01-02 15:04:05")
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>rdtmgr</title>
<style>
body { font-family: monospace; max-width: 860px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.running { color: green; font-weight: bold; }
.delayed { color: red; font-weight: bold; }
.lost { color: orange; }
.init { color: #888; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>rdtmgr</h1>

<h2>Lines</h2>
<table id="lines">
<tr><th>Id</th><th>Line</th><th>Status</th><th>Shift</th><th>Last update</th><th>Pieces</th><th>OEE</th><th>Messages</th><th>Errors</th></tr>
{{range .Lines}}<tr>
<td>{{.Location.ID}}</td>
<td>{{.Location.Name}}</td>
<td class="{{statusClass .Status}}">{{label .Status}}</td>
<td>{{if .Interval.HasPosition}}{{.Interval.Position}}{{else}}-{{end}}</td>
<td>{{stamp .LastTimestamp}}</td>
<td>{{.TotalPieces}}</td>
<td>{{.OEEText}}</td>
<td>{{.Messages}}</td>
<td{{if .LastError}} title="{{.LastError}}"{{end}}>{{.Errors}}</td>
</tr>
{{else}}<tr><td colspan="9">no lines running</td></tr>
{{end}}</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Websocket clients</th><td>{{.WSClients}}</td></tr>
<tr><th>Redis relay</th><td>{{if .Config.Relay}}on{{else}}off{{end}}</td></tr>
</table>

<h2>Counters</h2>
<table>
<tr><th>Messages</th><td>{{.Counts.Messages}}</td></tr>
<tr><th>Errors</th><td>{{.Counts.Errors}}</td></tr>
<tr><th>Productions</th><td>{{.Counts.Productions}}</td></tr>
<tr><th>Delays</th><td>{{.Counts.Delays}}</td></tr>
<tr><th>Dropped</th><td>{{.Counts.Dropped}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Store</th><td>{{.Config.Store}}{{if .Config.SaveOnDB}} (saving){{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
<tr><th>Websocket</th><td>{{if .Config.WSAddr}}{{.Config.WSAddr}}{{else}}/ws{{end}}</td></tr>
<tr><th>Notify clients</th><td>{{if .Config.NotifyClients}}yes{{else}}no{{end}}</td></tr>
{{if .Config.StateTopic}}<tr><th>State topic</th><td>{{.Config.StateTopic}}</td></tr>{{end}}
</table>

<p><a href="/index.json">JSON</a> | <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
