// Package metrics exposes service and line metrics to Prometheus.
//
// All collectors live on a dedicated registry so tests can build as many
// instances as they like.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/robertosilvah/rdtmgr/internal/logic"
)

const namespace = "rdtmgr"

// Metrics holds every collector of the service.
type Metrics struct {
	Registry *prometheus.Registry

	messages     *prometheus.CounterVec
	events       *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	writes       *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	wsClients    prometheus.Gauge
	wsDropped    prometheus.Counter
	broker       prometheus.Gauge
	indicators   *prometheus.GaugeVec
	pieces       *prometheus.GaugeVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a new registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Telemetry messages handled, by location and result.",
		}, []string{"location", "result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_events_total",
			Help:      "Production and delay events emitted, by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Outbound items dropped because a consumer fell behind, by queue.",
		}, []string{"queue"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_writes_total",
			Help:      "Storage writes, by kind and result.",
		}, []string{"kind", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected websocket clients.",
		}),
		wsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_clients_dropped_total",
			Help:      "Websocket clients disconnected for falling behind.",
		}),
		broker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "1 while the MQTT broker connection is up.",
		}),
		indicators: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "line_indicator_percent",
			Help:      "Current window indicators of a line, in percent.",
		}, []string{"location", "indicator"}),
		pieces: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "line_pieces",
			Help:      "Pieces produced in the current window of a line.",
		}, []string{"location"}),
	}
	m.Registry.MustRegister(
		m.messages, m.events, m.dropped, m.writes,
		m.httpRequests, m.httpDuration,
		m.wsClients, m.wsDropped, m.broker,
		m.indicators, m.pieces,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func label(id int64) string {
	return strconv.FormatInt(id, 10)
}

// MessageHandled counts a telemetry message.
func (m *Metrics) MessageHandled(locationID int64, err error) {
	m.messages.WithLabelValues(label(locationID), result(err)).Inc()
}

// EventEmitted counts a segment event.
func (m *Metrics) EventEmitted(t logic.EventType) {
	m.events.WithLabelValues(string(t)).Inc()
}

// Dropped counts an item dropped from queue.
func (m *Metrics) Dropped(queue string) {
	m.dropped.WithLabelValues(queue).Inc()
}

// SegmentWritten counts a storage write.
func (m *Metrics) SegmentWritten(kind string, err error) {
	m.writes.WithLabelValues(kind, result(err)).Inc()
}

// ClientsConnected sets the websocket client gauge.
func (m *Metrics) ClientsConnected(n int) {
	m.wsClients.Set(float64(n))
}

// ClientDropped counts a slow websocket client.
func (m *Metrics) ClientDropped() {
	m.wsDropped.Inc()
}

// BrokerConnected sets the broker gauge.
func (m *Metrics) BrokerConnected(up bool) {
	if up {
		m.broker.Set(1)
		return
	}
	m.broker.Set(0)
}

// ObserveHTTP records one request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveLine publishes the indicators of a line's current window. Lines
// without a production standard have no meaningful rates and are cleared.
func (m *Metrics) ObserveLine(snap logic.Snapshot) {
	id := label(snap.Location.ID)
	ind := snap.Indicators()
	m.pieces.WithLabelValues(id).Set(float64(ind.TotalPieces))
	if !ind.HasStandard {
		m.indicators.DeletePartialMatch(prometheus.Labels{"location": id})
		return
	}
	for name, v := range map[string]float64{
		"availability": ind.Availability,
		"performance":  ind.Performance,
		"quality":      ind.Quality,
		"oee":          ind.OEE,
		"delay_rate":   ind.DelayRate,
	} {
		m.indicators.WithLabelValues(id, name).Set(v)
	}
}

// ForgetLine removes the series of a retired line.
func (m *Metrics) ForgetLine(locationID int64) {
	id := label(locationID)
	m.indicators.DeletePartialMatch(prometheus.Labels{"location": id})
	m.pieces.DeleteLabelValues(id)
	m.messages.DeletePartialMatch(prometheus.Labels{"location": id})
}
