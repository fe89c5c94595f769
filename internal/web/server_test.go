package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"

	"github.com/robertosilvah/rdtmgr/internal/logic"
	rmodel "github.com/robertosilvah/rdtmgr/internal/model"
	"github.com/robertosilvah/rdtmgr/internal/metrics"
	"github.com/robertosilvah/rdtmgr/internal/process"
	"github.com/robertosilvah/rdtmgr/internal/shift"
	"github.com/robertosilvah/rdtmgr/internal/status"
	"github.com/robertosilvah/rdtmgr/internal/store"
	"github.com/robertosilvah/rdtmgr/internal/view"
)

var shiftStart = time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)

func runningLine(id int64) logic.Snapshot {
	return logic.Snapshot{
		Location: rmodel.Location{ID: id, Name: "Upsetter", Enabled: true},
		Interval: shift.NewInterval(shiftStart, shiftStart.Add(8*time.Hour), 0),
		Status:   logic.StatusRunning,
		Count:    10,
		Standard: time.Minute,
		CurrentProduction: &logic.Production{
			LocationID: id,
			Start:      shiftStart,
			End:        shiftStart.Add(10 * time.Minute),
		},
	}
}

type fakeLines struct {
	mu sync.Mutex

	lines     []process.Line
	result    process.Result
	queryErr  error
	lastQuery *process.QueryRequest

	standard    logic.Standard
	standardErr error
	scrap       []int
	scrapErr    error
	refreshed   []int64

	ensured     []int64
	retired     []int64
	definitions []shift.Definition
	defErr      error
}

func (f *fakeLines) List(context.Context) ([]process.Line, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lines, nil
}

func (f *fakeLines) Query(_ context.Context, id int64, req process.QueryRequest) (process.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = &req
	if f.queryErr != nil {
		return process.Result{}, f.queryErr
	}
	return f.result, nil
}

func (f *fakeLines) SetStandard(_ context.Context, id, productID int64) (logic.Standard, error) {
	if f.standardErr != nil {
		return logic.Standard{}, f.standardErr
	}
	return f.standard, nil
}

func (f *fakeLines) SetScrap(_ context.Context, id int64, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scrapErr != nil {
		return f.scrapErr
	}
	f.scrap = append(f.scrap, amount)
	return nil
}

func (f *fakeLines) Refresh(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != 1 {
		return process.ErrUnknownLocation
	}
	f.refreshed = append(f.refreshed, id)
	return nil
}

func (f *fakeLines) Ensure(_ context.Context, loc rmodel.Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, loc.ID)
	return nil
}

func (f *fakeLines) Retire(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retired = append(f.retired, id)
	return true
}

func (f *fakeLines) UpdateDefinition(_ context.Context, def shift.Definition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.definitions = append(f.definitions, def)
	return f.defErr
}

type realtimeCall struct {
	client   string
	location int64
	realtime bool
}

type fakeRealtime struct {
	calls []realtimeCall
}

func (f *fakeRealtime) SetRealtime(client string, location int64, realtime bool) bool {
	f.calls = append(f.calls, realtimeCall{client, location, realtime})
	return true
}

type testServer struct {
	handler  http.Handler
	tracker  *status.Tracker
	lines    *fakeLines
	realtime *fakeRealtime
	store    *store.Memory
	metrics  *metrics.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := status.Config{
		Broker:   "tcp://192.168.1.200:1883",
		HTTPAddr: ":3000",
		Store:    "memory",
	}
	ts := &testServer{
		tracker:  status.NewTracker(shiftStart, cfg),
		lines:    &fakeLines{},
		realtime: &fakeRealtime{},
		store:    store.NewMemory(),
		metrics:  metrics.New(),
	}
	srv := New(":0", Options{
		Tracker:  ts.tracker,
		Lines:    ts.lines,
		Store:    ts.store,
		Realtime: ts.realtime,
		Observer: ts.metrics,
		Metrics:  ts.metrics.Handler(),
	})
	ts.handler = srv.Handler()
	return ts
}

// do serves one request in-process.
func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(method, path, rd))
	resp := rec.Result()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decodeBody(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func TestJSONEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.tracker.SetLine(runningLine(1))
	ts.tracker.MessageHandled(1, nil)
	ts.tracker.SetMQTTConnected(true)

	resp, data := ts.do(t, http.MethodGet, "/index.json", "")
	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	decodeBody(t, data, &sj)
	if !sj.Status.Ready {
		t.Error("expected Ready=true")
	}
	if sj.Status.MQTT.Broker != "tcp://192.168.1.200:1883" {
		t.Errorf("MQTT.Broker: got %q, want tcp://192.168.1.200:1883", sj.Status.MQTT.Broker)
	}
	if sj.Status.Counts.Messages != 1 {
		t.Errorf("Counts.Messages: got %d, want 1", sj.Status.Counts.Messages)
	}
	if len(sj.Status.Lines) != 1 || sj.Status.Lines[0].Name != "Upsetter" {
		t.Errorf("Lines: got %+v", sj.Status.Lines)
	}
}

func TestHTMLEndpointRoot(t *testing.T) {
	ts := newTestServer(t)
	ts.tracker.SetLine(runningLine(1))

	for _, path := range []string{"/", "/index.html"} {
		resp, data := ts.do(t, http.MethodGet, path, "")
		if resp.StatusCode != 200 {
			t.Errorf("%s status: got %d, want 200", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("%s Content-Type: got %q, want text/html", path, ct)
		}
		body := string(data)
		if !strings.Contains(body, "Upsetter") || !strings.Contains(body, "Running") {
			t.Errorf("%s: line table missing from page", path)
		}
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodGet, "/nonexistent", "")
	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestProcessList(t *testing.T) {
	ts := newTestServer(t)

	resp, data := ts.do(t, http.MethodGet, "/api/process", "")
	if resp.StatusCode != 404 {
		t.Errorf("no lines: got %d, want 404", resp.StatusCode)
	}
	var e view.Error
	decodeBody(t, data, &e)
	if e.Error == "" {
		t.Error("expected an error message")
	}

	ts.lines.lines = []process.Line{
		{Location: rmodel.Location{ID: 2}},
		{Location: rmodel.Location{ID: 1}, Snapshot: runningLine(1), HasState: true},
	}
	resp, data = ts.do(t, http.MethodGet, "/api/process", "")
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	var states []view.StateView
	decodeBody(t, data, &states)
	if len(states) != 1 {
		t.Fatalf("states: got %d, want 1 (lines without state are skipped)", len(states))
	}
	if states[0].Indicators.OEE != "100" {
		t.Errorf("OEE: got %q, want 100", states[0].Indicators.OEE)
	}
}

func TestProcessQuery(t *testing.T) {
	ts := newTestServer(t)
	ts.lines.result = process.Result{Snapshot: runningLine(1), Realtime: false, Selected: true}

	body := `{"date":"2026-01-01","shift":2,"clientId":"c-1"}`
	resp, data := ts.do(t, http.MethodPost, "/api/process/1", body)
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200: %s", resp.StatusCode, data)
	}

	q := ts.lines.lastQuery
	if q == nil || q.Shift == nil || *q.Shift != 2 {
		t.Fatalf("query shift: got %+v", q)
	}
	if want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC); !q.Date.Equal(want) {
		t.Errorf("query date: got %v, want %v", q.Date, want)
	}
	if q.Range != nil {
		t.Error("expected no range")
	}

	want := []realtimeCall{{"c-1", 1, false}}
	if len(ts.realtime.calls) != 1 || ts.realtime.calls[0] != want[0] {
		t.Errorf("realtime calls: got %+v, want %+v", ts.realtime.calls, want)
	}

	var state view.StateView
	decodeBody(t, data, &state)
	if state.Location.ID != 1 {
		t.Errorf("location: got %d, want 1", state.Location.ID)
	}
}

func TestProcessQueryRange(t *testing.T) {
	ts := newTestServer(t)
	ts.lines.result = process.Result{Snapshot: runningLine(1), Realtime: true}

	body := `{"start":"2026-01-01T06:00:00Z","end":"2026-01-01T14:00:00Z"}`
	resp, _ := ts.do(t, http.MethodPost, "/api/process/1", body)
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	q := ts.lines.lastQuery
	if q.Range == nil || !q.Range.Start.Equal(shiftStart) || q.Range.HasPosition() {
		t.Errorf("range: got %+v", q.Range)
	}
	if len(ts.realtime.calls) != 0 {
		t.Errorf("realtime calls without client id: got %d, want 0", len(ts.realtime.calls))
	}

	// An empty body asks for the live window.
	resp, _ = ts.do(t, http.MethodPost, "/api/process/1", "")
	if resp.StatusCode != 200 {
		t.Errorf("empty body: got %d, want 200", resp.StatusCode)
	}
	if q := ts.lines.lastQuery; q.Range != nil || q.Shift != nil {
		t.Errorf("empty body query: got %+v", q)
	}
}

func TestProcessQueryErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		err  error
		want int
	}{
		{"bad id", "/api/process/abc", "", nil, 400},
		{"bad json", "/api/process/1", "{", nil, 400},
		{"bad date", "/api/process/1", `{"date":"monday"}`, nil, 400},
		{"reversed range", "/api/process/1", `{"start":"2026-01-01T14:00:00Z","end":"2026-01-01T06:00:00Z"}`, nil, 400},
		{"negative shift", "/api/process/1", `{"shift":-1}`, nil, 400},
		{"unknown location", "/api/process/9", "", process.ErrUnknownLocation, 404},
		{"no interval", "/api/process/1", `{"shift":5}`, shift.ErrNoMatchingInterval, 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.lines.queryErr = tt.err

			resp, data := ts.do(t, http.MethodPost, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status: got %d, want %d", resp.StatusCode, tt.want)
			}
			var e view.Error
			decodeBody(t, data, &e)
			if e.Error == "" {
				t.Error("expected an error body")
			}
		})
	}
}

func TestSetStandard(t *testing.T) {
	ts := newTestServer(t)
	ts.lines.standard = logic.Standard{ID: 4, ProductID: 3, LocationID: 1, Value: 60}

	resp, data := ts.do(t, http.MethodPost, "/api/process/1/product/3", "")
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	var std logic.Standard
	decodeBody(t, data, &std)
	if std.ID != 4 {
		t.Errorf("standard: got %d, want 4", std.ID)
	}

	ts.lines.standardErr = rmodel.ErrNotFound
	resp, _ = ts.do(t, http.MethodPost, "/api/process/1/product/3", "")
	if resp.StatusCode != 404 {
		t.Errorf("missing standard: got %d, want 404", resp.StatusCode)
	}
}

func TestSetScrap(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/process/1/scrap/3", "")
	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if len(ts.lines.scrap) != 1 || ts.lines.scrap[0] != 3 {
		t.Errorf("scrap: got %v, want [3]", ts.lines.scrap)
	}

	for _, amount := range []string{"-1", "lots"} {
		resp, _ = ts.do(t, http.MethodPost, "/api/process/1/scrap/"+amount, "")
		if resp.StatusCode != 400 {
			t.Errorf("scrap %s: got %d, want 400", amount, resp.StatusCode)
		}
	}

	ts.lines.scrapErr = logic.ErrInvalidScrap
	resp, _ = ts.do(t, http.MethodPost, "/api/process/1/scrap/99", "")
	if resp.StatusCode != 400 {
		t.Errorf("scrap above total: got %d, want 400", resp.StatusCode)
	}
}

func TestRefresh(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/process/1/refresh", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status: got %d, want 202", resp.StatusCode)
	}
	if len(ts.lines.refreshed) != 1 {
		t.Errorf("refreshed: got %v, want [1]", ts.lines.refreshed)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/process/9/refresh", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown line: got %d, want 404", resp.StatusCode)
	}
}

func TestLocationsCRUD(t *testing.T) {
	ts := newTestServer(t)

	resp, data := ts.do(t, http.MethodPost, "/api/locations", `{"name":"Upsetter","enabled":true}`)
	if resp.StatusCode != 200 {
		t.Fatalf("create: got %d, want 200: %s", resp.StatusCode, data)
	}
	var loc rmodel.Location
	decodeBody(t, data, &loc)
	if loc.ID == 0 || loc.Name != "Upsetter" {
		t.Errorf("created: got %+v", loc)
	}
	if len(ts.lines.ensured) != 1 || ts.lines.ensured[0] != loc.ID {
		t.Errorf("ensured: got %v, want [%d]", ts.lines.ensured, loc.ID)
	}

	ts.do(t, http.MethodPost, "/api/locations", `{"name":"Heat treat","enabled":false}`)
	resp, _ = ts.do(t, http.MethodPost, "/api/locations", `{"enabled":true}`)
	if resp.StatusCode != 400 {
		t.Errorf("create without name: got %d, want 400", resp.StatusCode)
	}

	var all, enabled []rmodel.Location
	_, data = ts.do(t, http.MethodGet, "/api/locations", "")
	decodeBody(t, data, &all)
	_, data = ts.do(t, http.MethodGet, "/api/locations?enabled=true", "")
	decodeBody(t, data, &enabled)
	if len(all) != 2 || len(enabled) != 1 {
		t.Errorf("list: got %d all / %d enabled, want 2 / 1", len(all), len(enabled))
	}

	resp, data = ts.do(t, http.MethodPut, "/api/locations", `{"id":1,"name":"Upsetter 1","enabled":false}`)
	if resp.StatusCode != 200 {
		t.Fatalf("update: got %d, want 200: %s", resp.StatusCode, data)
	}
	decodeBody(t, data, &loc)
	if loc.Name != "Upsetter 1" {
		t.Errorf("updated name: got %q", loc.Name)
	}
	if len(ts.lines.retired) != 1 {
		t.Errorf("disabling through update should retire the line, retired %v", ts.lines.retired)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/api/locations/2", "")
	if resp.StatusCode != 204 {
		t.Errorf("delete: got %d, want 204", resp.StatusCode)
	}
	if len(ts.lines.retired) != 2 || ts.lines.retired[1] != 2 {
		t.Errorf("retired: got %v, want [1 2]", ts.lines.retired)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/locations/42", "")
	if resp.StatusCode != 404 {
		t.Errorf("get missing: got %d, want 404", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodPut, "/api/locations", `{"name":"x"}`)
	if resp.StatusCode != 400 {
		t.Errorf("update without id: got %d, want 400", resp.StatusCode)
	}
}

func TestStandardsValidation(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/production/standards", `{"productId":1,"locationId":1,"value":0}`)
	if resp.StatusCode != 400 {
		t.Errorf("zero value: got %d, want 400", resp.StatusCode)
	}
	resp, data := ts.do(t, http.MethodPost, "/api/production/standards", `{"productId":1,"locationId":1,"value":120,"unit":"pieces/hour","enabled":true}`)
	if resp.StatusCode != 200 {
		t.Fatalf("create: got %d, want 200: %s", resp.StatusCode, data)
	}
	var std logic.Standard
	decodeBody(t, data, &std)
	if std.ID == 0 || std.Value != 120 {
		t.Errorf("created: got %+v", std)
	}
}

func TestDefinitionsPushToLines(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/shifts/definitions", `{"locationId":1,"startTime":"06:00:00","amount":7,"enabled":true}`)
	if resp.StatusCode != 400 {
		t.Errorf("uneven rotation: got %d, want 400", resp.StatusCode)
	}

	resp, data := ts.do(t, http.MethodPost, "/api/shifts/definitions", `{"locationId":1,"startTime":"06:00:00","amount":3,"enabled":true}`)
	if resp.StatusCode != 200 {
		t.Fatalf("create: got %d, want 200: %s", resp.StatusCode, data)
	}
	var def shift.Definition
	decodeBody(t, data, &def)
	if len(ts.lines.definitions) != 1 || ts.lines.definitions[0].Count != 3 {
		t.Fatalf("pushed: got %+v", ts.lines.definitions)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/api/shifts/definitions/"+jsonNumber(def.ID), "")
	if resp.StatusCode != 204 {
		t.Errorf("delete: got %d, want 204", resp.StatusCode)
	}
	if n := len(ts.lines.definitions); n != 2 || ts.lines.definitions[1].Enabled {
		t.Errorf("disable should push a disabled definition, got %+v", ts.lines.definitions)
	}
}

func TestLocationShifts(t *testing.T) {
	ts := newTestServer(t)
	if _, err := ts.store.CreateShift(context.Background(), shift.Record{LocationID: 1, Start: shiftStart, End: shiftStart.Add(8 * time.Hour)}); err != nil {
		t.Fatalf("create shift: %v", err)
	}

	resp, data := ts.do(t, http.MethodGet, "/api/locations/1/shifts", "")
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	var recs []shift.Record
	decodeBody(t, data, &recs)
	if len(recs) != 1 {
		t.Errorf("records: got %d, want 1", len(recs))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/api/process", "")

	resp, data := ts.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("parse metrics: %v", err)
	}
	mf, ok := families["rdtmgr_http_requests_total"]
	if !ok {
		t.Fatal("rdtmgr_http_requests_total missing")
	}
	found := false
	for _, m := range mf.GetMetric() {
		labels := map[string]string{}
		for _, l := range m.GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		if labels["route"] == "GET /api/process" && labels["status"] == "404" {
			found = m.GetCounter().GetValue() == 1
		}
	}
	if !found {
		t.Errorf("no sample for GET /api/process 404 in %v", mf.GetMetric())
	}
}

func jsonNumber(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
