package sim

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertosilvah/rdtmgr/internal/mqtt"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newSim(t *testing.T) (*Simulator, *mqtt.FakeClient, *clock) {
	t.Helper()
	pub := mqtt.NewFakeClient()
	c := &clock{t: time.Date(2021, 2, 14, 6, 0, 0, 0, time.UTC)}
	s := New(pub, DefaultLines(), time.Second, nil)
	s.now = c.now
	return s, pub, c
}

func get(t *testing.T, h http.Handler, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if rec.Code != http.StatusOK {
		return rec.Code, nil
	}
	var body mqtt.Telemetry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body.D
}

func lastPayload(t *testing.T, pub *mqtt.FakeClient) map[string]any {
	t.Helper()
	msgs := pub.PublishedTo(mqtt.TopicTelemetry)
	require.NotEmpty(t, msgs)
	d, err := mqtt.ParseTelemetry(msgs[len(msgs)-1].Payload)
	require.NoError(t, err)
	return d
}

func TestSimulatorTickAdvancesRunningScanners(t *testing.T) {
	s, pub, _ := newSim(t)

	require.NoError(t, s.Tick())
	require.NoError(t, s.Tick())
	d := lastPayload(t, pub)
	assert.Equal(t, json.Number("2"), d["value"])
	assert.Equal(t, json.Number("2"), d["HT_DT_Scanner"])
	assert.Equal(t, json.Number("0"), d["UpsetterPipeCount"])

	code, _ := get(t, s.Handler(), "/2/stop")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, s.Tick())
	d = lastPayload(t, pub)
	assert.Equal(t, json.Number("3"), d["value"])
	assert.Equal(t, json.Number("2"), d["HT_DT_Scanner"])
}

func TestSimulatorIncrementEndpoints(t *testing.T) {
	s, _, c := newSim(t)
	h := s.Handler()

	_, d := get(t, h, "/1/increment")
	assert.Equal(t, 1.0, d["UpsetterPipeCount"])

	_, d = get(t, h, "/1/increment/40")
	assert.Equal(t, 40.0, d["UpsetterPipeCount"])

	code, _ := get(t, h, "/1/increment/lots")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = get(t, h, "/9/start")
	assert.Equal(t, http.StatusNotFound, code)

	get(t, h, "/1/increment/start")
	c.t = c.t.Add(DefaultAutoIncrement)
	require.NoError(t, s.Tick())
	require.NoError(t, s.Tick())
	assert.Equal(t, 41, s.Payload()["UpsetterPipeCount"], "one piece per period")

	get(t, h, "/1/increment/stop")
	c.t = c.t.Add(DefaultAutoIncrement)
	require.NoError(t, s.Tick())
	assert.Equal(t, 41, s.Payload()["UpsetterPipeCount"])
}

func TestSimulatorStopEndsRun(t *testing.T) {
	s, pub, _ := newSim(t)
	s.limiter.SetLimit(1000)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return len(pub.PublishedTo(mqtt.TopicTelemetry)) > 0 }, time.Second, 5*time.Millisecond)
	get(t, s.Handler(), "/stop")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRecorder(t *testing.T) {
	var buf bytes.Buffer
	r := NewRecorder(&buf, nil)
	at := time.Date(2021, 2, 14, 6, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return at }

	r.Handle(mqtt.TopicTelemetry, []byte(`{"d":{"value":3,"UpsetterPipeCount":10}}`))
	r.Handle(mqtt.TopicTelemetry, []byte(`garbage`))
	assert.Equal(t, 1, r.Count())
	assert.JSONEq(t, `{"d":{"value":3,"UpsetterPipeCount":10},"receivedAt":"2021-02-14T06:00:00Z"}`, strings.TrimSpace(buf.String()))
}

func TestReadRecordsSkipsBanners(t *testing.T) {
	input := "Connecting to message broker...\nConnected to message broker\n" +
		`{"d":{"value":1},"receivedAt":"2021-02-14T06:00:00Z"}` + "\n\n" +
		`{"d":{"value":2},"receivedAt":"2021-02-14T06:00:01Z"}` + "\n"
	recs, err := ReadRecords(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 2.0, recs[1].D["value"])

	_, err = ReadRecords(strings.NewReader(`{"d":`))
	assert.Error(t, err)
}

func TestReplayerKeepsSpacing(t *testing.T) {
	pub := mqtt.NewFakeClient()
	p := NewReplayer(pub, 2, 0, nil)
	var slept []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	start := time.Date(2021, 2, 14, 6, 0, 0, 0, time.UTC)
	recs := []Record{
		{D: map[string]any{"value": 1.0}, ReceivedAt: start},
		{D: map[string]any{"value": 2.0}, ReceivedAt: start.Add(4 * time.Second)},
		{D: map[string]any{"value": 3.0}, ReceivedAt: start.Add(4 * time.Second)},
	}
	n, err := p.Replay(context.Background(), recs)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []time.Duration{2 * time.Second}, slept)

	msgs := pub.PublishedTo(mqtt.TopicTelemetry)
	require.Len(t, msgs, 3)
	assert.JSONEq(t, `{"d":{"value":3}}`, string(msgs[2].Payload))
}

func TestReplayerStopsOnCancel(t *testing.T) {
	pub := mqtt.NewFakeClient()
	p := NewReplayer(pub, 1, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	n, err := p.Replay(ctx, []Record{
		{D: map[string]any{}, ReceivedAt: start},
		{D: map[string]any{}, ReceivedAt: start.Add(time.Hour)},
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, n, 2)
}
