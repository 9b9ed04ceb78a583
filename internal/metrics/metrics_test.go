package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/spindle/internal/eventbus"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	}
	t.Fatalf("unexpected metric %v", &pb)
	return 0
}

func TestNew(t *testing.T) {
	require.NotPanics(t, func() { New(nil) })
	require.NotPanics(t, func() { New(prometheus.NewRegistry()) })
}

func TestObserve(t *testing.T) {
	c := New(nil)

	events := []eventbus.Event{
		{Name: eventbus.WorkStarted},
		{Name: eventbus.WorkStarted},
		{Name: eventbus.WorkFinished},
		{Name: eventbus.RequestComplete, Payload: map[string]any{"method": "get"}},
		{Name: eventbus.RequestComplete, Payload: map[string]any{"method": "CONNECT"}},
		{Name: eventbus.RequestComplete},
		// Codes arrive as float64 once they crossed a process boundary.
		{Name: eventbus.ResponseHeadersComplete, Payload: map[string]any{"code": float64(200)}},
		{Name: eventbus.ResponseHeadersComplete, Payload: map[string]any{"code": 404}},
		{Name: eventbus.ResponseComplete, Payload: map[string]any{"encoded_response_size": 120}},
		{Name: eventbus.ResponseComplete, Payload: map[string]any{"encoded_response_size": float64(30)}},
		{Name: eventbus.ResponseChunkReceived, Payload: map[string]any{"chunk_size": 10}},
	}
	for _, e := range events {
		c.Observe(e)
	}

	assert.InDelta(t, 1, value(t, c.activeWorks), 0)
	assert.InDelta(t, 1, value(t, c.requests.WithLabelValues("GET")), 0)
	assert.InDelta(t, 1, value(t, c.requests.WithLabelValues("CONNECT")), 0)
	assert.InDelta(t, 1, value(t, c.requests.WithLabelValues("unknown")), 0)
	assert.InDelta(t, 1, value(t, c.responses.WithLabelValues("200")), 0)
	assert.InDelta(t, 1, value(t, c.responses.WithLabelValues("404")), 0)
	assert.InDelta(t, 150, value(t, c.responseBytes), 0)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.Observe(eventbus.Event{Name: eventbus.RequestComplete, Payload: map[string]any{"method": "GET"}})

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `spindle_http_requests_total{method="GET"} 1`)
	assert.Contains(t, string(body), "spindle_engine_active_works 0")
}
