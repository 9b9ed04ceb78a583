// Package metrics turns proxy events into prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/die-net/spindle/internal/eventbus"
)

const (
	namespace = "spindle"

	labelMethod = "method"
	labelCode   = "code"
)

// Collector holds the proxy collectors. Feed it events with Observe,
// typically as an eventbus subscriber.
type Collector struct {
	requests      *prometheus.CounterVec
	responses     *prometheus.CounterVec
	responseBytes prometheus.Counter
	activeWorks   prometheus.Gauge
}

// New builds the collectors and registers them with r. A nil r leaves
// them unregistered.
func New(r prometheus.Registerer) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Count of complete client requests, by method.",
		}, []string{labelMethod}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "responses_total",
			Help:      "Count of upstream responses whose headers completed, by status code.",
		}, []string{labelCode}),
		responseBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_bytes_total",
			Help:      "Encoded bytes of complete upstream responses.",
		}),
		activeWorks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "active_works",
			Help:      "Number of connections currently owned by engines.",
		}),
	}
	if r != nil {
		r.MustRegister(c.requests, c.responses, c.responseBytes, c.activeWorks)
	}
	return c
}

// Observe updates the collectors from one event.
func (c *Collector) Observe(e eventbus.Event) {
	switch e.Name {
	case eventbus.WorkStarted:
		c.activeWorks.Inc()
	case eventbus.WorkFinished:
		c.activeWorks.Dec()
	case eventbus.RequestComplete:
		m := strings.ToUpper(eventbus.PayloadString(e.Payload, "method"))
		if m == "" {
			m = "unknown"
		}
		c.requests.WithLabelValues(m).Inc()
	case eventbus.ResponseHeadersComplete:
		if code, ok := eventbus.PayloadInt(e.Payload, "code"); ok {
			c.responses.WithLabelValues(strconv.Itoa(code)).Inc()
		}
	case eventbus.ResponseComplete:
		if n, ok := eventbus.PayloadInt(e.Payload, "encoded_response_size"); ok && n > 0 {
			c.responseBytes.Add(float64(n))
		}
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
