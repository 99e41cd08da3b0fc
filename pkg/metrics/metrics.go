// Package metrics exposes the proxy's Prometheus collectors on a private
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	requestsTotal *prometheus.CounterVec
	latencyMs     *prometheus.HistogramVec
	renewalsTotal *prometheus.CounterVec
	linesSkipped  prometheus.Counter
	streamsActive prometheus.Gauge
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buddyproxy_requests_total",
			Help: "Total number of API requests handled by the proxy.",
		}, []string{"route", "status"}),
		latencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "buddyproxy_request_latency_ms",
			Help:    "Request latency in milliseconds, including streamed bodies.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 120000},
		}, []string{"route", "status"}),
		renewalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buddyproxy_token_renewals_total",
			Help: "Upstream token registrations and refreshes by outcome.",
		}, []string{"kind", "outcome"}),
		linesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buddyproxy_stream_lines_skipped_total",
			Help: "Malformed upstream stream lines dropped by the transcoder.",
		}),
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buddyproxy_streams_active",
			Help: "Streaming chat completions currently in flight.",
		}),
	}
	r.MustRegister(m.requestsTotal, m.latencyMs, m.renewalsTotal, m.linesSkipped, m.streamsActive)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	s := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(route, s).Inc()
	m.latencyMs.WithLabelValues(route, s).Observe(float64(dur.Milliseconds()))
}

// ObserveRenewal implements tokens.Observer.
func (m *Metrics) ObserveRenewal(kind, outcome string) {
	if m == nil {
		return
	}
	m.renewalsTotal.WithLabelValues(kind, outcome).Inc()
}

// StreamStarted marks a stream as active and returns the func that ends it,
// recording how many lines the transcoder skipped.
func (m *Metrics) StreamStarted() func(skipped int) {
	if m == nil {
		return func(int) {}
	}
	m.streamsActive.Inc()
	return func(skipped int) {
		m.streamsActive.Dec()
		if skipped > 0 {
			m.linesSkipped.Add(float64(skipped))
		}
	}
}
