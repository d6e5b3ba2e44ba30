// Package metrics holds the Prometheus collectors for the relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vai_relay"

// Metrics holds all Prometheus metrics for the relay. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Live connection metrics
	LiveConnectionsActive prometheus.Gauge
	LiveConnectionsTotal  *prometheus.CounterVec
	LiveEventsTotal       *prometheus.CounterVec
	LiveAudioBytesTotal   *prometheus.CounterVec

	// Turn metrics
	TurnViolationsTotal *prometheus.CounterVec
	TurnsTotal          *prometheus.CounterVec
	TurnDuration        prometheus.Histogram

	// HTTP metrics
	HTTPRequestsTotal *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		LiveConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections_active",
			Help:      "Number of open live connections",
		}),
		LiveConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_connections_total",
			Help:      "Live connection attempts by outcome",
		}, []string{"outcome"}),
		LiveEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_events_total",
			Help:      "Structured live events by direction and type",
		}, []string{"direction", "type"}),
		LiveAudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_audio_bytes_total",
			Help:      "Binary audio bytes by direction",
		}, []string{"direction"}),
		TurnViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_violations_total",
			Help:      "Input rejected because the agent held the turn",
		}, []string{"input"}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Agent turns by outcome",
		}, []string{"outcome"}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Agent turn duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"path", "status"}),
	}

	registry.MustRegister(
		m.LiveConnectionsActive,
		m.LiveConnectionsTotal,
		m.LiveEventsTotal,
		m.LiveAudioBytesTotal,
		m.TurnViolationsTotal,
		m.TurnsTotal,
		m.TurnDuration,
		m.HTTPRequestsTotal,
	)
	return m
}

// Registry exposes the underlying registry for tests and gatherers.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordConnection counts a live connection attempt that ended before the
// session started, such as an auth failure.
func (m *Metrics) RecordConnection(outcome string) {
	if m == nil {
		return
	}
	m.LiveConnectionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordConnectionStart() {
	if m == nil {
		return
	}
	m.LiveConnectionsActive.Inc()
}

func (m *Metrics) RecordConnectionEnd(outcome string) {
	if m == nil {
		return
	}
	m.LiveConnectionsActive.Dec()
	m.LiveConnectionsTotal.WithLabelValues(outcome).Inc()
}

// RecordEvent counts one structured event. direction is "in" or "out".
func (m *Metrics) RecordEvent(direction, eventType string) {
	if m == nil {
		return
	}
	m.LiveEventsTotal.WithLabelValues(direction, eventType).Inc()
}

func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.LiveAudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) RecordTurnViolation(input string) {
	if m == nil {
		return
	}
	m.TurnViolationsTotal.WithLabelValues(input).Inc()
}

func (m *Metrics) RecordTurn(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordHTTPRequest(path string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(path, strconv.Itoa(status)).Inc()
}
