package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Call session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	AudioBytesTotal *prometheus.CounterVec

	// Upstream agent metrics
	UpstreamEventsTotal *prometheus.CounterVec

	// Quota metrics
	RateLimitDenials prometheus.Counter

	// End-of-call metrics
	FinalizationsTotal *prometheus.CounterVec
	HandoffsTotal      *prometheus.CounterVec

	ErrorsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "civicgrid"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "call_sessions_active",
		Help:      "Number of call sessions currently open",
	})

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_sessions_total",
			Help:      "Total number of call sessions by end reason",
		},
		[]string{"reason"},
	)

	sessionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "call_session_duration_seconds",
		Help:      "Call session duration in seconds",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes relayed, by direction (in = client to agent)",
		},
		[]string{"direction"},
	)

	upstreamEventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_events_total",
			Help:      "Upstream agent events by normalized kind",
		},
		[]string{"kind"},
	)

	rateLimitDenials := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_denials_total",
		Help:      "Calls refused because the daily quota was exhausted",
	})

	finalizationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_finalizations_total",
			Help:      "Transcript finalizations by outcome",
		},
		[]string{"outcome"},
	)

	handoffsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Transcript handoff launches by target and outcome",
		},
		[]string{"target", "outcome"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors",
		},
		[]string{"error_type"},
	)

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		audioBytesTotal,
		upstreamEventsTotal,
		rateLimitDenials,
		finalizationsTotal,
		handoffsTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:            registry,
		SessionsActive:      sessionsActive,
		SessionsTotal:       sessionsTotal,
		SessionDuration:     sessionDuration,
		AudioBytesTotal:     audioBytesTotal,
		UpstreamEventsTotal: upstreamEventsTotal,
		RateLimitDenials:    rateLimitDenials,
		FinalizationsTotal:  finalizationsTotal,
		HandoffsTotal:       handoffsTotal,
		ErrorsTotal:         errorsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) RecordSessionEnd(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordAudio records relayed audio. direction is "in" or "out".
func (m *Metrics) RecordAudio(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) RecordUpstreamEvent(kind string) {
	if m == nil {
		return
	}
	m.UpstreamEventsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordRateLimitDenied() {
	if m == nil {
		return
	}
	m.RateLimitDenials.Inc()
}

// RecordFinalize records the outcome of a transcript finalization: "ok",
// "error" or "skipped".
func (m *Metrics) RecordFinalize(outcome string) {
	if m == nil {
		return
	}
	m.FinalizationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordHandoff(target, outcome string) {
	if m == nil {
		return
	}
	m.HandoffsTotal.WithLabelValues(target, outcome).Inc()
}

func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}
