package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
//
// All Record* methods are safe to call on a nil *Metrics so components can run
// without instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive     prometheus.Gauge
	SessionsTotal      *prometheus.CounterVec
	SessionTransitions *prometheus.CounterVec
	TokenFailures      prometheus.Counter

	// WebSocket metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	FramesTotal       *prometheus.CounterVec

	// Worker metrics
	WorkerStarts        *prometheus.CounterVec
	WorkerStartDuration *prometheus.HistogramVec
	PoolSize            prometheus.Gauge
	PoolEvictions       prometheus.Counter
	PoolReclaimed       prometheus.Counter
	SweepsTotal         prometheus.Counter
	CleanupErrors       *prometheus.CounterVec
}

// New creates a Metrics instance with all collectors registered on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "roomgate"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "route"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of session records currently held in memory",
			},
		),
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of session lifecycle outcomes",
			},
			[]string{"outcome"},
		),
		SessionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Session state machine transitions by event and result",
			},
			[]string{"event", "result"},
		),
		TokenFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_issuance_failures_total",
				Help:      "Access token issuance failures",
			},
		),
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections_active",
				Help:      "Number of bound client WebSocket connections",
			},
		),
		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_connections_total",
				Help:      "Client WebSocket connection attempts by result",
			},
			[]string{"result"},
		),
		FramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_frames_total",
				Help:      "WebSocket frames by direction and type",
			},
			[]string{"direction", "type"},
		),
		WorkerStarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_starts_total",
				Help:      "Worker start attempts by mode and result",
			},
			[]string{"mode", "result"},
		),
		WorkerStartDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "worker_start_duration_seconds",
				Help:      "Worker start duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"mode"},
		),
		PoolSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_size",
				Help:      "Number of idle worker handles held for reuse",
			},
		),
		PoolEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_pool_evictions_total",
				Help:      "Pooled workers evicted because the pool was full",
			},
		),
		PoolReclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_pool_reclaimed_total",
				Help:      "Pooled workers reclaimed by the cleanup sweeper",
			},
		),
		SweepsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_pool_sweeps_total",
				Help:      "Cleanup sweeper runs",
			},
		),
		CleanupErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_errors_total",
				Help:      "Errors swallowed while releasing resources",
			},
			[]string{"resource"},
		),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionTransitions,
		m.TokenFailures,
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.FramesTotal,
		m.WorkerStarts,
		m.WorkerStartDuration,
		m.PoolSize,
		m.PoolEvictions,
		m.PoolReclaimed,
		m.SweepsTotal,
		m.CleanupErrors,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests.
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

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordSessionCreated records a new session record.
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.SessionsTotal.WithLabelValues("created").Inc()
}

// RecordSessionEnded records a session record being removed.
func (m *Metrics) RecordSessionEnded() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues("ended").Inc()
}

// RecordTransition records a state machine event outcome (ok|rejected|failed).
func (m *Metrics) RecordTransition(event, result string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(event, result).Inc()
}

// RecordTokenFailure records a failed token issuance.
func (m *Metrics) RecordTokenFailure() {
	if m == nil {
		return
	}
	m.TokenFailures.Inc()
}

// RecordConnection records a WebSocket connection attempt outcome.
func (m *Metrics) RecordConnection(result string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(result).Inc()
}

// RecordConnectionOpen records a binding being registered.
func (m *Metrics) RecordConnectionOpen() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

// RecordConnectionClosed records a binding being released.
func (m *Metrics) RecordConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

// RecordFrame records one WebSocket frame.
func (m *Metrics) RecordFrame(direction, frameType string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(direction, frameType).Inc()
}

// RecordWorkerStart records a worker start attempt.
func (m *Metrics) RecordWorkerStart(mode, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkerStarts.WithLabelValues(mode, result).Inc()
	m.WorkerStartDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// SetPoolSize publishes the current pool length.
func (m *Metrics) SetPoolSize(n int) {
	if m == nil {
		return
	}
	m.PoolSize.Set(float64(n))
}

// RecordPoolEviction records a capacity eviction.
func (m *Metrics) RecordPoolEviction() {
	if m == nil {
		return
	}
	m.PoolEvictions.Inc()
}

// RecordSweep records one sweeper run and how many entries it reclaimed.
func (m *Metrics) RecordSweep(reclaimed int) {
	if m == nil {
		return
	}
	m.SweepsTotal.Inc()
	if reclaimed > 0 {
		m.PoolReclaimed.Add(float64(reclaimed))
	}
}

// RecordCleanupError records a swallowed release error.
func (m *Metrics) RecordCleanupError(resource string) {
	if m == nil {
		return
	}
	m.CleanupErrors.WithLabelValues(resource).Inc()
}
