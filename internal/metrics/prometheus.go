package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Task outcomes recorded by the control loop
const (
	OutcomeHotUpdate     = "hot_update"
	OutcomeColdStart     = "cold_start"
	OutcomeSpawnFailure  = "spawn_failure"
	OutcomeCapacity      = "capacity_rejected"
	OutcomeRegistryError = "registry_error"
)

// Metrics contains all Prometheus metrics for the media orchestrator.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Queue metrics
	TasksEnqueued prometheus.Counter
	QueueDepth    prometheus.Gauge

	// Control loop metrics
	TasksProcessed  *prometheus.CounterVec
	StaleEvictions  prometheus.Counter
	TaskDuration    prometheus.Histogram
	ActiveSessions  prometheus.Gauge
	SessionCapacity prometheus.Gauge

	// Worker metrics
	WorkersSpawned prometheus.Counter
	WorkerExits    *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TasksEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "media_tasks_enqueued_total",
			Help: "Total number of stream requests accepted into the task queue",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "media_task_queue_depth",
			Help: "Current number of tasks waiting for the control loop",
		}),

		TasksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "media_tasks_processed_total",
			Help: "Total number of tasks applied by the control loop, by outcome",
		}, []string{"outcome"}),
		StaleEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "media_stale_evictions_total",
			Help: "Total number of records removed because their worker was gone",
		}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "media_task_duration_seconds",
			Help:    "Time spent applying one task",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8), // 100us to ~1.6s
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "media_active_sessions",
			Help: "Number of records in the session registry",
		}),
		SessionCapacity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "media_session_capacity",
			Help: "Fixed capacity of the session registry",
		}),

		WorkersSpawned: factory.NewCounter(prometheus.CounterOpts{
			Name: "media_workers_spawned_total",
			Help: "Total number of endpoint processes started",
		}),
		WorkerExits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "media_worker_exits_total",
			Help: "Total number of reaped endpoint processes, by exit class",
		}, []string{"class"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "media_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "media_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "media_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordTaskEnqueued counts an accepted request and updates the queue depth
func (m *Metrics) RecordTaskEnqueued(depth int) {
	if m == nil {
		return
	}
	m.TasksEnqueued.Inc()
	m.QueueDepth.Set(float64(depth))
}

// SetQueueDepth sets the current queue depth
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordTask records the outcome and duration of one control loop task
func (m *Metrics) RecordTask(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TasksProcessed.WithLabelValues(outcome).Inc()
	m.TaskDuration.Observe(durationSeconds)
}

// RecordStaleEviction increments the stale eviction counter
func (m *Metrics) RecordStaleEviction() {
	if m == nil {
		return
	}
	m.StaleEvictions.Inc()
}

// SetSessions sets the registry occupancy gauges
func (m *Metrics) SetSessions(active, capacity int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(active))
	m.SessionCapacity.Set(float64(capacity))
}

// RecordWorkerSpawned increments the spawned workers counter
func (m *Metrics) RecordWorkerSpawned() {
	if m == nil {
		return
	}
	m.WorkersSpawned.Inc()
}

// RecordWorkerExit counts a reaped worker by exit class
func (m *Metrics) RecordWorkerExit(class string) {
	if m == nil {
		return
	}
	m.WorkerExits.WithLabelValues(class).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
