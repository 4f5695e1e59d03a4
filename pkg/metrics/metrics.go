package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Job metrics
	JobsTotal   *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// Pool metrics
	PoolWorkers         *prometheus.GaugeVec
	PoolQueueDepth      prometheus.Gauge
	WorkerRestartsTotal prometheus.Counter
	WorkerFaultsTotal   prometheus.Counter

	// Recovery metrics
	BreakerState prometheus.Gauge
	DegradedMode prometheus.Gauge

	// Cache metrics
	CacheOperationsTotal *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "avifpress",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "jobs_total",
				Help:      "Total number of conversion jobs by outcome",
			},
			[]string{"result", "degraded"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "job_duration_seconds",
				Help:      "Conversion job duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"result"},
		),
		PoolWorkers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "pool_workers",
				Help:      "Number of workers in the pool",
			},
			[]string{"state"},
		),
		PoolQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "pool_queue_depth",
				Help:      "Number of callers waiting for a worker",
			},
		),
		WorkerRestartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "worker_restarts_total",
				Help:      "Total number of worker restarts",
			},
		),
		WorkerFaultsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "worker_faults_total",
				Help:      "Total number of worker fault events",
			},
		),
		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),
		DegradedMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "degraded_mode",
				Help:      "Whether the service is in degraded mode (0 or 1)",
			},
		),
		CacheOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_operations_total",
				Help:      "Total number of result cache operations",
			},
			[]string{"operation", "outcome"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.JobsTotal,
		m.JobDuration,
		m.PoolWorkers,
		m.PoolQueueDepth,
		m.WorkerRestartsTotal,
		m.WorkerFaultsTotal,
		m.BreakerState,
		m.DegradedMode,
		m.CacheOperationsTotal,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordJob records job outcome metrics
func (m *Metrics) RecordJob(result string, degraded bool, duration time.Duration) {
	if m.JobsTotal == nil {
		return
	}

	m.JobsTotal.WithLabelValues(result, strconv.FormatBool(degraded)).Inc()
	m.JobDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// UpdatePool updates pool size and queue depth metrics
func (m *Metrics) UpdatePool(total, busy, queued int) {
	if m.PoolWorkers == nil {
		return
	}

	m.PoolWorkers.WithLabelValues("total").Set(float64(total))
	m.PoolWorkers.WithLabelValues("busy").Set(float64(busy))
	m.PoolWorkers.WithLabelValues("idle").Set(float64(total - busy))
	m.PoolQueueDepth.Set(float64(queued))
}

// RecordWorkerRestart records a worker restart
func (m *Metrics) RecordWorkerRestart() {
	if m.WorkerRestartsTotal == nil {
		return
	}
	m.WorkerRestartsTotal.Inc()
}

// RecordWorkerFault records a worker fault event
func (m *Metrics) RecordWorkerFault() {
	if m.WorkerFaultsTotal == nil {
		return
	}
	m.WorkerFaultsTotal.Inc()
}

// UpdateBreakerState updates the circuit breaker state gauge
func (m *Metrics) UpdateBreakerState(state string) {
	if m.BreakerState == nil {
		return
	}

	switch state {
	case "OPEN":
		m.BreakerState.Set(1)
	case "HALF_OPEN":
		m.BreakerState.Set(2)
	default:
		m.BreakerState.Set(0)
	}
}

// UpdateDegradedMode updates the degraded mode gauge
func (m *Metrics) UpdateDegradedMode(degraded bool) {
	if m.DegradedMode == nil {
		return
	}

	if degraded {
		m.DegradedMode.Set(1)
	} else {
		m.DegradedMode.Set(0)
	}
}

// RecordCacheOperation records a result cache operation
func (m *Metrics) RecordCacheOperation(operation, outcome string) {
	if m.CacheOperationsTotal == nil {
		return
	}
	m.CacheOperationsTotal.WithLabelValues(operation, outcome).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
