package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/avifpress/avifpress/internal/pool"
	apperrors "github.com/avifpress/avifpress/pkg/errors"
	"github.com/avifpress/avifpress/pkg/logging"
	"github.com/avifpress/avifpress/pkg/metrics"
	"github.com/avifpress/avifpress/pkg/resilience"
)

// Config holds supervisor configuration
type Config struct {
	// CheckInterval is the period of the health evaluation loop
	CheckInterval time.Duration
	// DegradeAfterRestarts is the restart count beyond which the system
	// runs in degraded mode
	DegradeAfterRestarts int
	// MaxCheckFailures is the consecutive probe failure count beyond which
	// the system reports unhealthy
	MaxCheckFailures int
}

// DefaultConfig returns the default supervisor configuration
func DefaultConfig() *Config {
	return &Config{
		CheckInterval:        30 * time.Second,
		DegradeAfterRestarts: 5,
		MaxCheckFailures:     3,
	}
}

// HealthProbe checks an external dependency, such as the encoder binary
type HealthProbe func(ctx context.Context) error

// Status is a snapshot of the supervised system
type Status struct {
	Timestamp     time.Time           `json:"timestamp"`
	Healthy       bool                `json:"healthy"`
	Degraded      bool                `json:"degraded"`
	CheckFailures int                 `json:"check_failures"`
	LastCheckAt   time.Time           `json:"last_check_at,omitempty"`
	ShuttingDown  bool                `json:"shutting_down"`
	UptimeSec     float64             `json:"uptime_sec"`
	Breaker       resilience.Snapshot `json:"breaker"`
	Pool          pool.Stats          `json:"pool"`
}

// Supervisor ties the circuit breaker and the worker pool together and
// keeps an eye on both. Jobs flow through the breaker into the pool, and a
// periodic health evaluation decides two independent things: whether to run
// degraded (restart churn, open breaker, or an empty pool) and whether the
// system is unhealthy (consecutive probe failures).
type Supervisor struct {
	config  *Config
	breaker *resilience.CircuitBreaker
	pool    *pool.Manager
	probe   HealthProbe
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	degraded      bool
	checkFailures int
	lastCheckAt   time.Time
	shuttingDown  bool
	started       bool
	startedAt     time.Time

	stopCh       chan struct{}
	doneCh       chan struct{}
	shutdownOnce sync.Once
}

// New creates a new supervisor
func New(config *Config, breaker *resilience.CircuitBreaker, poolManager *pool.Manager, probe HealthProbe, m *metrics.Metrics) *Supervisor {
	if config == nil {
		config = DefaultConfig()
	}

	return &Supervisor{
		config:    config,
		breaker:   breaker,
		pool:      poolManager,
		probe:     probe,
		logger:    logging.GetLogger(),
		metrics:   m,
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the health evaluation loop
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.started || s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.healthLoop()
	s.logger.Info("Supervisor started", "check_interval", s.config.CheckInterval.String())
}

// Process runs a job through the breaker and the pool. While the system is
// degraded the job is stamped so workers can trade quality for speed.
func (s *Supervisor) Process(ctx context.Context, payload interface{}) (interface{}, error) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil, apperrors.NewShutdownError()
	}
	degraded := s.degraded
	s.mu.Unlock()

	job := &pool.Job{
		Payload:  payload,
		Degraded: degraded,
	}

	start := time.Now()
	result, err := s.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return s.pool.Submit(ctx, job)
	})

	if s.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
			if resilience.IsCircuitBreakerError(err) {
				outcome = "rejected"
			}
		}
		s.metrics.RecordJob(outcome, degraded, time.Since(start))
	}

	return result, err
}

// Status returns a snapshot of the supervised system
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	degraded := s.degraded
	checkFailures := s.checkFailures
	lastCheckAt := s.lastCheckAt
	shuttingDown := s.shuttingDown
	startedAt := s.startedAt
	s.mu.Unlock()

	return Status{
		Timestamp:     time.Now(),
		Healthy:       checkFailures <= s.config.MaxCheckFailures,
		Degraded:      degraded,
		CheckFailures: checkFailures,
		LastCheckAt:   lastCheckAt,
		ShuttingDown:  shuttingDown,
		UptimeSec:     time.Since(startedAt).Seconds(),
		Breaker:       s.breaker.GetSnapshot(),
		Pool:          s.pool.Stats(),
	}
}

// RunHealthCheck performs one health evaluation immediately
func (s *Supervisor) RunHealthCheck(ctx context.Context) {
	var probeErr error
	if s.probe != nil {
		probeErr = s.probe(ctx)
	}

	stats := s.pool.Stats()
	breakerState := s.breaker.State()

	shouldDegrade := stats.TotalRestarts > s.config.DegradeAfterRestarts ||
		breakerState == resilience.StateOpen ||
		stats.TotalWorkers == 0

	s.mu.Lock()
	if probeErr != nil {
		s.checkFailures++
	} else {
		s.checkFailures = 0
		s.lastCheckAt = time.Now()
	}
	checkFailures := s.checkFailures
	degradedChanged := s.degraded != shouldDegrade
	s.degraded = shouldDegrade
	s.mu.Unlock()

	if probeErr != nil {
		s.logger.Warn("Health probe failed",
			"error", probeErr.Error(),
			"consecutive_failures", checkFailures,
		)
	}

	if checkFailures > s.config.MaxCheckFailures {
		s.logger.Error("System is unhealthy",
			"consecutive_failures", checkFailures,
			"max_failures", s.config.MaxCheckFailures,
		)
	}

	if degradedChanged {
		if shouldDegrade {
			s.logger.Warn("Entering degraded mode",
				"total_restarts", stats.TotalRestarts,
				"breaker_state", breakerState.String(),
				"pool_size", stats.TotalWorkers,
			)
		} else {
			s.logger.Info("Leaving degraded mode")
		}
	}

	if s.metrics != nil {
		s.metrics.UpdateDegradedMode(shouldDegrade)
		s.metrics.UpdateBreakerState(breakerState.String())
		s.metrics.UpdatePool(stats.TotalWorkers, stats.BusyWorkers, stats.QueuedWaiters)
	}
}

// Shutdown stops the health loop and drains the pool. It is idempotent.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.shuttingDown = true
		started := s.started
		s.mu.Unlock()

		close(s.stopCh)
		if started {
			<-s.doneCh
		}

		s.logger.Info("Supervisor shutting down")
		err = s.pool.Shutdown(ctx)
	})
	return err
}

func (s *Supervisor) healthLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.CheckInterval)
			s.RunHealthCheck(ctx)
			cancel()
		}
	}
}
