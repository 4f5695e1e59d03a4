package pool

import (
	"context"
	goerrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/avifpress/avifpress/pkg/errors"
	"github.com/avifpress/avifpress/pkg/logging"
	"github.com/avifpress/avifpress/pkg/metrics"
)

// Config holds worker pool configuration
type Config struct {
	// MaxWorkers bounds the number of concurrently running workers
	MaxWorkers int
	// AcquireTimeout bounds how long a caller waits for a free worker
	AcquireTimeout time.Duration
	// ExecutionTimeout bounds how long a caller waits for a job outcome
	ExecutionTimeout time.Duration
	// MaxRestarts bounds how many crashed workers the pool will replace
	MaxRestarts int
	// RestartBackoff is the delay before a crashed worker is replaced
	RestartBackoff time.Duration
	// MaxWorkerErrors is the error count beyond which a worker is terminated
	MaxWorkerErrors int
}

// DefaultConfig returns the default pool configuration
func DefaultConfig() *Config {
	return &Config{
		MaxWorkers:       4,
		AcquireTimeout:   30 * time.Second,
		ExecutionTimeout: 120 * time.Second,
		MaxRestarts:      10,
		RestartBackoff:   1 * time.Second,
		MaxWorkerErrors:  3,
	}
}

// Stats is a point-in-time snapshot of the pool
type Stats struct {
	MaxWorkers    int           `json:"max_workers"`
	TotalWorkers  int           `json:"total_workers"`
	BusyWorkers   int           `json:"busy_workers"`
	IdleWorkers   int           `json:"idle_workers"`
	QueuedWaiters int           `json:"queued_waiters"`
	TotalRestarts int           `json:"total_restarts"`
	CompletedJobs int64         `json:"completed_jobs"`
	FailedJobs    int64         `json:"failed_jobs"`
	ShuttingDown  bool          `json:"shutting_down"`
	Workers       []WorkerStats `json:"workers"`
}

// WorkerStats describes a single live worker
type WorkerStats struct {
	ID            string        `json:"id"`
	Busy          bool          `json:"busy"`
	Created       time.Time     `json:"created"`
	JobsCompleted int64         `json:"jobs_completed"`
	ErrorCount    int           `json:"error_count"`
	LastActivity  time.Time     `json:"last_activity"`
	Uptime        time.Duration `json:"uptime"`
}

type workerState struct {
	id            string
	proc          Process
	busy          bool
	created       time.Time
	jobsCompleted int64
	errorCount    int
	lastActivity  time.Time
	stopping      bool
	// replace marks a deliberate termination that still wants a successor,
	// such as crossing the error threshold.
	replace bool
}

type waiter struct {
	ch chan *workerState
}

// Manager owns a bounded pool of workers and dispatches jobs to them.
// Callers that find no idle worker wait in FIFO order up to the acquire
// timeout. Crashed workers are replaced after a backoff while the restart
// budget lasts; workers that accumulate too many errors are terminated and
// replaced through the same restart path.
type Manager struct {
	config  *Config
	spawner Spawner
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	workers       map[string]*workerState
	waiters       []*waiter
	restartCount  int
	completedJobs int64
	failedJobs    int64
	shuttingDown  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a new pool manager
func NewManager(config *Config, spawner Spawner, m *metrics.Metrics) *Manager {
	if config == nil {
		config = DefaultConfig()
	}

	return &Manager{
		config:  config,
		spawner: spawner,
		logger:  logging.GetLogger(),
		metrics: m,
		workers: make(map[string]*workerState),
		stopCh:  make(chan struct{}),
	}
}

// Start pre-spawns the configured number of workers
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shuttingDown {
		return apperrors.NewShutdownError()
	}

	for i := 0; i < m.config.MaxWorkers; i++ {
		if _, err := m.spawnLocked(); err != nil {
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
	}

	m.updateMetricsLocked()
	m.logger.Info("Worker pool started", "max_workers", m.config.MaxWorkers)
	return nil
}

// Submit dispatches a job to a worker and waits for its outcome. It fails
// with an acquisition timeout when no worker frees up in time, and with an
// execution timeout when the worker does not answer within the deadline; in
// the latter case the worker stays busy until it produces its own response
// or crashes.
func (m *Manager) Submit(ctx context.Context, job *Job) (interface{}, error) {
	if job == nil {
		return nil, apperrors.NewValidationError("job must not be nil")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}

	ws, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}

	if err := ws.proc.Send(job); err != nil {
		m.recordFailure()
		return nil, apperrors.NewWorkerFaultError(ws.id, err.Error())
	}

	m.logger.LogJobEvent(ctx, "dispatched", job.ID, ws.id, nil)

	timer := time.NewTimer(m.config.ExecutionTimeout)
	defer timer.Stop()

	select {
	case resp := <-ws.proc.Responses():
		return m.finish(ctx, ws, job, resp)

	case <-ws.proc.Exited():
		m.recordFailure()
		m.logger.LogJobEvent(ctx, "worker_crashed", job.ID, ws.id, nil)
		return nil, apperrors.NewWorkerFaultError(ws.id, "worker exited during job execution")

	case <-timer.C:
		// The caller is released, but the worker remains busy until its
		// own response or crash frees it.
		go m.drainLate(ws, job.ID)
		m.recordFailure()
		m.logger.LogJobEvent(ctx, "execution_timeout", job.ID, ws.id, map[string]interface{}{
			"deadline": m.config.ExecutionTimeout.String(),
		})
		return nil, apperrors.NewExecutionTimeoutError(ws.id, m.config.ExecutionTimeout)
	}
}

// Stats returns a snapshot of the pool state
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	busy := 0
	workers := make([]WorkerStats, 0, len(m.workers))
	for _, ws := range m.workers {
		if ws.busy {
			busy++
		}
		workers = append(workers, WorkerStats{
			ID:            ws.id,
			Busy:          ws.busy,
			Created:       ws.created,
			JobsCompleted: ws.jobsCompleted,
			ErrorCount:    ws.errorCount,
			LastActivity:  ws.lastActivity,
			Uptime:        now.Sub(ws.created),
		})
	}

	return Stats{
		MaxWorkers:    m.config.MaxWorkers,
		TotalWorkers:  len(m.workers),
		BusyWorkers:   busy,
		IdleWorkers:   len(m.workers) - busy,
		QueuedWaiters: len(m.waiters),
		TotalRestarts: m.restartCount,
		CompletedJobs: m.completedJobs,
		FailedJobs:    m.failedJobs,
		ShuttingDown:  m.shuttingDown,
		Workers:       workers,
	}
}

// ResetRestartBudget clears the restart counter, re-arming worker
// replacement after an operator intervention
func (m *Manager) ResetRestartBudget() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restartCount = 0
}

// Shutdown stops the pool. Waiting callers are rejected immediately,
// in-flight jobs get until the context deadline to finish, then all workers
// are terminated. Shutdown is idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil
	}
	m.shuttingDown = true
	m.waiters = nil
	m.mu.Unlock()

	// Wakes every caller blocked in acquire.
	close(m.stopCh)

	m.logger.Info("Worker pool shutting down")

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

drain:
	for {
		m.mu.Lock()
		busy := 0
		for _, ws := range m.workers {
			if ws.busy {
				busy++
			}
		}
		m.mu.Unlock()

		if busy == 0 {
			break
		}

		select {
		case <-ctx.Done():
			m.logger.Warn("Shutdown deadline reached with busy workers", "busy_workers", busy)
			break drain
		case <-ticker.C:
		}
	}

	m.mu.Lock()
	procs := make([]Process, 0, len(m.workers))
	for _, ws := range m.workers {
		ws.stopping = true
		procs = append(procs, ws.proc)
	}
	m.mu.Unlock()

	for _, proc := range procs {
		proc.Terminate()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire hands out an idle worker, spawning one when the pool is below
// capacity and otherwise waiting in FIFO order.
func (m *Manager) acquire(ctx context.Context) (*workerState, error) {
	m.mu.Lock()

	if m.shuttingDown {
		m.mu.Unlock()
		return nil, apperrors.NewShutdownError()
	}

	for _, ws := range m.workers {
		if !ws.busy && !ws.stopping {
			ws.busy = true
			m.updateMetricsLocked()
			m.mu.Unlock()
			return ws, nil
		}
	}

	if len(m.workers) < m.config.MaxWorkers && m.restartCount < m.config.MaxRestarts {
		ws, err := m.spawnLocked()
		if err == nil {
			ws.busy = true
			m.updateMetricsLocked()
			m.mu.Unlock()
			return ws, nil
		}
		m.logger.Error("Failed to spawn worker on demand", "error", err)
	}

	w := &waiter{ch: make(chan *workerState, 1)}
	m.waiters = append(m.waiters, w)
	m.updateMetricsLocked()
	m.mu.Unlock()

	timer := time.NewTimer(m.config.AcquireTimeout)
	defer timer.Stop()

	select {
	case ws := <-w.ch:
		return ws, nil
	case <-timer.C:
		if ws := m.cancelWaiter(w); ws != nil {
			m.release(ws, false)
		}
		return nil, apperrors.NewAcquisitionTimeoutError(m.config.AcquireTimeout)
	case <-ctx.Done():
		if ws := m.cancelWaiter(w); ws != nil {
			m.release(ws, false)
		}
		return nil, ctx.Err()
	case <-m.stopCh:
		if ws := m.cancelWaiter(w); ws != nil {
			m.release(ws, false)
		}
		return nil, apperrors.NewShutdownError()
	}
}

// cancelWaiter removes a waiter from the queue. When the waiter was already
// handed a worker in a race with the deadline, that worker is returned so
// the caller can put it back.
func (m *Manager) cancelWaiter(w *waiter) *workerState {
	m.mu.Lock()
	for i, x := range m.waiters {
		if x == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			m.updateMetricsLocked()
			m.mu.Unlock()
			return nil
		}
	}
	m.mu.Unlock()

	select {
	case ws := <-w.ch:
		return ws
	default:
		return nil
	}
}

func (m *Manager) finish(ctx context.Context, ws *workerState, job *Job, resp Response) (interface{}, error) {
	m.release(ws, resp.Err != nil)

	if resp.Err != nil {
		m.mu.Lock()
		m.failedJobs++
		m.mu.Unlock()

		m.logger.LogJobEvent(ctx, "failed", job.ID, ws.id, map[string]interface{}{
			"error": resp.Err.Error(),
		})

		var appErr *apperrors.AppError
		if goerrors.As(resp.Err, &appErr) {
			return nil, appErr
		}
		return nil, apperrors.NewJobFailureError(resp.Err.Error())
	}

	m.mu.Lock()
	m.completedJobs++
	ws.jobsCompleted++
	m.mu.Unlock()

	m.logger.LogJobEvent(ctx, "completed", job.ID, ws.id, nil)
	return resp.Value, nil
}

// release puts a worker back into rotation, handing it straight to the
// oldest waiter when one is queued. Workers past the error threshold are
// terminated instead.
func (m *Manager) release(ws *workerState, countError bool) {
	m.mu.Lock()

	ws.lastActivity = time.Now()
	if countError {
		ws.errorCount++
	}

	if ws.errorCount > m.config.MaxWorkerErrors && !ws.stopping {
		ws.stopping = true
		ws.replace = true
		m.updateMetricsLocked()
		m.mu.Unlock()
		m.logger.LogWorkerEvent("terminated_error_threshold", ws.id, map[string]interface{}{
			"error_count": ws.errorCount,
		})
		ws.proc.Terminate()
		return
	}

	if _, ok := m.workers[ws.id]; ok && !ws.stopping {
		m.handOffLocked(ws)
	}
	m.updateMetricsLocked()
	m.mu.Unlock()
}

// handOffLocked gives the worker to the oldest waiter, or marks it idle.
// Must be called with the mutex held.
func (m *Manager) handOffLocked(ws *workerState) {
	if len(m.waiters) > 0 {
		w := m.waiters[0]
		m.waiters = m.waiters[1:]
		ws.busy = true
		w.ch <- ws
		return
	}
	ws.busy = false
}

// drainLate waits out a worker whose caller gave up on the deadline and
// releases it once its own response or crash arrives.
func (m *Manager) drainLate(ws *workerState, jobID string) {
	select {
	case resp := <-ws.proc.Responses():
		if resp.Err == nil {
			m.mu.Lock()
			m.completedJobs++
			ws.jobsCompleted++
			m.mu.Unlock()
		}
		m.logger.LogWorkerEvent("late_response", ws.id, map[string]interface{}{
			"job_id": jobID,
		})
		m.release(ws, resp.Err != nil)
	case <-ws.proc.Exited():
		// watch() handles removal and restart.
	}
}

func (m *Manager) recordFailure() {
	m.mu.Lock()
	m.failedJobs++
	m.mu.Unlock()
}

// spawnLocked creates a worker and starts its monitor. Must be called with
// the mutex held.
func (m *Manager) spawnLocked() (*workerState, error) {
	id := "worker-" + uuid.New().String()[:8]

	proc, err := m.spawner.Spawn(id)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn worker %s: %w", id, err)
	}

	now := time.Now()
	ws := &workerState{id: id, proc: proc, created: now, lastActivity: now}
	m.workers[id] = ws

	m.wg.Add(1)
	go m.watch(ws)

	m.logger.LogWorkerEvent("spawned", id, nil)
	return ws, nil
}

// watch monitors one worker for faults and exit, replacing it after a
// backoff when it crashes and the restart budget allows.
func (m *Manager) watch(ws *workerState) {
	defer m.wg.Done()

	for {
		select {
		case err := <-ws.proc.Faults():
			m.onFault(ws, err)
		case <-ws.proc.Exited():
			m.onExit(ws)
			return
		}
	}
}

func (m *Manager) onFault(ws *workerState, faultErr error) {
	if m.metrics != nil {
		m.metrics.RecordWorkerFault()
	}

	m.mu.Lock()
	ws.errorCount++
	count := ws.errorCount
	terminate := count > m.config.MaxWorkerErrors && !ws.stopping
	if terminate {
		ws.stopping = true
		ws.replace = true
	}
	m.mu.Unlock()

	m.logger.LogWorkerEvent("fault", ws.id, map[string]interface{}{
		"error":       faultErr.Error(),
		"error_count": count,
	})

	if terminate {
		m.logger.LogWorkerEvent("terminated_error_threshold", ws.id, map[string]interface{}{
			"error_count": count,
		})
		ws.proc.Terminate()
	}
}

func (m *Manager) onExit(ws *workerState) {
	m.mu.Lock()
	delete(m.workers, ws.id)

	// Threshold-terminated workers still count as abnormal so the pool
	// returns to its pre-fault size.
	abnormal := (!ws.stopping || ws.replace) && !m.shuttingDown
	shouldRestart := abnormal && m.restartCount < m.config.MaxRestarts
	if shouldRestart {
		m.restartCount++
	}
	restarts := m.restartCount
	m.updateMetricsLocked()
	m.mu.Unlock()

	m.logger.LogWorkerEvent("exited", ws.id, map[string]interface{}{
		"abnormal": abnormal,
	})

	if abnormal && !shouldRestart {
		m.logger.Error("Worker restart budget exhausted, pool is shrinking",
			"worker_id", ws.id,
			"total_restarts", restarts,
			"max_restarts", m.config.MaxRestarts,
		)
		return
	}

	if !shouldRestart {
		return
	}

	if m.metrics != nil {
		m.metrics.RecordWorkerRestart()
	}

	select {
	case <-time.After(m.config.RestartBackoff):
	case <-m.stopCh:
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shuttingDown {
		return
	}

	replacement, err := m.spawnLocked()
	if err != nil {
		m.logger.Error("Failed to respawn worker", "error", err)
		return
	}

	m.logger.LogWorkerEvent("restarted", replacement.id, map[string]interface{}{
		"replaces":       ws.id,
		"total_restarts": restarts,
	})

	m.handOffLocked(replacement)
	m.updateMetricsLocked()
}

// updateMetricsLocked pushes pool gauges. Must be called with the mutex held.
func (m *Manager) updateMetricsLocked() {
	if m.metrics == nil {
		return
	}

	busy := 0
	for _, ws := range m.workers {
		if ws.busy {
			busy++
		}
	}
	m.metrics.UpdatePool(len(m.workers), busy, len(m.waiters))
}
