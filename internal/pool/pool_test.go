package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/avifpress/avifpress/pkg/errors"
)

type testPayload struct {
	block    chan struct{}
	err      error
	panicMsg string
	value    interface{}
}

func testJobFunc(ctx context.Context, job *Job) (interface{}, error) {
	p, ok := job.Payload.(*testPayload)
	if !ok {
		return "ok", nil
	}

	if p.block != nil {
		<-p.block
	}
	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	if p.err != nil {
		return nil, p.err
	}
	if p.value != nil {
		return p.value, nil
	}
	return "ok", nil
}

type countingSpawner struct {
	inner   Spawner
	mu      sync.Mutex
	spawned int
}

func (s *countingSpawner) Spawn(id string) (Process, error) {
	s.mu.Lock()
	s.spawned++
	s.mu.Unlock()
	return s.inner.Spawn(id)
}

func (s *countingSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned
}

func testConfig() *Config {
	return &Config{
		MaxWorkers:       2,
		AcquireTimeout:   30 * time.Second,
		ExecutionTimeout: 120 * time.Second,
		MaxRestarts:      10,
		RestartBackoff:   10 * time.Millisecond,
		MaxWorkerErrors:  3,
	}
}

func TestManager_SubmitSuccess(t *testing.T) {
	m := NewManager(testConfig(), NewFuncSpawner(testJobFunc), nil)
	require.NoError(t, m.Start())
	defer m.Shutdown(context.Background())

	result, err := m.Submit(context.Background(), &Job{
		Payload: &testPayload{value: "converted"},
	})
	require.NoError(t, err)
	assert.Equal(t, "converted", result)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.CompletedJobs)
	assert.Equal(t, 2, stats.TotalWorkers)
	assert.Equal(t, 0, stats.BusyWorkers)
}

func TestManager_JobFailure(t *testing.T) {
	m := NewManager(testConfig(), NewFuncSpawner(testJobFunc), nil)
	require.NoError(t, m.Start())
	defer m.Shutdown(context.Background())

	_, err := m.Submit(context.Background(), &Job{
		Payload: &testPayload{err: errors.New("encoder exited with status 1")},
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "JOB_FAILED"))
	assert.Contains(t, err.Error(), "encoder exited with status 1")

	assert.Equal(t, int64(1), m.Stats().FailedJobs)
}

func TestManager_FIFOWaiters(t *testing.T) {
	config := testConfig()
	config.MaxWorkers = 1

	m := NewManager(config, NewFuncSpawner(testJobFunc), nil)
	require.NoError(t, m.Start())
	defer m.Shutdown(context.Background())

	blockA := make(chan struct{})
	blockB := make(chan struct{})
	blockC := make(chan struct{})

	order := make(chan string, 3)
	var wg sync.WaitGroup

	submit := func(name string, block chan struct{}) {
		defer wg.Done()
		_, err := m.Submit(context.Background(), &Job{
			Payload: &testPayload{block: block},
		})
		require.NoError(t, err)
		order <- name
	}

	wg.Add(1)
	go submit("a", blockA)
	require.Eventually(t, func() bool { return m.Stats().BusyWorkers == 1 },
		time.Second, 5*time.Millisecond)

	wg.Add(1)
	go submit("b", blockB)
	require.Eventually(t, func() bool { return m.Stats().QueuedWaiters == 1 },
		time.Second, 5*time.Millisecond)

	wg.Add(1)
	go submit("c", blockC)
	require.Eventually(t, func() bool { return m.Stats().QueuedWaiters == 2 },
		time.Second, 5*time.Millisecond)

	// Completing the running job hands the worker to the oldest waiter.
	close(blockA)
	assert.Equal(t, "a", <-order)

	close(blockB)
	assert.Equal(t, "b", <-order)

	close(blockC)
	assert.Equal(t, "c", <-order)

	wg.Wait()
}

func TestManager_AcquisitionTimeout(t *testing.T) {
	config := testConfig()
	config.MaxWorkers = 1
	config.AcquireTimeout = 50 * time.Millisecond

	m := NewManager(config, NewFuncSpawner(testJobFunc), nil)
	require.NoError(t, m.Start())
	defer m.Shutdown(context.Background())

	block := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Submit(context.Background(), &Job{Payload: &testPayload{block: block}})
	}()

	require.Eventually(t, func() bool { return m.Stats().BusyWorkers == 1 },
		time.Second, 5*time.Millisecond)

	_, err := m.Submit(context.Background(), &Job{Payload: &testPayload{}})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "WORKER_ACQUISITION_TIMEOUT"))
	assert.Equal(t, 0, m.Stats().QueuedWaiters)

	close(block)
	<-done
}

func TestManager_ExecutionTimeoutLeavesWorkerBusy(t *testing.T) {
	config := testConfig()
	config.MaxWorkers = 1
	config.ExecutionTimeout = 50 * time.Millisecond

	m := NewManager(config, NewFuncSpawner(testJobFunc), nil)
	require.NoError(t, m.Start())
	defer m.Shutdown(context.Background())

	block := make(chan struct{})
	_, err := m.Submit(context.Background(), &Job{Payload: &testPayload{block: block}})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "WORKER_EXECUTION_TIMEOUT"))

	// The caller gave up, but the worker is still occupied by the job.
	assert.Equal(t, 1, m.Stats().BusyWorkers)

	// The late response frees the worker for the next caller and still counts
	// as a completed job.
	close(block)
	require.Eventually(t, func() bool { return m.Stats().BusyWorkers == 0 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), m.Stats().CompletedJobs)

	result, err := m.Submit(context.Background(), &Job{Payload: &testPayload{value: "after"}})
	require.NoError(t, err)
	assert.Equal(t, "after", result)
	assert.Equal(t, int64(2), m.Stats().CompletedJobs)
}

func TestManager_ErrorThresholdTerminatesWorker(t *testing.T) {
	config := testConfig()
	config.MaxWorkers = 1
	config.MaxWorkerErrors = 1

	spawner := &countingSpawner{inner: NewFuncSpawner(testJobFunc)}
	m := NewManager(config, spawner, nil)
	require.NoError(t, m.Start())
	defer m.Shutdown(context.Background())

	for i := 0; i < 2; i++ {
		_, err := m.Submit(context.Background(), &Job{
			Payload: &testPayload{err: errors.New("boom")},
		})
		require.Error(t, err)
	}

	// The second failure pushed the worker over the threshold; a replacement
	// is spawned after the backoff without any new submissions, so the pool
	// returns to its pre-fault size.
	require.Eventually(t, func() bool {
		stats := m.Stats()
		return stats.TotalWorkers == 1 && stats.TotalRestarts == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, spawner.count())

	// The replacement starts with a clean error count.
	result, err := m.Submit(context.Background(), &Job{Payload: &testPayload{value: "fresh"}})
	require.NoError(t, err)
	assert.Equal(t, "fresh", result)
	for _, w := range m.Stats().Workers {
		assert.Equal(t, 0, w.ErrorCount)
	}
}

func TestManager_CrashedWorkerIsRestarted(t *testing.T) {
	config := testConfig()
	config.MaxWorkers = 1

	m := NewManager(config, NewFuncSpawner(testJobFunc), nil)
	require.NoError(t, m.Start())
	defer m.Shutdown(context.Background())

	_, err := m.Submit(context.Background(), &Job{
		Payload: &testPayload{panicMsg: "segfault"},
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "WORKER_FAULT"))

	require.Eventually(t, func() bool {
		stats := m.Stats()
		return stats.TotalWorkers == 1 && stats.TotalRestarts == 1
	}, time.Second, 5*time.Millisecond)

	result, err := m.Submit(context.Background(), &Job{Payload: &testPayload{value: "recovered"}})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
}

func TestManager_RestartBudgetExhaustionShrinksPool(t *testing.T) {
	config := testConfig()
	config.MaxWorkers = 1
	config.MaxRestarts = 1
	config.AcquireTimeout = 50 * time.Millisecond

	m := NewManager(config, NewFuncSpawner(testJobFunc), nil)
	require.NoError(t, m.Start())
	defer m.Shutdown(context.Background())

	// First crash consumes the only restart.
	m.Submit(context.Background(), &Job{Payload: &testPayload{panicMsg: "crash"}})
	require.Eventually(t, func() bool {
		stats := m.Stats()
		return stats.TotalWorkers == 1 && stats.TotalRestarts == 1
	}, time.Second, 5*time.Millisecond)

	// Second crash has no budget left; the pool shrinks to zero.
	m.Submit(context.Background(), &Job{Payload: &testPayload{panicMsg: "crash"}})
	require.Eventually(t, func() bool { return m.Stats().TotalWorkers == 0 },
		time.Second, 5*time.Millisecond)

	// With the budget exhausted, no worker is spawned on demand either.
	_, err := m.Submit(context.Background(), &Job{Payload: &testPayload{}})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "WORKER_ACQUISITION_TIMEOUT"))

	// Resetting the budget re-arms spawning.
	m.ResetRestartBudget()
	result, err := m.Submit(context.Background(), &Job{Payload: &testPayload{value: "back"}})
	require.NoError(t, err)
	assert.Equal(t, "back", result)
}

func TestManager_ShutdownRejectsWaitersAndSubmissions(t *testing.T) {
	config := testConfig()
	config.MaxWorkers = 1

	m := NewManager(config, NewFuncSpawner(testJobFunc), nil)
	require.NoError(t, m.Start())

	block := make(chan struct{})
	inFlight := make(chan struct{})
	go func() {
		defer close(inFlight)
		m.Submit(context.Background(), &Job{Payload: &testPayload{block: block}})
	}()

	require.Eventually(t, func() bool { return m.Stats().BusyWorkers == 1 },
		time.Second, 5*time.Millisecond)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background(), &Job{Payload: &testPayload{}})
		waiterErr <- err
	}()
	require.Eventually(t, func() bool { return m.Stats().QueuedWaiters == 1 },
		time.Second, 5*time.Millisecond)

	shutdownDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		shutdownDone <- m.Shutdown(ctx)
	}()

	// The queued waiter is rejected immediately.
	err := <-waiterErr
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "SHUTTING_DOWN"))

	// New submissions are rejected while shutting down.
	require.Eventually(t, func() bool { return m.Stats().ShuttingDown },
		time.Second, 5*time.Millisecond)
	_, err = m.Submit(context.Background(), &Job{Payload: &testPayload{}})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "SHUTTING_DOWN"))

	// The in-flight job is allowed to finish.
	close(block)
	<-inFlight
	require.NoError(t, <-shutdownDone)

	// Shutdown is idempotent.
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_Stats(t *testing.T) {
	m := NewManager(testConfig(), NewFuncSpawner(testJobFunc), nil)
	require.NoError(t, m.Start())
	defer m.Shutdown(context.Background())

	stats := m.Stats()
	assert.Equal(t, 2, stats.MaxWorkers)
	assert.Equal(t, 2, stats.TotalWorkers)
	assert.Equal(t, 2, stats.IdleWorkers)
	assert.Equal(t, 0, stats.QueuedWaiters)
	assert.False(t, stats.ShuttingDown)

	require.Len(t, stats.Workers, 2)
	for _, w := range stats.Workers {
		assert.NotEmpty(t, w.ID)
		assert.False(t, w.Busy)
		assert.False(t, w.Created.IsZero())
		assert.Zero(t, w.JobsCompleted)
		assert.Zero(t, w.ErrorCount)
	}

	_, err := m.Submit(context.Background(), &Job{Payload: &testPayload{value: "ok"}})
	require.NoError(t, err)

	stats = m.Stats()
	assert.Equal(t, int64(1), stats.CompletedJobs)
	completed := int64(0)
	for _, w := range stats.Workers {
		completed += w.JobsCompleted
	}
	assert.Equal(t, int64(1), completed)
}
