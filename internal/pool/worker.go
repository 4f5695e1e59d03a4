package pool

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Job represents a unit of work submitted to the pool
type Job struct {
	ID          string      `json:"id"`
	Payload     interface{} `json:"-"`
	Degraded    bool        `json:"degraded"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

// Response is the outcome a worker reports for a dispatched job
type Response struct {
	JobID string
	Value interface{}
	Err   error
}

// Process is the handle to a running worker. Implementations own a single
// execution context: the manager dispatches at most one job at a time and
// reads the outcome from Responses. Faults carries worker-internal error
// events; Exited is closed when the worker stops for any reason.
type Process interface {
	// Send dispatches a job to the worker. It fails if the worker has exited.
	Send(job *Job) error
	// Responses delivers one Response per dispatched job.
	Responses() <-chan Response
	// Faults delivers worker-internal error events.
	Faults() <-chan error
	// Exited is closed when the worker stops.
	Exited() <-chan struct{}
	// Terminate asks the worker to stop. It does not wait.
	Terminate()
}

// Spawner creates worker processes for the pool
type Spawner interface {
	Spawn(id string) (Process, error)
}

// JobFunc executes a single job inside a worker
type JobFunc func(ctx context.Context, job *Job) (interface{}, error)

// FuncSpawner spawns goroutine-backed workers that run the given JobFunc.
// A panic inside the function is reported as a fault followed by an
// abnormal exit, mirroring a crashed subprocess.
type FuncSpawner struct {
	fn JobFunc
}

// NewFuncSpawner creates a spawner backed by the given job function
func NewFuncSpawner(fn JobFunc) *FuncSpawner {
	return &FuncSpawner{fn: fn}
}

// Spawn starts a new worker goroutine
func (s *FuncSpawner) Spawn(id string) (Process, error) {
	if s.fn == nil {
		return nil, fmt.Errorf("no job function registered")
	}

	p := &funcProcess{
		id:        id,
		fn:        s.fn,
		jobs:      make(chan *Job, 1),
		responses: make(chan Response, 1),
		faults:    make(chan error, 4),
		exited:    make(chan struct{}),
		quit:      make(chan struct{}),
	}
	go p.run()
	return p, nil
}

type funcProcess struct {
	id        string
	fn        JobFunc
	jobs      chan *Job
	responses chan Response
	faults    chan error
	exited    chan struct{}
	quit      chan struct{}
	quitOnce  sync.Once
}

func (p *funcProcess) Send(job *Job) error {
	select {
	case p.jobs <- job:
		return nil
	case <-p.exited:
		return fmt.Errorf("worker %s has exited", p.id)
	}
}

func (p *funcProcess) Responses() <-chan Response { return p.responses }
func (p *funcProcess) Faults() <-chan error       { return p.faults }
func (p *funcProcess) Exited() <-chan struct{}    { return p.exited }

func (p *funcProcess) Terminate() {
	p.quitOnce.Do(func() {
		close(p.quit)
	})
}

func (p *funcProcess) run() {
	defer close(p.exited)

	for {
		select {
		case <-p.quit:
			return
		case job := <-p.jobs:
			resp, crashed := p.execute(job)
			if crashed {
				return
			}
			// responses is buffered, so a caller that gave up on the
			// deadline never wedges the worker loop.
			select {
			case p.responses <- resp:
			case <-p.quit:
				return
			}
		}
	}
}

func (p *funcProcess) execute(job *Job) (resp Response, crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			select {
			case p.faults <- fmt.Errorf("panic in worker %s: %v", p.id, r):
			default:
			}
			crashed = true
		}
	}()

	value, err := p.fn(context.Background(), job)
	return Response{JobID: job.ID, Value: value, Err: err}, false
}
