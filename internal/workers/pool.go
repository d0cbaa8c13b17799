// Package workers runs fire-and-forget background work (prefetch, metric
// persistence, access-count touches) on a bounded queue so back-pressure and
// shutdown draining are explicit.
package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Task is a unit of background work. ctx is cancelled only when shutdown
// gives up waiting, never by the submitting caller.
type Task func(ctx context.Context)

type job struct {
	name string
	fn   Task
}

// Stats reports pool counters
type Stats struct {
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	Active    int32 `json:"active"`
	Submitted int64 `json:"submitted"`
	Dropped   int64 `json:"dropped"`
	Completed int64 `json:"completed"`
	Panicked  int64 `json:"panicked"`
}

// Pool is a fixed set of workers draining a bounded queue
type Pool struct {
	workers int
	queue   chan job
	logger  *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
	started bool

	active    atomic.Int32
	submitted atomic.Int64
	dropped   atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
}

// NewPool creates a pool; call Start before submitting
func NewPool(workers, queueSize int, logger *logrus.Logger) (*Pool, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", workers)
	}
	if queueSize <= 0 {
		return nil, fmt.Errorf("queue size must be positive, got %d", queueSize)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers: workers,
		queue:   make(chan job, queueSize),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the workers. Calling it twice is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.WithFields(logrus.Fields{
				"task":  j.name,
				"panic": r,
			}).Error("Background task panicked")
			return
		}
		p.completed.Add(1)
	}()
	j.fn(p.ctx)
}

// Submit enqueues fn without blocking. It returns false, counting the task
// as dropped, when the queue is full or the pool is shutting down.
func (p *Pool) Submit(name string, fn Task) bool {
	if fn == nil {
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		p.dropped.Add(1)
		p.logger.WithField("task", name).Debug("Pool stopped, dropping task")
		return false
	}

	select {
	case p.queue <- job{name: name, fn: fn}:
		p.submitted.Add(1)
		return true
	default:
		p.dropped.Add(1)
		p.logger.WithFields(logrus.Fields{
			"task":  name,
			"queue": cap(p.queue),
		}).Warn("Background queue full, dropping task")
		return false
	}
}

// Shutdown stops intake and waits for queued tasks to finish. If ctx expires
// first, running tasks see their context cancelled and ctx.Err is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	if !p.started {
		// never started: drain with a single worker
		p.started = true
		p.wg.Add(1)
		go p.worker()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.WithField("pending", len(p.queue)).Warn("Shutdown deadline reached before queue drained")
		return ctx.Err()
	}
}

// Stats returns a snapshot of the pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Queued:    len(p.queue),
		Active:    p.active.Load(),
		Submitted: p.submitted.Load(),
		Dropped:   p.dropped.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
	}
}
