// Package workerpool runs shard calls on a fixed set of goroutines so a
// client never has more than a bounded number of requests in flight.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work.
type Task struct {
	ID string
	Fn func(context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

type job struct {
	ctx  context.Context
	task Task
	done func(error)
}

// WorkerPool is a bounded pool of goroutines.
type WorkerPool struct {
	name     string
	workers  int
	jobs     chan job
	logger   *zap.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}

	// mu orders submissions before Stop so no job is queued after the
	// workers have drained.
	mu      sync.RWMutex
	stopped bool

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// ErrStopped is returned for work submitted after Stop.
var ErrStopped = errors.New("worker pool stopped")

// NewWorkerPool creates a pool and starts its workers.
func NewWorkerPool(cfg *Config) *WorkerPool {
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 10
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = workers * 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &WorkerPool{
		name:     cfg.Name,
		workers:  workers,
		jobs:     make(chan job, queue),
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.logger.Debug("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", workers),
		zap.Int("queue_size", queue))
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			p.drain()
			return
		case j := <-p.jobs:
			p.execute(j)
		}
	}
}

// drain fails queued jobs so their waiters are released.
func (p *WorkerPool) drain() {
	for {
		select {
		case j := <-p.jobs:
			p.rejected.Add(1)
			j.done(ErrStopped)
		default:
			return
		}
	}
}

func (p *WorkerPool) execute(j job) {
	p.active.Add(1)
	defer p.active.Add(-1)

	var err error
	if ctxErr := j.ctx.Err(); ctxErr != nil {
		err = ctxErr
	} else {
		err = p.safeExecute(j)
	}

	if err != nil {
		p.failed.Add(1)
		p.logger.Debug("Task failed",
			zap.String("pool", p.name),
			zap.String("task_id", j.task.ID),
			zap.Error(err))
	} else {
		p.completed.Add(1)
	}
	j.done(err)
}

// safeExecute executes a task with panic recovery
func (p *WorkerPool) safeExecute(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", j.task.ID, r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", j.task.ID),
				zap.Any("panic", r))
		}
	}()
	return j.task.Fn(j.ctx)
}

func (p *WorkerPool) submit(ctx context.Context, j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.rejected.Add(1)
		return ErrStopped
	}

	select {
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	case p.jobs <- j:
		p.submitted.Add(1)
		return nil
	}
}

// Run executes every task on the pool, blocking while the queue is full, and
// waits for all accepted tasks. It returns the first error by completion.
// Tasks not yet queued when ctx ends are not started.
func (p *WorkerPool) Run(ctx context.Context, tasks ...Task) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	setErr := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for _, t := range tasks {
		wg.Add(1)
		j := job{ctx: ctx, task: t, done: func(err error) {
			setErr(err)
			wg.Done()
		}}
		if err := p.submit(ctx, j); err != nil {
			wg.Done()
			setErr(fmt.Errorf("task %s not submitted to pool %s: %w", t.ID, p.name, err))
			break
		}
	}

	wg.Wait()
	return firstErr
}

// Stop stops the workers. Queued tasks that have not started fail with
// ErrStopped.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.stopChan)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Debug("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats represents worker pool statistics
type Stats struct {
	Name      string
	Workers   int
	Active    int
	Queued    int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.jobs),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
