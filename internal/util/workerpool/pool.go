// Package workerpool runs callbacks on a bounded set of goroutines so that
// slow listeners never block the goroutine that produced the event.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	scouterrors "github.com/devrev/pairdb/scout/internal/errors"
)

// Task is one callback invocation
type Task struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	Logger    *zap.Logger
}

// Pool executes tasks in submission order on a fixed number of workers.
// Stop drains the queue before returning.
type Pool struct {
	name    string
	workers int
	queue   chan Task
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// New starts a pool
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    cfg.Name,
		workers: cfg.Workers,
		queue:   make(chan Task, cfg.QueueSize),
		logger:  cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cfg.QueueSize))
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for task := range p.queue {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	if err := p.safeRun(task); err != nil {
		p.failed.Add(1)
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.String("task", task.Name),
			zap.Error(err))
		return
	}
	p.completed.Add(1)
}

func (p *Pool) safeRun(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Fn(p.ctx)
}

// Submit queues a task without blocking
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.rejected.Add(1)
		return scouterrors.Stopped("worker pool " + p.name)
	}
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return scouterrors.QueueFull(p.name, cap(p.queue))
	}
}

// SubmitWait queues a task, waiting for room until ctx is done
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.rejected.Add(1)
		return scouterrors.Stopped("worker pool " + p.name)
	}
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}
}

// Stop rejects new tasks and waits for queued ones to finish. When ctx is
// done first, running tasks see their context cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("Worker pool stop timed out", zap.String("name", p.name))
		return fmt.Errorf("worker pool %s: %w", p.name, ctx.Err())
	}
}

// Stats is a snapshot of pool counters
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

// Stats returns the current counters
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
