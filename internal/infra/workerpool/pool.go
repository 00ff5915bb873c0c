// Package workerpool provides a bounded pool of goroutines for meshtopo.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yndnr/meshtopo/internal/telemetry/metric"
)

var (
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("workerpool: stopped")
	// ErrQueueFull is returned by Submit when the queue has no room.
	ErrQueueFull = errors.New("workerpool: queue full")

	errPanicked = errors.New("task panicked")
)

type task struct {
	name string
	fn   func(context.Context) error
}

// Config holds worker pool configuration.
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	Metrics   *metric.Registry
	Logger    *slog.Logger
}

// Pool runs submitted tasks on a fixed set of workers.
type Pool struct {
	name    string
	workers int
	queue   chan task
	metrics *metric.Registry
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	stopped  bool
	wg       sync.WaitGroup
	stopOnce sync.Once

	active    atomic.Int32
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// New starts a pool.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    cfg.Name,
		workers: cfg.Workers,
		queue:   make(chan task, cfg.QueueSize),
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With("pool", cfg.Name),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started", "workers", p.workers, "queue_size", cfg.QueueSize)
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for t := range p.queue {
		p.metrics.SetQueueLength(p.name, len(p.queue))
		p.execute(id, t)
	}
}

func (p *Pool) execute(workerID int, t task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	err := p.safeExecute(t)
	switch {
	case errors.Is(err, errPanicked):
		p.failed.Add(1)
		p.metrics.RecordTask(p.name, "panic")
		p.logger.Error("task panicked", "worker_id", workerID, "task", t.name, "error", err)
	case err != nil:
		p.failed.Add(1)
		p.metrics.RecordTask(p.name, "error")
		p.logger.Error("task failed", "worker_id", workerID, "task", t.name,
			"duration", time.Since(start), "error", err)
	default:
		p.completed.Add(1)
		p.metrics.RecordTask(p.name, "ok")
		p.logger.Debug("task completed", "worker_id", workerID, "task", t.name, "duration", time.Since(start))
	}
}

func (p *Pool) safeExecute(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %w: %v", t.name, errPanicked, r)
		}
	}()
	return t.fn(p.ctx)
}

// Submit queues fn without blocking. It implements topology.Executor.
func (p *Pool) Submit(name string, fn func(ctx context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.reject()
		return fmt.Errorf("submit %s: %w", name, ErrStopped)
	}
	select {
	case p.queue <- task{name: name, fn: fn}:
		p.metrics.SetQueueLength(p.name, len(p.queue))
		return nil
	default:
		p.reject()
		return fmt.Errorf("submit %s: %w", name, ErrQueueFull)
	}
}

func (p *Pool) reject() {
	p.rejected.Add(1)
	p.metrics.RecordTask(p.name, "rejected")
}

// Stop rejects new tasks, lets the workers drain the queue and waits up to
// timeout for them. The task context is canceled when the timeout expires.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("stopping worker pool")
		p.mu.Lock()
		p.stopped = true
		close(p.queue)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
			p.logger.Info("worker pool stopped")
		case <-timer.C:
			err = fmt.Errorf("worker pool %s: stop timed out after %v", p.name, timeout)
			p.logger.Warn("worker pool stop timed out", "timeout", timeout)
		}
		p.cancel()
	})
	return err
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Name      string
	Workers   int
	Active    int
	Queued    int
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
