// Package workerpool runs a fixed number of workers over a bounded queue.
//
// Submit never blocks: when the queue is full the task is handed to the
// overflow callback and Submit returns false. Workers take one task, or up
// to BatchSize tasks already waiting, per handler call.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/albapepper/pushgate/internal/metrics"
)

// Handler processes a batch of at least one task. The slice is reused after
// the call returns, so handlers must not retain it.
type Handler[T any] func(ctx context.Context, batch []T)

// Config sizes a pool.
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	BatchSize int // max tasks per handler call, default 1

	// RestartMin enables supervision: a panicking handler ends the worker
	// run, and the worker is restarted after an exponential backoff between
	// RestartMin and RestartMax. When zero, panics are recovered per batch
	// and the worker carries on immediately.
	RestartMin time.Duration
	RestartMax time.Duration
}

// Stats is a best-effort snapshot for monitoring.
type Stats struct {
	Queued   int    `json:"queued"`
	Capacity int    `json:"capacity"`
	Dropped  uint64 `json:"dropped"`
	Panics   uint64 `json:"panics"`
	Restarts uint64 `json:"restarts"`
}

type Pool[T any] struct {
	cfg        Config
	queue      chan T
	handler    Handler[T]
	onOverflow func(T)
	logger     *slog.Logger

	started  atomic.Bool
	wg       sync.WaitGroup
	dropped  atomic.Uint64
	panics   atomic.Uint64
	restarts atomic.Uint64
}

// New creates a pool; nothing runs until Start.
func New[T any](cfg Config, handler Handler[T], logger *slog.Logger) *Pool[T] {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.RestartMin > 0 && cfg.RestartMax < cfg.RestartMin {
		cfg.RestartMax = 30 * time.Second
	}
	return &Pool[T]{
		cfg:     cfg,
		queue:   make(chan T, cfg.QueueSize),
		handler: handler,
		logger:  logger.With("pool", cfg.Name),
	}
}

// OnOverflow sets the callback for tasks rejected by Submit. Set it before
// the pool receives traffic.
func (p *Pool[T]) OnOverflow(fn func(T)) { p.onOverflow = fn }

func (p *Pool[T]) Name() string { return p.cfg.Name }

// Submit enqueues task without blocking. On a full queue it calls the
// overflow callback once and returns false.
func (p *Pool[T]) Submit(task T) bool {
	select {
	case p.queue <- task:
		return true
	default:
	}
	p.dropped.Add(1)
	metrics.PoolOverflowsTotal.WithLabelValues(p.cfg.Name).Inc()
	if p.onOverflow != nil {
		p.onOverflow(task)
	}
	return false
}

// QueueSize is the approximate number of waiting tasks.
func (p *Pool[T]) QueueSize() int { return len(p.queue) }

func (p *Pool[T]) Stats() Stats {
	return Stats{
		Queued:   len(p.queue),
		Capacity: cap(p.queue),
		Dropped:  p.dropped.Load(),
		Panics:   p.panics.Load(),
		Restarts: p.restarts.Load(),
	}
}

// Start launches the workers. They stop when ctx is cancelled; tasks still
// queued at that point are not processed. Start is a no-op when called twice.
func (p *Pool[T]) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.logger.Info("Worker pool started",
		"workers", p.cfg.Workers, "queue", p.cfg.QueueSize, "batch", p.cfg.BatchSize)
	for i := range p.cfg.Workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.supervise(ctx, i)
		}()
	}
}

// Wait blocks until every worker has returned.
func (p *Pool[T]) Wait() { p.wg.Wait() }

// --------------------------------------------------------------------------
// Workers
// --------------------------------------------------------------------------

func (p *Pool[T]) supervise(ctx context.Context, worker int) {
	if p.cfg.RestartMin <= 0 {
		p.run(ctx, true)
		return
	}

	backoff := p.cfg.RestartMin
	for {
		startedAt := time.Now()
		if !p.runGuarded(ctx) {
			return
		}
		if time.Since(startedAt) > p.cfg.RestartMax {
			backoff = p.cfg.RestartMin
		}
		p.restarts.Add(1)
		p.logger.Warn("Restarting worker", "worker", worker, "backoff", backoff)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff = min(backoff*2, p.cfg.RestartMax)
	}
}

// runGuarded runs the worker loop and reports whether it ended in a panic.
func (p *Pool[T]) runGuarded(ctx context.Context) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			p.notePanic(r)
			panicked = true
		}
	}()
	p.run(ctx, false)
	return false
}

func (p *Pool[T]) run(ctx context.Context, recoverEach bool) {
	batch := make([]T, 0, p.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.queue:
			batch = append(batch[:0], task)
		}
		batch = p.drain(batch)

		if recoverEach {
			p.safeHandle(ctx, batch)
		} else {
			p.handler(ctx, batch)
		}
		clear(batch)
	}
}

// drain appends tasks already waiting, up to the batch size.
func (p *Pool[T]) drain(batch []T) []T {
	for len(batch) < p.cfg.BatchSize {
		select {
		case task := <-p.queue:
			batch = append(batch, task)
		default:
			return batch
		}
	}
	return batch
}

func (p *Pool[T]) safeHandle(ctx context.Context, batch []T) {
	defer func() {
		if r := recover(); r != nil {
			p.notePanic(r)
		}
	}()
	p.handler(ctx, batch)
}

func (p *Pool[T]) notePanic(r any) {
	p.panics.Add(1)
	metrics.PoolPanicsTotal.WithLabelValues(p.cfg.Name).Inc()
	p.logger.Error("Worker panicked",
		"panic", fmt.Sprint(r),
		"stack", string(debug.Stack()))
}
