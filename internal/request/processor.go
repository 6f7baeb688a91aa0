// Package request queues inbound HTTP batches and processes them on a worker
// pool. Submit is the only backpressure signal the HTTP layer sees: a full
// queue turns into a 503.
package request

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/albapepper/pushgate/internal/cooldown"
	"github.com/albapepper/pushgate/internal/events"
	"github.com/albapepper/pushgate/internal/metrics"
	"github.com/albapepper/pushgate/internal/notifications"
	"github.com/albapepper/pushgate/internal/store"
	"github.com/albapepper/pushgate/internal/workerpool"
)

// ErrEmptyBatch is returned for a request with nothing to process.
var ErrEmptyBatch = errors.New("empty batch")

// EventHandlers runs the handlers of an event.
type EventHandlers interface {
	Handle(ctx context.Context, e events.Event) (events.Result, error)
	Has(eventID int) bool
}

// Cooldown decides which (login, message) pairs may be sent now.
type Cooldown interface {
	Eligible(ctx context.Context, candidates []store.Pair) cooldown.Set
}

// Senders accepts notifications for delivery.
type Senders interface {
	Submit(n *notifications.Notification) bool
	Start(ctx context.Context)
}

// Targets resolves the active devices of a login.
type Targets interface {
	ActiveTargets(ctx context.Context, loginID int64) ([]store.Target, error)
}

type Deps struct {
	Handlers EventHandlers
	Cooldown Cooldown
	Senders  Senders
	Targets  Targets
	Builder  notifications.Builder
	Logger   *slog.Logger
}

type Processor struct {
	deps   Deps
	pool   *workerpool.Pool[Batch]
	logger *slog.Logger
}

// NewProcessor sizes the request pool. Nothing runs until Start.
func NewProcessor(workers, queueLimit int, deps Deps) *Processor {
	p := &Processor{deps: deps, logger: deps.Logger}
	p.pool = workerpool.New(workerpool.Config{
		Name:      "requests",
		Workers:   workers,
		QueueSize: queueLimit,
	}, p.handle, deps.Logger)
	p.pool.OnOverflow(func(b Batch) {
		metrics.BatchesTotal.WithLabelValues(b.Kind(), "rejected").Inc()
		p.logger.Warn("Request queue full, rejecting batch", "kind", b.Kind(), "items", b.Len())
	})
	return p
}

// Submit queues b without blocking and reports whether it was accepted.
func (p *Processor) Submit(b Batch) bool { return p.pool.Submit(b) }

func (p *Processor) QueueSize() int { return p.pool.QueueSize() }

func (p *Processor) Stats() workerpool.Stats { return p.pool.Stats() }

// HasEvent reports whether any handler is registered for eventID.
func (p *Processor) HasEvent(eventID int) bool { return p.deps.Handlers.Has(eventID) }

// Start starts the sender pools, then the request workers.
func (p *Processor) Start(ctx context.Context) {
	p.deps.Senders.Start(ctx)
	p.pool.Start(ctx)
}

func (p *Processor) Wait() { p.pool.Wait() }

// RegisterMetrics exposes the request queue depth as a gauge.
func (p *Processor) RegisterMetrics() error {
	return metrics.RegisterQueueDepth("requests", p.pool.QueueSize)
}

// Process runs b synchronously.
func (p *Processor) Process(ctx context.Context, b Batch) Summary {
	start := time.Now()
	sum := b.process(ctx, p)
	elapsed := time.Since(start)

	metrics.BatchesTotal.WithLabelValues(b.Kind(), "processed").Inc()
	metrics.BatchDurationSeconds.WithLabelValues(b.Kind()).Observe(elapsed.Seconds())
	p.logger.Info("Batch processed",
		"kind", sum.Kind,
		"items", sum.Items,
		"invalid", sum.Invalid,
		"skipped", sum.Skipped,
		"blocked", sum.Blocked,
		"submitted", sum.Submitted,
		"rejected", sum.Rejected,
		"errors", sum.Errors,
		"duration_ms", elapsed.Milliseconds())
	return sum
}

func (p *Processor) handle(ctx context.Context, batch []Batch) {
	for _, b := range batch {
		p.Process(ctx, b)
	}
}

func (p *Processor) submit(n *notifications.Notification, sum *Summary) {
	if p.deps.Senders.Submit(n) {
		sum.Submitted++
	} else {
		sum.Rejected++
	}
}
