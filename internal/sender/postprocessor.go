package sender

import (
	"context"
	"log/slog"
	"time"

	"github.com/albapepper/pushgate/internal/metrics"
	"github.com/albapepper/pushgate/internal/store"
	"github.com/albapepper/pushgate/internal/workerpool"
)

// OpKind names a device table update.
type OpKind string

const (
	OpUpdateCanonicals   OpKind = "UPDATE_CANONICALS"
	OpUpdateUnregistered OpKind = "UPDATE_UNREGISTERED"
)

// Operation is one device update queued by a sender.
type Operation struct {
	Kind     OpKind
	LoginID  int64
	Token    string
	NewToken string // UPDATE_CANONICALS only
}

// DeviceUpdater applies post-send device updates.
type DeviceUpdater interface {
	RotateTokens(ctx context.Context, rotations []store.TokenRotation) error
	Unregister(ctx context.Context, devices []store.Unregistration, now time.Time) error
}

// PostProcessor is the single writer of send-driven device updates. Queued
// operations are coalesced and applied in bulk so that a slow database never
// stalls the senders.
type PostProcessor struct {
	store  DeviceUpdater
	pool   *workerpool.Pool[Operation]
	logger *slog.Logger
	now    func() time.Time
}

func NewPostProcessor(s DeviceUpdater, queueSize int, logger *slog.Logger) *PostProcessor {
	p := &PostProcessor{store: s, logger: logger, now: time.Now}
	p.pool = workerpool.New(workerpool.Config{
		Name:      "post_processor",
		Workers:   1,
		QueueSize: queueSize,
		BatchSize: 500,
	}, p.apply, logger)
	p.pool.OnOverflow(func(op Operation) {
		logger.Warn("Post-processor queue full, dropping operation",
			"kind", op.Kind, "login_id", op.LoginID)
		metrics.PostOpsTotal.WithLabelValues(string(op.Kind), "dropped").Inc()
	})
	return p
}

// Rotate queues the replacement of oldToken by newToken.
func (p *PostProcessor) Rotate(loginID int64, oldToken, newToken string) bool {
	return p.pool.Submit(Operation{Kind: OpUpdateCanonicals, LoginID: loginID, Token: oldToken, NewToken: newToken})
}

// Unregister queues the unregistration of token.
func (p *PostProcessor) Unregister(loginID int64, token string) bool {
	return p.pool.Submit(Operation{Kind: OpUpdateUnregistered, LoginID: loginID, Token: token})
}

// Submit queues op as is; unknown kinds are dropped when applied.
func (p *PostProcessor) Submit(op Operation) bool { return p.pool.Submit(op) }

func (p *PostProcessor) Start(ctx context.Context) { p.pool.Start(ctx) }

func (p *PostProcessor) Wait() { p.pool.Wait() }

func (p *PostProcessor) QueueSize() int { return p.pool.QueueSize() }

func (p *PostProcessor) apply(ctx context.Context, ops []Operation) {
	var (
		rotations []store.TokenRotation
		unregs    []store.Unregistration
	)
	for _, op := range ops {
		switch op.Kind {
		case OpUpdateCanonicals:
			rotations = append(rotations, store.TokenRotation{LoginID: op.LoginID, OldToken: op.Token, NewToken: op.NewToken})
		case OpUpdateUnregistered:
			unregs = append(unregs, store.Unregistration{LoginID: op.LoginID, Token: op.Token})
		default:
			p.logger.Error("Unknown post-processor operation", "kind", op.Kind, "login_id", op.LoginID)
			metrics.PostOpsTotal.WithLabelValues("unknown", "dropped").Inc()
		}
	}

	if len(rotations) > 0 {
		if err := p.store.RotateTokens(ctx, rotations); err != nil {
			p.logger.Error("Failed to update canonical tokens", "count", len(rotations), "error", err)
			metrics.PostOpsTotal.WithLabelValues(string(OpUpdateCanonicals), "error").Add(float64(len(rotations)))
		} else {
			p.logger.Debug("Canonical tokens updated", "count", len(rotations))
			metrics.PostOpsTotal.WithLabelValues(string(OpUpdateCanonicals), "ok").Add(float64(len(rotations)))
		}
	}
	if len(unregs) > 0 {
		if err := p.store.Unregister(ctx, unregs, p.now()); err != nil {
			p.logger.Error("Failed to unregister devices", "count", len(unregs), "error", err)
			metrics.PostOpsTotal.WithLabelValues(string(OpUpdateUnregistered), "error").Add(float64(len(unregs)))
		} else {
			p.logger.Debug("Devices unregistered", "count", len(unregs))
			metrics.PostOpsTotal.WithLabelValues(string(OpUpdateUnregistered), "ok").Add(float64(len(unregs)))
		}
	}
}
