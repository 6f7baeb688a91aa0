package sender

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/albapepper/pushgate/internal/config"
	"github.com/albapepper/pushgate/internal/metrics"
	"github.com/albapepper/pushgate/internal/notifications"
	"github.com/albapepper/pushgate/internal/workerpool"
)

// PoolDeps are shared by every sender pool.
type PoolDeps struct {
	Recorder    Recorder
	Post        *PostProcessor
	BackoffUnit time.Duration // default 1s
	SendTimeout time.Duration // per Send call, default 10s
	Logger      *slog.Logger
}

// Pool drives one Client with its own queue and workers.
type Pool struct {
	client   Client
	cfg      config.SenderConfig
	deps     PoolDeps
	limiter  *rate.Limiter
	workers  *workerpool.Pool[*notifications.Notification]
	logger   *slog.Logger
	now      func() time.Time
	sleepFor func(ctx context.Context, d time.Duration) bool
}

func NewPool(cfg config.SenderConfig, client Client, deps PoolDeps) *Pool {
	if deps.BackoffUnit <= 0 {
		deps.BackoffUnit = time.Second
	}
	if deps.SendTimeout <= 0 {
		deps.SendTimeout = 10 * time.Second
	}
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	p := &Pool{
		client:   client,
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With("sender", cfg.Name),
		now:      time.Now,
		sleepFor: sleep,
	}
	if cfg.RatePerSec > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec)))
	}
	p.workers = workerpool.New(workerpool.Config{
		Name:       "sender_" + cfg.Name,
		Workers:    cfg.Workers,
		QueueSize:  cfg.QueueLimit,
		BatchSize:  cfg.BatchSize,
		RestartMin: 250 * time.Millisecond,
		RestartMax: 30 * time.Second,
	}, p.process, deps.Logger)
	p.workers.OnOverflow(p.overflow)
	return p
}

func (p *Pool) Name() string { return p.cfg.Name }

func (p *Pool) Platforms() []int { return p.client.Platforms() }

// Submit enqueues n without blocking. A rejected notification is recorded
// with SenderQueueLimit.
func (p *Pool) Submit(n *notifications.Notification) bool { return p.workers.Submit(n) }

func (p *Pool) QueueSize() int { return p.workers.QueueSize() }

func (p *Pool) Stats() workerpool.Stats { return p.workers.Stats() }

func (p *Pool) Start(ctx context.Context) { p.workers.Start(ctx) }

func (p *Pool) Wait() { p.workers.Wait() }

func (p *Pool) overflow(n *notifications.Notification) {
	n.Status = notifications.StatusSenderQueueLimit
	p.logger.Warn("Sender queue limit reached", "login_id", n.LoginID, "message_id", n.MessageID)
	p.finish(n)
}

// process sends one drained batch. A panic marks whatever is still Ready as
// UnknownError before the worker is restarted, so no notification leaves
// the pool unrecorded.
func (p *Pool) process(ctx context.Context, batch []*notifications.Notification) {
	defer func() {
		if r := recover(); r != nil {
			for _, n := range batch {
				if n.Status == notifications.StatusReady {
					n.Status = notifications.StatusUnknownError
				}
			}
			p.finish(batch...)
			panic(r)
		}
	}()

	now := p.now()
	pending := make([]*notifications.Notification, 0, len(batch))
	for _, n := range batch {
		if n.Expired(now) {
			n.Status = notifications.StatusExpired
			p.logger.Warn("Notification expired before sending",
				"login_id", n.LoginID, "message_id", n.MessageID, "sending_id", n.SendingID)
			continue
		}
		pending = append(pending, n)
	}

	start := time.Now()
	for attempt := 0; len(pending) > 0; attempt++ {
		retry, wait := p.attempt(ctx, pending, attempt)
		if len(retry) == 0 {
			break
		}
		if attempt+1 >= p.cfg.Retries {
			p.logger.Error("Giving up after retries",
				"count", len(retry), "attempts", attempt+1)
			break
		}
		p.logger.Info("Retrying notifications", "count", len(retry), "attempt", attempt+1, "backoff", wait)
		if !p.sleepFor(ctx, wait) {
			break
		}
		pending = retry
	}
	metrics.SendDurationSeconds.WithLabelValues(p.cfg.Name).Observe(time.Since(start).Seconds())

	p.finish(batch...)

	if p.cfg.Interval > 0 {
		p.sleepFor(ctx, p.cfg.Interval)
	}
}

// attempt sends pending once and returns the notifications to retry with the
// longest requested backoff.
func (p *Pool) attempt(ctx context.Context, pending []*notifications.Notification, attempt int) ([]*notifications.Notification, time.Duration) {
	if p.limiter != nil {
		for range pending {
			if err := p.limiter.Wait(ctx); err != nil {
				for _, n := range pending {
					n.Status = notifications.StatusConnectionError
				}
				return nil, 0
			}
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.deps.SendTimeout)
	responses := p.client.Send(sendCtx, pending)
	cancel()

	if len(responses) != len(pending) {
		p.logger.Error("Sender returned a wrong number of responses",
			"expected", len(pending), "got", len(responses))
		for _, n := range pending {
			n.Status = notifications.StatusUnknownError
		}
		return nil, 0
	}

	var (
		retry []*notifications.Notification
		wait  time.Duration
	)
	for i, n := range pending {
		r := responses[i]
		n.Status = r.Status
		switch r.Verdict {
		case Delivered:
		case Rotated:
			if r.NewToken != "" && r.NewToken != n.ReceiverID && p.deps.Post != nil {
				p.deps.Post.Rotate(n.LoginID, n.ReceiverID, r.NewToken)
			}
		case Retryable:
			retry = append(retry, n)
			wait = max(wait, backoff(p.deps.BackoffUnit, r.BackoffBase, attempt))
		case Unregistered:
			p.logger.Info("Device unregistered", "login_id", n.LoginID, "platform", n.Platform)
			if p.deps.Post != nil {
				p.deps.Post.Unregister(n.LoginID, n.ReceiverID)
			}
		default:
			p.logger.Error("Notification rejected",
				"login_id", n.LoginID,
				"platform", n.Platform,
				"verdict", r.Verdict.String(),
				"status", n.Status.String(),
				"error", r.Err)
		}
	}
	return retry, wait
}

func (p *Pool) finish(ns ...*notifications.Notification) {
	for _, n := range ns {
		metrics.DeliveriesTotal.WithLabelValues(p.cfg.Name, n.Status.String()).Inc()
	}
	if p.deps.Recorder != nil {
		p.deps.Recorder.Write(ns...)
	}
}
