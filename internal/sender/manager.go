package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/albapepper/pushgate/internal/config"
	"github.com/albapepper/pushgate/internal/metrics"
	"github.com/albapepper/pushgate/internal/notifications"
	"github.com/albapepper/pushgate/internal/workerpool"
)

// Startup errors. Each one is fatal: the service must not accept traffic
// with an ambiguous or empty routing table.
var (
	ErrNoSenders         = errors.New("no senders configured")
	ErrUnknownSender     = errors.New("unknown sender")
	ErrNoPlatforms       = errors.New("sender serves no platforms")
	ErrDuplicatePlatform = errors.New("platform claimed by two senders")
)

// Factory builds the client of one configured sender.
type Factory func(ctx context.Context, sc config.SenderConfig) (Client, error)

// Registry maps sender names to their factories.
type Registry map[string]Factory

// Manager owns every sender pool and routes notifications by platform.
type Manager struct {
	pools      []*Pool
	byName     map[string]*Pool
	byPlatform map[int]*Pool
	post       *PostProcessor
	recorder   Recorder
	logger     *slog.Logger
}

// NewManager builds one pool per configured sender.
func NewManager(ctx context.Context, senders []config.SenderConfig, reg Registry, deps PoolDeps) (*Manager, error) {
	if len(senders) == 0 {
		return nil, ErrNoSenders
	}
	m := &Manager{
		byName:     make(map[string]*Pool, len(senders)),
		byPlatform: make(map[int]*Pool),
		post:       deps.Post,
		recorder:   deps.Recorder,
		logger:     deps.Logger,
	}
	for _, sc := range senders {
		factory, ok := reg[sc.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSender, sc.Name)
		}
		if _, dup := m.byName[sc.Name]; dup {
			return nil, fmt.Errorf("sender %q configured twice", sc.Name)
		}
		client, err := factory(ctx, sc)
		if err != nil {
			return nil, fmt.Errorf("create sender %q: %w", sc.Name, err)
		}
		platforms := client.Platforms()
		if len(platforms) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrNoPlatforms, sc.Name)
		}

		pool := NewPool(sc, client, deps)
		for _, platform := range platforms {
			if other, taken := m.byPlatform[platform]; taken {
				return nil, fmt.Errorf("%w: platform %d by %q and %q",
					ErrDuplicatePlatform, platform, other.Name(), sc.Name)
			}
			m.byPlatform[platform] = pool
		}
		m.byName[sc.Name] = pool
		m.pools = append(m.pools, pool)

		deps.Logger.Info("Sender registered",
			"sender", sc.Name,
			"platforms", platforms,
			"workers", sc.Workers,
			"queue_limit", sc.QueueLimit,
			"batch_size", sc.BatchSize)
	}
	return m, nil
}

// Submit forwards n to the pool serving its platform. A notification for an
// unknown platform is recorded with UnknownPlatform and dropped.
func (m *Manager) Submit(n *notifications.Notification) bool {
	pool, ok := m.byPlatform[n.Platform]
	if !ok {
		n.Status = notifications.StatusUnknownPlatform
		m.logger.Error("No sender for platform",
			"platform", n.Platform, "login_id", n.LoginID, "message_id", n.MessageID)
		metrics.DeliveriesTotal.WithLabelValues("none", n.Status.String()).Inc()
		if m.recorder != nil {
			m.recorder.Write(n)
		}
		return false
	}
	return pool.Submit(n)
}

// Start starts every pool and the post-processor.
func (m *Manager) Start(ctx context.Context) {
	if m.post != nil {
		m.post.Start(ctx)
	}
	for _, p := range m.pools {
		p.Start(ctx)
	}
}

// Wait blocks until every pool has stopped.
func (m *Manager) Wait() {
	for _, p := range m.pools {
		p.Wait()
	}
	if m.post != nil {
		m.post.Wait()
	}
}

// Senders lists the configured sender names in order.
func (m *Manager) Senders() []string {
	names := make([]string, 0, len(m.pools))
	for _, p := range m.pools {
		names = append(names, p.Name())
	}
	return names
}

// Platforms lists every routed platform id in ascending order.
func (m *Manager) Platforms() []int {
	ids := make([]int, 0, len(m.byPlatform))
	for id := range m.byPlatform {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// QueueSize reports the depth of the named sender's queue.
func (m *Manager) QueueSize(name string) (int, bool) {
	p, ok := m.byName[name]
	if !ok {
		return 0, false
	}
	return p.QueueSize(), true
}

func (m *Manager) Stats(name string) (workerpool.Stats, bool) {
	p, ok := m.byName[name]
	if !ok {
		return workerpool.Stats{}, false
	}
	return p.Stats(), true
}

// RegisterMetrics exposes every queue depth as a gauge.
func (m *Manager) RegisterMetrics() error {
	for _, p := range m.pools {
		if err := metrics.RegisterQueueDepth("sender_"+p.Name(), p.QueueSize); err != nil {
			return err
		}
	}
	if m.post != nil {
		return metrics.RegisterQueueDepth("post_processor", m.post.QueueSize)
	}
	return nil
}
