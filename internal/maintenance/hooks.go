package maintenance

import (
	"context"
	"log/slog"
	"time"
)

// LogRotator is the delivery log.
type LogRotator interface {
	Rotate() error
	Prune() (int, error)
}

// RecordPruner removes send records that no longer affect eligibility.
type RecordPruner interface {
	PruneSendRecords(ctx context.Context, now time.Time) (int64, error)
}

// Reloader rebuilds the event handler registry.
type Reloader interface {
	Reload(ctx context.Context) error
}

// --------------------------------------------------------------------------
// Task implementations
// --------------------------------------------------------------------------

// rotateLog closes the current delivery log under a dated name, then removes
// rotated files past retention. Pruning still runs when rotation fails.
func rotateLog(l LogRotator, logger *slog.Logger) {
	start := time.Now()
	if err := l.Rotate(); err != nil {
		logger.Warn("Rotate: failed to rotate delivery log", "error", err)
	} else {
		logger.Info("Rotate: delivery log rotated",
			"duration", time.Since(start).Round(time.Millisecond))
	}

	removed, err := l.Prune()
	if err != nil {
		logger.Warn("Rotate: failed to prune old delivery logs", "error", err)
	} else if removed > 0 {
		logger.Info("Rotate: pruned old delivery logs", "count", removed)
	}
}

func pruneRecords(ctx context.Context, p RecordPruner, now time.Time, logger *slog.Logger) {
	n, err := p.PruneSendRecords(ctx, now)
	if err != nil {
		logger.Warn("Prune: failed to remove send records", "error", err)
		return
	}
	if n > 0 {
		logger.Info("Prune: removed expired send records", "count", n)
	}
}

func reloadRegistry(ctx context.Context, r Reloader, logger *slog.Logger) {
	if err := r.Reload(ctx); err != nil {
		logger.Warn("Reload: failed to rebuild event registry", "error", err)
		return
	}
	logger.Debug("Reload: event registry rebuilt")
}
