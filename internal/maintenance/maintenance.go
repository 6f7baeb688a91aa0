// Package maintenance runs periodic background tasks. Calendar-aligned work
// (delivery log rotation at local midnight) is scheduled with cron; interval
// work runs on Go tickers.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Config controls maintenance schedules. Zero duration or an empty schedule
// disables a task.
type Config struct {
	RotateSchedule string        // Delivery log rotation, cron syntax
	ReloadInterval time.Duration // Event handler registry rebuild
	PruneInterval  time.Duration // Expired send record removal
	Location       *time.Location
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		RotateSchedule: "0 0 * * *",
		ReloadInterval: 5 * time.Minute,
		PruneInterval:  1 * time.Hour,
		Location:       time.Local,
	}
}

// Tasks are the operations maintenance drives. Nil fields are skipped.
type Tasks struct {
	Log      LogRotator
	Records  RecordPruner
	Registry Reloader
}

// Start launches all configured maintenance jobs. Blocks until ctx is
// cancelled. Intended to be called with `go`.
func Start(ctx context.Context, cfg Config, tasks Tasks, logger *slog.Logger) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	logger.Info("Maintenance started",
		"rotate", cfg.RotateSchedule,
		"reload", cfg.ReloadInterval,
		"prune", cfg.PruneInterval)

	c := cron.New(cron.WithLocation(cfg.Location))
	if cfg.RotateSchedule != "" && tasks.Log != nil {
		if _, err := c.AddFunc(cfg.RotateSchedule, func() { rotateLog(tasks.Log, logger) }); err != nil {
			logger.Error("Invalid rotation schedule", "schedule", cfg.RotateSchedule, "error", err)
		}
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	tickers := make([]*time.Ticker, 0, 2)
	defer func() {
		for _, t := range tickers {
			t.Stop()
		}
	}()

	if cfg.ReloadInterval > 0 && tasks.Registry != nil {
		t := time.NewTicker(cfg.ReloadInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() { reloadRegistry(ctx, tasks.Registry, logger) })
	}

	if cfg.PruneInterval > 0 && tasks.Records != nil {
		t := time.NewTicker(cfg.PruneInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() { pruneRecords(ctx, tasks.Records, time.Now(), logger) })
	}

	<-ctx.Done()
	logger.Info("Maintenance stopped")
}

func runLoop(ctx context.Context, ch <-chan time.Time, fn func()) {
	for {
		select {
		case <-ch:
			fn()
		case <-ctx.Done():
			return
		}
	}
}
