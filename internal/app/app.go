// Package app wires the configured store, event registry, senders and request
// processor into one running service. Shared by cmd/api and cmd/pushctl.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/albapepper/pushgate/internal/config"
	"github.com/albapepper/pushgate/internal/cooldown"
	"github.com/albapepper/pushgate/internal/db"
	"github.com/albapepper/pushgate/internal/deliverylog"
	"github.com/albapepper/pushgate/internal/events"
	"github.com/albapepper/pushgate/internal/notifications"
	"github.com/albapepper/pushgate/internal/request"
	"github.com/albapepper/pushgate/internal/sender"
	"github.com/albapepper/pushgate/internal/store"
)

// App holds every long-lived component.
type App struct {
	Config    *config.Config
	Store     store.Store
	Registry  *events.Registry
	Log       *deliverylog.Writer
	Senders   *sender.Manager
	Processor *request.Processor
	Builder   notifications.Builder

	pool   *db.Pool // nil on SQLite
	logger *slog.Logger
}

// Options tweak wiring for tests and one-shot commands.
type Options struct {
	// Registry overrides the built-in sender backends.
	Registry sender.Registry
	// Recorder replaces the delivery log file. When set no file is opened.
	Recorder sender.Recorder
}

// OpenStore connects to the configured database, migrating first when
// AUTO_MIGRATE is set. The returned pool is nil on SQLite.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, *db.Pool, error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		if cfg.AutoMigrate {
			if err := db.Migrate(ctx, cfg, logger); err != nil {
				return nil, nil, err
			}
		}
		logger.Info("Connecting to database...")
		pool, err := db.New(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Database connected",
			"driver", cfg.DatabaseDriver,
			"min_conns", cfg.DBPoolMinConns,
			"max_conns", cfg.DBPoolMaxConns)
		return store.NewPostgres(pool.Pool), pool, nil

	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if cfg.AutoMigrate {
			if err := db.MigrateDB(ctx, cfg.DatabaseDriver, sqlDB, logger); err != nil {
				closeQuietly(sqlDB, logger)
				return nil, nil, err
			}
		}
		logger.Info("Database opened", "driver", cfg.DatabaseDriver, "path", cfg.SQLitePath)
		return store.NewSQLite(sqlDB), nil, nil

	default:
		return nil, nil, fmt.Errorf("unsupported driver %q", cfg.DatabaseDriver)
	}
}

// New builds the service. Nothing processes requests until Start.
func New(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger) (*App, error) {
	st, pool, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &App{
		Config: cfg,
		Store:  st,
		pool:   pool,
		logger: logger,
		Builder: notifications.Builder{
			DryRun:     cfg.DryRun,
			DefaultTTL: cfg.DefaultTTL,
		},
	}
	if err := a.build(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.Config

	reg, err := events.NewRegistry(ctx, events.Deps{
		Store:   a.Store,
		Builder: a.Builder,
		Limits: store.Limits{
			MaxDevicesPerUser: cfg.MaxDevicesPerUser,
			MaxUsersPerDevice: cfg.MaxUsersPerDevice,
		},
		LoginEventID:      cfg.LoginEventID,
		OptOutEventID:     cfg.OptOutEventID,
		DefaultLanguageID: cfg.DefaultLanguageID,
		Logger:            a.logger,
	})
	if err != nil {
		return fmt.Errorf("build event registry: %w", err)
	}
	a.Registry = reg

	recorder := opts.Recorder
	if recorder == nil {
		a.Log, err = deliverylog.Open(cfg.DeliveryLogDir, cfg.Game, cfg.WorldID, cfg.KeepLogDays, a.logger)
		if err != nil {
			return fmt.Errorf("open delivery log: %w", err)
		}
		recorder = a.Log
	}

	backends := opts.Registry
	if backends == nil {
		backends = sender.Builtin(cfg)
	}
	a.Senders, err = sender.NewManager(ctx, cfg.Senders, backends, sender.PoolDeps{
		Recorder:    recorder,
		Post:        sender.NewPostProcessor(a.Store, cfg.SenderQueueLimit, a.logger),
		BackoffUnit: cfg.SenderBackoff,
		SendTimeout: cfg.SendTimeout,
		Logger:      a.logger,
	})
	if err != nil {
		return fmt.Errorf("start senders: %w", err)
	}

	a.Processor = request.NewProcessor(cfg.RequestWorkers, cfg.RequestQueueLimit, request.Deps{
		Handlers: a.Registry,
		Cooldown: cooldown.New(a.Store, a.logger),
		Senders:  a.Senders,
		Targets:  a.Store,
		Builder:  a.Builder,
		Logger:   a.logger,
	})
	return nil
}

// Start launches the request workers, the senders and the post-processor.
func (a *App) Start(ctx context.Context) {
	a.Processor.Start(ctx)
	a.logger.Info("Service started",
		"senders", a.Senders.Senders(),
		"platforms", a.Senders.Platforms(),
		"event_ids", len(a.Registry.EventIDs()),
		"dry_run", a.Config.DryRun)
}

// Wait blocks until every worker has drained after ctx cancellation. Request
// workers stop first so nothing is submitted to a stopped sender.
func (a *App) Wait() {
	a.Processor.Wait()
	a.Senders.Wait()
}

// RegisterMetrics exposes every queue depth as a Prometheus gauge.
func (a *App) RegisterMetrics() error {
	return errors.Join(a.Processor.RegisterMetrics(), a.Senders.RegisterMetrics())
}

// DatabaseURL is set when LISTEN/NOTIFY is available.
func (a *App) DatabaseURL() (string, bool) {
	if a.pool == nil {
		return "", false
	}
	return a.Config.DatabaseURL, true
}

// Close releases the delivery log and the database.
func (a *App) Close() {
	if a.Log != nil {
		if err := a.Log.Close(); err != nil {
			a.logger.Error("Failed to close delivery log", "error", err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.logger.Error("Failed to close store", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func closeQuietly(sqlDB *sql.DB, logger *slog.Logger) {
	if err := sqlDB.Close(); err != nil {
		logger.Error("Failed to close database", "error", err)
	}
}
