// Command api is the Pushgate notification dispatch server.
//
// Usage:
//
//	pushgate-api
//	API_PORT=8080 DB_DRIVER=sqlite pushgate-api

// @title Pushgate API
// @version 1.0.0
// @description Push notification dispatch: ingests client events and ad hoc notifications, applies per-message cooldowns and delivers through APNs, FCM, GCM and SNS.
// @host localhost:8000
// @BasePath /
// @schemes http https
// @contact.name Pushgate
// @license.name MIT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"github.com/albapepper/pushgate/internal/api"
	"github.com/albapepper/pushgate/internal/app"
	"github.com/albapepper/pushgate/internal/config"
	"github.com/albapepper/pushgate/internal/listener"
	"github.com/albapepper/pushgate/internal/maintenance"
	"github.com/albapepper/pushgate/internal/metrics"

	_ "github.com/albapepper/pushgate/docs" // swagger docs
)

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Workers outlive the HTTP server by a drain window, so they get their
	// own context.
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()

	a, err := app.New(workCtx, cfg, app.Options{}, logger)
	if err != nil {
		logger.Error("Failed to initialize service", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	metrics.MustRegister()
	if err := a.RegisterMetrics(); err != nil {
		logger.Error("Failed to register queue metrics", "error", err)
		os.Exit(1)
	}

	a.Start(workCtx)

	// Start LISTEN/NOTIFY consumer for message table changes
	if dbURL, ok := a.DatabaseURL(); ok {
		go listener.Start(ctx, dbURL, a.Registry, logger)
	}

	// Start maintenance jobs (log rotation, registry reload, record pruning)
	maintCfg := maintenance.DefaultConfig()
	maintCfg.ReloadInterval = cfg.RegistryReloadInterval
	maintCfg.PruneInterval = cfg.SendRecordPruneInterval
	go maintenance.Start(ctx, maintCfg, maintenance.Tasks{
		Log:      a.Log,
		Records:  a.Store,
		Registry: a.Registry,
	}, logger)

	// Create router
	router := api.NewRouter(a.Processor, a.Senders, a.Store, cfg, logger)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		logger.Info("Starting Pushgate API",
			"addr", addr,
			"environment", cfg.Environment,
			"docs", fmt.Sprintf("http://localhost:%d/docs/", cfg.APIPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("Failed to notify systemd", "error", err)
	} else if sent {
		logger.Debug("Notified systemd of readiness")
	}

	// Wait for interrupt
	<-ctx.Done()
	logger.Info("Shutting down...")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}

	// Stop workers; queued work is abandoned and in-flight batches finish.
	stopWork()
	drained := make(chan struct{})
	go func() {
		a.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("Workers did not drain before shutdown deadline")
	}
	logger.Info("Server stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
