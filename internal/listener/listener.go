// Package listener provides a Postgres LISTEN/NOTIFY consumer that keeps the
// event handler registry in step with the message tables. It holds a
// dedicated pgx connection (not from the pool) listening on the
// `message_changed` channel, which triggers on message and
// message_localization fire.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	channel          = "message_changed"
	reconnectBackoff = 5 * time.Second
	maxReconnect     = 30 * time.Second
	debounce         = 500 * time.Millisecond
)

// Reloader rebuilds derived state from the database.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Start opens a dedicated connection and listens on the message_changed
// channel. It reconnects automatically on connection loss and reloads once
// after every (re)connect, since notifications sent while disconnected are
// lost. Blocks until ctx is cancelled. Intended to be called with `go`.
func Start(ctx context.Context, dbURL string, reg Reloader, logger *slog.Logger) {
	backoff := reconnectBackoff

	for {
		err := listenLoop(ctx, dbURL, reg, logger, func() { backoff = reconnectBackoff })
		if ctx.Err() != nil {
			logger.Info("Message listener stopped (context cancelled)")
			return
		}

		logger.Error("Message listener disconnected, reconnecting...",
			"error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxReconnect)
		case <-ctx.Done():
			return
		}
	}
}

// listenLoop runs a single listen session. Returns when the connection drops
// or the context is cancelled.
func listenLoop(ctx context.Context, dbURL string, reg Reloader, logger *slog.Logger, connected func()) error {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return fmt.Errorf("LISTEN %s: %w", channel, err)
	}
	logger.Info("Message listener connected", "channel", channel)
	connected()
	reload(ctx, reg, "listener_connect", logger)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		logger.Debug("Message change received", "table", n.Payload)

		// Bulk edits fire one notification per statement; collapse bursts.
		if err := drain(ctx, conn); err != nil {
			return err
		}
		reload(ctx, reg, "message_changed", logger)
	}
}

// drain consumes notifications arriving within the debounce window.
func drain(ctx context.Context, conn *pgx.Conn) error {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, debounce)
		_, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if waitCtx.Err() != nil {
			return nil
		}
		return fmt.Errorf("wait for notification: %w", err)
	}
}

func reload(ctx context.Context, reg Reloader, trigger string, logger *slog.Logger) {
	start := time.Now()
	if err := reg.Reload(ctx); err != nil {
		logger.Warn("Registry reload failed", "trigger", trigger, "error", err)
		return
	}
	logger.Info("Registry reloaded", "trigger", trigger,
		"duration", time.Since(start).Round(time.Millisecond))
}
