// Package db provides a pgxpool-based connection pool with prepared statement
// registration, a SQLite opener for single-node deployments, and embedded
// schema migrations for both.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/albapepper/pushgate/internal/config"
)

// Pool wraps pgxpool.Pool with application-specific helpers.
type Pool struct {
	*pgxpool.Pool
}

// New creates and validates a new connection pool.
func New(ctx context.Context, cfg *config.Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MinConns = int32(cfg.DBPoolMinConns)
	poolCfg.MaxConns = int32(cfg.DBPoolMaxConns)
	poolCfg.MaxConnLifetime = cfg.DBPoolMaxLife
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	// Register prepared statements on every new connection.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return registerPreparedStatements(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// HealthCheck runs a trivial query to verify the database is reachable.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var n int
	return p.QueryRow(ctx, "health_check").Scan(&n)
}

// Statements are prepared on every pooled connection; store.Postgres executes
// them by name.
var Statements = map[string]string{
	// Health
	"health_check": "SELECT 1",

	// Login processing
	"upsert_login": `INSERT INTO login (id, language_id) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET language_id = COALESCE(EXCLUDED.language_id, login.language_id)`,
	"ensure_login": "INSERT INTO login (id) VALUES ($1) ON CONFLICT (id) DO NOTHING",
	"touch_device": `UPDATE device SET application_version = $4, unregistered_ts = NULL, last_login_ts = $5
		WHERE login_id = $1 AND platform_id = $2 AND (device_token = $3 OR device_token_new = $3)`,
	"insert_device": `INSERT INTO device (login_id, platform_id, device_token, application_version, last_login_ts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (login_id, platform_id, device_token) DO UPDATE SET
			application_version = EXCLUDED.application_version,
			unregistered_ts = NULL,
			last_login_ts = EXCLUDED.last_login_ts`,
	"cap_devices_per_login": `DELETE FROM device WHERE id IN (
		SELECT id FROM (
			SELECT id, ROW_NUMBER() OVER (
				ORDER BY unregistered_ts DESC NULLS FIRST, last_login_ts DESC NULLS LAST, id DESC
			) AS device_order
			FROM device WHERE login_id = $1
		) d WHERE d.device_order > $2)`,
	"cap_logins_per_device": `DELETE FROM device WHERE id IN (
		SELECT id FROM (
			SELECT id, ROW_NUMBER() OVER (ORDER BY last_login_ts DESC NULLS LAST, id DESC) AS user_order
			FROM device
			WHERE platform_id = $1 AND COALESCE(device_token_new, device_token) = $2 AND unregistered_ts IS NULL
		) d WHERE d.user_order > $3)`,

	// Devices
	"active_targets": `SELECT DISTINCT platform_id, COALESCE(device_token_new, device_token)
		FROM device WHERE login_id = $1 AND unregistered_ts IS NULL ORDER BY 1, 2`,
	"login_devices": `SELECT id, login_id, platform_id, device_token, device_token_new, application_version,
			unregistered_ts, last_login_ts
		FROM device WHERE login_id = $1 ORDER BY id`,
	"rotate_token": `UPDATE device SET device_token_new = $3
		WHERE login_id = $1 AND COALESCE(device_token_new, device_token) = $2`,
	"unregister_device": `UPDATE device SET unregistered_ts = $3
		WHERE login_id = $1 AND COALESCE(device_token_new, device_token) = $2`,

	// Messages
	"localized_message": `SELECT ml.message_id, ml.language_id, ml.title, ml.body,
			m.name, m.trigger_event_id, m.cooldown_ms, m.expiry_ms, m.screen, m.priority
		FROM message_localization ml
		JOIN message m ON m.id = ml.message_id
		LEFT JOIN login l ON l.id = $1
		WHERE ml.message_id = $2 AND ml.language_id IN (COALESCE(l.language_id, $3::smallint), $3::smallint)
		ORDER BY (ml.language_id = COALESCE(l.language_id, $3::smallint)) DESC
		LIMIT 1`,
	"event_messages": `SELECT trigger_event_id, id FROM message
		WHERE trigger_event_id IS NOT NULL ORDER BY trigger_event_id, id`,
	"upsert_message": `INSERT INTO message (name, trigger_event_id, cooldown_ms, expiry_ms, screen, priority)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			trigger_event_id = EXCLUDED.trigger_event_id,
			cooldown_ms = EXCLUDED.cooldown_ms,
			expiry_ms = EXCLUDED.expiry_ms,
			screen = EXCLUDED.screen,
			priority = EXCLUDED.priority
		RETURNING id`,
	"upsert_localization": `INSERT INTO message_localization (message_id, language_id, title, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, language_id) DO UPDATE SET title = EXCLUDED.title, body = EXCLUDED.body`,

	// Blacklist
	"all_blacklists": "SELECT login_id, blacklist FROM message_blacklist",
	"upsert_blacklist": `INSERT INTO message_blacklist (login_id, blacklist) VALUES ($1, $2)
		ON CONFLICT (login_id) DO UPDATE SET blacklist = EXCLUDED.blacklist`,

	// Cooldown arbitration
	"lock_logins": "SELECT id FROM login WHERE id = ANY($1::bigint[]) ORDER BY id FOR UPDATE",
	"eligible_pairs": `SELECT p.login_id, p.message_id
		FROM unnest($1::bigint[], $2::bigint[]) AS p(login_id, message_id)
		JOIN login l ON l.id = p.login_id
		JOIN message m ON m.id = p.message_id
		LEFT JOIN send_record s ON s.login_id = p.login_id AND s.message_id = p.message_id
		WHERE m.cooldown_ms IS NULL OR s.last_sent_ms IS NULL OR $3::bigint - s.last_sent_ms >= m.cooldown_ms
		ORDER BY p.login_id, p.message_id`,
	"record_sent": `INSERT INTO send_record (login_id, message_id, last_sent_ms)
		SELECT p.login_id, p.message_id, $3::bigint
		FROM unnest($1::bigint[], $2::bigint[]) AS p(login_id, message_id)
		ON CONFLICT (login_id, message_id) DO UPDATE SET last_sent_ms = EXCLUDED.last_sent_ms`,
	"prune_send_records": `DELETE FROM send_record s USING message m
		WHERE m.id = s.message_id AND (m.cooldown_ms IS NULL OR $1::bigint - s.last_sent_ms >= m.cooldown_ms)`,
}

func registerPreparedStatements(ctx context.Context, conn *pgx.Conn) error {
	for name, sql := range Statements {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return fmt.Errorf("prepare %q: %w", name, err)
		}
	}
	return nil
}
