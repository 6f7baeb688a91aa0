package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLite implements Store on a database opened by db.OpenSQLite. The single
// connection plus IMMEDIATE transactions serialize every writer, so cooldown
// arbitration needs no row locks here.
type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps an open SQLite database. The caller keeps ownership.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLite) ProcessLogin(ctx context.Context, l Login, lim Limits) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO login (id, language_id) VALUES (?, ?)
			 ON CONFLICT (id) DO UPDATE SET language_id = COALESCE(excluded.language_id, login.language_id)`,
			l.LoginID, l.LanguageID); err != nil {
			return fmt.Errorf("upsert login: %w", err)
		}
		if l.DeviceToken == "" {
			return nil
		}

		now := l.At
		if now.IsZero() {
			now = time.Now()
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE device SET application_version = ?, unregistered_ms = NULL, last_login_ms = ?
			 WHERE login_id = ? AND platform_id = ? AND (device_token = ? OR device_token_new = ?)`,
			l.AppVersion, now.UnixMilli(), l.LoginID, l.PlatformID, l.DeviceToken, l.DeviceToken)
		if err != nil {
			return fmt.Errorf("update device: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO device (login_id, platform_id, device_token, application_version, last_login_ms)
				 VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT (login_id, platform_id, device_token) DO UPDATE SET
					application_version = excluded.application_version,
					unregistered_ms = NULL,
					last_login_ms = excluded.last_login_ms`,
				l.LoginID, l.PlatformID, l.DeviceToken, l.AppVersion, now.UnixMilli()); err != nil {
				return fmt.Errorf("insert device: %w", err)
			}
		}

		if lim.MaxDevicesPerUser > 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM device WHERE id IN (
					SELECT id FROM (
						SELECT id, ROW_NUMBER() OVER (
							ORDER BY unregistered_ms DESC NULLS FIRST, last_login_ms DESC NULLS LAST, id DESC
						) AS device_order
						FROM device WHERE login_id = ?
					) WHERE device_order > ?)`,
				l.LoginID, lim.MaxDevicesPerUser); err != nil {
				return fmt.Errorf("cap devices per login: %w", err)
			}
		}
		if lim.MaxUsersPerDevice > 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM device WHERE id IN (
					SELECT id FROM (
						SELECT id, ROW_NUMBER() OVER (ORDER BY last_login_ms DESC NULLS LAST, id DESC) AS user_order
						FROM device
						WHERE platform_id = ? AND COALESCE(device_token_new, device_token) = ? AND unregistered_ms IS NULL
					) WHERE user_order > ?)`,
				l.PlatformID, l.DeviceToken, lim.MaxUsersPerDevice); err != nil {
				return fmt.Errorf("cap logins per device: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLite) ActiveTargets(ctx context.Context, loginID int64) ([]Target, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT platform_id, COALESCE(device_token_new, device_token)
		 FROM device WHERE login_id = ? AND unregistered_ms IS NULL ORDER BY 1, 2`, loginID)
	if err != nil {
		return nil, fmt.Errorf("active targets: %w", err)
	}
	defer rows.Close()

	var targets []Target
	for rows.Next() {
		var t Target
		if err := rows.Scan(&t.PlatformID, &t.Token); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (s *SQLite) Devices(ctx context.Context, loginID int64) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, login_id, platform_id, device_token, device_token_new, application_version,
			unregistered_ms, last_login_ms
		 FROM device WHERE login_id = ? ORDER BY id`, loginID)
	if err != nil {
		return nil, fmt.Errorf("login devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var (
			d                   Device
			newToken            sql.NullString
			appVersion          sql.NullInt64
			unregistered, login sql.NullInt64
		)
		if err := rows.Scan(&d.ID, &d.LoginID, &d.PlatformID, &d.Token, &newToken, &appVersion,
			&unregistered, &login); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		if newToken.Valid {
			d.NewToken = &newToken.String
		}
		d.AppVersion = int(appVersion.Int64)
		d.UnregisteredAt = msTime(unregistered)
		d.LastLoginAt = msTime(login)
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *SQLite) LocalizedMessage(ctx context.Context, loginID, messageID int64, fallbackLanguage int) (*Localization, error) {
	var (
		loc              Localization
		trigger          sql.NullInt64
		cooldown, expiry sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT ml.message_id, ml.language_id, ml.title, ml.body,
			m.name, m.trigger_event_id, m.cooldown_ms, m.expiry_ms, m.screen, m.priority
		 FROM message_localization ml
		 JOIN message m ON m.id = ml.message_id
		 LEFT JOIN login l ON l.id = ?
		 WHERE ml.message_id = ? AND ml.language_id IN (COALESCE(l.language_id, ?), ?)
		 ORDER BY (ml.language_id = COALESCE(l.language_id, ?)) DESC
		 LIMIT 1`,
		loginID, messageID, fallbackLanguage, fallbackLanguage, fallbackLanguage).Scan(
		&loc.MessageID, &loc.LanguageID, &loc.Title, &loc.Body,
		&loc.Message.Name, &trigger, &cooldown, &expiry, &loc.Message.Screen, &loc.Message.Priority)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("localized message: %w", err)
	}
	loc.Message.ID = loc.MessageID
	if trigger.Valid {
		t := int(trigger.Int64)
		loc.Message.TriggerEventID = &t
	}
	loc.Message.CooldownMs = nullInt(cooldown)
	loc.Message.ExpiryMs = nullInt(expiry)
	return &loc, nil
}

func (s *SQLite) EventMessages(ctx context.Context) (map[int][]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trigger_event_id, id FROM message WHERE trigger_event_id IS NOT NULL ORDER BY trigger_event_id, id`)
	if err != nil {
		return nil, fmt.Errorf("event messages: %w", err)
	}
	defer rows.Close()

	mapping := make(map[int][]int64)
	for rows.Next() {
		var (
			eventID   int
			messageID int64
		)
		if err := rows.Scan(&eventID, &messageID); err != nil {
			return nil, fmt.Errorf("scan event message: %w", err)
		}
		mapping[eventID] = append(mapping[eventID], messageID)
	}
	return mapping, rows.Err()
}

func (s *SQLite) AddMessage(ctx context.Context, m Message, locs []Localization) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		priority := m.Priority
		if priority == "" {
			priority = "normal"
		}
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO message (name, trigger_event_id, cooldown_ms, expiry_ms, screen, priority)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (name) DO UPDATE SET
				trigger_event_id = excluded.trigger_event_id,
				cooldown_ms = excluded.cooldown_ms,
				expiry_ms = excluded.expiry_ms,
				screen = excluded.screen,
				priority = excluded.priority
			 RETURNING id`,
			m.Name, m.TriggerEventID, m.CooldownMs, m.ExpiryMs, m.Screen, priority).Scan(&id); err != nil {
			return fmt.Errorf("upsert message: %w", err)
		}
		for _, loc := range locs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO message_localization (message_id, language_id, title, body) VALUES (?, ?, ?, ?)
				 ON CONFLICT (message_id, language_id) DO UPDATE SET title = excluded.title, body = excluded.body`,
				id, loc.LanguageID, loc.Title, loc.Body); err != nil {
				return fmt.Errorf("upsert localization %d: %w", loc.LanguageID, err)
			}
		}
		return nil
	})
	return id, err
}

func (s *SQLite) Blacklists(ctx context.Context) (map[int64][]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT login_id, blacklist FROM message_blacklist`)
	if err != nil {
		return nil, fmt.Errorf("blacklists: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]int64)
	for rows.Next() {
		var (
			loginID int64
			raw     string
			ids     []int64
		)
		if err := rows.Scan(&loginID, &raw); err != nil {
			return nil, fmt.Errorf("scan blacklist: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return nil, fmt.Errorf("decode blacklist of login %d: %w", loginID, err)
		}
		out[loginID] = ids
	}
	return out, rows.Err()
}

func (s *SQLite) UpsertBlacklist(ctx context.Context, loginID int64, messageIDs []int64) error {
	raw, err := json.Marshal(uniqueIDs(messageIDs))
	if err != nil {
		return fmt.Errorf("encode blacklist: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO login (id) VALUES (?) ON CONFLICT (id) DO NOTHING`, loginID); err != nil {
			return fmt.Errorf("ensure login: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_blacklist (login_id, blacklist) VALUES (?, ?)
			 ON CONFLICT (login_id) DO UPDATE SET blacklist = excluded.blacklist`,
			loginID, string(raw)); err != nil {
			return fmt.Errorf("upsert blacklist: %w", err)
		}
		return nil
	})
}

func (s *SQLite) ClaimEligible(ctx context.Context, pairs []Pair, now time.Time) ([]Pair, error) {
	pairs = UniquePairs(pairs)
	if len(pairs) == 0 {
		return nil, nil
	}

	var result []Pair
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range pairs {
			var cooldown, last sql.NullInt64
			err := tx.QueryRowContext(ctx,
				`SELECT m.cooldown_ms, s.last_sent_ms
				 FROM message m
				 JOIN login l ON l.id = ?
				 LEFT JOIN send_record s ON s.login_id = l.id AND s.message_id = m.id
				 WHERE m.id = ?`, p.LoginID, p.MessageID).Scan(&cooldown, &last)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("eligibility of %d/%d: %w", p.LoginID, p.MessageID, err)
			}
			if !eligible(nullInt(cooldown), nullInt(last), now) {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO send_record (login_id, message_id, last_sent_ms) VALUES (?, ?, ?)
				 ON CONFLICT (login_id, message_id) DO UPDATE SET last_sent_ms = excluded.last_sent_ms`,
				p.LoginID, p.MessageID, now.UnixMilli()); err != nil {
				return fmt.Errorf("record sent %d/%d: %w", p.LoginID, p.MessageID, err)
			}
			result = append(result, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLite) RotateTokens(ctx context.Context, rotations []TokenRotation) error {
	if len(rotations) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rotations {
			if _, err := tx.ExecContext(ctx,
				`UPDATE device SET device_token_new = ?
				 WHERE login_id = ? AND COALESCE(device_token_new, device_token) = ?`,
				r.NewToken, r.LoginID, r.OldToken); err != nil {
				return fmt.Errorf("rotate token of login %d: %w", r.LoginID, err)
			}
		}
		return nil
	})
}

func (s *SQLite) Unregister(ctx context.Context, devices []Unregistration, now time.Time) error {
	if len(devices) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, d := range devices {
			if _, err := tx.ExecContext(ctx,
				`UPDATE device SET unregistered_ms = ?
				 WHERE login_id = ? AND COALESCE(device_token_new, device_token) = ?`,
				now.UnixMilli(), d.LoginID, d.Token); err != nil {
				return fmt.Errorf("unregister device of login %d: %w", d.LoginID, err)
			}
		}
		return nil
	})
}

func (s *SQLite) PruneSendRecords(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM send_record WHERE EXISTS (
			SELECT 1 FROM message m
			WHERE m.id = send_record.message_id
			  AND (m.cooldown_ms IS NULL OR ? - send_record.last_sent_ms >= m.cooldown_ms))`,
		now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune send records: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func msTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
