package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store on a pgxpool whose connections carry the
// statements prepared by db.New. Cooldown arbitration locks the login rows
// of a candidate set with FOR UPDATE, in ascending id order.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps a pool created by db.New.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) ProcessLogin(ctx context.Context, l Login, lim Limits) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "upsert_login", l.LoginID, l.LanguageID); err != nil {
			return fmt.Errorf("upsert login: %w", err)
		}
		if l.DeviceToken == "" {
			return nil
		}

		now := l.At
		if now.IsZero() {
			now = time.Now()
		}
		now = now.UTC()
		tag, err := tx.Exec(ctx, "touch_device", l.LoginID, l.PlatformID, l.DeviceToken, l.AppVersion, now)
		if err != nil {
			return fmt.Errorf("update device: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if _, err := tx.Exec(ctx, "insert_device", l.LoginID, l.PlatformID, l.DeviceToken, l.AppVersion, now); err != nil {
				return fmt.Errorf("insert device: %w", err)
			}
		}

		if lim.MaxDevicesPerUser > 0 {
			if _, err := tx.Exec(ctx, "cap_devices_per_login", l.LoginID, lim.MaxDevicesPerUser); err != nil {
				return fmt.Errorf("cap devices per login: %w", err)
			}
		}
		if lim.MaxUsersPerDevice > 0 {
			if _, err := tx.Exec(ctx, "cap_logins_per_device", l.PlatformID, l.DeviceToken, lim.MaxUsersPerDevice); err != nil {
				return fmt.Errorf("cap logins per device: %w", err)
			}
		}
		return nil
	})
}

func (s *Postgres) ActiveTargets(ctx context.Context, loginID int64) ([]Target, error) {
	rows, err := s.pool.Query(ctx, "active_targets", loginID)
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

func (s *Postgres) Devices(ctx context.Context, loginID int64) ([]Device, error) {
	rows, err := s.pool.Query(ctx, "login_devices", loginID)
	if err != nil {
		return nil, fmt.Errorf("login devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var (
			d          Device
			appVersion *int32
		)
		if err := rows.Scan(&d.ID, &d.LoginID, &d.PlatformID, &d.Token, &d.NewToken, &appVersion,
			&d.UnregisteredAt, &d.LastLoginAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		if appVersion != nil {
			d.AppVersion = int(*appVersion)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *Postgres) LocalizedMessage(ctx context.Context, loginID, messageID int64, fallbackLanguage int) (*Localization, error) {
	var (
		loc     Localization
		trigger *int32
	)
	err := s.pool.QueryRow(ctx, "localized_message", loginID, messageID, fallbackLanguage).Scan(
		&loc.MessageID, &loc.LanguageID, &loc.Title, &loc.Body,
		&loc.Message.Name, &trigger, &loc.Message.CooldownMs, &loc.Message.ExpiryMs,
		&loc.Message.Screen, &loc.Message.Priority)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("localized message: %w", err)
	}
	loc.Message.ID = loc.MessageID
	if trigger != nil {
		t := int(*trigger)
		loc.Message.TriggerEventID = &t
	}
	return &loc, nil
}

func (s *Postgres) EventMessages(ctx context.Context) (map[int][]int64, error) {
	rows, err := s.pool.Query(ctx, "event_messages")
	if err != nil {
		return nil, fmt.Errorf("event messages: %w", err)
	}
	defer rows.Close()

	mapping := make(map[int][]int64)
	for rows.Next() {
		var (
			eventID   int32
			messageID int64
		)
		if err := rows.Scan(&eventID, &messageID); err != nil {
			return nil, fmt.Errorf("scan event message: %w", err)
		}
		mapping[int(eventID)] = append(mapping[int(eventID)], messageID)
	}
	return mapping, rows.Err()
}

func (s *Postgres) AddMessage(ctx context.Context, m Message, locs []Localization) (int64, error) {
	var id int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		priority := m.Priority
		if priority == "" {
			priority = "normal"
		}
		if err := tx.QueryRow(ctx, "upsert_message", m.Name, m.TriggerEventID, m.CooldownMs, m.ExpiryMs,
			m.Screen, priority).Scan(&id); err != nil {
			return fmt.Errorf("upsert message: %w", err)
		}
		for _, loc := range locs {
			if _, err := tx.Exec(ctx, "upsert_localization", id, loc.LanguageID, loc.Title, loc.Body); err != nil {
				return fmt.Errorf("upsert localization %d: %w", loc.LanguageID, err)
			}
		}
		return nil
	})
	return id, err
}

func (s *Postgres) Blacklists(ctx context.Context) (map[int64][]int64, error) {
	rows, err := s.pool.Query(ctx, "all_blacklists")
	if err != nil {
		return nil, fmt.Errorf("blacklists: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]int64)
	for rows.Next() {
		var (
			loginID int64
			ids     []int64
		)
		if err := rows.Scan(&loginID, &ids); err != nil {
			return nil, fmt.Errorf("scan blacklist: %w", err)
		}
		out[loginID] = ids
	}
	return out, rows.Err()
}

func (s *Postgres) UpsertBlacklist(ctx context.Context, loginID int64, messageIDs []int64) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "ensure_login", loginID); err != nil {
			return fmt.Errorf("ensure login: %w", err)
		}
		if _, err := tx.Exec(ctx, "upsert_blacklist", loginID, uniqueIDs(messageIDs)); err != nil {
			return fmt.Errorf("upsert blacklist: %w", err)
		}
		return nil
	})
}

func (s *Postgres) ClaimEligible(ctx context.Context, pairs []Pair, now time.Time) ([]Pair, error) {
	pairs = UniquePairs(pairs)
	if len(pairs) == 0 {
		return nil, nil
	}
	logins := make([]int64, len(pairs))
	messages := make([]int64, len(pairs))
	for i, p := range pairs {
		logins[i], messages[i] = p.LoginID, p.MessageID
	}

	var result []Pair
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "lock_logins", loginIDs(pairs)); err != nil {
			return fmt.Errorf("lock logins: %w", err)
		}

		rows, err := tx.Query(ctx, "eligible_pairs", logins, messages, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("eligible pairs: %w", err)
		}
		result, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Pair, error) {
			var p Pair
			err := row.Scan(&p.LoginID, &p.MessageID)
			return p, err
		})
		if err != nil {
			return fmt.Errorf("scan eligible pairs: %w", err)
		}
		if len(result) == 0 {
			return nil
		}

		eLogins := make([]int64, len(result))
		eMessages := make([]int64, len(result))
		for i, p := range result {
			eLogins[i], eMessages[i] = p.LoginID, p.MessageID
		}
		if _, err := tx.Exec(ctx, "record_sent", eLogins, eMessages, now.UnixMilli()); err != nil {
			return fmt.Errorf("record sent: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Postgres) RotateTokens(ctx context.Context, rotations []TokenRotation) error {
	if len(rotations) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, r := range rotations {
			batch.Queue("rotate_token", r.LoginID, r.OldToken, r.NewToken)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *Postgres) Unregister(ctx context.Context, devices []Unregistration, now time.Time) error {
	if len(devices) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, d := range devices {
			batch.Queue("unregister_device", d.LoginID, d.Token, now.UTC())
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *Postgres) PruneSendRecords(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "prune_send_records", now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune send records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	var n int
	return s.pool.QueryRow(ctx, "health_check").Scan(&n)
}

// Close is a no-op; the pool is owned by the caller of db.New.
func (s *Postgres) Close() error { return nil }
