// Package store persists logins, devices, messages and send records. The
// relational database is the single source of truth for "has this already
// been sent"; both backends implement the same Store contract.
package store

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Device is a (login, platform, token) push registration.
type Device struct {
	ID             int64
	LoginID        int64
	PlatformID     int
	Token          string
	NewToken       *string
	AppVersion     int
	UnregisteredAt *time.Time
	LastLoginAt    *time.Time
}

// EffectiveToken is the rotated token when one is pending, else the original.
func (d Device) EffectiveToken() string {
	if d.NewToken != nil && *d.NewToken != "" {
		return *d.NewToken
	}
	return d.Token
}

// Active reports whether the device has not been unregistered.
func (d Device) Active() bool { return d.UnregisteredAt == nil }

// Target is an active delivery endpoint for a login.
type Target struct {
	PlatformID int
	Token      string
}

// Message is a notification template owned by admin tooling.
type Message struct {
	ID             int64
	Name           string
	TriggerEventID *int
	CooldownMs     *int64
	ExpiryMs       *int64
	Screen         string
	Priority       string
}

// Localization is the title/body template of a message in one language.
type Localization struct {
	MessageID  int64
	LanguageID int
	Title      string
	Body       string
	Message    Message
}

// Pair is a (login, message) cooldown candidate.
type Pair struct {
	LoginID   int64
	MessageID int64
}

// Login carries the attributes persisted on a login event.
type Login struct {
	LoginID     int64
	LanguageID  *int
	PlatformID  int
	DeviceToken string // empty: login without a push registration
	AppVersion  int
	At          time.Time // zero means now
}

// Limits bounds device table growth per login and per physical token.
type Limits struct {
	MaxDevicesPerUser int
	MaxUsersPerDevice int
}

// TokenRotation replaces a superseded token with a backend-issued one.
type TokenRotation struct {
	LoginID  int64
	OldToken string
	NewToken string
}

// Unregistration marks a login's device token as no longer deliverable.
type Unregistration struct {
	LoginID int64
	Token   string
}

// --------------------------------------------------------------------------
// Store contract
// --------------------------------------------------------------------------

// Store is implemented by the Postgres and SQLite backends.
type Store interface {
	// ProcessLogin upserts the login and its device, then applies Limits,
	// all in one transaction.
	ProcessLogin(ctx context.Context, l Login, lim Limits) error

	// ActiveTargets returns one target per (platform, effective token) for
	// devices that are not unregistered.
	ActiveTargets(ctx context.Context, loginID int64) ([]Target, error)

	// Devices returns every device row of a login, active or not.
	Devices(ctx context.Context, loginID int64) ([]Device, error)

	// LocalizedMessage picks the login's language, falling back to
	// fallbackLanguage. ErrNotFound when neither exists.
	LocalizedMessage(ctx context.Context, loginID, messageID int64, fallbackLanguage int) (*Localization, error)

	// EventMessages maps trigger event ids to the message ids they emit.
	EventMessages(ctx context.Context) (map[int][]int64, error)

	// AddMessage upserts a message by name together with its localizations.
	AddMessage(ctx context.Context, m Message, locs []Localization) (int64, error)

	Blacklists(ctx context.Context) (map[int64][]int64, error)
	UpsertBlacklist(ctx context.Context, loginID int64, messageIDs []int64) error

	// ClaimEligible atomically filters pairs by cooldown and records the
	// eligible ones as sent at now.
	ClaimEligible(ctx context.Context, pairs []Pair, now time.Time) ([]Pair, error)

	RotateTokens(ctx context.Context, rotations []TokenRotation) error
	Unregister(ctx context.Context, devices []Unregistration, now time.Time) error

	// PruneSendRecords deletes records that can no longer block a send.
	PruneSendRecords(ctx context.Context, now time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// UniquePairs drops duplicate pairs and orders the rest by login then
// message, which is also the lock order used by ClaimEligible.
func UniquePairs(pairs []Pair) []Pair {
	seen := make(map[Pair]struct{}, len(pairs))
	out := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LoginID != out[j].LoginID {
			return out[i].LoginID < out[j].LoginID
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out
}

func loginIDs(pairs []Pair) []int64 {
	ids := make([]int64, 0, len(pairs))
	for _, p := range pairs {
		if len(ids) == 0 || ids[len(ids)-1] != p.LoginID {
			ids = append(ids, p.LoginID)
		}
	}
	return ids
}

func eligible(cooldownMs *int64, lastSentMs *int64, now time.Time) bool {
	if cooldownMs == nil || lastSentMs == nil {
		return true
	}
	return now.UnixMilli()-*lastSentMs >= *cooldownMs
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
