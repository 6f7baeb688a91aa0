package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/albapepper/pushgate/internal/notifications"
	"github.com/albapepper/pushgate/internal/store"
)

// ErrInvalidEvent wraps every validation failure.
var ErrInvalidEvent = errors.New("invalid event")

// Event is one client event with its string parameters.
type Event struct {
	LoginID     int64
	EventID     int
	TimestampMs int64
	Params      map[string]string
}

// Outcome is what one handler produced for one event.
type Outcome struct {
	Notifications []*notifications.Notification
	Skipped       int // messages not built: opted out, untranslated or unrenderable
}

// Handler reacts to one event id.
type Handler interface {
	Name() string
	Validate(e Event) error
	Handle(ctx context.Context, e Event) (Outcome, error)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}

func requireBase(e Event) error {
	if e.LoginID == 0 {
		return invalid("user_id is required")
	}
	if e.TimestampMs == 0 {
		return invalid("timestamp is required")
	}
	return nil
}

// --------------------------------------------------------------------------
// Login
// --------------------------------------------------------------------------

// LoginStore persists a login and its device.
type LoginStore interface {
	ProcessLogin(ctx context.Context, l store.Login, lim store.Limits) error
}

// LoginHandler records the device a login used.
type LoginHandler struct {
	store  LoginStore
	limits store.Limits
}

func NewLoginHandler(s LoginStore, limits store.Limits) *LoginHandler {
	return &LoginHandler{store: s, limits: limits}
}

func (h *LoginHandler) Name() string { return "login" }

func (h *LoginHandler) Validate(e Event) error {
	if err := requireBase(e); err != nil {
		return err
	}
	if _, ok := parseInt(e.Params["platformId"]); !ok {
		return invalid("platformId %q is not an integer", e.Params["platformId"])
	}
	if _, ok := parseInt(e.Params["applicationVersion"]); !ok {
		return invalid("applicationVersion %q is not an integer", e.Params["applicationVersion"])
	}
	if lang, ok := e.Params["languageId"]; ok && lang != "" {
		if _, ok := parseInt(lang); !ok {
			return invalid("languageId %q is not an integer", lang)
		}
	}
	return nil
}

func (h *LoginHandler) Handle(ctx context.Context, e Event) (Outcome, error) {
	platform, _ := parseInt(e.Params["platformId"])
	version, _ := parseInt(e.Params["applicationVersion"])
	l := store.Login{
		LoginID:     e.LoginID,
		PlatformID:  int(platform),
		DeviceToken: strings.TrimSpace(e.Params["deviceToken"]),
		AppVersion:  int(version),
		At:          time.UnixMilli(e.TimestampMs),
	}
	if lang, ok := parseInt(e.Params["languageId"]); ok {
		v := int(lang)
		l.LanguageID = &v
	}
	if err := h.store.ProcessLogin(ctx, l, h.limits); err != nil {
		return Outcome{}, fmt.Errorf("process login %d: %w", e.LoginID, err)
	}
	return Outcome{}, nil
}

// --------------------------------------------------------------------------
// Opt-out
// --------------------------------------------------------------------------

// BlacklistStore persists opt-outs.
type BlacklistStore interface {
	UpsertBlacklist(ctx context.Context, loginID int64, messageIDs []int64) error
}

// OptOutHandler replaces a login's blacklist with the message ids carried as
// parameter values.
type OptOutHandler struct {
	store BlacklistStore
	cache *Blacklist
}

func NewOptOutHandler(s BlacklistStore, cache *Blacklist) *OptOutHandler {
	return &OptOutHandler{store: s, cache: cache}
}

func (h *OptOutHandler) Name() string { return "opt_out" }

func (h *OptOutHandler) Validate(e Event) error {
	if err := requireBase(e); err != nil {
		return err
	}
	for k, v := range e.Params {
		if _, ok := parseInt(v); !ok {
			return invalid("opt-out value %s=%q is not an integer", k, v)
		}
	}
	return nil
}

func (h *OptOutHandler) Handle(ctx context.Context, e Event) (Outcome, error) {
	ids := make([]int64, 0, len(e.Params))
	for _, v := range e.Params {
		id, _ := parseInt(v)
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if err := h.store.UpsertBlacklist(ctx, e.LoginID, ids); err != nil {
		return Outcome{}, fmt.Errorf("store blacklist of %d: %w", e.LoginID, err)
	}
	h.cache.Set(e.LoginID, ids)
	return Outcome{}, nil
}

// --------------------------------------------------------------------------
// Event to messages
// --------------------------------------------------------------------------

// MessageStore reads what a templated message needs.
type MessageStore interface {
	LocalizedMessage(ctx context.Context, loginID, messageID int64, fallbackLanguage int) (*store.Localization, error)
	ActiveTargets(ctx context.Context, loginID int64) ([]store.Target, error)
}

// MessageHandler turns a trigger event into the localized messages mapped to
// it, one notification per active device.
type MessageHandler struct {
	eventID         int
	messageIDs      []int64
	store           MessageStore
	blacklist       *Blacklist
	builder         notifications.Builder
	defaultLanguage int
	logger          *slog.Logger
}

func (h *MessageHandler) Name() string { return fmt.Sprintf("messages(%d)", h.eventID) }

func (h *MessageHandler) Validate(Event) error { return nil }

func (h *MessageHandler) Handle(ctx context.Context, e Event) (Outcome, error) {
	var (
		out     Outcome
		targets []store.Target
		fetched bool
	)
	for _, messageID := range h.messageIDs {
		if h.blacklist.Blocked(e.LoginID, messageID) {
			out.Skipped++
			continue
		}

		loc, err := h.store.LocalizedMessage(ctx, e.LoginID, messageID, h.defaultLanguage)
		if errors.Is(err, store.ErrNotFound) {
			h.logger.Debug("No localization for login", "login_id", e.LoginID, "message_id", messageID)
			out.Skipped++
			continue
		}
		if err != nil {
			h.logger.Error("Failed to load localized message",
				"login_id", e.LoginID, "message_id", messageID, "error", err)
			out.Skipped++
			continue
		}

		title, err := Render(loc.Title, e.Params)
		if err == nil {
			var body string
			body, err = Render(loc.Body, e.Params)
			loc.Body = body
		}
		if err != nil {
			h.logger.Error("Problem with preparing message",
				"event_id", e.EventID, "message_id", messageID, "error", err)
			out.Skipped++
			continue
		}

		if !fetched {
			targets, err = h.store.ActiveTargets(ctx, e.LoginID)
			if err != nil {
				return out, fmt.Errorf("active targets of %d: %w", e.LoginID, err)
			}
			fetched = true
		}
		out.Notifications = append(out.Notifications, h.builder.Build(notifications.Content{
			LoginID:   e.LoginID,
			MessageID: messageID,
			Title:     title,
			Body:      loc.Body,
			Screen:    loc.Message.Screen,
			Priority:  loc.Message.Priority,
			EventMs:   e.TimestampMs,
			ExpiryMs:  loc.Message.ExpiryMs,
		}, targets)...)
	}
	return out, nil
}
