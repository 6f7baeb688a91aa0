package notifications

import (
	"time"

	"github.com/google/uuid"

	"github.com/albapepper/pushgate/internal/store"
)

// Content is the rendered text of a message for one login.
type Content struct {
	LoginID   int64
	MessageID int64
	Title     string
	Body      string
	Screen    string
	Priority  string
	EventMs   int64  // 0 when the source has no timestamp
	ExpiryMs  *int64 // nil when the message never expires on its own
}

// Builder stamps the server-wide fields of new notifications.
type Builder struct {
	DryRun     bool
	DefaultTTL time.Duration
	Now        func() time.Time
}

func (b Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Build creates one Ready notification per target.
func (b Builder) Build(c Content, targets []store.Target) []*Notification {
	if len(targets) == 0 {
		return nil
	}
	now := b.now()
	priority := c.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	ttl := TimeToLive(c.EventMs, c.ExpiryMs, now, b.DefaultTTL)

	out := make([]*Notification, 0, len(targets))
	for _, t := range targets {
		out = append(out, &Notification{
			LoginID:    c.LoginID,
			Title:      c.Title,
			Content:    c.Body,
			Screen:     c.Screen,
			Priority:   priority,
			MessageID:  c.MessageID,
			SendingID:  uuid.NewString(),
			CreatedMs:  now.UnixMilli(),
			DryRun:     b.DryRun,
			Platform:   t.PlatformID,
			ReceiverID: t.Token,
			TTLMs:      ttl,
			Status:     StatusReady,
		})
	}
	return out
}

// TimeToLive returns the absolute expiry in ms: eventMs + expiryMs when both
// are known, otherwise now + def (DefaultTTL when def is zero).
func TimeToLive(eventMs int64, expiryMs *int64, now time.Time, def time.Duration) int64 {
	if eventMs > 0 && expiryMs != nil {
		return eventMs + *expiryMs
	}
	if def <= 0 {
		def = DefaultTTL
	}
	return now.Add(def).UnixMilli()
}
