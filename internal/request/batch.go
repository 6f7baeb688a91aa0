package request

import (
	"context"

	"github.com/albapepper/pushgate/internal/events"
	"github.com/albapepper/pushgate/internal/notifications"
	"github.com/albapepper/pushgate/internal/store"
)

// Batch is one queued inbound request.
type Batch interface {
	Kind() string
	Len() int
	process(ctx context.Context, p *Processor) Summary
}

// Summary counts what happened to one batch.
type Summary struct {
	Kind      string `json:"kind"`
	Items     int    `json:"items"`
	Invalid   int    `json:"invalid"`   // events or notifications failing validation
	Skipped   int    `json:"skipped"`   // messages not built: opted out, untranslated, unrenderable
	Blocked   int    `json:"blocked"`   // notifications held back by a cooldown
	Submitted int    `json:"submitted"` // accepted by a sender queue
	Rejected  int    `json:"rejected"`  // refused by a sender queue or unroutable
	Errors    int    `json:"errors"`
}

// --------------------------------------------------------------------------
// Events
// --------------------------------------------------------------------------

// EventBatch is a batch of client events. Every event runs through its
// handlers; the messages they produce are then filtered by cooldown in one
// arbitration and submitted to the senders.
type EventBatch struct {
	Events []events.Event
}

func (b *EventBatch) Kind() string { return "events" }
func (b *EventBatch) Len() int     { return len(b.Events) }

func (b *EventBatch) process(ctx context.Context, p *Processor) Summary {
	sum := Summary{Kind: b.Kind(), Items: len(b.Events)}

	var built []*notifications.Notification
	for _, e := range b.Events {
		res, err := p.deps.Handlers.Handle(ctx, e)
		if err != nil {
			sum.Invalid++
			p.logger.Error("Skipping invalid event",
				"login_id", e.LoginID, "event_id", e.EventID, "error", err)
			continue
		}
		for _, herr := range res.Errors {
			sum.Errors++
			p.logger.Error("Event handler failed",
				"login_id", e.LoginID, "event_id", e.EventID, "error", herr)
		}
		sum.Skipped += res.Skipped
		built = append(built, res.Notifications...)
	}
	if len(built) == 0 {
		return sum
	}

	candidates := make([]store.Pair, 0, len(built))
	for _, n := range built {
		candidates = append(candidates, store.Pair{LoginID: n.LoginID, MessageID: n.MessageID})
	}
	eligible := p.deps.Cooldown.Eligible(ctx, candidates)

	for _, n := range built {
		if !eligible.Has(n.LoginID, n.MessageID) {
			sum.Blocked++
			continue
		}
		p.submit(n, &sum)
	}
	return sum
}

// --------------------------------------------------------------------------
// Direct notifications
// --------------------------------------------------------------------------

// Direct is an ad hoc notification for every active device of a login.
type Direct struct {
	LoginID int64
	Title   string
	Content string
	Screen  string
}

// NotificationBatch bypasses the event handlers and the cooldown arbiter.
type NotificationBatch struct {
	Notifications []Direct
}

func (b *NotificationBatch) Kind() string { return "notifications" }
func (b *NotificationBatch) Len() int     { return len(b.Notifications) }

func (b *NotificationBatch) process(ctx context.Context, p *Processor) Summary {
	sum := Summary{Kind: b.Kind(), Items: len(b.Notifications)}
	for _, d := range b.Notifications {
		if d.LoginID == 0 || d.Title == "" || d.Content == "" {
			sum.Invalid++
			p.logger.Error("Skipping invalid notification", "login_id", d.LoginID)
			continue
		}
		targets, err := p.deps.Targets.ActiveTargets(ctx, d.LoginID)
		if err != nil {
			sum.Errors++
			p.logger.Error("Failed to load devices", "login_id", d.LoginID, "error", err)
			continue
		}
		built := p.deps.Builder.Build(notifications.Content{
			LoginID: d.LoginID,
			Title:   d.Title,
			Body:    d.Content,
			Screen:  d.Screen,
		}, targets)
		for _, n := range built {
			p.submit(n, &sum)
		}
	}
	return sum
}
