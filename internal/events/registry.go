// Package events maps client event ids to the handlers that react to them.
//
// Login and opt-out handlers are static. Every trigger event id found in the
// message table gets a MessageHandler that emits the messages mapped to it.
// The table is rebuilt by Reload and swapped atomically, so in-flight batches
// keep the table they started with.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/albapepper/pushgate/internal/metrics"
	"github.com/albapepper/pushgate/internal/notifications"
	"github.com/albapepper/pushgate/internal/store"
)

// Store is the persistence the registry and its handlers need.
type Store interface {
	LoginStore
	BlacklistStore
	BlacklistSource
	MessageStore
	EventMessages(ctx context.Context) (map[int][]int64, error)
}

// Deps configures a Registry.
type Deps struct {
	Store             Store
	Builder           notifications.Builder
	Limits            store.Limits
	LoginEventID      int
	OptOutEventID     int
	DefaultLanguageID int
	Logger            *slog.Logger
}

type table map[int][]Handler

type Registry struct {
	deps      Deps
	blacklist *Blacklist
	current   atomic.Pointer[table]
}

// NewRegistry loads the opt-out cache and builds the first handler table.
func NewRegistry(ctx context.Context, deps Deps) (*Registry, error) {
	r := &Registry{deps: deps, blacklist: NewBlacklist()}
	if err := r.blacklist.Load(ctx, deps.Store); err != nil {
		return nil, err
	}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	deps.Logger.Info("Event handler registry built",
		"event_ids", len(r.EventIDs()), "blacklisted_logins", r.blacklist.Len())
	return r, nil
}

// Reload rebuilds the handler table from the message table.
func (r *Registry) Reload(ctx context.Context) error {
	mapping, err := r.deps.Store.EventMessages(ctx)
	if err != nil {
		metrics.RegistryReloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("load event messages: %w", err)
	}

	t := table{}
	t[r.deps.LoginEventID] = append(t[r.deps.LoginEventID], NewLoginHandler(r.deps.Store, r.deps.Limits))
	t[r.deps.OptOutEventID] = append(t[r.deps.OptOutEventID], NewOptOutHandler(r.deps.Store, r.blacklist))
	for eventID, messageIDs := range mapping {
		if len(messageIDs) == 0 {
			continue
		}
		t[eventID] = append(t[eventID], &MessageHandler{
			eventID:         eventID,
			messageIDs:      messageIDs,
			store:           r.deps.Store,
			blacklist:       r.blacklist,
			builder:         r.deps.Builder,
			defaultLanguage: r.deps.DefaultLanguageID,
			logger:          r.deps.Logger,
		})
	}
	r.current.Store(&t)
	metrics.RegistryReloadsTotal.WithLabelValues("ok").Inc()
	return nil
}

// Handlers returns the handlers of eventID, in registration order.
func (r *Registry) Handlers(eventID int) []Handler {
	return (*r.current.Load())[eventID]
}

func (r *Registry) Has(eventID int) bool {
	return len(r.Handlers(eventID)) > 0
}

// EventIDs lists every handled event id in ascending order.
func (r *Registry) EventIDs() []int {
	t := *r.current.Load()
	ids := make([]int, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (r *Registry) Blacklist() *Blacklist { return r.blacklist }

// Result is the aggregate of every handler of one event.
type Result struct {
	Notifications []*notifications.Notification
	Skipped       int
	Errors        []error
}

// Handle validates e against all of its handlers and, when every handler
// accepts it, runs them in order. A validation failure is returned wrapped in
// ErrInvalidEvent and no handler runs. Handler failures are collected in
// Result.Errors without stopping the remaining handlers.
func (r *Registry) Handle(ctx context.Context, e Event) (Result, error) {
	handlers := r.Handlers(e.EventID)
	for _, h := range handlers {
		if err := h.Validate(e); err != nil {
			return Result{}, fmt.Errorf("%s: %w", h.Name(), err)
		}
	}

	var res Result
	for _, h := range handlers {
		out, err := h.Handle(ctx, e)
		res.Notifications = append(res.Notifications, out.Notifications...)
		res.Skipped += out.Skipped
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("%s: %w", h.Name(), err))
		}
	}
	return res, nil
}

// IsInvalid reports whether err is a validation failure.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalidEvent) }
