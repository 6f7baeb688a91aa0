package request

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/albapepper/pushgate/internal/events"
	"github.com/albapepper/pushgate/internal/validate"
)

// ErrMalformed wraps body decoding failures.
var ErrMalformed = errors.New("malformed request body")

// PairValue is an event parameter. Clients send strings, numbers or booleans;
// all are kept as their string form.
type PairValue string

func (v *PairValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*v = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = PairValue(s)
	case bytes.Equal(b, []byte("true")), bytes.Equal(b, []byte("false")):
		*v = PairValue(b)
	case b[0] == '-' || (b[0] >= '0' && b[0] <= '9'):
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*v = PairValue(n.String())
	default:
		return fmt.Errorf("pair value %s is not a string, number or boolean", b)
	}
	return nil
}

type eventItem struct {
	UserID    int64                `json:"user_id" validate:"required"`
	EventID   int                  `json:"event_id" validate:"required"`
	Timestamp int64                `json:"timestamp" validate:"required"`
	Pairs     map[string]PairValue `json:"pairs"`
}

type eventsPayload struct {
	Events []eventItem `json:"events"`
}

type notificationItem struct {
	LoginID int64  `json:"login_id" validate:"required"`
	Title   string `json:"title" validate:"required"`
	Content string `json:"content" validate:"required"`
	Screen  string `json:"screen"`
}

type notificationsPayload struct {
	Notifications []notificationItem `json:"notifications"`
}

func decode(r io.Reader, dst any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// DecodeEvents reads an events request. Items failing validation and events
// no handler is registered for are dropped. ErrEmptyBatch is returned when the
// list is empty or no item validates. A batch whose valid events all lack a
// handler comes back empty with a nil error.
func DecodeEvents(r io.Reader, handled func(eventID int) bool, logger *slog.Logger) (*EventBatch, error) {
	var payload eventsPayload
	if err := decode(r, &payload); err != nil {
		return nil, err
	}
	if len(payload.Events) == 0 {
		return nil, ErrEmptyBatch
	}

	batch := &EventBatch{Events: make([]events.Event, 0, len(payload.Events))}
	unhandled := 0
	for i, item := range payload.Events {
		if err := validate.Struct(item); err != nil {
			logger.Warn("Dropping invalid event", "index", i, "error", err)
			continue
		}
		if handled != nil && !handled(item.EventID) {
			unhandled++
			continue
		}
		params := make(map[string]string, len(item.Pairs))
		for k, v := range item.Pairs {
			params[k] = string(v)
		}
		batch.Events = append(batch.Events, events.Event{
			LoginID:     item.UserID,
			EventID:     item.EventID,
			TimestampMs: item.Timestamp,
			Params:      params,
		})
	}
	if unhandled > 0 {
		logger.Debug("Dropped events without handlers", "count", unhandled)
	}
	if len(batch.Events) == 0 && unhandled == 0 {
		return nil, ErrEmptyBatch
	}
	return batch, nil
}

// DecodeNotifications reads a direct notifications request.
func DecodeNotifications(r io.Reader, logger *slog.Logger) (*NotificationBatch, error) {
	var payload notificationsPayload
	if err := decode(r, &payload); err != nil {
		return nil, err
	}

	batch := &NotificationBatch{Notifications: make([]Direct, 0, len(payload.Notifications))}
	for i, item := range payload.Notifications {
		if err := validate.Struct(item); err != nil {
			logger.Warn("Dropping invalid notification", "index", i, "error", err)
			continue
		}
		batch.Notifications = append(batch.Notifications, Direct{
			LoginID: item.LoginID,
			Title:   item.Title,
			Content: item.Content,
			Screen:  item.Screen,
		})
	}
	if len(batch.Notifications) == 0 {
		return nil, ErrEmptyBatch
	}
	return batch, nil
}
