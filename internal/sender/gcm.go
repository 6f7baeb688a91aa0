package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/albapepper/pushgate/internal/notifications"
)

// gcmMaxTTL is the longest time_to_live the legacy endpoint accepts.
const gcmMaxTTL = 4 * 7 * 24 * time.Hour

// GCM delivers to Android through the legacy HTTP JSON endpoint. One request
// is made per notification; canonical registration ids are reported as
// Rotated.
type GCM struct {
	endpoint     string
	accessKey    string
	baseDeeplink string
	http         *http.Client
	now          func() time.Time
}

func NewGCM(endpoint, accessKey, baseDeeplink string, timeout time.Duration) *GCM {
	return &GCM{
		endpoint:     endpoint,
		accessKey:    accessKey,
		baseDeeplink: baseDeeplink,
		http:         &http.Client{Timeout: timeout},
		now:          time.Now,
	}
}

func (g *GCM) Name() string { return "gcm" }

func (g *GCM) Platforms() []int { return notifications.AndroidPlatforms }

type gcmRequest struct {
	RegistrationIDs []string          `json:"registration_ids"`
	Data            map[string]string `json:"data"`
	TimeToLive      int64             `json:"time_to_live"`
	Priority        string            `json:"priority"`
	DryRun          bool              `json:"dry_run,omitempty"`
}

type gcmResponse struct {
	MulticastID  int64       `json:"multicast_id"`
	Success      int         `json:"success"`
	Failure      int         `json:"failure"`
	CanonicalIDs int         `json:"canonical_ids"`
	Results      []gcmResult `json:"results"`
}

type gcmResult struct {
	MessageID      string `json:"message_id"`
	RegistrationID string `json:"registration_id"`
	Error          string `json:"error"`
}

func (g *GCM) Send(ctx context.Context, batch []*notifications.Notification) []Response {
	out := make([]Response, len(batch))
	for i, n := range batch {
		out[i] = g.send(ctx, n)
	}
	return out
}

func (g *GCM) send(ctx context.Context, n *notifications.Notification) Response {
	ttl := min(max(n.Remaining(g.now()), 0), gcmMaxTTL)
	priority := notifications.PriorityNormal
	if n.HighPriority() {
		priority = notifications.PriorityHigh
	}
	body, err := json.Marshal(gcmRequest{
		RegistrationIDs: []string{n.ReceiverID},
		Data:            n.AndroidData(g.baseDeeplink),
		TimeToLive:      int64(ttl / time.Second),
		Priority:        priority,
		DryRun:          n.DryRun,
	})
	if err != nil {
		return Response{Verdict: Malformed, Status: notifications.StatusGCMFatal, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{Verdict: Failed, Status: notifications.StatusGCMFatal, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+g.accessKey)

	resp, err := g.http.Do(req)
	if err != nil {
		return connectionError(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return connectionError(err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest:
		return Response{Verdict: Malformed, Status: notifications.StatusGCMFatal,
			Err: fmt.Errorf("gcm 400: %s", bytes.TrimSpace(raw))}
	case resp.StatusCode == http.StatusUnauthorized:
		return Response{Verdict: Failed, Status: notifications.StatusGCMFatal, Err: errors.New("gcm 401: bad access key")}
	case resp.StatusCode >= http.StatusInternalServerError:
		return gcmUnavailable(fmt.Errorf("gcm %d", resp.StatusCode))
	default:
		return Response{Verdict: Failed, Status: notifications.StatusGCMFatal, Err: fmt.Errorf("gcm %d", resp.StatusCode)}
	}

	var parsed gcmResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{Verdict: Failed, Status: notifications.StatusGCMFatal, Err: fmt.Errorf("gcm: decode response: %w", err)}
	}
	if len(parsed.Results) == 0 {
		return Response{Verdict: Failed, Status: notifications.StatusGCMFatal, Err: errors.New("gcm: response has no results")}
	}
	return classifyGCM(parsed.Results[0])
}

func gcmUnavailable(err error) Response {
	return Response{Verdict: Retryable, Status: notifications.StatusGCMUnavailable, BackoffBase: 5, Err: err}
}

func classifyGCM(r gcmResult) Response {
	switch r.Error {
	case "":
		if r.RegistrationID != "" {
			return Response{Verdict: Rotated, Status: notifications.StatusSuccess, NewToken: r.RegistrationID}
		}
		return delivered()
	case "InvalidRegistration", "MissingRegistration", "MismatchSenderId":
		return Response{Verdict: InvalidToken, Status: notifications.StatusGCMInvalidRegistration, Err: fmt.Errorf("gcm: %s", r.Error)}
	case "NotRegistered":
		return Response{Verdict: Unregistered, Status: notifications.StatusGCMUnregistered, Err: fmt.Errorf("gcm: %s", r.Error)}
	case "Unavailable", "InternalServerError", "DeviceMessageRateExceeded":
		return gcmUnavailable(fmt.Errorf("gcm: %s", r.Error))
	default:
		return Response{Verdict: Failed, Status: notifications.StatusGCMFatal, Err: fmt.Errorf("gcm: %s", r.Error)}
	}
}
