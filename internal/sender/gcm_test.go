package sender

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/pushgate/internal/notifications"
)

func gcmServer(t *testing.T, status int, body string, seen *gcmRequest) *GCM {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key=secret", r.Header.Get("Authorization"))
		if seen != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewGCM(srv.URL, "secret", "game", 5*time.Second)
}

func TestGCM_SendsDataPayload(t *testing.T) {
	var req gcmRequest
	g := gcmServer(t, http.StatusOK, `{"success":1,"results":[{"message_id":"0:1"}]}`, &req)
	now := time.UnixMilli(1_700_000_000_000)
	g.now = func() time.Time { return now }

	n := newNotification(42, notifications.PlatformAndroid, "reg-1")
	n.CampaignID = 3
	n.TTLMs = now.Add(90 * time.Second).UnixMilli()
	n.Priority = notifications.PriorityHigh

	res := g.Send(context.Background(), []*notifications.Notification{n})

	require.Len(t, res, 1)
	assert.Equal(t, Delivered, res[0].Verdict)
	assert.Equal(t, []string{"reg-1"}, req.RegistrationIDs)
	assert.Equal(t, int64(90), req.TimeToLive)
	assert.Equal(t, "high", req.Priority)
	assert.Equal(t, "3", req.Data["notifid"])
	assert.Equal(t, "game://shop?utm_source=pushnotification&utm_campaign=3&utm_medium=7", req.Data["url"])
}

func TestGCM_ClassifiesResults(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		verdict Verdict
		code    notifications.Status
	}{
		{"canonical id", 200, `{"results":[{"message_id":"1","registration_id":"reg-2"}]}`, Rotated, notifications.StatusSuccess},
		{"not registered", 200, `{"results":[{"error":"NotRegistered"}]}`, Unregistered, notifications.StatusGCMUnregistered},
		{"invalid registration", 200, `{"results":[{"error":"InvalidRegistration"}]}`, InvalidToken, notifications.StatusGCMInvalidRegistration},
		{"unavailable result", 200, `{"results":[{"error":"Unavailable"}]}`, Retryable, notifications.StatusGCMUnavailable},
		{"server error", 503, ``, Retryable, notifications.StatusGCMUnavailable},
		{"bad request", 400, `missing registration_ids`, Malformed, notifications.StatusGCMFatal},
		{"bad key", 401, ``, Failed, notifications.StatusGCMFatal},
		{"garbage", 200, `not json`, Failed, notifications.StatusGCMFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := gcmServer(t, tc.status, tc.body, nil)
			res := g.Send(context.Background(), []*notifications.Notification{newNotification(1, 1, "reg-1")})
			require.Len(t, res, 1)
			assert.Equal(t, tc.verdict, res[0].Verdict)
			assert.Equal(t, tc.code, res[0].Status)
		})
	}
}

func TestGCM_CanonicalIDCarriesNewToken(t *testing.T) {
	g := gcmServer(t, 200, `{"results":[{"message_id":"1","registration_id":"reg-2"}]}`, nil)
	res := g.Send(context.Background(), []*notifications.Notification{newNotification(1, 1, "reg-1")})
	assert.Equal(t, "reg-2", res[0].NewToken)
}

func TestGCM_UnavailableUsesLongerBackoff(t *testing.T) {
	assert.Equal(t, 5, classifyGCM(gcmResult{Error: "Unavailable"}).BackoffBase)
}

func TestGCM_ConnectionError(t *testing.T) {
	g := NewGCM("http://127.0.0.1:1", "secret", "game", time.Second)
	res := g.Send(context.Background(), []*notifications.Notification{newNotification(1, 1, "reg-1")})
	assert.Equal(t, Retryable, res[0].Verdict)
	assert.Equal(t, notifications.StatusConnectionError, res[0].Status)
}
