package sender

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/pushgate/internal/notifications"
)

type fakePusher struct {
	mu   sync.Mutex
	sent []*apns2.Notification
	res  *apns2.Response
	err  error
}

func (f *fakePusher) Push(_ context.Context, n *apns2.Notification) (*apns2.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return f.res, f.err
}

func TestAPNs_BuildsAlertWithCustomPayload(t *testing.T) {
	p := &fakePusher{res: &apns2.Response{StatusCode: http.StatusOK}}
	a := newAPNs(p, "com.example.game")

	n := newNotification(42, notifications.PlatformIPhone, "device")
	n.CampaignID = 11
	n.Priority = notifications.PriorityHigh

	res := a.Send(context.Background(), []*notifications.Notification{n})
	require.Len(t, res, 1)
	assert.Equal(t, Delivered, res[0].Verdict)

	require.Len(t, p.sent, 1)
	msg := p.sent[0]
	assert.Equal(t, "device", msg.DeviceToken)
	assert.Equal(t, "com.example.game", msg.Topic)
	assert.Equal(t, apns2.PriorityHigh, msg.Priority)
	assert.Equal(t, n.TTLMs, msg.Expiration.UnixMilli())

	raw, err := json.Marshal(msg.Payload)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))

	aps := body["aps"].(map[string]any)
	assert.Equal(t, float64(1), aps["badge"])
	assert.Equal(t, "default", aps["sound"])
	alert := aps["alert"].(map[string]any)
	assert.Equal(t, "title", alert["title"])
	assert.Equal(t, "content", alert["body"])

	assert.Equal(t, "shop", body["path"])
	assert.Equal(t, "pushnotification", body["source"])
	assert.Equal(t, "11", body["campaign"])
	assert.Equal(t, "7", body["medium"])
}

func TestAPNs_DryRunDoesNotPush(t *testing.T) {
	p := &fakePusher{}
	a := newAPNs(p, "topic")
	n := newNotification(1, notifications.PlatformIPad, "device")
	n.DryRun = true

	res := a.Send(context.Background(), []*notifications.Notification{n})

	assert.Equal(t, Delivered, res[0].Verdict)
	assert.Empty(t, p.sent)
}

func TestAPNs_TransportErrorIsRetryable(t *testing.T) {
	a := newAPNs(&fakePusher{err: errors.New("connection reset")}, "topic")
	res := a.Send(context.Background(), []*notifications.Notification{newNotification(1, 2, "d")})
	assert.Equal(t, Retryable, res[0].Verdict)
	assert.Equal(t, notifications.StatusConnectionError, res[0].Status)
}

func TestClassifyAPNs(t *testing.T) {
	cases := []struct {
		res     apns2.Response
		verdict Verdict
		status  notifications.Status
	}{
		{apns2.Response{StatusCode: 200}, Delivered, notifications.StatusSuccess},
		{apns2.Response{StatusCode: 410, Reason: apns2.ReasonUnregistered}, Unregistered, notifications.StatusAPNsUnregistered},
		{apns2.Response{StatusCode: 400, Reason: apns2.ReasonBadDeviceToken}, InvalidToken, notifications.StatusAPNsInvalidToken},
		{apns2.Response{StatusCode: 400, Reason: apns2.ReasonDeviceTokenNotForTopic}, InvalidToken, notifications.StatusAPNsInvalidToken},
		{apns2.Response{StatusCode: 429, Reason: apns2.ReasonTooManyRequests}, Retryable, notifications.StatusConnectionError},
		{apns2.Response{StatusCode: 503, Reason: apns2.ReasonServiceUnavailable}, Retryable, notifications.StatusConnectionError},
		{apns2.Response{StatusCode: 413, Reason: apns2.ReasonPayloadTooLarge}, Malformed, notifications.StatusAPNsMalformed},
	}
	for _, tc := range cases {
		got := classifyAPNs(&tc.res)
		assert.Equal(t, tc.verdict, got.Verdict, tc.res.Reason)
		assert.Equal(t, tc.status, got.Status, tc.res.Reason)
	}
}
