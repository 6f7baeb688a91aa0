package notifications

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/pushgate/internal/store"
)

func TestTimeToLive(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	expiry := int64(60_000)

	assert.Equal(t, int64(1_000_060_000), TimeToLive(1_000_000_000, &expiry, now, time.Hour))
	assert.Equal(t, now.Add(time.Hour).UnixMilli(), TimeToLive(0, &expiry, now, time.Hour))
	assert.Equal(t, now.Add(time.Hour).UnixMilli(), TimeToLive(1_000_000_000, nil, now, time.Hour))
	assert.Equal(t, now.Add(DefaultTTL).UnixMilli(), TimeToLive(0, nil, now, 0))
}

func TestBuilder_Build(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	b := Builder{DryRun: true, Now: func() time.Time { return now }}

	got := b.Build(Content{LoginID: 7, MessageID: 3, Title: "t", Body: "b", Screen: "shop"},
		[]store.Target{{PlatformID: PlatformIPhone, Token: "apple"}, {PlatformID: PlatformAndroid, Token: "droid"}})
	require.Len(t, got, 2)

	for _, n := range got {
		assert.Equal(t, int64(7), n.LoginID)
		assert.Equal(t, int64(3), n.MessageID)
		assert.Equal(t, PriorityNormal, n.Priority)
		assert.Equal(t, StatusReady, n.Status)
		assert.True(t, n.DryRun)
		assert.Equal(t, now.UnixMilli(), n.CreatedMs)
		assert.Equal(t, now.Add(DefaultTTL).UnixMilli(), n.TTLMs)
		assert.NotEmpty(t, n.SendingID)
	}
	assert.Equal(t, "apple", got[0].ReceiverID)
	assert.Equal(t, PlatformAndroid, got[1].Platform)
	assert.NotEqual(t, got[0].SendingID, got[1].SendingID)

	assert.Nil(t, b.Build(Content{LoginID: 7}, nil))
}

func TestNotification_Expired(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	n := &Notification{TTLMs: now.UnixMilli() + 1500}

	assert.False(t, n.Expired(now))
	assert.Equal(t, 1500*time.Millisecond, n.Remaining(now))
	assert.True(t, n.Expired(now.Add(2*time.Second)))
}

func TestNotification_Payloads(t *testing.T) {
	n := &Notification{Title: "Hi", Content: "Body", Screen: "inbox", CampaignID: 0, MessageID: 12, Priority: "HIGH"}

	assert.Equal(t, "game://inbox?utm_source=pushnotification&utm_campaign=0&utm_medium=12", n.Deeplink("game"))
	assert.True(t, n.HighPriority())

	data := n.AndroidData("game")
	assert.Equal(t, "Hi", data["title"])
	assert.Equal(t, "Body", data["message"])
	assert.Equal(t, "0", data["notifid"])

	assert.Equal(t, map[string]string{
		"path": "inbox", "source": "pushnotification", "campaign": "0", "medium": "12",
	}, n.APNsCustom())
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "expired", StatusExpired.String())
	assert.Equal(t, "apns_unregistered", StatusAPNsUnregistered.String())
	assert.Equal(t, "status(999)", Status(999).String())
}
