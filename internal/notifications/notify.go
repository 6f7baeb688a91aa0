// Package notifications defines the in-flight push notification and how it is
// built from a localized message and a login's active devices.
//
// A Notification is created Ready, handed to exactly one sender pool and ends
// with a terminal Status that is written to the delivery log.
package notifications

import (
	"fmt"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Status
// --------------------------------------------------------------------------

// Status is the outcome code of a notification.
type Status int

const (
	StatusControlGroup     Status = -2
	StatusReady            Status = -1
	StatusSuccess          Status = 0
	StatusUnknownError     Status = 1
	StatusConnectionError  Status = 2
	StatusExpired          Status = 3
	StatusUnknownPlatform  Status = 4
	StatusSenderQueueLimit Status = 5

	StatusGCMFatal               Status = 100
	StatusGCMUnavailable         Status = 101
	StatusGCMInvalidRegistration Status = 102
	StatusGCMUnregistered        Status = 103

	StatusAPNsMalformed    Status = 200
	StatusAPNsUnregistered Status = 201
	StatusAPNsInvalidToken Status = 202

	StatusFCMFatal               Status = 300
	StatusFCMUnavailable         Status = 301
	StatusFCMInvalidRegistration Status = 302
	StatusFCMUnregistered        Status = 303

	StatusSNSFatal            Status = 400
	StatusSNSEndpointDisabled Status = 401
	StatusSNSInvalidParameter Status = 402
)

var statusNames = map[Status]string{
	StatusControlGroup:           "control_group",
	StatusReady:                  "ready",
	StatusSuccess:                "success",
	StatusUnknownError:           "unknown_error",
	StatusConnectionError:        "connection_error",
	StatusExpired:                "expired",
	StatusUnknownPlatform:        "unknown_platform",
	StatusSenderQueueLimit:       "sender_queue_limit",
	StatusGCMFatal:               "gcm_fatal",
	StatusGCMUnavailable:         "gcm_unavailable",
	StatusGCMInvalidRegistration: "gcm_invalid_registration",
	StatusGCMUnregistered:        "gcm_unregistered",
	StatusAPNsMalformed:          "apns_malformed",
	StatusAPNsUnregistered:       "apns_unregistered",
	StatusAPNsInvalidToken:       "apns_invalid_token",
	StatusFCMFatal:               "fcm_fatal",
	StatusFCMUnavailable:         "fcm_unavailable",
	StatusFCMInvalidRegistration: "fcm_invalid_registration",
	StatusFCMUnregistered:        "fcm_unregistered",
	StatusSNSFatal:               "sns_fatal",
	StatusSNSEndpointDisabled:    "sns_endpoint_disabled",
	StatusSNSInvalidParameter:    "sns_invalid_parameter",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// --------------------------------------------------------------------------
// Platforms
// --------------------------------------------------------------------------

const (
	PlatformAndroid       = 1
	PlatformIPhone        = 2
	PlatformIPad          = 5
	PlatformAndroidTablet = 6
)

var (
	ApplePlatforms   = []int{PlatformIPhone, PlatformIPad}
	AndroidPlatforms = []int{PlatformAndroid, PlatformAndroidTablet}
)

// --------------------------------------------------------------------------
// Notification
// --------------------------------------------------------------------------

const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"

	utmSource = "pushnotification"
)

// DefaultTTL applies when a notification has no event time or no expiry.
const DefaultTTL = 6 * time.Hour

// Notification is one delivery unit: a message for one device of one login.
type Notification struct {
	LoginID    int64
	Title      string
	Content    string
	Screen     string
	Priority   string
	MessageID  int64 // 0 for direct notifications
	CampaignID int64
	SendingID  string
	CreatedMs  int64
	DryRun     bool

	Platform   int
	ReceiverID string // device token, or endpoint ARN for SNS
	TTLMs      int64  // absolute expiry, ms since epoch

	Status Status
}

// Remaining is the time left before the notification expires.
func (n *Notification) Remaining(now time.Time) time.Duration {
	return time.Duration(n.TTLMs-now.UnixMilli()) * time.Millisecond
}

// Expired reports whether delivery would be stale at now.
func (n *Notification) Expired(now time.Time) bool {
	return n.Remaining(now) <= 0
}

func (n *Notification) HighPriority() bool {
	return strings.EqualFold(n.Priority, PriorityHigh)
}

// Deeplink is the app URL opened when the notification is tapped.
func (n *Notification) Deeplink(base string) string {
	return fmt.Sprintf("%s://%s?utm_source=%s&utm_campaign=%d&utm_medium=%d",
		base, n.Screen, utmSource, n.CampaignID, n.MessageID)
}

// AndroidData is the data payload shared by the FCM and GCM senders.
func (n *Notification) AndroidData(baseDeeplink string) map[string]string {
	return map[string]string{
		"title":   n.Title,
		"message": n.Content,
		"url":     n.Deeplink(baseDeeplink),
		"notifid": fmt.Sprint(n.CampaignID),
	}
}

// APNsCustom is the custom payload attached next to the aps dictionary.
func (n *Notification) APNsCustom() map[string]string {
	return map[string]string{
		"path":     n.Screen,
		"source":   utmSource,
		"campaign": fmt.Sprint(n.CampaignID),
		"medium":   fmt.Sprint(n.MessageID),
	}
}
