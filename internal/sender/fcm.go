package sender

import (
	"context"
	"errors"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/albapepper/pushgate/internal/notifications"
)

// fcmMaxBatch is the SendEach limit of the FCM v1 API.
const fcmMaxBatch = 500

type fcmMessenger interface {
	SendEach(ctx context.Context, messages []*messaging.Message) (*messaging.BatchResponse, error)
	SendEachDryRun(ctx context.Context, messages []*messaging.Message) (*messaging.BatchResponse, error)
}

// FCM delivers to Android through the Firebase Admin SDK.
type FCM struct {
	client       fcmMessenger
	baseDeeplink string
}

// NewFCM authenticates with a service account credentials file. When the
// file is empty, application default credentials are used.
func NewFCM(ctx context.Context, credentialsFile, baseDeeplink string) (*FCM, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}
	return newFCM(client, baseDeeplink), nil
}

func newFCM(c fcmMessenger, baseDeeplink string) *FCM {
	return &FCM{client: c, baseDeeplink: baseDeeplink}
}

func (f *FCM) Name() string { return "fcm" }

func (f *FCM) Platforms() []int { return notifications.AndroidPlatforms }

// Send splits the batch into live and dry-run chunks of at most 500 messages.
func (f *FCM) Send(ctx context.Context, batch []*notifications.Notification) []Response {
	out := make([]Response, len(batch))
	var live, dry []int
	for i, n := range batch {
		if n.DryRun {
			dry = append(dry, i)
		} else {
			live = append(live, i)
		}
	}
	f.sendChunks(ctx, batch, live, out, f.client.SendEach)
	f.sendChunks(ctx, batch, dry, out, f.client.SendEachDryRun)
	return out
}

type fcmSendFunc func(ctx context.Context, messages []*messaging.Message) (*messaging.BatchResponse, error)

func (f *FCM) sendChunks(ctx context.Context, batch []*notifications.Notification, idx []int, out []Response, send fcmSendFunc) {
	for start := 0; start < len(idx); start += fcmMaxBatch {
		chunk := idx[start:min(start+fcmMaxBatch, len(idx))]
		msgs := make([]*messaging.Message, len(chunk))
		for j, i := range chunk {
			msgs[j] = f.message(batch[i], time.Now())
		}

		res, err := send(ctx, msgs)
		if err == nil && (res == nil || len(res.Responses) != len(chunk)) {
			err = errors.New("fcm returned an incomplete batch response")
		}
		if err != nil {
			for _, i := range chunk {
				out[i] = connectionError(err)
			}
			continue
		}
		for j, i := range chunk {
			out[i] = classifyFCM(res.Responses[j])
		}
	}
}

func (f *FCM) message(n *notifications.Notification, now time.Time) *messaging.Message {
	ttl := max(n.Remaining(now), 0).Truncate(time.Second)
	priority := notifications.PriorityNormal
	if n.HighPriority() {
		priority = notifications.PriorityHigh
	}
	return &messaging.Message{
		Token: n.ReceiverID,
		Data:  n.AndroidData(f.baseDeeplink),
		Android: &messaging.AndroidConfig{
			Priority: priority,
			TTL:      &ttl,
		},
	}
}

func classifyFCM(r *messaging.SendResponse) Response {
	if r == nil {
		return Response{Verdict: Failed, Status: notifications.StatusFCMFatal}
	}
	if r.Success {
		return delivered()
	}
	err := r.Error
	switch {
	case messaging.IsUnregistered(err):
		return Response{Verdict: Unregistered, Status: notifications.StatusFCMUnregistered, Err: err}
	case messaging.IsInvalidArgument(err), messaging.IsSenderIDMismatch(err):
		return Response{Verdict: InvalidToken, Status: notifications.StatusFCMInvalidRegistration, Err: err}
	case messaging.IsQuotaExceeded(err), messaging.IsUnavailable(err), messaging.IsInternal(err):
		return Response{Verdict: Retryable, Status: notifications.StatusFCMUnavailable, BackoffBase: 5, Err: err}
	default:
		return Response{Verdict: Failed, Status: notifications.StatusFCMFatal, Err: err}
	}
}
