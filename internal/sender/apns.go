package sender

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"github.com/albapepper/pushgate/internal/notifications"
)

// APNsOptions configures the Apple sender. Either CertificatePath or KeyPath
// (with KeyID and TeamID) must be set.
type APNsOptions struct {
	CertificatePath     string
	CertificatePassword string
	KeyPath             string
	KeyID               string
	TeamID              string
	Topic               string
	Sandbox             bool
}

type apnsPusher interface {
	Push(ctx context.Context, n *apns2.Notification) (*apns2.Response, error)
}

type apnsHTTP2 struct{ client *apns2.Client }

func (a apnsHTTP2) Push(ctx context.Context, n *apns2.Notification) (*apns2.Response, error) {
	return a.client.PushWithContext(ctx, n)
}

// APNs delivers to iPhone and iPad over the HTTP/2 provider API.
type APNs struct {
	pusher apnsPusher
	topic  string
}

func NewAPNs(opts APNsOptions) (*APNs, error) {
	var client *apns2.Client
	switch {
	case opts.KeyPath != "":
		key, err := token.AuthKeyFromFile(opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load apns auth key: %w", err)
		}
		client = apns2.NewTokenClient(&token.Token{AuthKey: key, KeyID: opts.KeyID, TeamID: opts.TeamID})
	case opts.CertificatePath != "":
		cert, err := certificate.FromP12File(opts.CertificatePath, opts.CertificatePassword)
		if err != nil {
			return nil, fmt.Errorf("load apns certificate: %w", err)
		}
		client = apns2.NewClient(cert)
	default:
		return nil, errors.New("apns: neither certificate nor auth key configured")
	}
	if opts.Sandbox {
		client = client.Development()
	} else {
		client = client.Production()
	}
	return newAPNs(apnsHTTP2{client: client}, opts.Topic), nil
}

func newAPNs(p apnsPusher, topic string) *APNs {
	return &APNs{pusher: p, topic: topic}
}

func (a *APNs) Name() string { return "apns" }

func (a *APNs) Platforms() []int { return notifications.ApplePlatforms }

// Send pushes the batch concurrently over the shared HTTP/2 connection.
func (a *APNs) Send(ctx context.Context, batch []*notifications.Notification) []Response {
	out := make([]Response, len(batch))
	var wg sync.WaitGroup
	for i, n := range batch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = a.send(ctx, n)
		}()
	}
	wg.Wait()
	return out
}

func (a *APNs) send(ctx context.Context, n *notifications.Notification) Response {
	msg := a.message(n)
	if n.DryRun {
		return delivered()
	}
	res, err := a.pusher.Push(ctx, msg)
	if err != nil {
		return connectionError(err)
	}
	return classifyAPNs(res)
}

func (a *APNs) message(n *notifications.Notification) *apns2.Notification {
	p := payload.NewPayload().
		AlertTitle(n.Title).
		AlertBody(n.Content).
		Badge(1).
		Sound("default")
	for k, v := range n.APNsCustom() {
		p.Custom(k, v)
	}

	priority := apns2.PriorityLow
	if n.HighPriority() {
		priority = apns2.PriorityHigh
	}
	return &apns2.Notification{
		DeviceToken: n.ReceiverID,
		Topic:       a.topic,
		ApnsID:      n.SendingID,
		Expiration:  time.UnixMilli(n.TTLMs),
		Priority:    priority,
		PushType:    apns2.PushTypeAlert,
		Payload:     p,
	}
}

func classifyAPNs(res *apns2.Response) Response {
	if res.Sent() {
		return delivered()
	}
	err := fmt.Errorf("apns %d: %s", res.StatusCode, res.Reason)
	switch {
	case res.StatusCode == http.StatusGone || res.Reason == apns2.ReasonUnregistered:
		return Response{Verdict: Unregistered, Status: notifications.StatusAPNsUnregistered, Err: err}
	case res.Reason == apns2.ReasonBadDeviceToken || res.Reason == apns2.ReasonDeviceTokenNotForTopic:
		return Response{Verdict: InvalidToken, Status: notifications.StatusAPNsInvalidToken, Err: err}
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= http.StatusInternalServerError:
		return connectionError(err)
	default:
		return Response{Verdict: Malformed, Status: notifications.StatusAPNsMalformed, Err: err}
	}
}
