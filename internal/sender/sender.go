// Package sender delivers notifications to the push backends.
//
// Each backend is a Client wrapped in a Pool: a supervised worker pool that
// checks expiry, retries connection-class failures with linear backoff,
// records every outcome in the delivery log and feeds token rotations and
// unregistrations to the PostProcessor. The Manager routes a notification to
// the pool that owns its platform.
package sender

import (
	"context"
	"time"

	"github.com/albapepper/pushgate/internal/notifications"
)

// Verdict classifies one backend response.
type Verdict int

const (
	Delivered    Verdict = iota // accepted by the backend
	Rotated                     // accepted, and the backend issued a replacement token
	Retryable                   // connection error, throttled or unavailable
	Unregistered                // the device no longer exists
	InvalidToken                // the token is malformed or belongs to another app
	Malformed                   // the request was rejected as built
	Failed                      // any other terminal failure
)

var verdictNames = [...]string{"delivered", "rotated", "retryable", "unregistered", "invalid_token", "malformed", "failed"}

func (v Verdict) String() string {
	if int(v) < len(verdictNames) {
		return verdictNames[v]
	}
	return "unknown"
}

// Response is the result for one notification.
type Response struct {
	Verdict Verdict
	// Status is recorded on the notification. Retryable responses carry the
	// status to keep when the retries run out.
	Status notifications.Status
	// NewToken is set for Rotated.
	NewToken string
	// BackoffBase is the first retry delay in backoff units, default 1.
	// The n-th retry waits BackoffBase+2n units.
	BackoffBase int
	Err         error
}

func delivered() Response {
	return Response{Verdict: Delivered, Status: notifications.StatusSuccess}
}

func connectionError(err error) Response {
	return Response{Verdict: Retryable, Status: notifications.StatusConnectionError, Err: err}
}

// Client talks to one push backend.
type Client interface {
	Name() string
	// Platforms lists the platform ids this client can deliver to.
	Platforms() []int
	// Send delivers batch and returns exactly one response per notification,
	// in order. Send must honour ctx.
	Send(ctx context.Context, batch []*notifications.Notification) []Response
}

// Recorder receives every final outcome.
type Recorder interface {
	Write(ns ...*notifications.Notification)
}

// backoff is the wait before retry number attempt (0 based).
func backoff(unit time.Duration, base, attempt int) time.Duration {
	if base < 1 {
		base = 1
	}
	return unit * time.Duration(base+2*attempt)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
