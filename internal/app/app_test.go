package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/pushgate/internal/config"
	"github.com/albapepper/pushgate/internal/notifications"
	"github.com/albapepper/pushgate/internal/request"
	"github.com/albapepper/pushgate/internal/sender"
	"github.com/albapepper/pushgate/internal/store"
)

type acceptAll struct{}

func (acceptAll) Name() string { return "fake" }

func (acceptAll) Platforms() []int { return []int{notifications.PlatformAndroid} }

func (acceptAll) Send(_ context.Context, batch []*notifications.Notification) []sender.Response {
	out := make([]sender.Response, len(batch))
	for i := range out {
		out[i] = sender.Response{Verdict: sender.Delivered, Status: notifications.StatusSuccess}
	}
	return out
}

type memRecorder struct {
	mu  sync.Mutex
	got []*notifications.Notification
}

func (m *memRecorder) Write(ns ...*notifications.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, ns...)
}

func (m *memRecorder) all() []*notifications.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*notifications.Notification(nil), m.got...)
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		DatabaseDriver:    config.DriverSQLite,
		SQLitePath:        filepath.Join(t.TempDir(), "app.db"),
		AutoMigrate:       true,
		RequestWorkers:    1,
		RequestQueueLimit: 10,
		LoginEventID:      1,
		OptOutEventID:     2,
		DefaultLanguageID: 1,
		MaxDevicesPerUser: 5,
		MaxUsersPerDevice: 1,
		DefaultTTL:        time.Hour,
		SenderQueueLimit:  100,
		SenderBackoff:     time.Millisecond,
		Senders: []config.SenderConfig{
			{Name: "fake", Workers: 1, QueueLimit: 100, BatchSize: 10, Retries: 1},
		},
	}
}

func TestAppDeliversTriggeredMessage(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := &memRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	st, _, err := OpenStore(ctx, cfg, logger)
	require.NoError(t, err)
	trigger := 10
	_, err = st.AddMessage(ctx, store.Message{Name: "welcome", TriggerEventID: &trigger},
		[]store.Localization{{LanguageID: 1, Title: "Hello", Body: "Welcome {name}"}})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	a, err := New(ctx, cfg, Options{
		Registry: sender.Registry{
			"fake": func(context.Context, config.SenderConfig) (sender.Client, error) { return acceptAll{}, nil },
		},
		Recorder: rec,
	}, logger)
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.Log)
	_, ok := a.DatabaseURL()
	assert.False(t, ok)

	a.Start(ctx)

	body := `{"events":[
		{"user_id":7,"event_id":1,"timestamp":1000,"pairs":{"platformId":1,"applicationVersion":1,"deviceToken":"tok-7"}},
		{"user_id":7,"event_id":10,"timestamp":2000,"pairs":{"name":"Ann"}}]}`
	batch, err := request.DecodeEvents(strings.NewReader(body), a.Processor.HasEvent, logger)
	require.NoError(t, err)
	require.True(t, a.Processor.Submit(batch))

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	n := rec.all()[0]
	assert.Equal(t, notifications.StatusSuccess, n.Status)
	assert.Equal(t, "Welcome Ann", n.Content)
	assert.Equal(t, "tok-7", n.ReceiverID)

	cancel()
	a.Wait()
}

func TestNewFailsOnUnknownSender(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig(t)

	_, err := New(context.Background(), cfg, Options{Registry: sender.Registry{}, Recorder: &memRecorder{}}, logger)
	require.Error(t, err)
	assert.ErrorIs(t, err, sender.ErrUnknownSender)
}
