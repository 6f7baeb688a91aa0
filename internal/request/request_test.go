package request

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/pushgate/internal/config"
	"github.com/albapepper/pushgate/internal/cooldown"
	"github.com/albapepper/pushgate/internal/db"
	"github.com/albapepper/pushgate/internal/events"
	"github.com/albapepper/pushgate/internal/notifications"
	"github.com/albapepper/pushgate/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --------------------------------------------------------------------------
// Fakes
// --------------------------------------------------------------------------

type mockHandlers struct{ mock.Mock }

func (m *mockHandlers) Handle(ctx context.Context, e events.Event) (events.Result, error) {
	args := m.Called(ctx, e)
	return args.Get(0).(events.Result), args.Error(1)
}

func (m *mockHandlers) Has(eventID int) bool { return m.Called(eventID).Bool(0) }

type mockCooldown struct{ mock.Mock }

func (m *mockCooldown) Eligible(ctx context.Context, candidates []store.Pair) cooldown.Set {
	return m.Called(ctx, candidates).Get(0).(cooldown.Set)
}

type fakeSenders struct {
	mu      sync.Mutex
	accept  bool
	got     []*notifications.Notification
	started bool
}

func (f *fakeSenders) Submit(n *notifications.Notification) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, n)
	return f.accept
}

func (f *fakeSenders) Start(context.Context) { f.started = true }

func (f *fakeSenders) submitted() []*notifications.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*notifications.Notification(nil), f.got...)
}

type staticTargets map[int64][]store.Target

func (s staticTargets) ActiveTargets(_ context.Context, loginID int64) ([]store.Target, error) {
	if loginID < 0 {
		return nil, errors.New("db down")
	}
	return s[loginID], nil
}

func note(loginID, messageID int64) *notifications.Notification {
	return &notifications.Notification{LoginID: loginID, MessageID: messageID, Platform: 1, Status: notifications.StatusReady}
}

// --------------------------------------------------------------------------
// Decoding
// --------------------------------------------------------------------------

func TestDecodeEvents_StringifiesPairValues(t *testing.T) {
	body := `{"events":[{"user_id":7,"event_id":10,"timestamp":1000,
		"pairs":{"name":"Ana","level":5,"ratio":1.5,"vip":true,"none":null}}]}`

	b, err := DecodeEvents(strings.NewReader(body), nil, discardLogger())
	require.NoError(t, err)
	require.Len(t, b.Events, 1)

	e := b.Events[0]
	assert.Equal(t, int64(7), e.LoginID)
	assert.Equal(t, 10, e.EventID)
	assert.Equal(t, int64(1000), e.TimestampMs)
	assert.Equal(t, map[string]string{"name": "Ana", "level": "5", "ratio": "1.5", "vip": "true", "none": ""}, e.Params)
}

func TestDecodeEvents_DropsInvalidAndUnhandled(t *testing.T) {
	body := `{"events":[
		{"user_id":1,"event_id":10,"timestamp":1},
		{"event_id":10,"timestamp":1},
		{"user_id":2,"event_id":99,"timestamp":1}]}`
	handled := func(id int) bool { return id == 10 }

	b, err := DecodeEvents(strings.NewReader(body), handled, discardLogger())
	require.NoError(t, err)
	require.Len(t, b.Events, 1)
	assert.Equal(t, int64(1), b.Events[0].LoginID)
}

func TestDecodeEvents_AllUnhandledIsNotAnError(t *testing.T) {
	body := `{"events":[{"user_id":2,"event_id":99,"timestamp":1},{"event_id":10}]}`
	handled := func(id int) bool { return id == 10 }

	b, err := DecodeEvents(strings.NewReader(body), handled, discardLogger())
	require.NoError(t, err)
	assert.Zero(t, b.Len())
}

func TestDecodeEvents_Errors(t *testing.T) {
	cases := []struct {
		body string
		want error
	}{
		{``, ErrMalformed},
		{`{"events":`, ErrMalformed},
		{`{"events":[{"user_id":1,"event_id":1,"timestamp":1,"pairs":{"a":[1]}}]}`, ErrMalformed},
		{`{}`, ErrEmptyBatch},
		{`{"events":[]}`, ErrEmptyBatch},
		{`{"events":[{"user_id":1}]}`, ErrEmptyBatch},
	}
	for _, tc := range cases {
		_, err := DecodeEvents(strings.NewReader(tc.body), nil, discardLogger())
		assert.ErrorIs(t, err, tc.want, tc.body)
	}
}

func TestDecodeNotifications(t *testing.T) {
	body := `{"notifications":[
		{"login_id":1,"title":"Hi","content":"There","screen":"shop"},
		{"login_id":2,"title":"","content":"x"}]}`

	b, err := DecodeNotifications(strings.NewReader(body), discardLogger())
	require.NoError(t, err)
	assert.Equal(t, []Direct{{LoginID: 1, Title: "Hi", Content: "There", Screen: "shop"}}, b.Notifications)

	_, err = DecodeNotifications(strings.NewReader(`{"notifications":[{"login_id":2}]}`), discardLogger())
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

// --------------------------------------------------------------------------
// Processing
// --------------------------------------------------------------------------

func TestEventBatch_SubmitsOnlyEligible(t *testing.T) {
	h := &mockHandlers{}
	h.On("Handle", mock.Anything, mock.MatchedBy(func(e events.Event) bool { return e.LoginID == 1 })).
		Return(events.Result{Notifications: []*notifications.Notification{note(1, 100), note(1, 200)}, Skipped: 1}, nil)
	h.On("Handle", mock.Anything, mock.MatchedBy(func(e events.Event) bool { return e.LoginID == 2 })).
		Return(events.Result{}, events.ErrInvalidEvent)

	c := &mockCooldown{}
	c.On("Eligible", mock.Anything, []store.Pair{{LoginID: 1, MessageID: 100}, {LoginID: 1, MessageID: 200}}).
		Return(cooldown.Set{{LoginID: 1, MessageID: 200}: {}})

	s := &fakeSenders{accept: true}
	p := NewProcessor(1, 10, Deps{Handlers: h, Cooldown: c, Senders: s, Logger: discardLogger()})

	sum := p.Process(context.Background(), &EventBatch{Events: []events.Event{
		{LoginID: 1, EventID: 10, TimestampMs: 1},
		{LoginID: 2, EventID: 1, TimestampMs: 1},
	}})

	assert.Equal(t, Summary{Kind: "events", Items: 2, Invalid: 1, Skipped: 1, Blocked: 1, Submitted: 1}, sum)
	got := s.submitted()
	require.Len(t, got, 1)
	assert.Equal(t, int64(200), got[0].MessageID)
	c.AssertExpectations(t)
}

func TestEventBatch_NoCandidatesSkipsArbiter(t *testing.T) {
	h := &mockHandlers{}
	h.On("Handle", mock.Anything, mock.Anything).Return(events.Result{Errors: []error{errors.New("boom")}}, nil)
	c := &mockCooldown{}

	p := NewProcessor(1, 10, Deps{Handlers: h, Cooldown: c, Senders: &fakeSenders{}, Logger: discardLogger()})
	sum := p.Process(context.Background(), &EventBatch{Events: []events.Event{{LoginID: 1, EventID: 1, TimestampMs: 1}}})

	assert.Equal(t, 1, sum.Errors)
	c.AssertNotCalled(t, "Eligible", mock.Anything, mock.Anything)
}

func TestNotificationBatch_FansOutToDevices(t *testing.T) {
	s := &fakeSenders{accept: true}
	targets := staticTargets{
		1: {{PlatformID: 1, Token: "a"}, {PlatformID: 2, Token: "b"}},
	}
	p := NewProcessor(1, 10, Deps{Senders: s, Targets: targets, Builder: notifications.Builder{DefaultTTL: time.Hour}, Logger: discardLogger()})

	sum := p.Process(context.Background(), &NotificationBatch{Notifications: []Direct{
		{LoginID: 1, Title: "Hi", Content: "There", Screen: "shop"},
		{LoginID: 3, Title: "No", Content: "devices"},
		{LoginID: -1, Title: "Db", Content: "fails"},
		{LoginID: 4, Title: "", Content: "x"},
	}})

	assert.Equal(t, Summary{Kind: "notifications", Items: 4, Invalid: 1, Submitted: 2, Errors: 1}, sum)
	got := s.submitted()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ReceiverID)
	assert.Equal(t, "b", got[1].ReceiverID)
	assert.Equal(t, "There", got[0].Content)
	assert.Equal(t, int64(0), got[0].MessageID)
}

func TestNotificationBatch_CountsRejectedSubmissions(t *testing.T) {
	s := &fakeSenders{accept: false}
	p := NewProcessor(1, 10, Deps{Senders: s, Targets: staticTargets{1: {{PlatformID: 1, Token: "a"}}}, Logger: discardLogger()})

	sum := p.Process(context.Background(), &NotificationBatch{Notifications: []Direct{{LoginID: 1, Title: "t", Content: "c"}}})
	assert.Equal(t, 1, sum.Rejected)
}

func TestSubmit_BackpressureWhenQueueFull(t *testing.T) {
	p := NewProcessor(1, 1, Deps{Senders: &fakeSenders{}, Logger: discardLogger()})

	assert.True(t, p.Submit(&NotificationBatch{}))
	assert.False(t, p.Submit(&NotificationBatch{}))
	assert.Equal(t, 1, p.QueueSize())
}

func TestStart_StartsSendersAndProcessesQueue(t *testing.T) {
	s := &fakeSenders{accept: true}
	p := NewProcessor(2, 10, Deps{Senders: s, Targets: staticTargets{1: {{PlatformID: 1, Token: "a"}}}, Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	assert.True(t, s.started)

	require.True(t, p.Submit(&NotificationBatch{Notifications: []Direct{{LoginID: 1, Title: "t", Content: "c"}}}))
	assert.Eventually(t, func() bool { return len(s.submitted()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

// --------------------------------------------------------------------------
// End to end against SQLite
// --------------------------------------------------------------------------

func TestEndToEnd_LoginTriggerAndCooldown(t *testing.T) {
	ctx := context.Background()
	sqlDB, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	require.NoError(t, db.MigrateDB(ctx, config.DriverSQLite, sqlDB, discardLogger()))
	st := store.NewSQLite(sqlDB)
	t.Cleanup(func() { _ = st.Close() })

	trigger := 10
	hour := time.Hour.Milliseconds()
	_, err = st.AddMessage(ctx, store.Message{Name: "level_up", TriggerEventID: &trigger, CooldownMs: &hour, Screen: "profile"},
		[]store.Localization{{LanguageID: 1, Title: "Level {level}", Body: "You reached {level}"}})
	require.NoError(t, err)

	reg, err := events.NewRegistry(ctx, events.Deps{
		Store:             st,
		Builder:           notifications.Builder{DefaultTTL: time.Hour},
		Limits:            store.Limits{MaxDevicesPerUser: 5, MaxUsersPerDevice: 1},
		LoginEventID:      1,
		OptOutEventID:     2,
		DefaultLanguageID: 1,
		Logger:            discardLogger(),
	})
	require.NoError(t, err)

	s := &fakeSenders{accept: true}
	p := NewProcessor(1, 10, Deps{
		Handlers: reg,
		Cooldown: cooldown.New(st, discardLogger()),
		Senders:  s,
		Targets:  st,
		Logger:   discardLogger(),
	})

	body := `{"events":[
		{"user_id":42,"event_id":1,"timestamp":1000,"pairs":{"platformId":1,"applicationVersion":3,"deviceToken":"tok"}},
		{"user_id":42,"event_id":10,"timestamp":2000,"pairs":{"level":5}}]}`
	batch, err := DecodeEvents(strings.NewReader(body), p.HasEvent, discardLogger())
	require.NoError(t, err)

	sum := p.Process(ctx, batch)
	assert.Equal(t, 1, sum.Submitted)
	got := s.submitted()
	require.Len(t, got, 1)
	assert.Equal(t, "Level 5", got[0].Title)
	assert.Equal(t, "You reached 5", got[0].Content)
	assert.Equal(t, "tok", got[0].ReceiverID)

	// the same trigger inside the cooldown window is held back
	again, err := DecodeEvents(strings.NewReader(`{"events":[{"user_id":42,"event_id":10,"timestamp":3000,"pairs":{"level":6}}]}`),
		p.HasEvent, discardLogger())
	require.NoError(t, err)
	sum = p.Process(ctx, again)
	assert.Equal(t, 0, sum.Submitted)
	assert.Equal(t, 1, sum.Blocked)

	// a missing parameter yields nothing
	missing, err := DecodeEvents(strings.NewReader(`{"events":[{"user_id":42,"event_id":10,"timestamp":4000}]}`),
		p.HasEvent, discardLogger())
	require.NoError(t, err)
	sum = p.Process(ctx, missing)
	assert.Equal(t, 1, sum.Skipped)
	assert.Len(t, s.submitted(), 1)
}
