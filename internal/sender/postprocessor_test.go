package sender

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/albapepper/pushgate/internal/store"
)

type mockUpdater struct{ mock.Mock }

func (m *mockUpdater) RotateTokens(ctx context.Context, rotations []store.TokenRotation) error {
	return m.Called(ctx, rotations).Error(0)
}

func (m *mockUpdater) Unregister(ctx context.Context, devices []store.Unregistration, now time.Time) error {
	return m.Called(ctx, devices, now).Error(0)
}

func TestApply_GroupsOperationsByKind(t *testing.T) {
	m := &mockUpdater{}
	m.On("RotateTokens", mock.Anything, []store.TokenRotation{
		{LoginID: 1, OldToken: "old", NewToken: "new"},
	}).Return(nil).Once()
	m.On("Unregister", mock.Anything, []store.Unregistration{
		{LoginID: 2, Token: "a"},
		{LoginID: 3, Token: "b"},
	}, mock.Anything).Return(nil).Once()

	p := NewPostProcessor(m, 10, discardLogger())
	p.apply(context.Background(), []Operation{
		{Kind: OpUpdateUnregistered, LoginID: 2, Token: "a"},
		{Kind: OpUpdateCanonicals, LoginID: 1, Token: "old", NewToken: "new"},
		{Kind: "REBUILD_EVERYTHING", LoginID: 9},
		{Kind: OpUpdateUnregistered, LoginID: 3, Token: "b"},
	})

	m.AssertExpectations(t)
}

func TestApply_StoreErrorsDoNotStopTheOtherKind(t *testing.T) {
	m := &mockUpdater{}
	m.On("RotateTokens", mock.Anything, mock.Anything).Return(errors.New("db down"))
	m.On("Unregister", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	p := NewPostProcessor(m, 10, discardLogger())
	assert.NotPanics(t, func() {
		p.apply(context.Background(), []Operation{
			{Kind: OpUpdateCanonicals, LoginID: 1, Token: "old", NewToken: "new"},
			{Kind: OpUpdateUnregistered, LoginID: 2, Token: "a"},
		})
	})
	m.AssertExpectations(t)
}

func TestPostProcessor_RunsQueuedOperations(t *testing.T) {
	m := &mockUpdater{}
	done := make(chan struct{})
	m.On("Unregister", mock.Anything, []store.Unregistration{{LoginID: 5, Token: "t"}}, mock.Anything).
		Return(nil).Run(func(mock.Arguments) { close(done) })

	p := NewPostProcessor(m, 10, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	assert.True(t, p.Unregister(5, "t"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("operation was not applied")
	}
}

func TestPostProcessor_OverflowDrops(t *testing.T) {
	p := NewPostProcessor(&mockUpdater{}, 1, discardLogger())
	assert.True(t, p.Rotate(1, "a", "b"))
	assert.False(t, p.Rotate(1, "c", "d"))
	assert.Equal(t, 1, p.QueueSize())
}
