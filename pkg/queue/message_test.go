package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/architeacher/svc-messaging/pkg/queue"
)

type MockAcknowledger struct {
	mock.Mock
}

func (m *MockAcknowledger) Ack(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockAcknowledger) Nack(ctx context.Context, requeue bool) error {
	args := m.Called(ctx, requeue)

	return args.Error(0)
}

func TestMessage_IsEmpty(t *testing.T) {
	t.Parallel()

	assert.True(t, queue.NewMessage("t", "1", nil, nil).IsEmpty())
	assert.True(t, queue.NewMessage("t", "1", []byte{}, nil).IsEmpty())
	assert.False(t, queue.NewMessage("t", "1", []byte("x"), nil).IsEmpty())
}

func TestMessage_Settlement(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		setup     func(a *MockAcknowledger)
		settle    func(ctx context.Context, m *queue.Message) error
		wantState queue.AckState
	}{
		{
			name:      "acknowledge",
			setup:     func(a *MockAcknowledger) { a.On("Ack", mock.Anything).Return(nil).Once() },
			settle:    func(ctx context.Context, m *queue.Message) error { return m.Acknowledge(ctx) },
			wantState: queue.Acknowledged,
		},
		{
			name:      "reject with requeue",
			setup:     func(a *MockAcknowledger) { a.On("Nack", mock.Anything, true).Return(nil).Once() },
			settle:    func(ctx context.Context, m *queue.Message) error { return m.Reject(ctx, true) },
			wantState: queue.Rejected,
		},
		{
			name:      "reject without requeue",
			setup:     func(a *MockAcknowledger) { a.On("Nack", mock.Anything, false).Return(nil).Once() },
			settle:    func(ctx context.Context, m *queue.Message) error { return m.Reject(ctx, false) },
			wantState: queue.Rejected,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			acker := &MockAcknowledger{}
			tc.setup(acker)

			msg := queue.NewMessage("orders", "42", []byte("payload"), acker)
			require.Equal(t, queue.Pending, msg.State())

			require.NoError(t, tc.settle(t.Context(), msg))
			assert.Equal(t, tc.wantState, msg.State())

			// The second settle never reaches the backend.
			assert.ErrorIs(t, msg.Acknowledge(t.Context()), queue.ErrAlreadySettled)
			assert.ErrorIs(t, msg.Reject(t.Context(), true), queue.ErrAlreadySettled)
			assert.Equal(t, tc.wantState, msg.State())

			acker.AssertExpectations(t)
		})
	}
}

func TestMessage_ConcurrentAcknowledgeSettlesOnce(t *testing.T) {
	t.Parallel()

	acker := &MockAcknowledger{}
	acker.On("Ack", mock.Anything).Return(nil).Once()

	msg := queue.NewMessage("orders", "7", []byte("x"), acker)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		settled   int
	)

	for range 32 {
		wg.Go(func() {
			err := msg.Acknowledge(t.Context())

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, queue.ErrAlreadySettled):
				settled++
			}
		})
	}

	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 31, settled)
	acker.AssertNumberOfCalls(t, "Ack", 1)
}

func TestMessage_BackendFailureStillSettles(t *testing.T) {
	t.Parallel()

	acker := &MockAcknowledger{}
	acker.On("Ack", mock.Anything).Return(queue.ErrConnection).Once()

	msg := queue.NewMessage("orders", "8", []byte("x"), acker)

	require.ErrorIs(t, msg.Acknowledge(t.Context()), queue.ErrConnection)
	assert.Equal(t, queue.Acknowledged, msg.State())
	assert.ErrorIs(t, msg.Acknowledge(t.Context()), queue.ErrAlreadySettled)
}

func TestMessage_Expired(t *testing.T) {
	t.Parallel()

	now := time.Now()
	msg := queue.NewMessage("orders", "9", nil, nil)

	assert.False(t, msg.Expired(now))

	msg.ExpiresAt = now.Add(-time.Second)
	assert.True(t, msg.Expired(now))
}

func TestAckState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "pending", queue.Pending.String())
	assert.Equal(t, "acknowledged", queue.Acknowledged.String())
	assert.Equal(t, "rejected", queue.Rejected.String())
	assert.Equal(t, "expired", queue.Expired.String())
	assert.Equal(t, "released", queue.Released.String())
}
