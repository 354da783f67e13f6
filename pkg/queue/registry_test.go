package queue_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/architeacher/svc-messaging/pkg/queue"
	"github.com/architeacher/svc-messaging/pkg/queue/memory"
)

func TestRegistry_OpenUnknownDriver(t *testing.T) {
	t.Parallel()

	registry := queue.NewRegistry()

	_, err := registry.Open(t.Context(), queue.NewConnectionSettings("carrier-pigeon"))

	require.ErrorIs(t, err, queue.ErrUnknownDriver)
	assert.Zero(t, registry.Len())
}

func TestRegistry_OpenAndCloseTracksQueues(t *testing.T) {
	t.Parallel()

	registry := queue.NewRegistry(queue.WithDriver(memory.DriverName, memory.Factory))

	q, err := registry.Open(t.Context(), queue.NewConnectionSettings("MEMORY"))
	require.NoError(t, err)
	assert.Equal(t, memory.DriverName, q.Driver())
	assert.Equal(t, 1, registry.Len())

	require.NoError(t, q.Close(t.Context()))
	require.NoError(t, q.Close(t.Context()))
	assert.Zero(t, registry.Len())
}

func TestRegistry_IsolatedInstances(t *testing.T) {
	t.Parallel()

	first := queue.NewRegistry(queue.WithDriver(memory.DriverName, memory.Factory))
	second := queue.NewRegistry()

	_, err := first.Open(t.Context(), queue.NewConnectionSettings(memory.DriverName))
	require.NoError(t, err)

	assert.Equal(t, []string{memory.DriverName}, first.Drivers())
	assert.Empty(t, second.Drivers())
	assert.Zero(t, second.Len())
}

func TestRegistry_ConcurrentOpenAndClose(t *testing.T) {
	t.Parallel()

	registry := queue.NewRegistry()
	registry.RegisterDriver(memory.DriverName, memory.Factory)

	var wg sync.WaitGroup

	for range 50 {
		wg.Go(func() {
			q, err := registry.Open(context.Background(), queue.NewConnectionSettings(memory.DriverName))
			if !assert.NoError(t, err) {
				return
			}

			_, err = q.Produce(context.Background(), "events", []byte("x"))
			assert.NoError(t, err)
		})
	}

	wg.Wait()
	assert.Equal(t, 50, registry.Len())

	require.NoError(t, registry.Close(t.Context()))
	assert.Zero(t, registry.Len())
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "connection", err: queue.ConnectionError(assert.AnError), want: true},
		{name: "connection lost", err: queue.ErrConnectionLost, want: true},
		{name: "wrapped connection", err: queue.NewError("amqp", "produce", "t", queue.ErrConnection), want: true},
		{name: "invalid topic", err: queue.ErrInvalidTopic, want: false},
		{name: "already settled", err: queue.ErrAlreadySettled, want: false},
		{name: "queue closed", err: queue.ErrQueueClosed, want: false},
		{name: "unknown", err: assert.AnError, want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, queue.IsRetryable(tc.err))
		})
	}
}
