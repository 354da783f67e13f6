package queue_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/architeacher/svc-messaging/pkg/queue"
)

const waitFor = 2 * time.Second

type settlement struct {
	id      string
	ack     bool
	requeue bool
}

type recordingAcker struct {
	id      string
	settled chan<- settlement
}

func (a recordingAcker) Ack(context.Context) error {
	a.settled <- settlement{id: a.id, ack: true}

	return nil
}

func (a recordingAcker) Nack(_ context.Context, requeue bool) error {
	a.settled <- settlement{id: a.id, requeue: requeue}

	return nil
}

func newMessage(id string, settled chan<- settlement) *queue.Message {
	return queue.NewMessage("orders", id, []byte("payload-"+id), recordingAcker{id: id, settled: settled})
}

func startSubscription(t *testing.T, handler queue.Handler, opts ...queue.SubscribeOption) (*queue.Subscription, *atomic.Int32) {
	t.Helper()

	teardowns := &atomic.Int32{}
	sub := queue.NewSubscription("orders", handler, queue.ApplySubscribeOptions(opts...), func(context.Context) error {
		teardowns.Add(1)

		return nil
	})

	require.Equal(t, queue.Created, sub.State())
	require.NoError(t, sub.Start(t.Context()))
	require.Equal(t, queue.Active, sub.State())

	return sub, teardowns
}

func TestSubscription_DeliversSequentiallyInOrder(t *testing.T) {
	t.Parallel()

	var (
		inFlight atomic.Int32
		overlap  atomic.Bool
		mu       sync.Mutex
		seen     []string
	)

	settled := make(chan settlement, 100)

	sub, _ := startSubscription(t, func(ctx context.Context, msg *queue.Message, _ queue.Invocation) error {
		if inFlight.Add(1) > 1 {
			overlap.Store(true)
		}
		defer inFlight.Add(-1)

		time.Sleep(time.Millisecond)

		mu.Lock()
		seen = append(seen, msg.ID)
		mu.Unlock()

		return msg.Acknowledge(ctx)
	})

	want := make([]string, 0, 20)
	for i := range 20 {
		id := strconv.Itoa(i)
		want = append(want, id)
		require.NoError(t, sub.Deliver(t.Context(), newMessage(id, settled)))
	}

	for range 20 {
		select {
		case s := <-settled:
			assert.True(t, s.ack)
		case <-time.After(waitFor):
			t.Fatal("timed out waiting for acknowledgements")
		}
	}

	mu.Lock()
	assert.Equal(t, want, seen)
	mu.Unlock()
	assert.False(t, overlap.Load(), "handler invocations overlapped")

	require.NoError(t, sub.Close(t.Context()))
}

func TestSubscription_CloseWaitsForInFlightHandler(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	finished := atomic.Bool{}

	sub, teardowns := startSubscription(t, func(ctx context.Context, msg *queue.Message, _ queue.Invocation) error {
		close(started)
		<-release
		finished.Store(true)

		return msg.Acknowledge(ctx)
	})

	settled := make(chan settlement, 10)
	require.NoError(t, sub.Deliver(t.Context(), newMessage("1", settled)))

	<-started

	closed := make(chan error, 1)
	go func() { closed <- sub.Close(context.Background()) }()

	select {
	case <-sub.Done():
		t.Fatal("subscription closed while handler was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("close did not return")
	}

	assert.True(t, finished.Load())
	assert.Equal(t, queue.Closed, sub.State())
	assert.Equal(t, int32(1), teardowns.Load())
	assert.Equal(t, settlement{id: "1", ack: true}, <-settled)
	assert.NoError(t, sub.Err())

	// Idempotent.
	require.NoError(t, sub.Close(t.Context()))
	assert.Equal(t, int32(1), teardowns.Load())
}

func TestSubscription_CloseFromHandlerReturnsImmediately(t *testing.T) {
	t.Parallel()

	self := make(chan *queue.Subscription, 1)
	closed := make(chan error, 1)

	sub, teardowns := startSubscription(t, func(ctx context.Context, msg *queue.Message, _ queue.Invocation) error {
		closed <- (<-self).Close(ctx)

		return msg.Acknowledge(ctx)
	})
	self <- sub

	settled := make(chan settlement, 1)
	require.NoError(t, sub.Deliver(t.Context(), newMessage("1", settled)))

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("close from handler blocked")
	}

	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("subscription did not close after the handler returned")
	}

	assert.Equal(t, queue.Closed, sub.State())
	assert.Equal(t, int32(1), teardowns.Load())
	assert.Equal(t, settlement{id: "1", ack: true}, <-settled)
	require.NoError(t, sub.Err())
}

func TestSubscription_HardCancellation(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})

	sub, _ := startSubscription(t, func(ctx context.Context, _ *queue.Message, _ queue.Invocation) error {
		close(started)
		<-ctx.Done()

		return ctx.Err()
	})

	settled := make(chan settlement, 10)
	require.NoError(t, sub.Deliver(t.Context(), newMessage("1", settled)))
	<-started

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	err := sub.Close(ctx)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, queue.Closed, sub.State())
	assert.Equal(t, settlement{id: "1", requeue: true}, <-settled)
}

func TestSubscription_PauseAndResume(t *testing.T) {
	t.Parallel()

	delivered := make(chan string, 10)

	sub, _ := startSubscription(t, func(ctx context.Context, msg *queue.Message, _ queue.Invocation) error {
		delivered <- msg.ID

		return msg.Acknowledge(ctx)
	})

	require.NoError(t, sub.Pause())
	require.NoError(t, sub.Pause())
	assert.Equal(t, queue.Paused, sub.State())

	settled := make(chan settlement, 10)
	require.NoError(t, sub.Deliver(t.Context(), newMessage("1", settled)))

	select {
	case id := <-delivered:
		t.Fatalf("message %s delivered while paused", id)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, sub.Resume())
	assert.Equal(t, queue.Active, sub.State())

	select {
	case id := <-delivered:
		assert.Equal(t, "1", id)
	case <-time.After(waitFor):
		t.Fatal("message not delivered after resume")
	}

	require.NoError(t, sub.Close(t.Context()))
	require.ErrorIs(t, sub.Pause(), queue.ErrSubscriptionClosed)
	require.ErrorIs(t, sub.Resume(), queue.ErrSubscriptionClosed)
}

func TestSubscription_FailIsTerminalAndDistinguishable(t *testing.T) {
	t.Parallel()

	sub, teardowns := startSubscription(t, func(context.Context, *queue.Message, queue.Invocation) error {
		return nil
	})

	sub.Fail(errors.New("socket reset"))

	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("subscription did not close after failure")
	}

	assert.Equal(t, queue.Closed, sub.State())
	assert.ErrorIs(t, sub.Err(), queue.ErrConnectionLost)
	assert.ErrorIs(t, sub.Err(), queue.ErrConnection)
	assert.Equal(t, int32(1), teardowns.Load())

	settled := make(chan settlement, 1)
	require.ErrorIs(t, sub.Deliver(t.Context(), newMessage("late", settled)), queue.ErrSubscriptionClosed)
	assert.Equal(t, settlement{id: "late", requeue: true}, <-settled)
}

func TestSubscription_HandlerFaultClosesSubscription(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	sub, _ := startSubscription(t, func(context.Context, *queue.Message, queue.Invocation) error {
		return boom
	})

	settled := make(chan settlement, 10)
	require.NoError(t, sub.Deliver(t.Context(), newMessage("1", settled)))

	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("subscription did not close after handler fault")
	}

	assert.ErrorIs(t, sub.Err(), queue.ErrHandlerFault)
	assert.ErrorIs(t, sub.Err(), boom)
	assert.Equal(t, settlement{id: "1", requeue: true}, <-settled)
}

func TestSubscription_ErrorHandlerKeepsDispatching(t *testing.T) {
	t.Parallel()

	faults := make(chan error, 10)
	calls := atomic.Int32{}

	sub, _ := startSubscription(t, func(ctx context.Context, msg *queue.Message, _ queue.Invocation) error {
		if calls.Add(1) == 1 {
			panic("first delivery explodes")
		}

		return msg.Acknowledge(ctx)
	}, queue.WithErrorHandler(func(err error) { faults <- err }))

	settled := make(chan settlement, 10)
	require.NoError(t, sub.Deliver(t.Context(), newMessage("1", settled)))
	require.NoError(t, sub.Deliver(t.Context(), newMessage("2", settled)))

	assert.ErrorIs(t, <-faults, queue.ErrHandlerFault)
	assert.Equal(t, settlement{id: "1", requeue: true}, <-settled)
	assert.Equal(t, settlement{id: "2", ack: true}, <-settled)
	assert.Equal(t, queue.Active, sub.State())

	require.NoError(t, sub.Close(t.Context()))
}

func TestSubscription_AckWindowReleasesUnsettledMessage(t *testing.T) {
	t.Parallel()

	var held *queue.Message

	handled := make(chan struct{})

	sub, _ := startSubscription(t, func(_ context.Context, msg *queue.Message, _ queue.Invocation) error {
		held = msg
		close(handled)

		return nil
	}, queue.WithAckWindow(20*time.Millisecond))

	settled := make(chan settlement, 10)
	require.NoError(t, sub.Deliver(t.Context(), newMessage("1", settled)))

	select {
	case s := <-settled:
		assert.Equal(t, settlement{id: "1", requeue: true}, s)
	case <-time.After(waitFor):
		t.Fatal("lease did not expire")
	}

	<-handled
	assert.Equal(t, queue.Expired, held.State())
	assert.ErrorIs(t, held.Acknowledge(t.Context()), queue.ErrAlreadySettled)

	require.NoError(t, sub.Close(t.Context()))
}

func TestSubscription_CloseReleasesUnsettledMessagesOnce(t *testing.T) {
	t.Parallel()

	handled := make(chan *queue.Message, 1)

	sub, teardowns := startSubscription(t, func(_ context.Context, msg *queue.Message, _ queue.Invocation) error {
		handled <- msg

		return nil
	}, queue.WithAckWindow(100*time.Millisecond))

	settled := make(chan settlement, 10)
	require.NoError(t, sub.Deliver(t.Context(), newMessage("1", settled)))

	held := <-handled
	require.NoError(t, sub.Close(t.Context()))
	assert.Equal(t, int32(1), teardowns.Load())
	assert.Equal(t, queue.Released, held.State())

	select {
	case s := <-settled:
		assert.Equal(t, settlement{id: "1", requeue: true}, s)
	default:
		t.Fatal("unsettled message was not released on close")
	}

	select {
	case s := <-settled:
		t.Fatalf("lease settled a message after teardown: %+v", s)
	case <-time.After(250 * time.Millisecond):
	}

	assert.ErrorIs(t, held.Acknowledge(t.Context()), queue.ErrAlreadySettled)
}

func TestSubscription_DropsExpiredMessages(t *testing.T) {
	t.Parallel()

	calls := atomic.Int32{}

	sub, _ := startSubscription(t, func(context.Context, *queue.Message, queue.Invocation) error {
		calls.Add(1)

		return nil
	})

	settled := make(chan settlement, 10)
	msg := newMessage("stale", settled)
	msg.ExpiresAt = time.Now().Add(-time.Minute)

	require.NoError(t, sub.Deliver(t.Context(), msg))

	assert.Equal(t, settlement{id: "stale", ack: true}, <-settled)
	assert.Equal(t, queue.Expired, msg.State())
	assert.Zero(t, calls.Load())

	require.NoError(t, sub.Close(t.Context()))
}

func TestSubscription_ContextCancellationCloses(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())

	sub := queue.NewSubscription("orders", func(context.Context, *queue.Message, queue.Invocation) error {
		return nil
	}, queue.ApplySubscribeOptions(), nil)

	require.NoError(t, sub.Start(ctx))
	require.Error(t, sub.Start(ctx))

	cancel()

	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("subscription ignored context cancellation")
	}

	assert.NoError(t, sub.Err())
}

func TestSubscription_CloseBeforeStart(t *testing.T) {
	t.Parallel()

	torn := atomic.Bool{}

	sub := queue.NewSubscription("orders", func(context.Context, *queue.Message, queue.Invocation) error {
		return nil
	}, queue.ApplySubscribeOptions(), func(context.Context) error {
		torn.Store(true)

		return nil
	})

	require.NoError(t, sub.Close(t.Context()))
	assert.Equal(t, queue.Closed, sub.State())
	assert.True(t, torn.Load())
}
