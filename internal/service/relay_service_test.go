package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/architeacher/svc-messaging/internal/infrastructure"
	"github.com/architeacher/svc-messaging/pkg/messaging"
	"github.com/architeacher/svc-messaging/pkg/queue"
	"github.com/architeacher/svc-messaging/pkg/queue/memory"
	"github.com/architeacher/svc-messaging/pkg/resilience"
)

type settlement struct {
	acked    bool
	rejected bool
	requeue  bool
}

func newTrackedMessage(s *settlement) *queue.Message {
	msg := queue.NewMessage("orders", "m-1", []byte("payload"), queue.AcknowledgerFuncs{
		AckFunc: func(context.Context) error {
			s.acked = true

			return nil
		},
		NackFunc: func(_ context.Context, requeue bool) error {
			s.rejected = true
			s.requeue = requeue

			return nil
		},
	})
	msg.PartitionKey = "customer-1"
	msg.Metadata = map[string]string{"trace": "abc"}

	return msg
}

func TestRelayService_Relay(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name         string
		forwardTopic string
		produceErr   error
		wantErr      bool
		want         settlement
	}{
		{
			name: "acknowledges without forward topic",
			want: settlement{acked: true},
		},
		{
			name:         "forwards and acknowledges",
			forwardTopic: "orders.copy",
			want:         settlement{acked: true},
		},
		{
			name:         "requeues on connection failure",
			forwardTopic: "orders.copy",
			produceErr:   queue.ConnectionError(errors.New("refused")),
			wantErr:      true,
			want:         settlement{rejected: true, requeue: true},
		},
		{
			name:         "requeues while the breaker is open",
			forwardTopic: "orders.copy",
			produceErr: &resilience.ExhaustedError{
				Key:      "Queue/Produce/orders.copy",
				Attempts: 1,
				Cause:    fmt.Errorf("%w: open state", resilience.ErrCircuitOpen),
			},
			wantErr: true,
			want:    settlement{rejected: true, requeue: true},
		},
		{
			name:         "rejects on permanent failure",
			forwardTopic: "orders.copy",
			produceErr:   queue.ErrInvalidTopic,
			wantErr:      true,
			want:         settlement{rejected: true},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			publisher := &mockPublisher{}
			publisher.On("Produce", mock.Anything, tc.forwardTopic, []byte("payload"), queue.ProduceOptions{
				Durability:   queue.Persistent,
				PartitionKey: "customer-1",
				Metadata: map[string]string{
					"trace":                 "abc",
					MetadataRelayedFrom:     "orders",
					MetadataSourceMessageID: "m-1",
				},
			}).Return("m-2", tc.produceErr).Maybe()

			var got settlement

			svc := NewRelayService(publisher, tc.forwardTopic, infrastructure.NewTestLogger())

			result, err := svc.Relay(t.Context(), newTrackedMessage(&got), queue.Invocation{DeliveryCount: 1})
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, tc.produceErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.forwardTopic != "", result.Forwarded)
			}

			assert.Equal(t, tc.want, got)

			if tc.forwardTopic == "" {
				publisher.AssertNotCalled(t, "Produce", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			} else {
				publisher.AssertExpectations(t)
			}
		})
	}
}

func TestRelayService_RequeuesOnceBreakerTrips(t *testing.T) {
	t.Parallel()

	q := memory.New()
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	q.Disconnect()

	manager, err := messaging.NewManager(resilience.WithDefaultPolicy(resilience.Policy{
		MaxAttempts: 1,
		Timeout:     time.Second,
		Breaker: resilience.BreakerPolicy{
			FailureRatio:     1,
			MinRequests:      1,
			Interval:         time.Minute,
			BreakDuration:    time.Minute,
			HalfOpenRequests: 1,
		},
	}))
	require.NoError(t, err)

	svc := NewRelayService(messaging.New(q, manager), "orders.copy", infrastructure.NewTestLogger())

	for attempt := 1; attempt <= 2; attempt++ {
		var got settlement

		_, err := svc.Relay(t.Context(), newTrackedMessage(&got), queue.Invocation{DeliveryCount: attempt})
		require.Error(t, err)

		if attempt == 2 {
			require.ErrorIs(t, err, resilience.ErrCircuitOpen)
		}

		assert.Equal(t, settlement{rejected: true, requeue: true}, got, "attempt %d", attempt)
	}
}
