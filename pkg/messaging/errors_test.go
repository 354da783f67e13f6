package messaging_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/architeacher/svc-messaging/pkg/messaging"
	"github.com/architeacher/svc-messaging/pkg/queue"
	"github.com/architeacher/svc-messaging/pkg/resilience"
)

func exhausted(cause error) error {
	return &resilience.ExhaustedError{Key: "Queue/Produce/orders", Attempts: 1, Cause: cause}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "connection failure", err: queue.ConnectionError(errors.New("refused")), want: true},
		{name: "exhausted on connection failure", err: exhausted(queue.ConnectionError(errors.New("refused"))), want: true},
		{name: "breaker open", err: exhausted(fmt.Errorf("%w: open state", resilience.ErrCircuitOpen)), want: true},
		{name: "attempt timed out", err: exhausted(fmt.Errorf("%w after 1s: %w", resilience.ErrTimeout, context.DeadlineExceeded)), want: true},
		{name: "rate limited", err: fmt.Errorf("%w: %q", resilience.ErrRateLimited, "Queue/Produce"), want: true},
		{name: "invalid topic", err: queue.ErrInvalidTopic, want: false},
		{name: "exhausted on invalid topic", err: exhausted(queue.ErrInvalidTopic), want: false},
		{name: "queue closed", err: queue.ErrQueueClosed, want: false},
		{name: "unknown", err: errors.New("boom"), want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, messaging.IsTransient(tc.err))
		})
	}
}
