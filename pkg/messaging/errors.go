package messaging

import (
	"errors"

	"github.com/architeacher/svc-messaging/pkg/queue"
	"github.com/architeacher/svc-messaging/pkg/resilience"
)

// IsTransient reports whether a failed call is worth repeating later. That covers backend
// connection failures and pipelines that gave up because a breaker, deadline or rate limit
// refused the call.
func IsTransient(err error) bool {
	if queue.IsRetryable(err) {
		return true
	}

	if err == nil || errors.Is(err, queue.ErrQueueClosed) || errors.Is(err, queue.ErrInvalidArgument) {
		return false
	}

	return errors.Is(err, resilience.ErrCircuitOpen) ||
		errors.Is(err, resilience.ErrTimeout) ||
		errors.Is(err, resilience.ErrRateLimited)
}
