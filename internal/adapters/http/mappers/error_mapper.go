package mappers

import (
	"context"
	"errors"

	"github.com/architeacher/svc-messaging/internal/domain"
	"github.com/architeacher/svc-messaging/pkg/queue"
	"github.com/architeacher/svc-messaging/pkg/resilience"
)

// ErrorToDomain classifies a gateway failure. The most specific cause wins: an exhausted pipeline
// whose last attempt hit the rate limiter maps to 429, not 503.
func ErrorToDomain(err error, method, path string) *domain.DomainError {
	var domainErr *domain.DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}

	topic := topicOf(err)

	switch {
	case errors.Is(err, resilience.ErrUnresolved), errors.Is(err, domain.ErrRouteNotFound):
		return domain.NewRouteNotFoundError(method, path, err)
	case errors.Is(err, queue.ErrInvalidArgument), errors.Is(err, resilience.ErrInvalidKey):
		return domain.NewInvalidRequestError("Invalid publish request", err)
	case errors.Is(err, resilience.ErrRateLimited):
		return domain.NewRateLimitError(0, err)
	case errors.Is(err, resilience.ErrCircuitOpen):
		return domain.NewCircuitOpenError(topic, err)
	case errors.Is(err, resilience.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.NewTimeoutError(topic, err)
	case errors.Is(err, queue.ErrConnection),
		errors.Is(err, queue.ErrQueueClosed),
		errors.Is(err, resilience.ErrPipelineExhausted):
		return domain.NewBrokerUnavailableError(topic, err)
	default:
		return domain.NewInternalServerError("Failed to publish message", err)
	}
}

func topicOf(err error) string {
	var publishErr *domain.PublishError
	if errors.As(err, &publishErr) {
		return publishErr.Request.Topic
	}

	return ""
}
