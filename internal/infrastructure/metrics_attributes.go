package infrastructure

import (
	"errors"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/architeacher/svc-messaging/pkg/queue"
	"github.com/architeacher/svc-messaging/pkg/resilience"
)

const (
	httpMethodKey     = "http.method"
	httpPathKey       = "http.path"
	httpStatusCodeKey = "http.status_code"
	topicKey          = "messaging.destination"
	outcomeKey        = "outcome"
	errorTypeKey      = "error.type"
	featureKeyKey     = "resilience.key"
	fromStateKey      = "breaker.from"
	toStateKey        = "breaker.to"
	useCaseKey        = "usecase"

	outcomeSuccess = "success"
	outcomeError   = "error"
)

func HTTPMethodAttr(method string) attribute.KeyValue {
	return attribute.String(httpMethodKey, method)
}

func HTTPPathAttr(path string) attribute.KeyValue {
	return attribute.String(httpPathKey, path)
}

func HTTPStatusCodeAttr(code int) attribute.KeyValue {
	return attribute.String(httpStatusCodeKey, strconv.Itoa(code))
}

func TopicAttr(topic string) attribute.KeyValue {
	return attribute.String(topicKey, topic)
}

// UseCaseAttr labels a decorator metric key such as "commands.publishmessagecommand.success".
func UseCaseAttr(key string) attribute.KeyValue {
	return attribute.String(useCaseKey, key)
}

func OutcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(outcomeKey, outcome)
}

func ErrorTypeAttr(errorType string) attribute.KeyValue {
	return attribute.String(errorTypeKey, errorType)
}

func FeatureKeyAttr(key string) attribute.KeyValue {
	return attribute.String(featureKeyKey, key)
}

func BreakerTransitionAttrs(from, to string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(fromStateKey, from),
		attribute.String(toStateKey, to),
	}
}

// ErrorType buckets an error into a low-cardinality label.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, resilience.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, resilience.ErrTimeout):
		return "timeout"
	case errors.Is(err, queue.ErrQueueClosed):
		return "closed"
	case errors.Is(err, queue.ErrConnection):
		return "connection"
	case errors.Is(err, queue.ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "other"
	}
}
