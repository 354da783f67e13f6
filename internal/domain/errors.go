package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrPayloadTooLarge     = errors.New("payload too large")
	ErrRouteNotFound       = errors.New("no route for request")
	ErrBrokerUnavailable   = errors.New("broker unavailable")
	ErrTimeoutExceeded     = errors.New("timeout exceeded")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrCircuitBreakerOpen  = errors.New("circuit breaker open")
	ErrInternalServerError = errors.New("internal server error")
	ErrOutboxFull          = errors.New("outbox entry exhausted its attempts")
)

type (
	DomainError struct {
		Code       string
		Message    string
		StatusCode int
		Cause      error
		Details    map[string]any
	}

	MaxAttemptsExceededError struct {
		EntryID     string
		Attempts    int
		MaxAttempts int
	}
)

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause.Error())
	}

	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

func NewDomainError(code, message string, statusCode int, cause error) *DomainError {
	return &DomainError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Cause:      cause,
		Details:    make(map[string]any),
	}
}

func (e *DomainError) WithDetails(key string, value any) *DomainError {
	e.Details[key] = value

	return e
}

func NewInvalidRequestError(message string, cause error) *DomainError {
	if cause == nil {
		cause = ErrInvalidRequest
	}

	return NewDomainError("INVALID_REQUEST", message, http.StatusBadRequest, cause)
}

func NewPayloadTooLargeError(limit int64) *DomainError {
	return NewDomainError(
		"PAYLOAD_TOO_LARGE",
		fmt.Sprintf("Payload exceeds %d bytes", limit),
		http.StatusRequestEntityTooLarge,
		ErrPayloadTooLarge,
	).WithDetails("limit_bytes", limit)
}

func NewRouteNotFoundError(method, path string, cause error) *DomainError {
	return NewDomainError(
		"ROUTE_NOT_FOUND",
		fmt.Sprintf("No route resolves %s %s", method, path),
		http.StatusNotFound,
		errors.Join(ErrRouteNotFound, cause),
	).WithDetails("method", method).WithDetails("path", path)
}

func NewBrokerUnavailableError(topic string, cause error) *DomainError {
	return NewDomainError(
		"BROKER_UNAVAILABLE",
		fmt.Sprintf("Broker unavailable for topic %s", topic),
		http.StatusServiceUnavailable,
		errors.Join(ErrBrokerUnavailable, cause),
	).WithDetails("topic", topic)
}

func NewCircuitOpenError(topic string, cause error) *DomainError {
	return NewDomainError(
		"CIRCUIT_OPEN",
		fmt.Sprintf("Producing to %s is temporarily suspended", topic),
		http.StatusServiceUnavailable,
		errors.Join(ErrCircuitBreakerOpen, cause),
	).WithDetails("topic", topic)
}

func NewTimeoutError(topic string, cause error) *DomainError {
	return NewDomainError(
		"TIMEOUT_EXCEEDED",
		fmt.Sprintf("Producing to %s timed out", topic),
		http.StatusGatewayTimeout,
		errors.Join(ErrTimeoutExceeded, cause),
	).WithDetails("topic", topic)
}

func NewRateLimitError(retryAfter time.Duration, cause error) *DomainError {
	return NewDomainError(
		"RATE_LIMITING_EXCEEDED",
		"Rate limit exceeded",
		http.StatusTooManyRequests,
		errors.Join(ErrRateLimitExceeded, cause),
	).WithDetails("retry_after_seconds", int(retryAfter.Seconds()))
}

func NewInternalServerError(message string, cause error) *DomainError {
	return NewDomainError(
		"INTERNAL_SERVER_ERROR",
		message,
		http.StatusInternalServerError,
		errors.Join(ErrInternalServerError, cause),
	)
}

func (e *MaxAttemptsExceededError) Error() string {
	return fmt.Sprintf("max attempts exceeded for outbox entry %s: %d/%d", e.EntryID, e.Attempts, e.MaxAttempts)
}

func (e *MaxAttemptsExceededError) Unwrap() error {
	return ErrOutboxFull
}
