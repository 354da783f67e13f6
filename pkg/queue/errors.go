package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection reports an unreachable or dropped backend link. It is retryable.
	ErrConnection = errors.New("queue: connection error")
	// ErrConnectionLost is the terminal cause of a subscription whose backend went away.
	ErrConnectionLost = fmt.Errorf("%w: connection lost", ErrConnection)

	// ErrInvalidArgument reports a malformed request. It is never retried.
	ErrInvalidArgument = errors.New("queue: invalid argument")
	ErrInvalidTopic    = fmt.Errorf("%w: invalid topic", ErrInvalidArgument)
	ErrEmptyPayload    = fmt.Errorf("%w: empty payload", ErrInvalidArgument)
	ErrNilHandler      = fmt.Errorf("%w: nil handler", ErrInvalidArgument)

	ErrAlreadySettled        = errors.New("queue: message already settled")
	ErrDuplicateSubscription = errors.New("queue: duplicate subscription")
	ErrSubscriptionClosed    = errors.New("queue: subscription closed")
	ErrQueueClosed           = errors.New("queue: queue closed")
	ErrHandlerFault          = errors.New("queue: handler fault")
	ErrUnknownDriver         = errors.New("queue: unknown driver")
)

// Error decorates a failure with the operation and the backend it happened on.
type Error struct {
	Op     string
	Driver string
	Topic  string
	Err    error
}

func (e *Error) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("%s %s: %v", e.Driver, e.Op, e.Err)
	}

	return fmt.Sprintf("%s %s %q: %v", e.Driver, e.Op, e.Topic, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err, returning nil when err is nil.
func NewError(driver, op, topic string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Op: op, Driver: driver, Topic: topic, Err: err}
}

// ConnectionError marks cause as a connection failure while keeping it in the chain.
func ConnectionError(cause error) error {
	if cause == nil || errors.Is(cause, ErrConnection) {
		return cause
	}

	return fmt.Errorf("%w: %w", ErrConnection, cause)
}

// IsRetryable reports whether err is a transient backend failure worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrQueueClosed) || errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrAlreadySettled) {
		return false
	}

	return errors.Is(err, ErrConnection)
}
