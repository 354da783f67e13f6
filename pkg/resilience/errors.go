package resilience

import (
	"errors"
	"fmt"
)

var (
	// ErrNotApplicable reports that an executor cannot resolve a context. It only steers a Chain
	// and is never returned by one.
	ErrNotApplicable = errors.New("executor not applicable")
	// ErrUnresolved is the terminal failure of a chain whose fallback could not resolve the
	// context either. It deliberately does not match ErrNotApplicable.
	ErrUnresolved = errors.New("no executor could resolve the request")

	ErrPipelineExhausted = errors.New("resilience pipeline exhausted")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrTimeout           = errors.New("operation timed out")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrInvalidKey        = errors.New("invalid feature key")
	ErrInvalidPolicy     = errors.New("invalid resilience policy")
)

// ExhaustedError is returned once a pipeline spent its retry budget. It matches both
// ErrPipelineExhausted and the last underlying cause.
type ExhaustedError struct {
	Key      string
	Attempts int
	Cause    error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %q after %d attempts: %v", ErrPipelineExhausted, e.Key, e.Attempts, e.Cause)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrPipelineExhausted, e.Cause}
}
