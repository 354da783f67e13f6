package resilience

import (
	"context"
	"errors"
	"fmt"
)

// Operation is a unit of work wrapped by a pipeline. It must honour ctx: the per-attempt
// timeout is delivered as a cancellation of ctx.
type Operation func(ctx context.Context) error

// RetryPredicate reports whether an error is transient and worth another attempt.
type RetryPredicate func(err error) bool

// RetryAll treats every error as transient.
func RetryAll(error) bool { return true }

// Pipeline applies, from the outside in: rate limiter, retry with backoff, circuit breaker,
// per-attempt timeout. A Pipeline is immutable once built and safe for concurrent use.
//
// A nil *Pipeline runs operations unwrapped.
type Pipeline struct {
	key      Key
	name     string
	policy   Policy
	backoff  Strategy
	limiter  *rateLimiter
	breaker  *breaker
	retry    RetryPredicate
	observer Observer
}

func newPipeline(key Key, policy Policy, retry RetryPredicate, observer Observer) (*Pipeline, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	if retry == nil {
		retry = RetryAll
	}

	if observer == nil {
		observer = NopObserver{}
	}

	p := &Pipeline{
		key:      key,
		name:     key.String(),
		policy:   policy,
		backoff:  NewExponentialStrategy(policy.Backoff),
		retry:    retry,
		observer: observer,
	}

	limiter, err := newRateLimiter(p.name, policy.RateLimit)
	if err != nil {
		return nil, err
	}

	p.limiter = limiter
	p.breaker = newBreaker(p.name, policy.Breaker, p.isTransient, observer)

	return p, nil
}

func (p *Pipeline) Key() Key {
	if p == nil {
		return Key{}
	}

	return p.key
}

func (p *Pipeline) Policy() Policy {
	if p == nil {
		return Policy{}
	}

	return p.policy
}

// BreakerState is the circuit breaker state name, or "disabled".
func (p *Pipeline) BreakerState() string {
	if p == nil {
		return "disabled"
	}

	return p.breaker.state()
}

// isTransient decides both retries and breaker accounting. Chain-steering errors are never
// transient; timeouts always are.
func (p *Pipeline) isTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotApplicable), errors.Is(err, ErrUnresolved):
		return false
	case errors.Is(err, ErrTimeout):
		return true
	case errors.Is(err, context.Canceled):
		return false
	}

	return p.retry(err)
}

// Execute runs op through the pipeline. Non-transient errors are returned as they are, without
// retrying. Once the retry budget is spent, or the breaker refuses the call, the result is an
// *ExhaustedError wrapping the last cause. Cancellation of ctx returns ctx.Err().
func (p *Pipeline) Execute(ctx context.Context, op Operation) error {
	if p == nil {
		return op(ctx)
	}

	if err := p.limiter.wait(ctx); err != nil {
		return err
	}

	var lastErr error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := p.breaker.execute(func() error {
			return p.attempt(ctx, op)
		})
		if err == nil {
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			return p.exhausted(attempt, lastErr)
		}

		if !p.isTransient(err) {
			return err
		}

		if attempt >= p.policy.MaxAttempts {
			return p.exhausted(attempt, lastErr)
		}

		delay := p.backoff.Backoff(attempt - 1)
		p.observer.OnRetry(p.name, attempt, err, delay)

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (p *Pipeline) attempt(ctx context.Context, op Operation) error {
	if p.policy.Timeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.policy.Timeout)
	defer cancel()

	err := op(attemptCtx)
	if err == nil {
		return nil
	}

	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w after %s: %w", ErrTimeout, p.policy.Timeout, err)
	}

	return err
}

func (p *Pipeline) exhausted(attempts int, cause error) error {
	p.observer.OnExhausted(p.name, attempts, cause)

	return &ExhaustedError{Key: p.name, Attempts: attempts, Cause: cause}
}

// ExecuteValue runs op through p and returns its value. p may be nil.
func ExecuteValue[T any](ctx context.Context, p *Pipeline, op func(ctx context.Context) (T, error)) (T, error) {
	var value T

	err := p.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}

		value = v

		return nil
	})
	if err != nil {
		var zero T

		return zero, err
	}

	return value, nil
}
