package resilience

import (
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
)

type breaker struct {
	cb *gobreaker.CircuitBreaker
}

func newBreaker(key string, policy BreakerPolicy, countsAsFailure func(error) bool, observer Observer) *breaker {
	if policy.Disabled {
		return nil
	}

	settings := gobreaker.Settings{
		Name:        key,
		MaxRequests: policy.HalfOpenRequests,
		Interval:    policy.Interval,
		Timeout:     policy.BreakDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < max(policy.MinRequests, 1) {
				return false
			}

			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)

			return failureRatio >= policy.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			observer.OnBreakerStateChange(name, from.String(), to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !countsAsFailure(err)
		},
	}

	return &breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *breaker) execute(fn func() error) error {
	if b == nil {
		return fn()
	}

	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}

	return err
}

func (b *breaker) state() string {
	if b == nil {
		return "disabled"
	}

	return b.cb.State().String()
}
