package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
)

type rateLimiter struct {
	key     string
	limiter *throttled.GCRARateLimiterCtx
	maxWait time.Duration
}

func newRateLimiter(key string, policy RateLimitPolicy) (*rateLimiter, error) {
	if policy.PerSecond <= 0 {
		return nil, nil
	}

	store, err := memstore.NewCtx(0)
	if err != nil {
		return nil, fmt.Errorf("rate limit store: %w", err)
	}

	limiter, err := throttled.NewGCRARateLimiterCtx(store, throttled.RateQuota{
		MaxRate:  throttled.PerSec(policy.PerSecond),
		MaxBurst: policy.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: rate limit: %w", ErrInvalidPolicy, err)
	}

	return &rateLimiter{key: key, limiter: limiter, maxWait: policy.MaxWait}, nil
}

// wait blocks until a slot is free, failing with ErrRateLimited when that takes longer than
// maxWait.
func (r *rateLimiter) wait(ctx context.Context) error {
	if r == nil {
		return nil
	}

	deadline := time.Now().Add(r.maxWait)

	for {
		limited, result, err := r.limiter.RateLimitCtx(ctx, r.key, 1)
		if err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		if !limited {
			return nil
		}

		if time.Now().Add(result.RetryAfter).After(deadline) {
			return fmt.Errorf("%w: %q, retry after %s", ErrRateLimited, r.key, result.RetryAfter)
		}

		if err := sleep(ctx, result.RetryAfter); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
