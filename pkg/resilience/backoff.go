package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// unboundedDelay caps an uncapped backoff well below overflow, jitter included.
const unboundedDelay = float64(math.MaxInt64 / 4)

type (
	// Strategy defines the methodology for backing off between retries.
	Strategy interface {
		// Backoff returns the amount of time to wait before the next retry given
		// the number of consecutive failures.
		Backoff(retries int) time.Duration
	}

	// Exponential implements exponential backoff algorithm.
	Exponential struct {
		// config contains all options to configure the backoff algorithm.
		config BackoffPolicy
	}
)

func NewExponentialStrategy(cfg BackoffPolicy) Exponential {
	return Exponential{
		config: cfg,
	}
}

// Backoff returns BaseDelay grown by Multiplier once per retry, capped at MaxDelay and spread
// by up to ±Jitter. A zero MaxDelay leaves the growth uncapped; a Multiplier below one keeps
// the delay at BaseDelay.
func (bc Exponential) Backoff(retries int) time.Duration {
	ceiling := float64(bc.config.MaxDelay)
	if ceiling <= 0 {
		ceiling = unboundedDelay
	}

	growth := max(bc.config.Multiplier, 1)

	delay := float64(bc.config.BaseDelay)
	for ; retries > 0 && delay < ceiling; retries-- {
		delay *= growth
	}

	delay = min(delay, ceiling)
	delay *= 1 + bc.config.Jitter*(rand.Float64()*2-1)

	return time.Duration(max(delay, 0))
}
