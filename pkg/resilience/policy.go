package resilience

import (
	"fmt"
	"time"
)

// Policy parameterises one pipeline. Zero fields of an override are taken from the default
// template (see Merge).
type Policy struct {
	// MaxAttempts counts the first call; 1 disables retries.
	MaxAttempts int             `yaml:"max_attempts" json:"max_attempts"`
	Backoff     BackoffPolicy   `yaml:"backoff" json:"backoff"`
	Timeout     time.Duration   `yaml:"timeout" json:"timeout"`
	Breaker     BreakerPolicy   `yaml:"circuit_breaker" json:"circuit_breaker"`
	RateLimit   RateLimitPolicy `yaml:"rate_limit" json:"rate_limit"`
}

type BackoffPolicy struct {
	// BaseDelay is the amount of time to backoff after the first failure.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`
	// Multiplier is the factor with which to multiply backoffs after a
	// failed retry. Should ideally be greater than 1.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
	// Jitter is the factor with which backoffs are randomized.
	Jitter float64 `yaml:"jitter" json:"jitter"`
	// MaxDelay is the upper bound of backoff delay.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`
}

type BreakerPolicy struct {
	Disabled bool `yaml:"disabled" json:"disabled"`
	// FailureRatio trips the breaker once reached over at least MinRequests calls.
	FailureRatio float64 `yaml:"failure_ratio" json:"failure_ratio"`
	MinRequests  uint32  `yaml:"min_requests" json:"min_requests"`
	// Interval is the cyclic period after which closed-state counts are cleared.
	Interval time.Duration `yaml:"interval" json:"interval"`
	// BreakDuration is how long the breaker stays open before probing.
	BreakDuration time.Duration `yaml:"break_duration" json:"break_duration"`
	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests uint32 `yaml:"half_open_requests" json:"half_open_requests"`
}

// RateLimitPolicy enables a GCRA limiter when PerSecond is positive.
type RateLimitPolicy struct {
	PerSecond int `yaml:"per_second" json:"per_second"`
	Burst     int `yaml:"burst" json:"burst"`
	// MaxWait is how long a caller may wait for a slot before ErrRateLimited.
	MaxWait time.Duration `yaml:"max_wait" json:"max_wait"`
}

// maxRatePerSecond is the finest rate the limiter can express: one slot per nanosecond.
const maxRatePerSecond = int(time.Second)

// DefaultPolicy is the template used when no override matches a key.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff: BackoffPolicy{
			BaseDelay:  100 * time.Millisecond,
			Multiplier: 2,
			Jitter:     0.2,
			MaxDelay:   5 * time.Second,
		},
		Timeout: 10 * time.Second,
		Breaker: BreakerPolicy{
			FailureRatio:     0.6,
			MinRequests:      5,
			Interval:         time.Minute,
			BreakDuration:    30 * time.Second,
			HalfOpenRequests: 1,
		},
	}
}

// Merge fills the zero fields of p from def, field by field, so a partial backoff, breaker or
// rate limit override keeps the rest of the template. A breaker override that sets no field at
// all also inherits Disabled.
func (p Policy) Merge(def Policy) Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}

	if p.Timeout == 0 {
		p.Timeout = def.Timeout
	}

	p.Backoff = p.Backoff.merge(def.Backoff)
	p.Breaker = p.Breaker.merge(def.Breaker)
	p.RateLimit = p.RateLimit.merge(def.RateLimit)

	return p
}

func (b BackoffPolicy) merge(def BackoffPolicy) BackoffPolicy {
	b.BaseDelay = orDefault(b.BaseDelay, def.BaseDelay)
	b.Multiplier = orDefault(b.Multiplier, def.Multiplier)
	b.Jitter = orDefault(b.Jitter, def.Jitter)
	b.MaxDelay = orDefault(b.MaxDelay, def.MaxDelay)

	return b
}

func (b BreakerPolicy) merge(def BreakerPolicy) BreakerPolicy {
	if b == (BreakerPolicy{}) {
		return def
	}

	b.FailureRatio = orDefault(b.FailureRatio, def.FailureRatio)
	b.MinRequests = orDefault(b.MinRequests, def.MinRequests)
	b.Interval = orDefault(b.Interval, def.Interval)
	b.BreakDuration = orDefault(b.BreakDuration, def.BreakDuration)
	b.HalfOpenRequests = orDefault(b.HalfOpenRequests, def.HalfOpenRequests)

	return b
}

func (r RateLimitPolicy) merge(def RateLimitPolicy) RateLimitPolicy {
	r.PerSecond = orDefault(r.PerSecond, def.PerSecond)
	r.Burst = orDefault(r.Burst, def.Burst)
	r.MaxWait = orDefault(r.MaxWait, def.MaxWait)

	return r
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}

	return v
}

func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidPolicy)
	case p.Timeout < 0:
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidPolicy)
	case p.Backoff.BaseDelay < 0 || p.Backoff.MaxDelay < 0:
		return fmt.Errorf("%w: backoff delays must not be negative", ErrInvalidPolicy)
	case p.Backoff.Jitter < 0 || p.Backoff.Jitter > 1:
		return fmt.Errorf("%w: backoff jitter must be within [0, 1]", ErrInvalidPolicy)
	case !p.Breaker.Disabled && (p.Breaker.FailureRatio <= 0 || p.Breaker.FailureRatio > 1):
		return fmt.Errorf("%w: circuit_breaker.failure_ratio must be within (0, 1]", ErrInvalidPolicy)
	case p.RateLimit.PerSecond < 0 || p.RateLimit.Burst < 0:
		return fmt.Errorf("%w: rate_limit values must not be negative", ErrInvalidPolicy)
	case p.RateLimit.PerSecond > maxRatePerSecond:
		return fmt.Errorf("%w: rate_limit.per_second must not exceed %d", ErrInvalidPolicy, maxRatePerSecond)
	}

	return nil
}
