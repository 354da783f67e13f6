package resilience

import "time"

// Observer receives pipeline events, typically to feed metrics and logs. Implementations must be
// safe for concurrent use.
type Observer interface {
	OnRetry(key string, attempt int, err error, delay time.Duration)
	OnBreakerStateChange(key, from, to string)
	OnExhausted(key string, attempts int, err error)
}

type NopObserver struct{}

func (NopObserver) OnRetry(string, int, error, time.Duration)   {}
func (NopObserver) OnBreakerStateChange(string, string, string) {}
func (NopObserver) OnExhausted(string, int, error)              {}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) OnRetry(key string, attempt int, err error, delay time.Duration) {
	for _, obs := range o {
		obs.OnRetry(key, attempt, err, delay)
	}
}

func (o Observers) OnBreakerStateChange(key, from, to string) {
	for _, obs := range o {
		obs.OnBreakerStateChange(key, from, to)
	}
}

func (o Observers) OnExhausted(key string, attempts int, err error) {
	for _, obs := range o {
		obs.OnExhausted(key, attempts, err)
	}
}
