package queue

import (
	"context"
	"strings"
)

// Queue is the uniform contract every backend driver satisfies. A Queue exclusively owns its
// backend connection; concurrent Produce calls and its subscriptions share it safely.
type Queue interface {
	// Driver returns the name the queue was registered under.
	Driver() string

	// Produce publishes data on topic and returns the identifier of the stored message once
	// the backend confirmed it per the driver's durability contract.
	Produce(ctx context.Context, topic string, data []byte, opts ...ProduceOption) (string, error)

	// Subscribe registers handler on topic. Cancelling ctx closes the subscription, unless
	// WithLifetime hands that role to another context.
	Subscribe(ctx context.Context, topic string, handler Handler, opts ...SubscribeOption) (*Subscription, error)

	// Unsubscribe drains and closes sub. It is idempotent. Called from sub's own handler with
	// the handler's ctx it returns without waiting for that handler.
	Unsubscribe(ctx context.Context, sub *Subscription) error

	// IsConnected reports whether the backend link is up.
	IsConnected() bool

	// Close closes every subscription and releases the connection. It is idempotent.
	Close(ctx context.Context) error
}

// Factory builds a Queue for settings. The queue is not expected to be connected yet.
type Factory func(ctx context.Context, settings ConnectionSettings, deps Dependencies) (Queue, error)

// ValidateTopic applies the rules shared by all drivers. Drivers add backend-specific checks.
func ValidateTopic(topic string) error {
	if strings.TrimSpace(topic) == "" {
		return ErrInvalidTopic
	}

	if strings.ContainsAny(topic, " \t\r\n\x00") {
		return ErrInvalidTopic
	}

	return nil
}
