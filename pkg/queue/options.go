package queue

import (
	"context"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/architeacher/svc-messaging/pkg/logger"
)

const (
	defaultAckWindow = 30 * time.Second
	defaultPrefetch  = 16
)

// Durability selects how hard the backend should try to keep a produced message.
type Durability int

const (
	// Persistent asks for disk-backed storage where the backend supports it.
	Persistent Durability = iota
	// Transient allows memory-only storage.
	Transient
)

func (d Durability) String() string {
	if d == Transient {
		return "transient"
	}

	return "persistent"
}

// ProduceOptions are the backend-neutral produce hints. Drivers ignore hints they cannot honour.
type ProduceOptions struct {
	Durability   Durability
	PartitionKey string
	Expiry       time.Duration
	Metadata     map[string]string
}

// ExpiresAt returns the absolute expiry relative to now, or the zero time.
func (o ProduceOptions) ExpiresAt(now time.Time) time.Time {
	if o.Expiry <= 0 {
		return time.Time{}
	}

	return now.Add(o.Expiry)
}

type ProduceOption func(*ProduceOptions)

func WithDurability(d Durability) ProduceOption {
	return func(o *ProduceOptions) {
		o.Durability = d
	}
}

func WithPartitionKey(key string) ProduceOption {
	return func(o *ProduceOptions) {
		o.PartitionKey = key
	}
}

func WithExpiry(ttl time.Duration) ProduceOption {
	return func(o *ProduceOptions) {
		o.Expiry = ttl
	}
}

// WithMetadata merges md into the message metadata.
func WithMetadata(md map[string]string) ProduceOption {
	return func(o *ProduceOptions) {
		if len(md) == 0 {
			return
		}

		if o.Metadata == nil {
			o.Metadata = make(map[string]string, len(md))
		}

		maps.Copy(o.Metadata, md)
	}
}

// ApplyProduceOptions folds opts over the defaults.
func ApplyProduceOptions(opts ...ProduceOption) ProduceOptions {
	o := ProduceOptions{Durability: Persistent}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	return o
}

// ProduceOptionsFromMap translates loosely typed options (headers, query strings).
// Recognised keys are durability, partition_key and expiry. Anything else is ignored.
func ProduceOptionsFromMap(raw map[string]string) []ProduceOption {
	var opts []ProduceOption

	for k, v := range raw {
		v = strings.TrimSpace(v)

		switch normalizeKey(k) {
		case "durability":
			switch strings.ToLower(v) {
			case "transient", "memory":
				opts = append(opts, WithDurability(Transient))
			case "persistent", "disk":
				opts = append(opts, WithDurability(Persistent))
			}
		case "partition_key", "partitionkey":
			if v != "" {
				opts = append(opts, WithPartitionKey(v))
			}
		case "expiry", "ttl":
			if d, ok := parseTTL(v); ok {
				opts = append(opts, WithExpiry(d))
			}
		}
	}

	return opts
}

func parseTTL(v string) (time.Duration, bool) {
	if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond, true
	}

	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false
	}

	return d, true
}

// SubscribeOptions configure a subscription.
type SubscribeOptions struct {
	// ConsumerGroup shares deliveries among subscriptions with the same group.
	ConsumerGroup string
	// Prefetch bounds the messages buffered ahead of the handler.
	Prefetch int
	// AckWindow is the lease a handler has to settle a message before it is redelivered.
	// Zero disables the lease.
	AckWindow time.Duration
	// ErrorHandler, when set, receives handler faults and dispatch continues.
	ErrorHandler func(error)
	Logger       logger.Logger
	// Lifetime, when set, bounds the subscription; the ctx given to Subscribe then only bounds
	// the registration.
	Lifetime context.Context
}

// LifetimeOr returns the context the subscription runs under: Lifetime, or ctx when unset.
func (o SubscribeOptions) LifetimeOr(ctx context.Context) context.Context {
	if o.Lifetime != nil {
		return o.Lifetime
	}

	return ctx
}

type SubscribeOption func(*SubscribeOptions)

func WithConsumerGroup(group string) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.ConsumerGroup = group
	}
}

func WithPrefetch(n int) SubscribeOption {
	return func(o *SubscribeOptions) {
		if n > 0 {
			o.Prefetch = n
		}
	}
}

func WithAckWindow(d time.Duration) SubscribeOption {
	return func(o *SubscribeOptions) {
		if d >= 0 {
			o.AckWindow = d
		}
	}
}

func WithErrorHandler(fn func(error)) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.ErrorHandler = fn
	}
}

// WithLifetime ties the subscription to ctx instead of the ctx passed to Subscribe.
func WithLifetime(ctx context.Context) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Lifetime = ctx
	}
}

func WithSubscriptionLogger(l logger.Logger) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Logger = l
	}
}

// ApplySubscribeOptions folds opts over the defaults.
func ApplySubscribeOptions(opts ...SubscribeOption) SubscribeOptions {
	o := SubscribeOptions{
		Prefetch:  defaultPrefetch,
		AckWindow: defaultAckWindow,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	o.Logger = logger.OrNop(o.Logger)

	return o
}
