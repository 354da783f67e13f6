// Package messaging is the resilient facade over a queue.Queue: produce and subscribe calls run
// through pipelines resolved by feature key, and handlers can be decorated with middleware.
package messaging

import (
	"context"
	"time"

	"github.com/architeacher/svc-messaging/pkg/logger"
	"github.com/architeacher/svc-messaging/pkg/queue"
	"github.com/architeacher/svc-messaging/pkg/resilience"
)

const (
	FeatureQueue     = "Queue"
	FeatureProduce   = "Produce"
	FeatureSubscribe = "Subscribe"
)

// Recorder receives produce and delivery measurements.
type Recorder interface {
	RecordProduce(ctx context.Context, topic string, elapsed time.Duration, err error)
	RecordDelivery(ctx context.Context, topic, outcome string, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordProduce(context.Context, string, time.Duration, error)   {}
func (nopRecorder) RecordDelivery(context.Context, string, string, time.Duration) {}

// Client is safe for concurrent use.
type Client struct {
	queue    queue.Queue
	manager  *resilience.Manager
	queueKey []string
	recorder Recorder
	logger   logger.Logger
}

type Option func(*Client)

// WithQueueKey replaces the queue-level feature key, ["Queue"] by default.
func WithQueueKey(segments ...string) Option {
	return func(c *Client) {
		c.queueKey = segments
	}
}

func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.recorder = r
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.logger = logger.OrNop(l)
	}
}

// NewManager builds a resilience manager that only retries transient queue failures.
func NewManager(opts ...resilience.ManagerOption) (*resilience.Manager, error) {
	return resilience.NewManager(append([]resilience.ManagerOption{resilience.WithRetryPredicate(queue.IsRetryable)}, opts...)...)
}

// New wraps q. A nil manager runs every call unwrapped.
func New(q queue.Queue, manager *resilience.Manager, opts ...Option) *Client {
	c := &Client{
		queue:    q,
		manager:  manager,
		queueKey: []string{FeatureQueue},
		recorder: nopRecorder{},
		logger:   logger.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) Queue() queue.Queue {
	return c.queue
}

func (c *Client) IsConnected() bool {
	return c.queue.IsConnected()
}

// Pipeline returns the pipeline guarding operation on topic, or nil.
func (c *Client) Pipeline(operation, topic string) *resilience.Pipeline {
	return c.manager.ComposePipeline(c.queueKey, []string{operation, topic})
}

// Produce publishes through the ["Queue", "Produce", topic] pipeline.
func (c *Client) Produce(ctx context.Context, topic string, data []byte, opts ...queue.ProduceOption) (string, error) {
	start := time.Now()

	id, err := resilience.ExecuteValue(ctx, c.Pipeline(FeatureProduce, topic), func(ctx context.Context) (string, error) {
		return c.queue.Produce(ctx, topic, data, opts...)
	})

	c.recorder.RecordProduce(ctx, topic, time.Since(start), err)

	if err != nil {
		c.logger.Debug().Err(err).Str("topic", topic).Msg("produce failed")

		return "", err
	}

	return id, nil
}

// Subscribe registers handler through the ["Queue", "Subscribe", topic] pipeline. Each
// registration attempt is bounded by the pipeline timeout; the subscription itself lives until
// ctx ends or it is unsubscribed. Deliveries are recorded with the client's Recorder.
func (c *Client) Subscribe(ctx context.Context, topic string, handler queue.Handler, opts ...queue.SubscribeOption) (*queue.Subscription, error) {
	wrapped := Instrument(c.recorder)(handler)
	opts = append([]queue.SubscribeOption{queue.WithLifetime(ctx)}, opts...)

	return resilience.ExecuteValue(ctx, c.Pipeline(FeatureSubscribe, topic), func(attemptCtx context.Context) (*queue.Subscription, error) {
		return c.queue.Subscribe(attemptCtx, topic, wrapped, opts...)
	})
}

func (c *Client) Unsubscribe(ctx context.Context, sub *queue.Subscription) error {
	return c.queue.Unsubscribe(ctx, sub)
}

func (c *Client) Close(ctx context.Context) error {
	return c.queue.Close(ctx)
}
