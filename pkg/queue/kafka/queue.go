// Package kafka is the log-broker queue driver built on segmentio/kafka-go.
//
// Consumer groups are Kafka consumer groups; a subscription without a group gets a private
// group that starts at the end of the log. Acknowledging commits the message offset. Kafka has
// no per-message negative acknowledgement, so a requeue appends a copy with a bumped delivery
// count and commits the original, and a reject without requeue moves the message to the
// dead-letter topic when one is configured.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/architeacher/svc-messaging/pkg/logger"
	"github.com/architeacher/svc-messaging/pkg/queue"
)

const (
	DriverName = "kafka"

	headerMessageID     = "message-id"
	headerDeliveryCount = "delivery-count"
	headerExpiresAt     = "expires-at"

	maxTopicLength = 249
)

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type (
	writerFactory func(cfg Config, acks kafka.RequiredAcks) writer
	readerFactory func(cfg Config, topic, group string, start int64, prefetch int) reader
)

func newKafkaWriter(cfg Config, acks kafka.RequiredAcks) writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           acks,
		AllowAutoTopicCreation: true,
		Transport:              &kafka.Transport{ClientID: cfg.ClientID},
	}
}

func newKafkaReader(cfg Config, topic, group string, start int64, prefetch int) reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        group,
		StartOffset:    start,
		QueueCapacity:  prefetch,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        cfg.MaxWait,
		CommitInterval: 0,
	})
}

// Queue implements queue.Queue using Kafka consumer groups.
type Queue struct {
	config    Config
	newWriter writerFactory
	newReader readerFactory
	logger    logger.Logger

	mu        sync.Mutex
	durable   writer
	transient writer

	subs   queue.SubscriptionSet
	closed atomic.Bool
}

type Option func(*Queue)

func WithLogger(l logger.Logger) Option {
	return func(q *Queue) {
		q.logger = logger.OrNop(l)
	}
}

func withFactories(w writerFactory, r readerFactory) Option {
	return func(q *Queue) {
		q.newWriter = w
		q.newReader = r
	}
}

func New(cfg Config, opts ...Option) *Queue {
	q := &Queue{
		config:    cfg,
		newWriter: newKafkaWriter,
		newReader: newKafkaReader,
		logger:    logger.Nop(),
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Factory builds a Kafka queue from connection settings.
func Factory(_ context.Context, settings queue.ConnectionSettings, deps queue.Dependencies) (queue.Queue, error) {
	cfg, err := ConfigFromSettings(settings)
	if err != nil {
		return nil, err
	}

	return New(cfg, WithLogger(deps.Logger)), nil
}

func (q *Queue) Driver() string {
	return DriverName
}

// IsConnected reports whether the queue is open. kafka-go dials lazily per request, so there is
// no long-lived connection to inspect.
func (q *Queue) IsConnected() bool {
	return !q.closed.Load()
}

func validateTopic(topic string) error {
	if err := queue.ValidateTopic(topic); err != nil {
		return err
	}

	if len(topic) > maxTopicLength || topic == "." || topic == ".." {
		return queue.ErrInvalidTopic
	}

	for _, r := range topic {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return queue.ErrInvalidTopic
		}
	}

	return nil
}

func (q *Queue) writerFor(d queue.Durability) writer {
	q.mu.Lock()
	defer q.mu.Unlock()

	if d == queue.Transient {
		if q.transient == nil {
			q.transient = q.newWriter(q.config, kafka.RequireOne)
		}

		return q.transient
	}

	if q.durable == nil {
		q.durable = q.newWriter(q.config, kafka.RequireAll)
	}

	return q.durable
}

func (q *Queue) Produce(ctx context.Context, topic string, data []byte, opts ...queue.ProduceOption) (string, error) {
	if err := validateTopic(topic); err != nil {
		return "", queue.NewError(DriverName, "produce", topic, err)
	}

	if q.closed.Load() {
		return "", queue.NewError(DriverName, "produce", topic, queue.ErrQueueClosed)
	}

	o := queue.ApplyProduceOptions(opts...)
	now := time.Now()
	id := uuid.NewString()

	msg := kafka.Message{
		Topic: topic,
		Value: data,
		Time:  now,
		Headers: []kafka.Header{
			{Key: headerMessageID, Value: []byte(id)},
		},
	}

	if o.PartitionKey != "" {
		msg.Key = []byte(o.PartitionKey)
	}

	if expires := o.ExpiresAt(now); !expires.IsZero() {
		msg.Headers = append(msg.Headers, kafka.Header{Key: headerExpiresAt, Value: []byte(expires.UTC().Format(time.RFC3339Nano))})
	}

	for k, v := range o.Metadata {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := q.write(ctx, q.writerFor(o.Durability), msg); err != nil {
		return "", queue.NewError(DriverName, "produce", topic, err)
	}

	return id, nil
}

func (q *Queue) write(ctx context.Context, w writer, msgs ...kafka.Message) error {
	err := w.WriteMessages(ctx, msgs...)
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var kafkaErr kafka.Error
	if errors.As(err, &kafkaErr) && !kafkaErr.Temporary() {
		return fmt.Errorf("%w: %w", queue.ErrInvalidArgument, err)
	}

	return queue.ConnectionError(err)
}

func (q *Queue) Subscribe(ctx context.Context, topic string, handler queue.Handler, opts ...queue.SubscribeOption) (*queue.Subscription, error) {
	if err := validateTopic(topic); err != nil {
		return nil, queue.NewError(DriverName, "subscribe", topic, err)
	}

	if handler == nil {
		return nil, queue.NewError(DriverName, "subscribe", topic, queue.ErrNilHandler)
	}

	if q.closed.Load() {
		return nil, queue.NewError(DriverName, "subscribe", topic, queue.ErrQueueClosed)
	}

	o := queue.ApplySubscribeOptions(append([]queue.SubscribeOption{queue.WithSubscriptionLogger(q.logger)}, opts...)...)

	group, start := o.ConsumerGroup, kafka.FirstOffset
	if group == "" {
		group, start = q.config.ClientID+"-"+uuid.NewString(), kafka.LastOffset
	}

	r := q.newReader(q.config, topic, group, start, o.Prefetch)

	loopCtx, stop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})

	var sub *queue.Subscription
	sub = queue.NewSubscription(topic, handler, o, func(ctx context.Context) error {
		stop()

		select {
		case <-loopDone:
		case <-ctx.Done():
		}

		q.subs.Remove(sub)

		return r.Close()
	})

	if err := q.subs.Add(sub); err != nil {
		stop()
		_ = r.Close()

		return nil, queue.NewError(DriverName, "subscribe", topic, err)
	}

	if err := sub.Start(o.LifetimeOr(ctx)); err != nil {
		stop()
		q.subs.Remove(sub)
		_ = r.Close()

		return nil, queue.NewError(DriverName, "subscribe", topic, err)
	}

	go q.fetch(loopCtx, loopDone, sub, r)

	return sub, nil
}

func (q *Queue) fetch(ctx context.Context, done chan<- struct{}, sub *queue.Subscription, r reader) {
	defer close(done)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("kafka reader closed: %w", err)
			}

			sub.Fail(err)

			return
		}

		if err := sub.Deliver(ctx, q.toMessage(sub.Topic(), m, r)); err != nil {
			return
		}
	}
}

func (q *Queue) toMessage(topic string, m kafka.Message, r reader) *queue.Message {
	id := m.Topic + ":" + strconv.Itoa(m.Partition) + ":" + strconv.FormatInt(m.Offset, 10)
	deliveries := 1
	metadata := make(map[string]string, len(m.Headers))

	var expiresAt time.Time

	for _, h := range m.Headers {
		switch h.Key {
		case headerMessageID:
			id = string(h.Value)
		case headerDeliveryCount:
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
				deliveries = n
			}
		case headerExpiresAt:
			if ts, err := time.Parse(time.RFC3339Nano, string(h.Value)); err == nil {
				expiresAt = ts
			}
		default:
			metadata[h.Key] = string(h.Value)
		}
	}

	msg := queue.NewMessage(topic, id, m.Value, &acknowledger{q: q, reader: r, message: m, deliveries: deliveries})
	msg.Metadata = metadata
	msg.PartitionKey = string(m.Key)
	msg.DeliveryCount = deliveries
	msg.ExpiresAt = expiresAt

	if !m.Time.IsZero() {
		msg.Timestamp = m.Time
	}

	return msg
}

type acknowledger struct {
	q          *Queue
	reader     reader
	message    kafka.Message
	deliveries int
}

func (a *acknowledger) Ack(ctx context.Context) error {
	if err := a.reader.CommitMessages(ctx, a.message); err != nil {
		return queue.ConnectionError(err)
	}

	return nil
}

// Nack appends a copy (to the same topic or the dead-letter topic) before committing the
// original offset.
func (a *acknowledger) Nack(ctx context.Context, requeue bool) error {
	target := a.message.Topic
	count := a.deliveries

	switch {
	case requeue:
		count++
	case a.q.config.DeadLetterTopic != "":
		target = a.q.config.DeadLetterTopic
	default:
		return a.Ack(ctx)
	}

	headers := make([]kafka.Header, 0, len(a.message.Headers)+1)
	for _, h := range a.message.Headers {
		if h.Key != headerDeliveryCount {
			headers = append(headers, h)
		}
	}

	headers = append(headers, kafka.Header{Key: headerDeliveryCount, Value: []byte(strconv.Itoa(count))})

	republish := kafka.Message{
		Topic:   target,
		Key:     a.message.Key,
		Value:   a.message.Value,
		Time:    a.message.Time,
		Headers: headers,
	}

	if err := a.q.write(ctx, a.q.writerFor(queue.Persistent), republish); err != nil {
		return err
	}

	return a.Ack(ctx)
}

func (q *Queue) Unsubscribe(ctx context.Context, sub *queue.Subscription) error {
	if sub == nil {
		return nil
	}

	return sub.Close(ctx)
}

func (q *Queue) Close(ctx context.Context) error {
	if q.closed.Swap(true) {
		return nil
	}

	errs := []error{q.subs.CloseAll(ctx)}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, w := range []writer{q.durable, q.transient} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}

	q.durable, q.transient = nil, nil

	return errors.Join(errs...)
}
