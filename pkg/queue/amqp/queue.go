// Package amqp is the AMQP 0-9-1 (RabbitMQ) queue driver.
//
// A topic maps to a durable queue of the same name, published through the default exchange or
// through Config.Exchange. Publishes run in confirm mode, so Produce returns only after the
// broker took responsibility for the message. Each subscription consumes on its own channel;
// a consumer group becomes the consumer tag prefix and members of a group compete for messages.
// Requeue and dead-lettering are native.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/architeacher/svc-messaging/pkg/logger"
	"github.com/architeacher/svc-messaging/pkg/queue"
)

const (
	DriverName = "amqp"

	partitionKeyHeader  = "x-partition-key"
	deliveryCountHeader = "x-delivery-count"
	maxTopicLength      = 255
)

var (
	errPublishNacked = errors.New("broker nacked publish")
	errNotConnected  = errors.New("not connected to RabbitMQ")
)

// Queue implements queue.Queue on top of RabbitMQ.
type Queue struct {
	config            Config
	dial              dialFunc
	publishingTimeout time.Duration
	logger            logger.Logger

	mutex     sync.RWMutex
	conn      connection
	publisher *ChannelWrapper

	subs   queue.SubscriptionSet
	closed atomic.Bool
}

// NewRabbitMQQueue creates a RabbitMQ queue. The connection is established lazily.
func NewRabbitMQQueue(config Config, opts ...Option) *Queue {
	q := &Queue{
		config:            config,
		dial:              dialAMQP,
		publishingTimeout: publishingTimeout,
		logger:            logger.Nop(),
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Factory builds an AMQP queue from connection settings.
func Factory(_ context.Context, settings queue.ConnectionSettings, deps queue.Dependencies) (queue.Queue, error) {
	cfg, err := ConfigFromSettings(settings)
	if err != nil {
		return nil, err
	}

	return NewRabbitMQQueue(cfg, WithLogger(deps.Logger)), nil
}

func (q *Queue) Driver() string {
	return DriverName
}

// Connect establishes the connection and the confirm-mode publishing channel.
func (q *Queue) Connect() error {
	_, err := q.ensureConnected()

	return err
}

func (q *Queue) ensureConnected() (*ChannelWrapper, error) {
	if q.closed.Load() {
		return nil, queue.ErrQueueClosed
	}

	q.mutex.RLock()
	if q.conn != nil && !q.conn.IsClosed() && q.publisher != nil && !q.publisher.isClosed() {
		publisher := q.publisher
		q.mutex.RUnlock()

		return publisher, nil
	}
	q.mutex.RUnlock()

	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.conn != nil && !q.conn.IsClosed() && q.publisher != nil && !q.publisher.isClosed() {
		return q.publisher, nil
	}

	if q.conn == nil || q.conn.IsClosed() {
		conn, err := q.dial(getURL(q.config), q.config.amqpConfig())
		if err != nil {
			return nil, queue.ConnectionError(fmt.Errorf("failed to connect to RabbitMQ: %w", err))
		}

		q.conn = conn
		go q.watch(conn, conn.NotifyClose(make(chan *amqp.Error, 1)))
	}

	amqpCh, err := q.conn.Channel()
	if err != nil {
		return nil, queue.ConnectionError(fmt.Errorf("failed to open channel: %w", err))
	}

	if err := amqpCh.Confirm(false); err != nil {
		_ = amqpCh.Close()

		return nil, queue.ConnectionError(fmt.Errorf("failed to enable publisher confirms: %w", err))
	}

	q.publisher = newChannelWrapper(amqpCh)

	q.logger.Info().Str("host", q.config.Host).Msg("successfully connected to RabbitMQ")

	return q.publisher, nil
}

// watch fails every subscription when the connection drops unexpectedly.
func (q *Queue) watch(conn connection, closes <-chan *amqp.Error) {
	amqpErr, ok := <-closes
	if !ok || amqpErr == nil {
		return
	}

	q.logger.Error().Err(amqpErr).Msg("RabbitMQ connection lost")

	q.mutex.Lock()
	if q.conn == conn {
		q.conn = nil
		q.publisher = nil
	}
	q.mutex.Unlock()

	q.subs.FailAll(amqpErr)
}

// IsConnected returns true if connected to RabbitMQ.
func (q *Queue) IsConnected() bool {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	return !q.closed.Load() && q.conn != nil && !q.conn.IsClosed()
}

func validateTopic(topic string) error {
	if err := queue.ValidateTopic(topic); err != nil {
		return err
	}

	if len(topic) > maxTopicLength || strings.HasPrefix(topic, "amq.") {
		return queue.ErrInvalidTopic
	}

	return nil
}

func (q *Queue) Produce(ctx context.Context, topic string, data []byte, opts ...queue.ProduceOption) (string, error) {
	if err := validateTopic(topic); err != nil {
		return "", queue.NewError(DriverName, "produce", topic, err)
	}

	publisher, err := q.ensureConnected()
	if err != nil {
		return "", queue.NewError(DriverName, "produce", topic, err)
	}

	if err := publisher.ensureTopology(topic, q.config); err != nil {
		return "", queue.NewError(DriverName, "produce", topic, q.classify(err))
	}

	o := queue.ApplyProduceOptions(opts...)
	id := uuid.NewString()

	publishing := amqp.Publishing{
		ContentType:  "application/octet-stream",
		MessageId:    id,
		Body:         data,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      publishingHeaders(o),
	}

	if o.Durability == queue.Transient {
		publishing.DeliveryMode = amqp.Transient
	}

	if o.Expiry > 0 {
		publishing.Expiration = strconv.FormatInt(o.Expiry.Milliseconds(), 10)
	}

	publishCtx, cancel := context.WithTimeout(ctx, q.publishingTimeout)
	defer cancel()

	if err := publisher.publish(publishCtx, q.config.Exchange, topic, publishing); err != nil {
		return "", queue.NewError(DriverName, "produce", topic, q.classify(err))
	}

	return id, nil
}

// classify maps broker and channel failures onto the queue error taxonomy.
func (q *Queue) classify(err error) error {
	var amqpErr *amqp.Error

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, amqp.ErrClosed):
		q.dropPublisher()

		return queue.ConnectionError(err)
	case errors.As(err, &amqpErr):
		if amqpErr.Code == amqp.AccessRefused || amqpErr.Code == amqp.NotFound || amqpErr.Code == amqp.PreconditionFailed {
			return fmt.Errorf("%w: %w", queue.ErrInvalidArgument, err)
		}

		q.dropPublisher()

		return queue.ConnectionError(err)
	case errors.Is(err, errPublishNacked):
		return queue.ConnectionError(err)
	default:
		return err
	}
}

// dropPublisher forgets a dead publishing channel so the next call reopens it.
func (q *Queue) dropPublisher() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.publisher != nil {
		_ = q.publisher.Close()
		q.publisher = nil
	}
}

func (q *Queue) Subscribe(ctx context.Context, topic string, handler queue.Handler, opts ...queue.SubscribeOption) (*queue.Subscription, error) {
	if err := validateTopic(topic); err != nil {
		return nil, queue.NewError(DriverName, "subscribe", topic, err)
	}

	if handler == nil {
		return nil, queue.NewError(DriverName, "subscribe", topic, queue.ErrNilHandler)
	}

	if _, err := q.ensureConnected(); err != nil {
		return nil, queue.NewError(DriverName, "subscribe", topic, err)
	}

	o := queue.ApplySubscribeOptions(append([]queue.SubscribeOption{queue.WithSubscriptionLogger(q.logger)}, opts...)...)

	q.mutex.RLock()
	conn := q.conn
	q.mutex.RUnlock()

	if conn == nil {
		return nil, queue.NewError(DriverName, "subscribe", topic, queue.ConnectionError(errNotConnected))
	}

	amqpCh, err := conn.Channel()
	if err != nil {
		return nil, queue.NewError(DriverName, "subscribe", topic, queue.ConnectionError(err))
	}

	ch := newChannelWrapper(amqpCh)

	var (
		sub      *queue.Subscription
		stopping atomic.Bool
		loopDone = make(chan struct{})
	)

	consumerTag := consumerTagFor(o.ConsumerGroup)

	sub = queue.NewSubscription(topic, handler, o, func(ctx context.Context) error {
		stopping.Store(true)

		cancelErr := ch.cancel(consumerTag)

		select {
		case <-loopDone:
		case <-ctx.Done():
		}

		q.subs.Remove(sub)

		closeErr := ch.Close()
		if errors.Is(closeErr, amqp.ErrClosed) {
			closeErr = nil
		}

		return errors.Join(cancelErr, closeErr)
	})

	if err := q.subs.Add(sub); err != nil {
		_ = ch.Close()

		return nil, queue.NewError(DriverName, "subscribe", topic, err)
	}

	fail := func(err error) (*queue.Subscription, error) {
		q.subs.Remove(sub)
		_ = ch.Close()

		return nil, queue.NewError(DriverName, "subscribe", topic, q.classify(err))
	}

	if err := ch.ensureTopology(topic, q.config); err != nil {
		return fail(err)
	}

	deliveries, err := ch.consume(topic, consumerTag, o.Prefetch)
	if err != nil {
		return fail(err)
	}

	if err := sub.Start(o.LifetimeOr(ctx)); err != nil {
		return fail(err)
	}

	go q.consume(sub, deliveries, &stopping, loopDone)

	return sub, nil
}

func consumerTagFor(group string) string {
	if group == "" {
		return "svc-messaging-" + uuid.NewString()
	}

	return group + "-" + uuid.NewString()
}

func (q *Queue) consume(sub *queue.Subscription, deliveries <-chan amqp.Delivery, stopping *atomic.Bool, done chan<- struct{}) {
	defer close(done)

	ctx := context.Background()

	for d := range deliveries {
		// Once closing, Deliver releases the message; keep draining so the channel can shut down.
		_ = sub.Deliver(ctx, newMessage(sub.Topic(), d))
	}

	if !stopping.Load() {
		sub.Fail(errors.New("RabbitMQ delivery channel closed"))
	}
}

func newMessage(topic string, d amqp.Delivery) *queue.Message {
	id := d.MessageId
	if id == "" {
		id = strconv.FormatUint(d.DeliveryTag, 10)
	}

	msg := queue.NewMessage(topic, id, d.Body, &acknowledger{delivery: d})
	msg.Metadata = make(map[string]string, len(d.Headers))
	msg.DeliveryCount = deliveryCount(d)

	if !d.Timestamp.IsZero() {
		msg.Timestamp = d.Timestamp
	}

	if d.Expiration != "" {
		if ms, err := strconv.ParseInt(d.Expiration, 10, 64); err == nil && !d.Timestamp.IsZero() {
			msg.ExpiresAt = d.Timestamp.Add(time.Duration(ms) * time.Millisecond)
		}
	}

	for k, v := range d.Headers {
		s, ok := v.(string)
		if !ok {
			continue
		}

		if k == partitionKeyHeader {
			msg.PartitionKey = s

			continue
		}

		msg.Metadata[k] = s
	}

	return msg
}

func deliveryCount(d amqp.Delivery) int {
	switch n := d.Headers[deliveryCountHeader].(type) {
	case int64:
		return int(n) + 1
	case int32:
		return int(n) + 1
	}

	if d.Redelivered {
		return 2
	}

	return 1
}

// delivery is the part of amqp.Delivery an acknowledger needs.
type delivery interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type acknowledger struct {
	delivery delivery
}

func (a *acknowledger) Ack(context.Context) error {
	if err := a.delivery.Ack(false); err != nil {
		return queue.ConnectionError(err)
	}

	return nil
}

func (a *acknowledger) Nack(_ context.Context, requeue bool) error {
	if err := a.delivery.Nack(false, requeue); err != nil {
		return queue.ConnectionError(err)
	}

	return nil
}

func (q *Queue) Unsubscribe(ctx context.Context, sub *queue.Subscription) error {
	if sub == nil {
		return nil
	}

	return sub.Close(ctx)
}

// Close closes every subscription and then the connection.
func (q *Queue) Close(ctx context.Context) error {
	if q.closed.Swap(true) {
		return nil
	}

	subsErr := q.subs.CloseAll(ctx)

	q.mutex.Lock()
	defer q.mutex.Unlock()

	var errs []error

	if q.publisher != nil {
		if err := q.publisher.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}

		q.publisher = nil
	}

	if q.conn != nil && !q.conn.IsClosed() {
		if err := q.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}

	q.conn = nil

	return errors.Join(append([]error{subsErr}, errs...)...)
}

func publishingHeaders(o queue.ProduceOptions) amqp.Table {
	headers := make(amqp.Table, len(o.Metadata)+1)
	for k, v := range o.Metadata {
		headers[k] = v
	}

	if o.PartitionKey != "" {
		headers[partitionKeyHeader] = o.PartitionKey
	}

	return headers
}
