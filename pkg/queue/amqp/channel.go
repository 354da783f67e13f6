package amqp

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpChannel is the subset of *amqp.Channel the driver uses, so tests can mock it.
//
//nolint:interfacebloat // mirrors the amqp091 channel surface the driver needs
type amqpChannel interface {
	io.Closer

	Cancel(consumer string, noWait bool) error
	Confirm(noWait bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
}

// connection is the subset of *amqp.Connection the driver uses.
type connection interface {
	io.Closer

	Channel() (amqpChannel, error)
	IsClosed() bool
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (amqpChannel, error) {
	return c.Connection.Channel()
}

type dialFunc func(url string, cfg amqp.Config) (connection, error)

func dialAMQP(url string, cfg amqp.Config) (connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}

	return amqpConnection{Connection: conn}, nil
}

// ChannelWrapper serialises operations on one AMQP channel and remembers the topology it
// declared, so repeated produces to the same topic do not redeclare it.
type ChannelWrapper struct {
	amqpChan amqpChannel

	mutex    sync.Mutex
	closed   atomic.Bool
	declared map[string]struct{}
}

func newChannelWrapper(ch amqpChannel) *ChannelWrapper {
	return &ChannelWrapper{
		amqpChan: ch,
		declared: make(map[string]struct{}),
	}
}

// Close closes the channel once; later calls return amqp.ErrClosed.
func (ch *ChannelWrapper) Close() error {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	if ch.closed.Swap(true) {
		return amqp.ErrClosed
	}

	return ch.amqpChan.Close()
}

func (ch *ChannelWrapper) isClosed() bool {
	return ch.closed.Load()
}

// ensureTopology declares the topic queue (and its dead-letter queue and exchange binding when
// configured) once per channel.
func (ch *ChannelWrapper) ensureTopology(topic string, cfg Config) error {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	if _, ok := ch.declared[topic]; ok {
		return nil
	}

	var args amqp.Table

	if cfg.DeadLetterTopic != "" && cfg.DeadLetterTopic != topic {
		if _, err := ch.amqpChan.QueueDeclare(cfg.DeadLetterTopic, true, false, false, false, nil); err != nil {
			return err
		}

		args = amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": cfg.DeadLetterTopic,
		}
	}

	if _, err := ch.amqpChan.QueueDeclare(topic, true, false, false, false, args); err != nil {
		return err
	}

	if cfg.Exchange != "" {
		if err := ch.amqpChan.ExchangeDeclare(cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return err
		}

		if err := ch.amqpChan.QueueBind(topic, topic, cfg.Exchange, false, nil); err != nil {
			return err
		}
	}

	ch.declared[topic] = struct{}{}

	return nil
}

// publish sends msg and waits for the broker confirm when the channel is in confirm mode.
func (ch *ChannelWrapper) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	ch.mutex.Lock()
	confirmation, err := ch.amqpChan.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	ch.mutex.Unlock()

	if err != nil {
		return err
	}

	if confirmation == nil {
		return nil
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return err
	}

	if !acked {
		return errPublishNacked
	}

	return nil
}

func (ch *ChannelWrapper) consume(queueName, consumer string, prefetch int) (<-chan amqp.Delivery, error) {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	if err := ch.amqpChan.Qos(prefetch, 0, false); err != nil {
		return nil, err
	}

	return ch.amqpChan.Consume(queueName, consumer, false, false, false, false, nil)
}

func (ch *ChannelWrapper) cancel(consumer string) error {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	if ch.isClosed() {
		return nil
	}

	return ch.amqpChan.Cancel(consumer, false)
}
