// Package mqtt is the MQTT 3.1.1 queue driver built on the Eclipse Paho client.
//
// MQTT carries neither message identifiers nor headers, so payloads travel inside a CloudEvents
// envelope. Consumer groups map to shared subscriptions ($share/<group>/<topic>). The protocol
// has no negative acknowledgement: a requeue republishes the envelope with its delivery count
// bumped and then acknowledges the original.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/architeacher/svc-messaging/pkg/logger"
	"github.com/architeacher/svc-messaging/pkg/queue"
	"github.com/architeacher/svc-messaging/pkg/queue/envelope"
)

const (
	DriverName = "mqtt"

	source         = "svc-messaging/mqtt"
	maxTopicLength = 65535
	disconnectWait = 250 // ms
)

var errNotConnected = errors.New("mqtt client not connected")

type clientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Queue implements queue.Queue over an MQTT broker.
type Queue struct {
	config    Config
	newClient clientFactory
	logger    logger.Logger

	mutex  sync.Mutex
	client mqtt.Client

	subs   queue.SubscriptionSet
	closed atomic.Bool
}

type Option func(*Queue)

func WithLogger(l logger.Logger) Option {
	return func(q *Queue) {
		q.logger = logger.OrNop(l)
	}
}

func withClientFactory(f clientFactory) Option {
	return func(q *Queue) {
		q.newClient = f
	}
}

func New(cfg Config, opts ...Option) *Queue {
	q := &Queue{
		config:    cfg,
		newClient: mqtt.NewClient,
		logger:    logger.Nop(),
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Factory builds an MQTT queue from connection settings.
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

func (q *Queue) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		SetClientID(q.config.ClientID).
		SetUsername(q.config.Username).
		SetPassword(q.config.Password).
		SetCleanSession(q.config.CleanSession).
		SetKeepAlive(q.config.KeepAlive).
		SetConnectTimeout(q.config.ConnectTimeout).
		SetAutoReconnect(false).
		SetOrderMatters(true).
		SetAutoAckDisabled(true).
		SetConnectionLostHandler(q.onConnectionLost)

	for _, server := range q.config.Servers {
		opts.AddBroker(server)
	}

	return opts
}

func (q *Queue) onConnectionLost(_ mqtt.Client, err error) {
	if err == nil {
		err = errNotConnected
	}

	q.logger.Error().Err(err).Str("client_id", q.config.ClientID).Msg("MQTT connection lost")

	q.subs.FailAll(err)
}

func (q *Queue) ensureConnected(ctx context.Context) (mqtt.Client, error) {
	if q.closed.Load() {
		return nil, queue.ErrQueueClosed
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.client != nil && q.client.IsConnectionOpen() {
		return q.client, nil
	}

	client := q.newClient(q.clientOptions())

	if err := wait(ctx, client.Connect()); err != nil {
		return nil, queue.ConnectionError(fmt.Errorf("failed to connect to MQTT broker: %w", err))
	}

	q.client = client

	q.logger.Info().Str("client_id", q.config.ClientID).Msg("successfully connected to MQTT broker")

	return client, nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) IsConnected() bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return !q.closed.Load() && q.client != nil && q.client.IsConnectionOpen()
}

// validateTopic checks a concrete topic name. Wildcards are only valid in subscriptions.
func validateTopic(topic string) error {
	if err := queue.ValidateTopic(topic); err != nil {
		return err
	}

	if len(topic) > maxTopicLength || strings.ContainsAny(topic, "+#") || strings.HasPrefix(topic, "$") {
		return queue.ErrInvalidTopic
	}

	return nil
}

// validateFilter checks a subscription filter: "+" must fill a whole level and "#" must be
// the last level.
func validateFilter(filter string) error {
	if err := queue.ValidateTopic(filter); err != nil {
		return err
	}

	if len(filter) > maxTopicLength || strings.HasPrefix(filter, "$") {
		return queue.ErrInvalidTopic
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#" && i != len(levels)-1:
			return queue.ErrInvalidTopic
		case level != "#" && level != "+" && strings.ContainsAny(level, "+#"):
			return queue.ErrInvalidTopic
		}
	}

	return nil
}

func (q *Queue) Produce(ctx context.Context, topic string, data []byte, opts ...queue.ProduceOption) (string, error) {
	if err := validateTopic(topic); err != nil {
		return "", queue.NewError(DriverName, "produce", topic, err)
	}

	client, err := q.ensureConnected(ctx)
	if err != nil {
		return "", queue.NewError(DriverName, "produce", topic, err)
	}

	o := queue.ApplyProduceOptions(opts...)

	qos := q.config.QoS
	if o.Durability == queue.Transient {
		qos = 0
	}

	env := envelope.FromProduce(source, topic, data, o)

	if err := q.publish(ctx, client, topic, qos, env); err != nil {
		return "", queue.NewError(DriverName, "produce", topic, err)
	}

	return env.ID, nil
}

func (q *Queue) publish(ctx context.Context, client mqtt.Client, topic string, qos byte, env envelope.Envelope) error {
	payload, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("%w: %w", queue.ErrInvalidArgument, err)
	}

	if err := wait(ctx, client.Publish(topic, qos, false, payload)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return queue.ConnectionError(err)
	}

	return nil
}

func sharedFilter(topic, group string) string {
	if group == "" {
		return topic
	}

	return "$share/" + group + "/" + topic
}

func (q *Queue) Subscribe(ctx context.Context, topic string, handler queue.Handler, opts ...queue.SubscribeOption) (*queue.Subscription, error) {
	if err := validateFilter(topic); err != nil {
		return nil, queue.NewError(DriverName, "subscribe", topic, err)
	}

	if handler == nil {
		return nil, queue.NewError(DriverName, "subscribe", topic, queue.ErrNilHandler)
	}

	client, err := q.ensureConnected(ctx)
	if err != nil {
		return nil, queue.NewError(DriverName, "subscribe", topic, err)
	}

	o := queue.ApplySubscribeOptions(append([]queue.SubscribeOption{queue.WithSubscriptionLogger(q.logger)}, opts...)...)
	filter := sharedFilter(topic, o.ConsumerGroup)

	received := make(chan mqtt.Message, q.config.MaxInflight)
	stop := make(chan struct{})
	pumpDone := make(chan struct{})

	var sub *queue.Subscription
	sub = queue.NewSubscription(topic, handler, o, func(ctx context.Context) error {
		err := wait(ctx, client.Unsubscribe(filter))

		close(stop)
		<-pumpDone

		q.subs.Remove(sub)

		if err != nil && !client.IsConnectionOpen() {
			return nil
		}

		return err
	})

	if err := q.subs.Add(sub); err != nil {
		return nil, queue.NewError(DriverName, "subscribe", topic, err)
	}

	callback := func(_ mqtt.Client, m mqtt.Message) {
		select {
		case received <- m:
		case <-stop:
		}
	}

	if err := wait(ctx, client.Subscribe(filter, q.config.QoS, callback)); err != nil {
		q.subs.Remove(sub)

		return nil, queue.NewError(DriverName, "subscribe", topic, queue.ConnectionError(err))
	}

	if err := sub.Start(o.LifetimeOr(ctx)); err != nil {
		q.subs.Remove(sub)
		_ = client.Unsubscribe(filter)

		return nil, queue.NewError(DriverName, "subscribe", topic, err)
	}

	go q.pump(sub, client, received, stop, pumpDone)

	return sub, nil
}

// pump moves messages from the Paho router into the subscription, so a slow handler does not
// stall the client's network loop until MaxInflight messages are waiting.
func (q *Queue) pump(sub *queue.Subscription, client mqtt.Client, received <-chan mqtt.Message, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx := context.Background()

	for {
		select {
		case <-stop:
			return
		case m := <-received:
			env := envelope.DecodeOrRaw(source, m.Topic(), m.Payload())
			ack := &acknowledger{q: q, client: client, message: m, envelope: env}

			_ = sub.Deliver(ctx, env.Message(sub.Topic(), ack))
		}
	}
}

type acknowledger struct {
	q        *Queue
	client   mqtt.Client
	message  mqtt.Message
	envelope envelope.Envelope
}

func (a *acknowledger) Ack(context.Context) error {
	a.message.Ack()

	return nil
}

// Nack republishes the envelope (to its topic or the dead-letter topic) before acknowledging the
// original, so the broker never holds the only copy of a message being moved.
func (a *acknowledger) Nack(ctx context.Context, requeue bool) error {
	target := a.message.Topic()
	env := a.envelope

	switch {
	case requeue:
		env = env.Redelivery()
	case a.q.config.DeadLetterTopic != "":
		target = a.q.config.DeadLetterTopic
	default:
		a.message.Ack()

		return nil
	}

	if err := a.q.publish(ctx, a.client, target, a.q.config.QoS, env); err != nil {
		return err
	}

	a.message.Ack()

	return nil
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

	err := q.subs.CloseAll(ctx)

	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.client != nil {
		q.client.Disconnect(disconnectWait)
		q.client = nil
	}

	return err
}
