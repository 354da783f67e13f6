// Package nats is the socket pub/sub queue driver built on core NATS.
//
// Core NATS is fire-and-forget: a message reaches the subscribers connected at publish time
// and nothing is stored. Payloads travel in a CloudEvents envelope so identifiers, metadata and
// delivery counts survive the trip. Consumer groups map to NATS queue groups. Acknowledging is
// local; a requeue republishes the envelope with a bumped delivery count.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/architeacher/svc-messaging/pkg/logger"
	"github.com/architeacher/svc-messaging/pkg/queue"
	"github.com/architeacher/svc-messaging/pkg/queue/envelope"
)

const (
	DriverName = "nats"

	source                = "svc-messaging/nats"
	defaultConnectTimeout = 5 * time.Second
	defaultBufferSize     = 256
)

// Config holds the NATS connection settings.
type Config struct {
	URL             string
	Name            string
	Username        string
	Password        string
	Token           string
	ConnectTimeout  time.Duration
	BufferSize      int
	DeadLetterTopic string
}

// ConfigFromSettings reads server (comma-separated URLs or host:port), client_id, username,
// password, token, connect_timeout, buffer_size and dead_letter_topic.
func ConfigFromSettings(settings queue.ConnectionSettings) (Config, error) {
	servers := settings.Strings(queue.SettingServer)
	if len(servers) == 0 {
		servers = []string{nats.DefaultURL}
	}

	for i, server := range servers {
		if !strings.Contains(server, "://") {
			servers[i] = "nats://" + server
		}
	}

	cfg := Config{
		URL:             strings.Join(servers, ","),
		Name:            settings.StringOr(queue.SettingClientID, "svc-messaging"),
		Username:        settings.StringOr(queue.SettingUsername, ""),
		Password:        settings.StringOr(queue.SettingPassword, ""),
		Token:           settings.StringOr("token", ""),
		ConnectTimeout:  settings.Duration(queue.SettingConnectTimeout, defaultConnectTimeout),
		BufferSize:      settings.Int("buffer_size", defaultBufferSize),
		DeadLetterTopic: settings.StringOr(queue.SettingDeadLetterTopic, ""),
	}

	if cfg.BufferSize <= 0 {
		return Config{}, fmt.Errorf("%w: buffer_size must be positive", queue.ErrInvalidArgument)
	}

	if cfg.DeadLetterTopic != "" {
		if err := validateSubject(cfg.DeadLetterTopic); err != nil {
			return Config{}, fmt.Errorf("dead_letter_topic: %w", err)
		}
	}

	return cfg, nil
}

// conn is the part of *nats.Conn the driver uses.
type conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	subscribe(subject, group string, ch chan *nats.Msg) (unsubscriber, error)
	IsConnected() bool
	Close()
}

type unsubscriber interface {
	Unsubscribe() error
}

type natsConn struct {
	*nats.Conn
}

func (c natsConn) subscribe(subject, group string, ch chan *nats.Msg) (unsubscriber, error) {
	if group == "" {
		return c.ChanSubscribe(subject, ch)
	}

	return c.ChanQueueSubscribe(subject, group, ch)
}

// connectFunc dials NATS. onLost is called once the connection is gone for good.
type connectFunc func(cfg Config, onLost func(error)) (conn, error)

func connectNATS(cfg Config, onLost func(error)) (conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = nats.ErrConnectionClosed
			}

			onLost(err)
		}),
	}

	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}

	return natsConn{Conn: nc}, nil
}

// Queue implements queue.Queue over core NATS.
type Queue struct {
	config  Config
	connect connectFunc
	logger  logger.Logger

	mu sync.Mutex
	nc conn

	subs   queue.SubscriptionSet
	closed atomic.Bool
}

type Option func(*Queue)

func WithLogger(l logger.Logger) Option {
	return func(q *Queue) {
		q.logger = logger.OrNop(l)
	}
}

func withConnect(f connectFunc) Option {
	return func(q *Queue) {
		q.connect = f
	}
}

func New(cfg Config, opts ...Option) *Queue {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}

	q := &Queue{
		config:  cfg,
		connect: connectNATS,
		logger:  logger.Nop(),
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Factory builds a NATS queue from connection settings.
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

func (q *Queue) ensureConnected() (conn, error) {
	if q.closed.Load() {
		return nil, queue.ErrQueueClosed
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.nc != nil && q.nc.IsConnected() {
		return q.nc, nil
	}

	nc, err := q.connect(q.config, q.onConnectionLost)
	if err != nil {
		return nil, queue.ConnectionError(fmt.Errorf("failed to connect to NATS: %w", err))
	}

	q.nc = nc

	q.logger.Info().Str("url", q.config.URL).Msg("successfully connected to NATS")

	return nc, nil
}

func (q *Queue) onConnectionLost(err error) {
	if q.closed.Load() {
		return
	}

	q.logger.Error().Err(err).Str("url", q.config.URL).Msg("NATS connection lost")

	q.subs.FailAll(err)
}

func (q *Queue) IsConnected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return !q.closed.Load() && q.nc != nil && q.nc.IsConnected()
}

// validateSubject checks a concrete subject: dot-separated non-empty tokens without wildcards.
func validateSubject(subject string) error {
	return checkSubject(subject, false)
}

// validateFilter also accepts "*" tokens and a trailing ">" token.
func validateFilter(subject string) error {
	return checkSubject(subject, true)
}

func checkSubject(subject string, wildcards bool) error {
	if err := queue.ValidateTopic(subject); err != nil {
		return err
	}

	tokens := strings.Split(subject, ".")
	for i, token := range tokens {
		switch {
		case token == "":
			return queue.ErrInvalidTopic
		case token == "*" || (token == ">" && i == len(tokens)-1):
			if !wildcards {
				return queue.ErrInvalidTopic
			}
		case strings.ContainsAny(token, "*>"):
			return queue.ErrInvalidTopic
		}
	}

	return nil
}

func (q *Queue) Produce(ctx context.Context, topic string, data []byte, opts ...queue.ProduceOption) (string, error) {
	if err := validateSubject(topic); err != nil {
		return "", queue.NewError(DriverName, "produce", topic, err)
	}

	nc, err := q.ensureConnected()
	if err != nil {
		return "", queue.NewError(DriverName, "produce", topic, err)
	}

	o := queue.ApplyProduceOptions(opts...)
	env := envelope.FromProduce(source, topic, data, o)

	// Transient messages skip the flush round-trip.
	if err := q.publish(ctx, nc, topic, env, o.Durability == queue.Persistent); err != nil {
		return "", queue.NewError(DriverName, "produce", topic, err)
	}

	return env.ID, nil
}

func (q *Queue) publish(ctx context.Context, nc conn, subject string, env envelope.Envelope, flush bool) error {
	payload, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("%w: %w", queue.ErrInvalidArgument, err)
	}

	if err := nc.Publish(subject, payload); err != nil {
		if errors.Is(err, nats.ErrMaxPayload) || errors.Is(err, nats.ErrBadSubject) {
			return fmt.Errorf("%w: %w", queue.ErrInvalidArgument, err)
		}

		return queue.ConnectionError(err)
	}

	if !flush {
		return nil
	}

	if err := nc.FlushWithContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return queue.ConnectionError(err)
	}

	return nil
}

func (q *Queue) Subscribe(ctx context.Context, topic string, handler queue.Handler, opts ...queue.SubscribeOption) (*queue.Subscription, error) {
	if err := validateFilter(topic); err != nil {
		return nil, queue.NewError(DriverName, "subscribe", topic, err)
	}

	if handler == nil {
		return nil, queue.NewError(DriverName, "subscribe", topic, queue.ErrNilHandler)
	}

	nc, err := q.ensureConnected()
	if err != nil {
		return nil, queue.NewError(DriverName, "subscribe", topic, err)
	}

	o := queue.ApplySubscribeOptions(append([]queue.SubscribeOption{queue.WithSubscriptionLogger(q.logger)}, opts...)...)

	received := make(chan *nats.Msg, q.config.BufferSize)
	stop := make(chan struct{})
	pumpDone := make(chan struct{})

	var (
		sub   *queue.Subscription
		unsub unsubscriber
	)

	sub = queue.NewSubscription(topic, handler, o, func(context.Context) error {
		var err error
		if unsub != nil {
			err = unsub.Unsubscribe()
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				err = nil
			}
		}

		close(stop)
		<-pumpDone

		q.subs.Remove(sub)

		return err
	})

	if err := q.subs.Add(sub); err != nil {
		return nil, queue.NewError(DriverName, "subscribe", topic, err)
	}

	unsub, err = nc.subscribe(topic, o.ConsumerGroup, received)
	if err != nil {
		q.subs.Remove(sub)

		return nil, queue.NewError(DriverName, "subscribe", topic, queue.ConnectionError(err))
	}

	if err := sub.Start(o.LifetimeOr(ctx)); err != nil {
		q.subs.Remove(sub)
		_ = unsub.Unsubscribe()

		return nil, queue.NewError(DriverName, "subscribe", topic, err)
	}

	go q.pump(sub, nc, received, stop, pumpDone)

	return sub, nil
}

func (q *Queue) pump(sub *queue.Subscription, nc conn, received <-chan *nats.Msg, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx := context.Background()

	for {
		select {
		case <-stop:
			return
		case m := <-received:
			env := envelope.DecodeOrRaw(source, m.Subject, m.Data)
			ack := &acknowledger{q: q, nc: nc, subject: m.Subject, envelope: env}

			_ = sub.Deliver(ctx, env.Message(sub.Topic(), ack))
		}
	}
}

type acknowledger struct {
	q        *Queue
	nc       conn
	subject  string
	envelope envelope.Envelope
}

func (a *acknowledger) Ack(context.Context) error {
	return nil
}

func (a *acknowledger) Nack(ctx context.Context, requeue bool) error {
	switch {
	case requeue:
		return a.q.publish(ctx, a.nc, a.subject, a.envelope.Redelivery(), true)
	case a.q.config.DeadLetterTopic != "":
		return a.q.publish(ctx, a.nc, a.q.config.DeadLetterTopic, a.envelope, true)
	default:
		return nil
	}
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

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.nc != nil {
		q.nc.Close()
		q.nc = nil
	}

	return err
}
