package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/architeacher/svc-messaging/pkg/messaging"
	"github.com/architeacher/svc-messaging/pkg/queue"
)

// RelayCtx consumes the configured topic and exits when the subscription fails terminally, so the
// supervisor can restart it against a fresh connection.
type RelayCtx struct {
	deps *Dependencies

	shutdownChannel chan os.Signal

	relayCtx      context.Context
	relayStopFunc context.CancelFunc

	subscription *queue.Subscription
	exitCode     atomic.Int32
}

func NewRelay(opt ...RelayOption) *RelayCtx {
	rCtx := &RelayCtx{
		shutdownChannel: make(chan os.Signal, 1),
	}

	for i := range opt {
		opt[i](rCtx)
	}

	return rCtx
}

func (c *RelayCtx) Run() {
	c.build()
	c.start()
	c.monitorConfigChanges()
	c.shutdownHook()
	c.shutdown()

	if code := c.exitCode.Load(); code != 0 {
		os.Exit(int(code))
	}
}

func (c *RelayCtx) build() {
	c.relayCtx, c.relayStopFunc = context.WithCancel(context.Background())

	deps, err := initializeDependencies(c.relayCtx, WithRelay())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	c.deps = deps
}

func (c *RelayCtx) start() {
	broker := c.deps.cfg.Broker

	sub, err := c.deps.Infra.Messaging.Subscribe(
		c.relayCtx,
		broker.Topic,
		c.handler(),
		queue.WithConsumerGroup(broker.ConsumerGroup),
		queue.WithPrefetch(broker.Prefetch),
		queue.WithAckWindow(broker.AckWindow),
		queue.WithErrorHandler(func(err error) {
			c.deps.logger.Warn().Err(err).Str("topic", broker.Topic).Msg("relay handler fault, message requeued")
		}),
		queue.WithSubscriptionLogger(c.deps.logger.Component("subscription").ForLibraries()),
	)
	if err != nil {
		c.deps.logger.Error().Err(err).Str("topic", broker.Topic).Msg("failed to subscribe")
		c.exitCode.Store(1)
		c.relayStopFunc()

		return
	}

	c.subscription = sub

	c.deps.logger.Info().
		Str("topic", broker.Topic).
		Str("group", broker.ConsumerGroup).
		Str("forward_topic", c.deps.cfg.Relay.ForwardTopic).
		Msg("relay subscribed")

	go func() {
		select {
		case <-sub.Done():
		case <-c.relayCtx.Done():
			return
		}

		if err := sub.Err(); err != nil {
			c.deps.logger.Error().Err(err).Str("topic", broker.Topic).Msg("subscription terminated")
			c.exitCode.Store(1)
		}

		c.relayStopFunc()
	}()
}

// handler wraps the relay worker with instrumentation and, when a store is available, dedup.
func (c *RelayCtx) handler() queue.Handler {
	middlewares := []messaging.Middleware{messaging.Instrument(c.deps.Infra.Metrics)}

	if c.deps.Repos.DedupRepo != nil {
		middlewares = append(middlewares, messaging.Deduplicate(
			c.deps.Repos.DedupRepo,
			c.deps.cfg.Dedup.TTL,
			c.deps.cfg.Dedup.Lease,
			c.deps.logger.Component("dedup").ForLibraries(),
		))
	}

	return messaging.Wrap(c.deps.Workers.RelayWorker.Handle, middlewares...)
}

func (c *RelayCtx) shutdownHook() {
	signal.Notify(c.shutdownChannel, syscall.SIGINT, syscall.SIGTERM)
}

func (c *RelayCtx) monitorConfigChanges() {
	watchConfig(c.relayCtx, c.deps)
}

func (c *RelayCtx) shutdown() {
	// Waits for one of the following shutdown conditions to happen.
	select {
	case <-c.relayCtx.Done():
	case <-c.shutdownChannel:
		defer close(c.shutdownChannel)
	}

	c.deps.logger.Info().Msg("received shutdown signal")

	c.relayStopFunc()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.deps.cfg.Broker.CloseTimeout)
	defer cancel()

	go forceExitAfter(shutdownCtx, c.deps)

	c.cleanup(shutdownCtx)

	c.deps.logger.Info().Msg("relay stopped")
}

// cleanup lets the in-flight delivery finish before the connection goes away.
func (c *RelayCtx) cleanup(shutdownCtx context.Context) {
	c.deps.logger.Info().Msg("cleaning up resources...")

	if c.subscription != nil {
		if err := c.deps.Infra.Messaging.Unsubscribe(shutdownCtx, c.subscription); err != nil && !errors.Is(err, queue.ErrQueueClosed) {
			c.deps.logger.Error().Err(err).Msg("failed to unsubscribe")
		}
	}

	closeInfrastructure(shutdownCtx, c.deps)

	c.deps.logger.Info().Msg("cleanup completed")
}
