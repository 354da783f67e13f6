package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
)

// GatewayCtx runs the HTTP gateway and, when the outbox is available, the replay processor.
type GatewayCtx struct {
	deps *Dependencies

	shutdownChannel chan os.Signal

	serverCtx      context.Context
	serverStopFunc context.CancelFunc

	serverReady chan struct{}
}

func NewGateway(opt ...GatewayOption) *GatewayCtx {
	gCtx := &GatewayCtx{
		shutdownChannel: make(chan os.Signal, 1),
	}

	for i := range opt {
		opt[i](gCtx)
	}

	return gCtx
}

func (c *GatewayCtx) Run() {
	c.build()
	c.startService()
	c.monitorConfigChanges()
	c.shutdownHook()
	c.shutdown()
}

func (c *GatewayCtx) build() {
	c.serverCtx, c.serverStopFunc = context.WithCancel(context.Background())

	deps, err := initializeDependencies(c.serverCtx, WithGateway())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	c.deps = deps
}

func (c *GatewayCtx) startService() {
	go func() {
		c.deps.logger.Info().
			Str("address", c.deps.Infra.HTTPServer.Addr).
			Msg("gateway starting up")

		if c.serverReady != nil {
			c.serverReady <- struct{}{}
		}

		if err := c.deps.Infra.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.deps.logger.Error().Err(err).Msg("unable to start http server")
			c.serverStopFunc()
		}
	}()

	if c.deps.Workers.OutboxProcessor == nil {
		return
	}

	go func() {
		if err := c.deps.Workers.OutboxProcessor.Start(c.serverCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.deps.logger.Error().Err(err).Msg("outbox processor failed")
		}
	}()
}

func (c *GatewayCtx) shutdownHook() {
	signal.Notify(c.shutdownChannel, syscall.SIGINT, syscall.SIGTERM)
}

func (c *GatewayCtx) monitorConfigChanges() {
	watchConfig(c.serverCtx, c.deps)
}

func (c *GatewayCtx) shutdown() {
	// Waits for one of the following shutdown conditions to happen.
	select {
	case <-c.serverCtx.Done():
	case <-c.shutdownChannel:
		defer close(c.shutdownChannel)
	}

	c.deps.logger.Info().Msg("received shutdown signal")

	// Cancel context that underlying processes would start cleanup.
	c.serverStopFunc()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.deps.cfg.HTTPServer.ShutdownTimeout)
	defer cancel()

	go forceExitAfter(shutdownCtx, c.deps)

	c.cleanup(shutdownCtx)

	c.deps.logger.Info().Msg("gateway shutdown completed")
}

// WaitForServer blocks until the http server is running.
// If you want to be notified when the server is running,
// make sure you instantiate your gateway with WithWaitingForServer.
//
// Example:
//
//	srv := runtime.NewGateway(WithWaitingForServer())
//	go func() {
//		srv.Run()
//	}()
//
//	srv.WaitForServer()
func (c *GatewayCtx) WaitForServer() {
	if c.serverReady != nil {
		<-c.serverReady
		close(c.serverReady)
	}
}

// cleanup stops accepting requests first, then flushes the outbox while the broker is still open.
func (c *GatewayCtx) cleanup(shutdownCtx context.Context) {
	c.deps.logger.Info().Msg("cleaning up resources...")

	if err := c.deps.Infra.HTTPServer.Shutdown(shutdownCtx); err != nil {
		c.deps.logger.Error().Err(err).Msg("unable to gracefully shutdown http server")
	}

	if c.deps.Workers.OutboxProcessor != nil {
		if err := c.deps.Workers.OutboxProcessor.Drain(shutdownCtx); err != nil {
			c.deps.logger.Error().Err(err).Msg("failed to drain outbox")
		}
	}

	closeInfrastructure(shutdownCtx, c.deps)

	c.deps.logger.Info().Msg("cleanup completed")
}

func watchConfig(ctx context.Context, deps *Dependencies) {
	reloadErrors := deps.configLoader.WatchConfigSignals(ctx)

	go func() {
		for err := range reloadErrors {
			if err != nil {
				deps.logger.Error().Err(err).Msg("failed to reload config")

				continue
			}

			deps.logger.Info().Msg("config reloaded successfully")
		}

		deps.logger.Info().Msg("stopping config monitor")
	}()
}

func forceExitAfter(shutdownCtx context.Context, deps *Dependencies) {
	<-shutdownCtx.Done()

	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		deps.logger.Error().Msg("graceful shutdown timed out.. forcing exit.")
		os.Exit(1)
	}
}

// closeInfrastructure releases the broker connection, the cache and the telemetry exporters.
func closeInfrastructure(ctx context.Context, deps *Dependencies) {
	if deps.Infra.Messaging != nil {
		if err := deps.Infra.Messaging.Close(ctx); err != nil {
			deps.logger.Error().Err(err).Msg("failed to close queue")
		}
	}

	if deps.Infra.QueueRegistry != nil {
		if err := deps.Infra.QueueRegistry.Close(ctx); err != nil {
			deps.logger.Error().Err(err).Msg("failed to close queue registry")
		}
	}

	if deps.Infra.CacheClient != nil {
		if err := deps.Infra.CacheClient.Close(); err != nil {
			deps.logger.Error().Err(err).Msg("failed to close cache connection")
		}
	}

	if deps.Infra.Metrics != nil {
		if err := deps.Infra.Metrics.Shutdown(ctx); err != nil {
			deps.logger.Error().Err(err).Msg("failed to shutdown metrics")
		}
	}

	if deps.Infra.Tracing != nil {
		if err := deps.Infra.Tracing.Shutdown(ctx); err != nil {
			deps.logger.Error().Err(err).Msg("failed to shutdown tracing")
		}
	}
}
