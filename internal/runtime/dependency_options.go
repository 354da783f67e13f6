package runtime

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"

	"github.com/architeacher/svc-messaging/internal/adapters"
	"github.com/architeacher/svc-messaging/internal/adapters/outbox"
	relayqueue "github.com/architeacher/svc-messaging/internal/adapters/queue"
	"github.com/architeacher/svc-messaging/internal/adapters/repos"
	"github.com/architeacher/svc-messaging/internal/config"
	"github.com/architeacher/svc-messaging/internal/infrastructure"
	"github.com/architeacher/svc-messaging/internal/service"
	"github.com/architeacher/svc-messaging/internal/usecases"
	"github.com/architeacher/svc-messaging/pkg/messaging"
	"github.com/architeacher/svc-messaging/pkg/resilience"
)

type (
	DependencyOption func(*Dependencies) error
)

func defaultOptions(ctx context.Context) []DependencyOption {
	return []DependencyOption{
		WithSecretStorage(),
		WithSecretStorageRepo(),
		WithConfigLoader(ctx),
		WithCache(ctx),
		WithDataRepos(),
		WithTracing(ctx),
		WithQueue(ctx),
		WithMetrics(ctx),
		WithResilience(),
		WithMessagingClient(),
	}
}

// WithSecretStorage initializes the Vault client using ENV config.
func WithSecretStorage() DependencyOption {
	return func(d *Dependencies) error {
		cfg := d.cfg.SecretStorage

		vaultConfig := api.DefaultConfig()
		vaultConfig.Address = cfg.Address
		vaultConfig.Timeout = cfg.Timeout

		if cfg.TLSSkipVerify {
			if err := vaultConfig.ConfigureTLS(&api.TLSConfig{Insecure: true}); err != nil {
				return fmt.Errorf("failed to configure TLS: %w", err)
			}
		}

		client, err := api.NewClient(vaultConfig)
		if err != nil {
			return fmt.Errorf("failed to create Vault client: %w", err)
		}

		// Dev mode vault has no namespaces.
		if cfg.Namespace != "" {
			client.SetNamespace(cfg.Namespace)
		}

		d.Infra.SecretStorageClient = client

		return nil
	}
}

func WithSecretStorageRepo() DependencyOption {
	return func(d *Dependencies) error {
		d.Repos.SecretStorageRepo = repos.NewVaultRepository(d.Infra.SecretStorageClient)

		return nil
	}
}

// WithConfigLoader overlays Vault secrets on the environment and registers the reload hook that
// swaps resilience policies on SIGHUP.
func WithConfigLoader(ctx context.Context) DependencyOption {
	return func(d *Dependencies) error {
		d.configLoader = config.NewLoader(d.cfg, d.Repos.SecretStorageRepo, d.secretVersion, d.reloadPolicies)

		if !d.cfg.SecretStorage.Enabled {
			d.logger.Info().Msg("secret storage is disabled, skipping vault configuration loading")

			return nil
		}

		version, err := d.configLoader.Load(ctx)
		if err != nil {
			return fmt.Errorf("unable to load service configuration: %w", err)
		}

		d.secretVersion = version

		return nil
	}
}

func (d *Dependencies) reloadPolicies(_ context.Context, cfg *config.ServiceConfig) error {
	if d.Infra.Resilience == nil {
		return nil
	}

	def, overrides, err := cfg.Resilience.LoadPolicies()
	if err != nil {
		return err
	}

	if err := d.Infra.Resilience.ReplacePolicies(def, overrides); err != nil {
		return fmt.Errorf("failed to replace resilience policies: %w", err)
	}

	d.logger.Info().Int("overrides", len(overrides)).Msg("resilience policies reloaded")

	return nil
}

func WithCache(ctx context.Context) DependencyOption {
	return func(d *Dependencies) error {
		if !d.cfg.Cache.Enabled {
			d.logger.Info().Msg("cache is disabled, dedup and outbox are unavailable")

			return nil
		}

		cacheClient := infrastructure.NewKeyDBClient(d.cfg.Cache, d.logger)

		cacheCtx, cancel := context.WithTimeout(ctx, d.cfg.Cache.DialTimeout)
		defer cancel()

		if err := cacheClient.Ping(cacheCtx); err != nil {
			d.logger.Error().Err(err).Msg("failed to connect to cache, continuing without cache")

			if closeErr := cacheClient.Close(); closeErr != nil {
				d.logger.Warn().Err(closeErr).Msg("failed to close cache client")
			}

			return nil
		}

		d.logger.Info().Msg("cache connection established")
		d.Infra.CacheClient = cacheClient

		return nil
	}
}

func WithDataRepos() DependencyOption {
	return func(d *Dependencies) error {
		if d.Infra.CacheClient == nil {
			return nil
		}

		client := d.Infra.CacheClient.Cmdable()

		if d.cfg.Dedup.Enabled {
			d.Repos.DedupRepo = repos.NewDedupRepository(client, d.cfg.Dedup.KeyPrefix)
		}

		if d.cfg.Outbox.Enabled {
			d.Repos.OutboxRepo = repos.NewOutboxRepository(client, d.cfg.Outbox.Key)
		}

		return nil
	}
}

func WithTracing(ctx context.Context) DependencyOption {
	return func(d *Dependencies) error {
		tracing, err := infrastructure.NewTracing(ctx, *d.cfg, d.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}

		d.Infra.Tracing = tracing

		return nil
	}
}

// WithQueue opens the configured broker through the driver registry.
func WithQueue(ctx context.Context) DependencyOption {
	return func(d *Dependencies) error {
		settings, err := d.cfg.Broker.Settings()
		if err != nil {
			return err
		}

		d.Infra.QueueRegistry = infrastructure.NewQueueRegistry(d.logger)

		q, err := d.Infra.QueueRegistry.Open(ctx, settings)
		if err != nil {
			return fmt.Errorf("failed to open %s queue: %w", settings.Driver(), err)
		}

		d.Infra.Queue = q

		return nil
	}
}

func WithMetrics(ctx context.Context) DependencyOption {
	return func(d *Dependencies) error {
		metrics, err := infrastructure.NewMetrics(
			ctx,
			*d.cfg,
			infrastructure.NewPrometheusHandler(d.Infra.QueueRegistry),
			d.logger,
		)
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}

		d.Infra.Metrics = metrics

		return nil
	}
}

func WithResilience() DependencyOption {
	return func(d *Dependencies) error {
		def, overrides, err := d.cfg.Resilience.LoadPolicies()
		if err != nil {
			return err
		}

		manager, err := messaging.NewManager(
			resilience.WithDefaultPolicy(def),
			resilience.WithObserver(d.Infra.Metrics),
			resilience.WithLogger(d.logger.Component("resilience").ForLibraries()),
		)
		if err != nil {
			return fmt.Errorf("failed to create resilience manager: %w", err)
		}

		if err := manager.ReplacePolicies(def, overrides); err != nil {
			return fmt.Errorf("invalid resilience policies: %w", err)
		}

		d.Infra.Resilience = manager

		return nil
	}
}

func WithMessagingClient() DependencyOption {
	return func(d *Dependencies) error {
		d.Infra.Messaging = messaging.New(
			d.Infra.Queue,
			d.Infra.Resilience,
			messaging.WithRecorder(d.Infra.Metrics),
			messaging.WithLogger(d.logger.Component("messaging").ForLibraries()),
		)

		return nil
	}
}

// WithGateway builds the HTTP surface and, when parking is possible, the outbox processor.
func WithGateway() DependencyOption {
	return func(d *Dependencies) error {
		tracerProvider := d.Infra.Tracing.Provider()
		metricsClient := adapters.NewMetricsAdapter(d.Infra.Metrics)

		chain := resilience.NewChain(
			resilience.NewFallbackExecutor(
				d.Infra.Resilience,
				adapters.FallbackKey,
				adapters.NewFallbackInvocation(d.Infra.Queue, d.cfg.Gateway.FallbackTopic),
			),
			adapters.NewRouteExecutor(d.Infra.Messaging),
		)

		d.Apps.Gateway = usecases.NewGatewayApplication(
			service.NewGatewayService(chain, d.Repos.OutboxRepo, d.logger),
			d.logger,
			tracerProvider,
			metricsClient,
		)

		handler := adapters.NewGatewayHandler(d.Apps.Gateway, d.healthChecker(), d.cfg.Gateway.MaxBodyBytes, d.logger)
		d.Infra.HTTPServer = initHTTPServer(d.cfg, d.logger, d.Infra.Metrics, handler)

		if d.Repos.OutboxRepo == nil {
			d.logger.Info().Msg("outbox is unavailable, failed produces are not buffered")

			return nil
		}

		d.Apps.Outbox = usecases.NewOutboxApplication(
			service.NewOutboxService(d.Repos.OutboxRepo, d.Infra.Messaging, d.cfg.Outbox.MaxAttempts, d.logger, d.Infra.Metrics),
			d.logger,
			tracerProvider,
			metricsClient,
		)

		d.Workers.OutboxProcessor = outbox.NewProcessor(d.Apps.Outbox, d.cfg.Outbox, d.logger.Component("outbox"))

		return nil
	}
}

func WithRelay() DependencyOption {
	return func(d *Dependencies) error {
		d.Apps.Relay = usecases.NewRelayApplication(
			service.NewRelayService(d.Infra.Messaging, d.cfg.Relay.ForwardTopic, d.logger),
			d.logger,
			d.Infra.Tracing.Provider(),
			adapters.NewMetricsAdapter(d.Infra.Metrics),
		)

		d.Workers.RelayWorker = relayqueue.NewRelayWorker(d.Apps.Relay, d.logger.Component("relay"))

		return nil
	}
}
