package runtime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/vault/api"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/architeacher/svc-messaging/internal/adapters"
	"github.com/architeacher/svc-messaging/internal/adapters/middleware"
	"github.com/architeacher/svc-messaging/internal/config"
	"github.com/architeacher/svc-messaging/internal/infrastructure"
	"github.com/architeacher/svc-messaging/internal/ports"
	"github.com/architeacher/svc-messaging/internal/usecases"
	"github.com/architeacher/svc-messaging/pkg/messaging"
	"github.com/architeacher/svc-messaging/pkg/queue"
	"github.com/architeacher/svc-messaging/pkg/resilience"
)

const (
	healthRoute  = "/v1/health"
	metricsRoute = "/metrics"
)

type (
	Applications struct {
		Gateway *usecases.GatewayApplication
		Outbox  *usecases.OutboxApplication
		Relay   *usecases.RelayApplication
	}

	ApplicationWorkers struct {
		// OutboxProcessor is nil unless the outbox is enabled and the cache is reachable.
		OutboxProcessor OutboxWorker
		RelayWorker     ports.MessageHandler
	}

	// OutboxWorker is the background replay loop plus the shutdown drain.
	OutboxWorker interface {
		ports.BackgroundProcessor
		Drain(ctx context.Context) error
	}

	InfrastructureDeps struct {
		HTTPServer          *http.Server
		SecretStorageClient *api.Client
		CacheClient         *infrastructure.KeyDBClient
		Metrics             infrastructure.Metrics
		Tracing             *infrastructure.Tracing
		QueueRegistry       *queue.Registry
		Queue               queue.Queue
		Resilience          *resilience.Manager
		Messaging           *messaging.Client
	}

	Repos struct {
		SecretStorageRepo ports.SecretsRepository
		DedupRepo         ports.DedupStore
		OutboxRepo        ports.OutboxRepository
	}

	Dependencies struct {
		Apps    Applications
		Workers ApplicationWorkers

		cfg          *config.ServiceConfig
		configLoader *config.Loader

		logger infrastructure.Logger

		Infra InfrastructureDeps
		Repos Repos

		secretVersion uint
	}
)

func initializeDependencies(ctx context.Context, opts ...DependencyOption) (*Dependencies, error) {
	cfg, err := config.Init()
	if err != nil {
		return nil, fmt.Errorf("unable to load service configuration: %w", err)
	}

	appLogger := infrastructure.New(config.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	appLogger.Info().Msg("initializing dependencies...")

	deps := &Dependencies{
		cfg:    cfg,
		logger: appLogger,
	}

	// Start with default options and append any additional options.
	options := append(defaultOptions(ctx), opts...)

	for _, opt := range options {
		if err := opt(deps); err != nil {
			return nil, fmt.Errorf("failed to apply dependency option: %w", err)
		}
	}

	deps.logger.Info().Msg("dependencies initialized successfully")

	return deps, nil
}

// healthChecker passes a nil cache as an untyped nil so the checker reports it as disabled.
func (d *Dependencies) healthChecker() ports.HealthChecker {
	var cache adapters.Pinger
	if d.Infra.CacheClient != nil {
		cache = d.Infra.CacheClient
	}

	return adapters.NewHealthChecker(d.Infra.Messaging, cache, d.cfg.AppConfig.ServiceVersion)
}

func initHTTPServer(
	cfg *config.ServiceConfig,
	logger infrastructure.Logger,
	metrics infrastructure.Metrics,
	handler *adapters.GatewayHandler,
) *http.Server {
	logger.Info().Msg("creating HTTP server...")

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.HTTPServer.Host, strconv.Itoa(cfg.HTTPServer.Port)),
		Handler:      otelhttp.NewHandler(newRouter(cfg, logger, metrics, handler), cfg.AppConfig.ServiceName),
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	logger.Info().Str("addr", server.Addr).Msg("HTTP server created")

	return server
}

// newRouter mounts every unmatched path on Publish: topic routing is done by the executor chain.
func newRouter(
	cfg *config.ServiceConfig,
	logger infrastructure.Logger,
	metrics infrastructure.Metrics,
	handler *adapters.GatewayHandler,
) chi.Router {
	router := chi.NewRouter()

	for _, mw := range initMiddlewares(cfg, logger, metrics) {
		router.Use(mw)
	}

	router.Get(healthRoute, handler.Health)
	router.Method(http.MethodGet, metricsRoute, metrics.Handler())
	router.HandleFunc("/*", handler.Publish)

	return router
}

func initMiddlewares(
	cfg *config.ServiceConfig,
	logger infrastructure.Logger,
	metrics infrastructure.Metrics,
) []func(http.Handler) http.Handler {
	middlewares := []func(http.Handler) http.Handler{
		chimiddleware.RequestID,
		chimiddleware.RealIP,
		chimiddleware.Recoverer,
		middleware.APIVersion(cfg.AppConfig.APIVersion, cfg.AppConfig.ServiceVersion),
	}

	if cfg.Telemetry.Metrics.Enabled {
		metricsMiddleware := middleware.NewMetricsMiddleware(metrics)
		middlewares = append(middlewares, metricsMiddleware.Middleware)
		logger.Info().Msg("HTTP metrics collection enabled")
	}

	if cfg.Logging.AccessLog.Enabled {
		healthFilter := middleware.NewHealthCheckFilter(cfg.Logging.AccessLog.LogHealthChecks)
		accessLogger := middleware.NewAccessLogger(logger.Logger)

		middlewares = append(middlewares, healthFilter.Middleware, accessLogger.Middleware)
		logger.Info().
			Bool("log_health_checks", cfg.Logging.AccessLog.LogHealthChecks).
			Msg("structured access logging enabled")
	}

	return middlewares
}
