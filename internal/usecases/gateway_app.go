package usecases

import (
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/architeacher/svc-messaging/internal/infrastructure"
	"github.com/architeacher/svc-messaging/internal/service"
	"github.com/architeacher/svc-messaging/internal/shared/decorator"
	"github.com/architeacher/svc-messaging/internal/usecases/commands"
	"github.com/architeacher/svc-messaging/internal/usecases/queries"
)

type (
	GatewayApplication struct {
		Commands GatewayCommands
	}

	GatewayCommands struct {
		PublishMessageHandler commands.PublishMessageHandler
	}

	OutboxApplication struct {
		Commands OutboxCommands
		Queries  OutboxQueries
	}

	OutboxCommands struct {
		ReplayOutboxEntryHandler commands.ReplayOutboxEntryHandler
	}

	OutboxQueries struct {
		FetchOutboxEntriesQueryHandler queries.FetchOutboxEntriesQueryHandler
	}
)

func NewGatewayApplication(
	gatewayService service.GatewayService,
	logger infrastructure.Logger,
	tracerProvider otelTrace.TracerProvider,
	metricsClient decorator.MetricsClient,
) *GatewayApplication {
	return &GatewayApplication{
		Commands: GatewayCommands{
			PublishMessageHandler: commands.NewPublishMessageHandler(
				gatewayService,
				logger,
				tracerProvider,
				metricsClient,
			),
		},
	}
}

func NewOutboxApplication(
	outboxService service.OutboxService,
	logger infrastructure.Logger,
	tracerProvider otelTrace.TracerProvider,
	metricsClient decorator.MetricsClient,
) *OutboxApplication {
	return &OutboxApplication{
		Commands: OutboxCommands{
			ReplayOutboxEntryHandler: commands.NewReplayOutboxEntryHandler(
				outboxService,
				logger,
				tracerProvider,
				metricsClient,
			),
		},
		Queries: OutboxQueries{
			FetchOutboxEntriesQueryHandler: queries.NewFetchOutboxEntriesQueryHandler(
				outboxService,
				logger,
				tracerProvider,
				metricsClient,
			),
		},
	}
}
