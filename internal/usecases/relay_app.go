package usecases

import (
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/architeacher/svc-messaging/internal/infrastructure"
	"github.com/architeacher/svc-messaging/internal/service"
	"github.com/architeacher/svc-messaging/internal/shared/decorator"
	"github.com/architeacher/svc-messaging/internal/usecases/commands"
)

type (
	RelayApplication struct {
		Commands RelayCommands
	}

	RelayCommands struct {
		RelayMessageHandler commands.RelayMessageHandler
	}
)

func NewRelayApplication(
	relayService service.RelayService,
	logger infrastructure.Logger,
	tracerProvider otelTrace.TracerProvider,
	metricsClient decorator.MetricsClient,
) *RelayApplication {
	return &RelayApplication{
		Commands: RelayCommands{
			RelayMessageHandler: commands.NewRelayMessageHandler(
				relayService,
				logger,
				tracerProvider,
				metricsClient,
			),
		},
	}
}
