package commands

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/architeacher/svc-messaging/internal/domain"
	"github.com/architeacher/svc-messaging/internal/infrastructure"
	"github.com/architeacher/svc-messaging/internal/service"
	"github.com/architeacher/svc-messaging/internal/shared/decorator"
	"github.com/architeacher/svc-messaging/pkg/queue"
)

type (
	RelayMessageCommand struct {
		Message    *queue.Message
		Invocation queue.Invocation
	}

	RelayMessageHandler decorator.CommandHandler[RelayMessageCommand, *domain.RelayResult]

	relayMessageHandler struct {
		relayService service.RelayService
	}
)

func NewRelayMessageHandler(
	relayService service.RelayService,
	logger infrastructure.Logger,
	tracerProvider trace.TracerProvider,
	metricsClient decorator.MetricsClient,
) RelayMessageHandler {
	return decorator.ApplyCommandDecorators[RelayMessageCommand, *domain.RelayResult](
		relayMessageHandler{
			relayService: relayService,
		},
		logger,
		tracerProvider,
		metricsClient,
	)
}

func (h relayMessageHandler) Handle(ctx context.Context, cmd RelayMessageCommand) (*domain.RelayResult, error) {
	return h.relayService.Relay(ctx, cmd.Message, cmd.Invocation)
}
