package commands

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/architeacher/svc-messaging/internal/domain"
	"github.com/architeacher/svc-messaging/internal/infrastructure"
	"github.com/architeacher/svc-messaging/internal/service"
	"github.com/architeacher/svc-messaging/internal/shared/decorator"
	"github.com/architeacher/svc-messaging/pkg/resilience"
)

type (
	PublishMessageCommand struct {
		Execution *resilience.ExecutionContext
	}

	PublishMessageHandler decorator.CommandHandler[PublishMessageCommand, *domain.PublishReceipt]

	publishMessageHandler struct {
		gatewayService service.GatewayService
	}
)

func NewPublishMessageHandler(
	gatewayService service.GatewayService,
	logger infrastructure.Logger,
	tracerProvider trace.TracerProvider,
	metricsClient decorator.MetricsClient,
) PublishMessageHandler {
	return decorator.ApplyCommandDecorators[PublishMessageCommand, *domain.PublishReceipt](
		publishMessageHandler{
			gatewayService: gatewayService,
		},
		logger,
		tracerProvider,
		metricsClient,
	)
}

func (h publishMessageHandler) Handle(ctx context.Context, cmd PublishMessageCommand) (*domain.PublishReceipt, error) {
	return h.gatewayService.Publish(ctx, cmd.Execution)
}
