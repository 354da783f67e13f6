package commands

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/architeacher/svc-messaging/internal/domain"
	"github.com/architeacher/svc-messaging/internal/infrastructure"
	"github.com/architeacher/svc-messaging/internal/service"
	"github.com/architeacher/svc-messaging/internal/shared/decorator"
)

type (
	ReplayOutboxEntryCommand struct {
		Entry *domain.OutboxEntry
	}

	ReplayOutboxEntryHandler decorator.CommandHandler[ReplayOutboxEntryCommand, *domain.ReplayResult]

	replayOutboxEntryHandler struct {
		outboxService service.OutboxService
	}
)

func NewReplayOutboxEntryHandler(
	outboxService service.OutboxService,
	logger infrastructure.Logger,
	tracerProvider trace.TracerProvider,
	metricsClient decorator.MetricsClient,
) ReplayOutboxEntryHandler {
	return decorator.ApplyCommandDecorators[ReplayOutboxEntryCommand, *domain.ReplayResult](
		replayOutboxEntryHandler{
			outboxService: outboxService,
		},
		logger,
		tracerProvider,
		metricsClient,
	)
}

func (h replayOutboxEntryHandler) Handle(ctx context.Context, cmd ReplayOutboxEntryCommand) (*domain.ReplayResult, error) {
	return h.outboxService.Replay(ctx, cmd.Entry)
}
