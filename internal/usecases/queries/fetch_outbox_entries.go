package queries

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/architeacher/svc-messaging/internal/domain"
	"github.com/architeacher/svc-messaging/internal/infrastructure"
	"github.com/architeacher/svc-messaging/internal/service"
	"github.com/architeacher/svc-messaging/internal/shared/decorator"
)

type (
	FetchOutboxEntriesQuery struct {
		BatchSize int
	}

	FetchOutboxEntriesQueryHandler decorator.QueryHandler[FetchOutboxEntriesQuery, []*domain.OutboxEntry]

	fetchOutboxEntriesQueryHandler struct {
		outboxService service.OutboxService
	}
)

func NewFetchOutboxEntriesQueryHandler(
	outboxService service.OutboxService,
	logger infrastructure.Logger,
	tracerProvider trace.TracerProvider,
	metricsClient decorator.MetricsClient,
) FetchOutboxEntriesQueryHandler {
	return decorator.ApplyQueryDecorators[FetchOutboxEntriesQuery, []*domain.OutboxEntry](
		fetchOutboxEntriesQueryHandler{
			outboxService: outboxService,
		},
		logger,
		tracerProvider,
		metricsClient,
	)
}

func (h fetchOutboxEntriesQueryHandler) Execute(ctx context.Context, query FetchOutboxEntriesQuery) ([]*domain.OutboxEntry, error) {
	return h.outboxService.FetchEntries(ctx, query.BatchSize)
}
