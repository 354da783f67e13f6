package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/architeacher/svc-messaging/internal/domain"
	"github.com/architeacher/svc-messaging/internal/infrastructure"
	"github.com/architeacher/svc-messaging/internal/ports"
	"github.com/architeacher/svc-messaging/pkg/queue"
	"github.com/architeacher/svc-messaging/pkg/resilience"
)

type (
	GatewayService interface {
		Publish(ctx context.Context, ec *resilience.ExecutionContext) (*domain.PublishReceipt, error)
	}

	gatewayService struct {
		executor   resilience.Executor
		outboxRepo ports.OutboxRepository
		logger     infrastructure.Logger
		now        func() time.Time
	}
)

// NewGatewayService resolves requests through executor. A nil outboxRepo disables buffering of
// requests the broker could not take.
func NewGatewayService(
	executor resilience.Executor,
	outboxRepo ports.OutboxRepository,
	logger infrastructure.Logger,
) GatewayService {
	return gatewayService{
		executor:   executor,
		outboxRepo: outboxRepo,
		logger:     logger,
		now:        time.Now,
	}
}

func (s gatewayService) Publish(ctx context.Context, ec *resilience.ExecutionContext) (*domain.PublishReceipt, error) {
	result := s.executor.Execute(ctx, ec)
	if result.IsApplied() {
		receipt, ok := result.Value.(*domain.PublishReceipt)
		if !ok {
			return nil, domain.NewInternalServerError("unexpected executor result", fmt.Errorf("got %T", result.Value))
		}

		return receipt, nil
	}

	if receipt, ok := s.park(ctx, result.Err); ok {
		return receipt, nil
	}

	return nil, result.Err
}

// park buffers the request behind err when the pipeline gave up on an unreachable broker.
func (s gatewayService) park(ctx context.Context, err error) (*domain.PublishReceipt, bool) {
	if s.outboxRepo == nil {
		return nil, false
	}

	if !errors.Is(err, resilience.ErrPipelineExhausted) || !errors.Is(err, queue.ErrConnection) {
		return nil, false
	}

	var publishErr *domain.PublishError
	if !errors.As(err, &publishErr) {
		return nil, false
	}

	entry := domain.NewOutboxEntry(publishErr.Request, s.now())
	entry.LastError = err.Error()

	if parkErr := s.outboxRepo.Park(ctx, entry); parkErr != nil {
		s.logger.Error().
			Err(parkErr).
			Str("topic", entry.Request.Topic).
			Msg("failed to park publish request in outbox")

		return nil, false
	}

	s.logger.Warn().
		Err(err).
		Str("topic", entry.Request.Topic).
		Str("entry_id", entry.ID.String()).
		Msg("broker unavailable, request buffered")

	return &domain.PublishReceipt{
		Topic:    entry.Request.Topic,
		Buffered: true,
		EntryID:  entry.ID.String(),
	}, true
}
