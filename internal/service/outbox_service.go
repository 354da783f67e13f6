package service

import (
	"context"
	"fmt"
	"time"

	"github.com/architeacher/svc-messaging/internal/domain"
	"github.com/architeacher/svc-messaging/internal/infrastructure"
	"github.com/architeacher/svc-messaging/internal/ports"
	"github.com/architeacher/svc-messaging/pkg/messaging"
)

type (
	OutboxService interface {
		FetchEntries(ctx context.Context, batchSize int) ([]*domain.OutboxEntry, error)
		Replay(ctx context.Context, entry *domain.OutboxEntry) (*domain.ReplayResult, error)
	}

	OutboxRecorder interface {
		RecordOutboxEntry(ctx context.Context, outcome string)
	}

	outboxService struct {
		outboxRepo  ports.OutboxRepository
		publisher   ports.Publisher
		maxAttempts int
		logger      infrastructure.Logger
		metrics     OutboxRecorder
		now         func() time.Time
	}
)

func NewOutboxService(
	outboxRepo ports.OutboxRepository,
	publisher ports.Publisher,
	maxAttempts int,
	logger infrastructure.Logger,
	metrics OutboxRecorder,
) OutboxService {
	return outboxService{
		outboxRepo:  outboxRepo,
		publisher:   publisher,
		maxAttempts: maxAttempts,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
}

func (s outboxService) FetchEntries(ctx context.Context, batchSize int) ([]*domain.OutboxEntry, error) {
	return s.outboxRepo.Claim(ctx, batchSize)
}

// Replay produces a claimed entry. Failed entries go back to the outbox until they run out of
// attempts or fail for a reason a retry cannot fix.
func (s outboxService) Replay(ctx context.Context, entry *domain.OutboxEntry) (*domain.ReplayResult, error) {
	req := entry.Request

	id, err := s.publisher.Produce(ctx, req.Topic, req.Payload, req.Options()...)
	if err == nil {
		s.metrics.RecordOutboxEntry(ctx, string(domain.ReplayDelivered))

		s.logger.Debug().
			Str("entry_id", entry.ID.String()).
			Str("topic", req.Topic).
			Str("message_id", id).
			Msg("outbox entry delivered")

		return &domain.ReplayResult{Outcome: domain.ReplayDelivered, MessageID: id}, nil
	}

	failErr := entry.RecordFailure(err, s.maxAttempts, s.now())
	if failErr == nil && !messaging.IsTransient(err) {
		failErr = fmt.Errorf("entry %s is not retryable: %w", entry.ID, err)
	}

	if failErr != nil {
		s.metrics.RecordOutboxEntry(ctx, string(domain.ReplayDropped))

		s.logger.Error().
			Err(err).
			Str("entry_id", entry.ID.String()).
			Str("topic", req.Topic).
			Int("attempts", entry.Attempts).
			Msg("outbox entry dropped")

		return &domain.ReplayResult{Outcome: domain.ReplayDropped}, failErr
	}

	if parkErr := s.outboxRepo.Park(ctx, entry); parkErr != nil {
		return nil, fmt.Errorf("failed to requeue outbox entry %s: %w", entry.ID, parkErr)
	}

	s.metrics.RecordOutboxEntry(ctx, string(domain.ReplayRequeued))

	s.logger.Debug().
		Err(err).
		Str("entry_id", entry.ID.String()).
		Int("attempts", entry.Attempts).
		Msg("outbox entry requeued")

	return &domain.ReplayResult{Outcome: domain.ReplayRequeued}, nil
}
