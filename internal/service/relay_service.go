package service

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/architeacher/svc-messaging/internal/domain"
	"github.com/architeacher/svc-messaging/internal/infrastructure"
	"github.com/architeacher/svc-messaging/internal/ports"
	"github.com/architeacher/svc-messaging/pkg/messaging"
	"github.com/architeacher/svc-messaging/pkg/queue"
)

const (
	MetadataRelayedFrom     = "x-relayed-from"
	MetadataSourceMessageID = "x-source-message-id"
)

type (
	RelayService interface {
		Relay(ctx context.Context, msg *queue.Message, inv queue.Invocation) (*domain.RelayResult, error)
	}

	relayService struct {
		publisher    ports.Publisher
		forwardTopic string
		logger       infrastructure.Logger
	}
)

// NewRelayService forwards consumed messages to forwardTopic. With an empty forwardTopic
// messages are only logged and acknowledged.
func NewRelayService(publisher ports.Publisher, forwardTopic string, logger infrastructure.Logger) RelayService {
	return relayService{
		publisher:    publisher,
		forwardTopic: forwardTopic,
		logger:       logger,
	}
}

func (s relayService) Relay(ctx context.Context, msg *queue.Message, inv queue.Invocation) (*domain.RelayResult, error) {
	s.logger.Debug().
		Str("topic", msg.Topic).
		Str("message_id", msg.ID).
		Int("delivery_count", inv.DeliveryCount).
		Str("subscription_id", inv.SubscriptionID).
		Msg("message received")

	if s.forwardTopic == "" {
		if err := msg.Acknowledge(ctx); err != nil {
			return nil, fmt.Errorf("acknowledge %s: %w", msg.ID, err)
		}

		return &domain.RelayResult{}, nil
	}

	metadata := make(map[string]string, len(msg.Metadata)+2)
	maps.Copy(metadata, msg.Metadata)
	metadata[MetadataRelayedFrom] = msg.Topic
	metadata[MetadataSourceMessageID] = msg.ID

	opts := []queue.ProduceOption{queue.WithMetadata(metadata)}
	if msg.PartitionKey != "" {
		opts = append(opts, queue.WithPartitionKey(msg.PartitionKey))
	}

	id, err := s.publisher.Produce(ctx, s.forwardTopic, msg.Data, opts...)
	if err != nil {
		if rejectErr := msg.Reject(ctx, messaging.IsTransient(err)); rejectErr != nil {
			err = errors.Join(err, rejectErr)
		}

		return nil, fmt.Errorf("forward %s to %s: %w", msg.ID, s.forwardTopic, err)
	}

	if err := msg.Acknowledge(ctx); err != nil {
		return nil, fmt.Errorf("acknowledge %s: %w", msg.ID, err)
	}

	return &domain.RelayResult{Forwarded: true, MessageID: id}, nil
}
