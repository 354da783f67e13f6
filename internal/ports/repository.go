//go:generate go tool github.com/maxbrunsfeld/counterfeiter/v6 -generate

package ports

import (
	"context"
	"time"

	"github.com/architeacher/svc-messaging/internal/domain"
	"github.com/architeacher/svc-messaging/pkg/messaging"
)

type (
	//counterfeiter:generate -o ../mocks/dedup_store.go . DedupStore

	// DedupStore tracks message keys from claim to processed mark.
	DedupStore interface {
		// Claim marks key in progress for lease when unknown and reports its prior status.
		Claim(ctx context.Context, key string, lease time.Duration) (messaging.DedupStatus, error)
		// Confirm marks key processed for ttl.
		Confirm(ctx context.Context, key string, ttl time.Duration) error
		Forget(ctx context.Context, key string) error
	}

	//counterfeiter:generate -o ../mocks/outbox_repository.go . OutboxRepository

	// OutboxRepository parks publish requests the broker could not take.
	OutboxRepository interface {
		// Park appends entry to the tail of the outbox.
		Park(ctx context.Context, entry *domain.OutboxEntry) error

		// Claim removes and returns up to limit entries from the head of the outbox.
		Claim(ctx context.Context, limit int) ([]*domain.OutboxEntry, error)

		// Len returns the number of parked entries.
		Len(ctx context.Context) (int64, error)
	}
)
