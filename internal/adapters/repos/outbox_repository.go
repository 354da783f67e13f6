package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/architeacher/svc-messaging/internal/domain"
)

var ErrCorruptEntry = errors.New("corrupt outbox entry")

// OutboxRepository keeps parked publish requests as JSON in a KeyDB list. The list is FIFO:
// Park pushes to the tail, Claim pops from the head.
type OutboxRepository struct {
	client redis.Cmdable
	key    string
}

func NewOutboxRepository(client redis.Cmdable, key string) *OutboxRepository {
	return &OutboxRepository{
		client: client,
		key:    key,
	}
}

func (r *OutboxRepository) Park(ctx context.Context, entry *domain.OutboxEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox entry: %w", err)
	}

	if err := r.client.RPush(ctx, r.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to park outbox entry %s: %w", entry.ID, err)
	}

	return nil
}

// Claim pops up to limit entries. Entries that fail to decode are dropped and reported through
// an error wrapping ErrCorruptEntry, alongside the entries that did decode.
func (r *OutboxRepository) Claim(ctx context.Context, limit int) ([]*domain.OutboxEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	raw, err := r.client.LPopCount(ctx, r.key, limit).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox entries: %w", err)
	}

	entries := make([]*domain.OutboxEntry, 0, len(raw))

	var errs []error

	for _, item := range raw {
		var entry domain.OutboxEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrCorruptEntry, err))

			continue
		}

		entries = append(entries, &entry)
	}

	return entries, errors.Join(errs...)
}

func (r *OutboxRepository) Len(ctx context.Context) (int64, error) {
	n, err := r.client.LLen(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox entries: %w", err)
	}

	return n, nil
}
