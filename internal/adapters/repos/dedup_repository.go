package repos

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/architeacher/svc-messaging/pkg/messaging"
)

// inProgress is the value of a claimed key; confirmed keys hold the unix time of the confirm.
const inProgress = "in-progress"

// DedupRepository tracks message keys in KeyDB: a short-lived claim while a delivery is
// processed, then a processed mark with the dedup TTL.
type DedupRepository struct {
	client    redis.Cmdable
	keyPrefix string
}

func NewDedupRepository(client redis.Cmdable, keyPrefix string) *DedupRepository {
	return &DedupRepository{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Claim sets the key only when absent, so concurrent consumers agree on who processes a message.
func (r *DedupRepository) Claim(ctx context.Context, key string, lease time.Duration) (messaging.DedupStatus, error) {
	claimed, err := r.client.SetNX(ctx, r.keyPrefix+key, inProgress, lease).Result()
	if err != nil {
		return messaging.DedupNew, fmt.Errorf("failed to claim %q: %w", key, err)
	}

	if claimed {
		return messaging.DedupNew, nil
	}

	value, err := r.client.Get(ctx, r.keyPrefix+key).Result()

	switch {
	case errors.Is(err, redis.Nil):
		// Released between the two calls; the redelivery will claim it.
		return messaging.DedupInProgress, nil
	case err != nil:
		return messaging.DedupNew, fmt.Errorf("failed to read %q: %w", key, err)
	case value == inProgress:
		return messaging.DedupInProgress, nil
	default:
		return messaging.DedupProcessed, nil
	}
}

func (r *DedupRepository) Confirm(ctx context.Context, key string, ttl time.Duration) error {
	processedAt := strconv.FormatInt(time.Now().UTC().Unix(), 10)

	if err := r.client.Set(ctx, r.keyPrefix+key, processedAt, ttl).Err(); err != nil {
		return fmt.Errorf("failed to confirm %q: %w", key, err)
	}

	return nil
}

func (r *DedupRepository) Forget(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to forget %q: %w", key, err)
	}

	return nil
}
