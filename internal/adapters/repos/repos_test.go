package repos

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/architeacher/svc-messaging/internal/domain"
	"github.com/architeacher/svc-messaging/pkg/messaging"
	"github.com/architeacher/svc-messaging/pkg/queue"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return server, client
}

func TestDedupRepository_ClaimConfirmForget(t *testing.T) {
	t.Parallel()

	server, client := newTestClient(t)
	repo := NewDedupRepository(client, "dedup:")

	status, err := repo.Claim(t.Context(), "orders/m-1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, messaging.DedupNew, status)
	assert.Equal(t, 30*time.Second, server.TTL("dedup:orders/m-1"))

	status, err = repo.Claim(t.Context(), "orders/m-1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, messaging.DedupInProgress, status)

	require.NoError(t, repo.Confirm(t.Context(), "orders/m-1", time.Hour))
	assert.Equal(t, time.Hour, server.TTL("dedup:orders/m-1"))

	status, err = repo.Claim(t.Context(), "orders/m-1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, messaging.DedupProcessed, status)

	require.NoError(t, repo.Forget(t.Context(), "orders/m-1"))
	assert.False(t, server.Exists("dedup:orders/m-1"))

	status, err = repo.Claim(t.Context(), "orders/m-1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, messaging.DedupNew, status)
}

func TestDedupRepository_Expiry(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		confirm bool
		elapsed time.Duration
		want    messaging.DedupStatus
	}{
		{name: "abandoned claim is released after its lease", elapsed: 2 * time.Second, want: messaging.DedupNew},
		{name: "claim still held within its lease", elapsed: 500 * time.Millisecond, want: messaging.DedupInProgress},
		{name: "processed mark outlives the lease", confirm: true, elapsed: 2 * time.Second, want: messaging.DedupProcessed},
		{name: "processed mark expires after its ttl", confirm: true, elapsed: 2 * time.Minute, want: messaging.DedupNew},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server, client := newTestClient(t)
			repo := NewDedupRepository(client, "dedup:")

			_, err := repo.Claim(t.Context(), "m-1", time.Second)
			require.NoError(t, err)

			if tc.confirm {
				require.NoError(t, repo.Confirm(t.Context(), "m-1", time.Minute))
			}

			server.FastForward(tc.elapsed)

			status, err := repo.Claim(t.Context(), "m-1", time.Second)
			require.NoError(t, err)
			assert.Equal(t, tc.want, status)
		})
	}
}

func TestDedupRepository_ConnectionError(t *testing.T) {
	t.Parallel()

	server, client := newTestClient(t)
	server.Close()

	repo := NewDedupRepository(client, "dedup:")

	_, err := repo.Claim(t.Context(), "m-1", time.Second)
	require.Error(t, err)
	require.Error(t, repo.Confirm(t.Context(), "m-1", time.Second))
}

func TestOutboxRepository_ParkAndClaim(t *testing.T) {
	t.Parallel()

	_, client := newTestClient(t)
	repo := NewOutboxRepository(client, "outbox")

	now := time.Now().UTC().Truncate(time.Millisecond)

	var parked []*domain.OutboxEntry

	for _, topic := range []string{"orders", "payments", "shipments"} {
		entry := domain.NewOutboxEntry(domain.PublishRequest{
			Topic:        topic,
			Payload:      []byte(`{"id":1}`),
			PartitionKey: "customer-1",
			Durability:   queue.Transient,
			Expiry:       time.Minute,
			Metadata:     map[string]string{"trace": "abc"},
		}, now)

		require.NoError(t, repo.Park(t.Context(), entry))
		parked = append(parked, entry)
	}

	n, err := repo.Len(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	claimed, err := repo.Claim(t.Context(), 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	assert.Equal(t, parked[0].ID, claimed[0].ID)
	assert.Equal(t, parked[1].ID, claimed[1].ID)
	assert.Equal(t, parked[0].Request, claimed[0].Request)
	assert.True(t, parked[0].CreatedAt.Equal(claimed[0].CreatedAt))

	claimed, err = repo.Claim(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "shipments", claimed[0].Request.Topic)

	claimed, err = repo.Claim(t.Context(), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestOutboxRepository_ClaimSkipsCorruptEntries(t *testing.T) {
	t.Parallel()

	server, client := newTestClient(t)
	repo := NewOutboxRepository(client, "outbox")

	_, err := server.Push("outbox", "not-json")
	require.NoError(t, err)

	require.NoError(t, repo.Park(t.Context(), domain.NewOutboxEntry(domain.PublishRequest{Topic: "orders"}, time.Now())))

	claimed, err := repo.Claim(t.Context(), 5)
	require.ErrorIs(t, err, ErrCorruptEntry)
	require.Len(t, claimed, 1)
	assert.Equal(t, "orders", claimed[0].Request.Topic)
}

func TestOutboxRepository_ClaimNonPositiveLimit(t *testing.T) {
	t.Parallel()

	_, client := newTestClient(t)

	claimed, err := NewOutboxRepository(client, "outbox").Claim(t.Context(), 0)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}
