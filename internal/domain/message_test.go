package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/architeacher/svc-messaging/pkg/queue"
)

func TestPublishRequest_Options(t *testing.T) {
	t.Parallel()

	req := PublishRequest{
		Topic:        "orders",
		PartitionKey: "customer-1",
		Durability:   queue.Transient,
		Expiry:       time.Minute,
		Metadata:     map[string]string{"trace": "abc"},
	}

	o := queue.ApplyProduceOptions(req.Options()...)

	assert.Equal(t, queue.Transient, o.Durability)
	assert.Equal(t, "customer-1", o.PartitionKey)
	assert.Equal(t, time.Minute, o.Expiry)
	assert.Equal(t, "abc", o.Metadata["trace"])

	o = queue.ApplyProduceOptions(PublishRequest{Topic: "orders"}.Options()...)
	assert.Equal(t, queue.Persistent, o.Durability)
	assert.Empty(t, o.PartitionKey)
	assert.Nil(t, o.Metadata)
}

func TestOutboxEntry_RecordFailure(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entry := NewOutboxEntry(PublishRequest{Topic: "orders"}, now)

	require.NoError(t, entry.RecordFailure(errors.New("refused"), 2, now.Add(time.Second)))
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, "refused", entry.LastError)
	assert.Equal(t, now.Add(time.Second), entry.UpdatedAt)

	err := entry.RecordFailure(errors.New("still refused"), 2, now.Add(2*time.Second))

	var exceeded *MaxAttemptsExceededError
	require.ErrorAs(t, err, &exceeded)
	require.ErrorIs(t, err, ErrOutboxFull)
	assert.Equal(t, 2, exceeded.Attempts)
	assert.Equal(t, entry.ID.String(), exceeded.EntryID)
}

func TestDomainError(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: refused")
	err := NewBrokerUnavailableError("orders", cause)

	assert.Equal(t, "BROKER_UNAVAILABLE", err.Code)
	assert.Equal(t, 503, err.StatusCode)
	assert.Equal(t, "orders", err.Details["topic"])
	require.ErrorIs(t, err, ErrBrokerUnavailable)
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "dial tcp: refused")
}
