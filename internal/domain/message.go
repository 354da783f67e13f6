package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/architeacher/svc-messaging/pkg/queue"
)

type (
	// PublishRequest is a produce call decoded from the transport.
	PublishRequest struct {
		Topic        string            `json:"topic"`
		Payload      []byte            `json:"payload"`
		PartitionKey string            `json:"partition_key,omitempty"`
		Durability   queue.Durability  `json:"durability"`
		Expiry       time.Duration     `json:"expiry,omitempty"`
		Metadata     map[string]string `json:"metadata,omitempty"`
	}

	// PublishReceipt is what the caller learns about an accepted request. Buffered receipts have no
	// message identifier yet.
	PublishReceipt struct {
		MessageID string `json:"message_id,omitempty"`
		Topic     string `json:"topic"`
		Buffered  bool   `json:"buffered"`
		EntryID   string `json:"outbox_entry_id,omitempty"`
	}

	// OutboxEntry is a publish request parked while the broker is unreachable.
	OutboxEntry struct {
		ID        uuid.UUID      `json:"id"`
		Request   PublishRequest `json:"request"`
		Attempts  int            `json:"attempts"`
		LastError string         `json:"last_error,omitempty"`
		CreatedAt time.Time      `json:"created_at"`
		UpdatedAt time.Time      `json:"updated_at"`
	}
)

func (r PublishRequest) Options() []queue.ProduceOption {
	opts := []queue.ProduceOption{queue.WithDurability(r.Durability)}

	if r.PartitionKey != "" {
		opts = append(opts, queue.WithPartitionKey(r.PartitionKey))
	}

	if r.Expiry > 0 {
		opts = append(opts, queue.WithExpiry(r.Expiry))
	}

	if len(r.Metadata) > 0 {
		opts = append(opts, queue.WithMetadata(r.Metadata))
	}

	return opts
}

func NewOutboxEntry(req PublishRequest, now time.Time) *OutboxEntry {
	return &OutboxEntry{
		ID:        uuid.New(),
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// RecordFailure counts a failed replay and returns MaxAttemptsExceededError once maxAttempts is
// reached.
func (e *OutboxEntry) RecordFailure(cause error, maxAttempts int, now time.Time) error {
	e.Attempts++
	e.UpdatedAt = now

	if cause != nil {
		e.LastError = cause.Error()
	}

	if maxAttempts > 0 && e.Attempts >= maxAttempts {
		return &MaxAttemptsExceededError{
			EntryID:     e.ID.String(),
			Attempts:    e.Attempts,
			MaxAttempts: maxAttempts,
		}
	}

	return nil
}

// PublishError carries the decoded request alongside a produce failure so callers can park it.
type PublishError struct {
	Request PublishRequest
	Err     error
}

func (e *PublishError) Error() string {
	return "publish to " + e.Request.Topic + ": " + e.Err.Error()
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

type (
	RelayResult struct {
		Forwarded bool   `json:"forwarded"`
		MessageID string `json:"message_id,omitempty"`
	}

	ReplayOutcome string

	ReplayResult struct {
		Outcome   ReplayOutcome `json:"outcome"`
		MessageID string        `json:"message_id,omitempty"`
	}
)

const (
	ReplayDelivered ReplayOutcome = "delivered"
	ReplayRequeued  ReplayOutcome = "requeued"
	ReplayDropped   ReplayOutcome = "dropped"
)
