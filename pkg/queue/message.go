package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// AckState is the settlement state of a delivered message.
type AckState int32

const (
	Pending AckState = iota
	Acknowledged
	Rejected
	Expired
	// Released marks a delivery its closing subscription handed back for redelivery.
	Released
)

func (s AckState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Acknowledged:
		return "acknowledged"
	case Rejected:
		return "rejected"
	case Expired:
		return "expired"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("AckState(%d)", int32(s))
	}
}

// Acknowledger is the backend half of a delivery. Drivers implement it per received message.
type Acknowledger interface {
	// Ack removes or commits the delivery.
	Ack(ctx context.Context) error
	// Nack releases the delivery. With requeue it must become redeliverable,
	// otherwise it is dead-lettered or dropped.
	Nack(ctx context.Context, requeue bool) error
}

// AcknowledgerFuncs adapts two functions to Acknowledger.
type AcknowledgerFuncs struct {
	AckFunc  func(ctx context.Context) error
	NackFunc func(ctx context.Context, requeue bool) error
}

func (a AcknowledgerFuncs) Ack(ctx context.Context) error {
	if a.AckFunc == nil {
		return nil
	}

	return a.AckFunc(ctx)
}

func (a AcknowledgerFuncs) Nack(ctx context.Context, requeue bool) error {
	if a.NackFunc == nil {
		return nil
	}

	return a.NackFunc(ctx, requeue)
}

// Message is one delivered unit of payload. Exported fields are filled by the driver before
// the message is handed to a subscription and must be treated as read-only afterwards.
type Message struct {
	Topic         string
	Data          []byte
	ID            string
	Metadata      map[string]string
	PartitionKey  string
	DeliveryCount int
	Timestamp     time.Time
	ExpiresAt     time.Time

	mu    sync.Mutex
	state AckState
	acker Acknowledger
	lease *time.Timer
}

// NewMessage creates a Pending message bound to acker.
func NewMessage(topic, id string, data []byte, acker Acknowledger) *Message {
	if acker == nil {
		acker = AcknowledgerFuncs{}
	}

	return &Message{
		Topic:         topic,
		ID:            id,
		Data:          data,
		DeliveryCount: 1,
		Timestamp:     time.Now(),
		acker:         acker,
	}
}

// IsEmpty reports whether the message carries no payload.
func (m *Message) IsEmpty() bool {
	return len(m.Data) == 0
}

// State returns the current settlement state.
func (m *Message) State() AckState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Expired reports whether the message outlived its expiry at instant now.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// Acknowledge settles the message as processed. A second settle returns ErrAlreadySettled.
func (m *Message) Acknowledge(ctx context.Context) error {
	if err := m.transition(Acknowledged); err != nil {
		return err
	}

	return m.acker.Ack(ctx)
}

// Reject settles the message as failed. With requeue the message becomes redeliverable,
// otherwise it will not be delivered again under this identifier.
func (m *Message) Reject(ctx context.Context, requeue bool) error {
	if err := m.transition(Rejected); err != nil {
		return err
	}

	return m.acker.Nack(ctx, requeue)
}

// expire settles a message whose lease or TTL ran out. It reports whether this call settled it.
func (m *Message) expire(ctx context.Context, requeue bool) (bool, error) {
	if err := m.transition(Expired); err != nil {
		return false, nil
	}

	if requeue {
		return true, m.acker.Nack(ctx, true)
	}

	// Expired by TTL: drop at the backend.
	return true, m.acker.Ack(ctx)
}

// release hands a message its subscription will not settle back to the backend for redelivery.
func (m *Message) release(ctx context.Context) error {
	if err := m.transition(Released); err != nil {
		return nil
	}

	return m.acker.Nack(ctx, true)
}

func (m *Message) transition(to AckState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Pending {
		return fmt.Errorf("%w: message %q is %s", ErrAlreadySettled, m.ID, m.state)
	}

	m.state = to

	if m.lease != nil {
		m.lease.Stop()
		m.lease = nil
	}

	return nil
}

func (m *Message) startLease(window time.Duration, onExpire func()) {
	if window <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Pending {
		m.lease = time.AfterFunc(window, onExpire)
	}
}
