// Package envelope wraps payloads in a CloudEvents JSON envelope for transports that carry
// neither headers nor message identifiers (MQTT 3.1.1, core NATS).
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/architeacher/svc-messaging/pkg/queue"
)

const (
	contentType = "application/octet-stream"

	extDeliveryCount = "deliverycount"
	extExpiresAt     = "expiresat"
	extPartitionKey  = "partitionkey"
	extMetadata      = "metadata"
)

var ErrNotEnvelope = errors.New("envelope: payload is not a cloudevent")

// Envelope is the decoded form of a message on the wire.
type Envelope struct {
	ID            string
	Topic         string
	Source        string
	Data          []byte
	Metadata      map[string]string
	PartitionKey  string
	DeliveryCount int
	Timestamp     time.Time
	ExpiresAt     time.Time
}

// New returns an envelope with a fresh identifier and the current time.
func New(source, topic string, data []byte) Envelope {
	return Envelope{
		ID:            uuid.NewString(),
		Topic:         topic,
		Source:        source,
		Data:          data,
		DeliveryCount: 1,
		Timestamp:     time.Now().UTC(),
	}
}

// Encode renders e as a structured-mode CloudEvent.
func Encode(e Envelope) ([]byte, error) {
	event := cloudevents.NewEvent()
	event.SetID(e.ID)
	event.SetSource(e.Source)
	event.SetType("messaging." + e.Topic)
	event.SetSubject(e.Topic)
	event.SetTime(e.Timestamp)

	if err := event.SetData(contentType, e.Data); err != nil {
		return nil, fmt.Errorf("envelope data: %w", err)
	}

	if e.DeliveryCount > 1 {
		event.SetExtension(extDeliveryCount, strconv.Itoa(e.DeliveryCount))
	}

	if !e.ExpiresAt.IsZero() {
		event.SetExtension(extExpiresAt, e.ExpiresAt.UTC().Format(time.RFC3339Nano))
	}

	if e.PartitionKey != "" {
		event.SetExtension(extPartitionKey, e.PartitionKey)
	}

	if len(e.Metadata) > 0 {
		md, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("envelope metadata: %w", err)
		}

		event.SetExtension(extMetadata, string(md))
	}

	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}

	return json.Marshal(event)
}

// Decode parses a CloudEvent produced by Encode. Payloads that are not CloudEvents return
// ErrNotEnvelope so callers can treat them as raw data from a foreign publisher.
func Decode(raw []byte) (Envelope, error) {
	event := cloudevents.NewEvent()
	if err := json.Unmarshal(raw, &event); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrNotEnvelope, err)
	}

	if err := event.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrNotEnvelope, err)
	}

	e := Envelope{
		ID:            event.ID(),
		Topic:         event.Subject(),
		Source:        event.Source(),
		Data:          event.Data(),
		DeliveryCount: 1,
		Timestamp:     event.Time(),
	}

	ext := event.Extensions()

	if v, ok := ext[extDeliveryCount]; ok {
		if n, err := toInt(v); err == nil && n > 0 {
			e.DeliveryCount = n
		}
	}

	if v, ok := ext[extExpiresAt].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			e.ExpiresAt = ts
		}
	}

	if v, ok := ext[extPartitionKey].(string); ok {
		e.PartitionKey = v
	}

	if v, ok := ext[extMetadata].(string); ok && v != "" {
		if err := json.Unmarshal([]byte(v), &e.Metadata); err != nil {
			return Envelope{}, fmt.Errorf("envelope metadata: %w", err)
		}
	}

	return e, nil
}

// DecodeOrRaw decodes raw, falling back to a fresh envelope around the raw bytes.
func DecodeOrRaw(source, topic string, raw []byte) Envelope {
	e, err := Decode(raw)
	if err != nil {
		return New(source, topic, raw)
	}

	if e.Topic == "" {
		e.Topic = topic
	}

	return e
}

// Redelivery returns a copy of e for republishing, with the delivery count bumped.
func (e Envelope) Redelivery() Envelope {
	next := e
	next.DeliveryCount++

	return next
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int32:
		return int(n), nil
	case int:
		return n, nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unsupported extension type %T", v)
	}
}

// FromProduce builds the envelope for a produce call.
func FromProduce(source, topic string, data []byte, o queue.ProduceOptions) Envelope {
	e := New(source, topic, data)
	e.Metadata = maps.Clone(o.Metadata)
	e.PartitionKey = o.PartitionKey
	e.ExpiresAt = o.ExpiresAt(e.Timestamp)

	return e
}

// Message converts a received envelope into a queue message settled through acker.
func (e Envelope) Message(topic string, acker queue.Acknowledger) *queue.Message {
	msg := queue.NewMessage(topic, e.ID, e.Data, acker)
	msg.Metadata = maps.Clone(e.Metadata)
	msg.PartitionKey = e.PartitionKey
	msg.DeliveryCount = e.DeliveryCount
	msg.ExpiresAt = e.ExpiresAt

	if !e.Timestamp.IsZero() {
		msg.Timestamp = e.Timestamp
	}

	return msg
}
