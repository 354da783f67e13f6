package messaging

import (
	"context"
	"time"

	"github.com/architeacher/svc-messaging/pkg/logger"
	"github.com/architeacher/svc-messaging/pkg/queue"
)

// Middleware decorates a handler.
type Middleware func(next queue.Handler) queue.Handler

// Wrap applies middlewares so that the first one is outermost.
func Wrap(h queue.Handler, middlewares ...Middleware) queue.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}

	return h
}

// DedupStatus is what a store knew about a key when it was claimed.
type DedupStatus int

const (
	// DedupNew means the caller now holds the claim.
	DedupNew DedupStatus = iota
	// DedupInProgress means another delivery holds an unexpired claim.
	DedupInProgress
	// DedupProcessed means the key was confirmed.
	DedupProcessed
)

func (s DedupStatus) String() string {
	switch s {
	case DedupNew:
		return "new"
	case DedupInProgress:
		return "in_progress"
	case DedupProcessed:
		return "processed"
	default:
		return "unknown"
	}
}

// DefaultDedupLease bounds how long a claim survives a consumer that dies mid-processing.
const DefaultDedupLease = 30 * time.Second

// DedupStore tracks message keys through claim, confirm and forget.
type DedupStore interface {
	// Claim marks key in progress for lease when it is unknown and reports its prior status.
	Claim(ctx context.Context, key string, lease time.Duration) (DedupStatus, error)
	// Confirm marks key processed for ttl.
	Confirm(ctx context.Context, key string, ttl time.Duration) error
	Forget(ctx context.Context, key string) error
}

// DedupKey is the store key of a message: topic and identifier.
func DedupKey(msg *queue.Message) string {
	return msg.Topic + ":" + msg.ID
}

// Deduplicate acknowledges redeliveries of messages already processed without invoking next.
// A delivery claims its key for lease while next runs; the claim becomes a processed mark kept
// for ttl once the message is acknowledged, and is dropped otherwise so a redelivery is
// processed again. A delivery arriving while another holds the claim is requeued. Store
// failures are logged and the message is processed. A lease of zero uses DefaultDedupLease.
func Deduplicate(store DedupStore, ttl, lease time.Duration, l logger.Logger) Middleware {
	l = logger.OrNop(l)

	if lease <= 0 {
		lease = DefaultDedupLease
	}

	return func(next queue.Handler) queue.Handler {
		return func(ctx context.Context, msg *queue.Message, inv queue.Invocation) error {
			if msg.ID == "" {
				return next(ctx, msg, inv)
			}

			key := DedupKey(msg)

			status, err := store.Claim(ctx, key, lease)
			if err != nil {
				l.Warn().Err(err).Str("topic", msg.Topic).Str("message_id", msg.ID).Msg("dedup store unavailable, processing message")

				return next(ctx, msg, inv)
			}

			switch status {
			case DedupProcessed:
				l.Debug().Str("topic", msg.Topic).Str("message_id", msg.ID).Int("delivery_count", inv.DeliveryCount).Msg("duplicate delivery acknowledged")

				return msg.Acknowledge(ctx)
			case DedupInProgress:
				l.Debug().Str("topic", msg.Topic).Str("message_id", msg.ID).Int("delivery_count", inv.DeliveryCount).Msg("message is being processed elsewhere, requeued")

				return msg.Reject(ctx, true)
			}

			handlerErr := next(ctx, msg, inv)
			settleCtx := context.WithoutCancel(ctx)

			if handlerErr == nil && msg.State() == queue.Acknowledged {
				if err := store.Confirm(settleCtx, key, ttl); err != nil {
					l.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to confirm processed message")
				}

				return nil
			}

			if err := store.Forget(settleCtx, key); err != nil {
				l.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to forget unprocessed message")
			}

			return handlerErr
		}
	}
}

// OutcomeFault labels deliveries whose handler returned an error.
const OutcomeFault = "fault"

// Instrument records the duration and outcome of every delivery: the final ack state of the
// message, or OutcomeFault.
func Instrument(r Recorder) Middleware {
	if r == nil {
		r = nopRecorder{}
	}

	return func(next queue.Handler) queue.Handler {
		return func(ctx context.Context, msg *queue.Message, inv queue.Invocation) error {
			start := time.Now()

			err := next(ctx, msg, inv)

			outcome := msg.State().String()
			if err != nil {
				outcome = OutcomeFault
			}

			r.RecordDelivery(ctx, msg.Topic, outcome, time.Since(start))

			return err
		}
	}
}
