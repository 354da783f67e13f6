package queue

import (
	"context"

	"github.com/architeacher/svc-messaging/internal/infrastructure"
	"github.com/architeacher/svc-messaging/internal/ports"
	"github.com/architeacher/svc-messaging/internal/usecases"
	"github.com/architeacher/svc-messaging/internal/usecases/commands"
	"github.com/architeacher/svc-messaging/pkg/queue"
)

var _ ports.MessageHandler = (*RelayWorker)(nil)

type RelayWorker struct {
	app    *usecases.RelayApplication
	logger infrastructure.Logger
}

func NewRelayWorker(
	app *usecases.RelayApplication,
	logger infrastructure.Logger,
) *RelayWorker {
	return &RelayWorker{
		app:    app,
		logger: logger,
	}
}

// Handle relays one delivery. A failure the relay already settled is logged and swallowed so the
// subscription keeps consuming; an unsettled one is returned and the core requeues it.
func (w *RelayWorker) Handle(ctx context.Context, msg *queue.Message, inv queue.Invocation) error {
	result, err := w.app.Commands.RelayMessageHandler.Handle(ctx, commands.RelayMessageCommand{
		Message:    msg,
		Invocation: inv,
	})
	if err != nil {
		w.logger.Error().
			Err(err).
			Str("topic", msg.Topic).
			Str("message_id", msg.ID).
			Int("delivery_count", inv.DeliveryCount).
			Msg("failed to relay message")

		if msg.State() == queue.Pending {
			return err
		}

		return nil
	}

	if result.Forwarded {
		w.logger.Debug().
			Str("topic", msg.Topic).
			Str("message_id", msg.ID).
			Str("forwarded_id", result.MessageID).
			Msg("message relayed")
	}

	return nil
}

// Handler adapts the worker to queue.Handler.
func (w *RelayWorker) Handler() queue.Handler {
	return w.Handle
}
