//go:generate go tool github.com/maxbrunsfeld/counterfeiter/v6 -generate

package ports

import (
	"context"

	"github.com/architeacher/svc-messaging/pkg/queue"
)

//counterfeiter:generate -o ../mocks/message_handler.go . MessageHandler

// MessageHandler processes one delivery and is responsible for settling it.
type MessageHandler interface {
	Handle(ctx context.Context, msg *queue.Message, inv queue.Invocation) error
}
