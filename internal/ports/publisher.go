//go:generate go tool github.com/maxbrunsfeld/counterfeiter/v6 -generate

package ports

import (
	"context"

	"github.com/architeacher/svc-messaging/pkg/queue"
)

//counterfeiter:generate -o ../mocks/publisher.go . Publisher

// Publisher produces messages. The resilient messaging client implements it.
type Publisher interface {
	Produce(ctx context.Context, topic string, data []byte, opts ...queue.ProduceOption) (string, error)
}
