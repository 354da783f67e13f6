package amqp

import (
	"time"

	"github.com/architeacher/svc-messaging/pkg/logger"
)

const publishingTimeout = 3 * time.Second

type Option func(*Queue)

// WithLogger sets the logger used by the queue and its subscriptions.
func WithLogger(l logger.Logger) Option {
	return func(q *Queue) {
		q.logger = logger.OrNop(l)
	}
}

// WithPublishingTimeout bounds a single publish, confirm included.
func WithPublishingTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.publishingTimeout = d
		}
	}
}

func withDialer(dial dialFunc) Option {
	return func(q *Queue) {
		q.dial = dial
	}
}
