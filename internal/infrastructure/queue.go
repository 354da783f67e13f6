package infrastructure

import (
	"github.com/architeacher/svc-messaging/pkg/queue"
	"github.com/architeacher/svc-messaging/pkg/queue/amqp"
	"github.com/architeacher/svc-messaging/pkg/queue/kafka"
	"github.com/architeacher/svc-messaging/pkg/queue/memory"
	"github.com/architeacher/svc-messaging/pkg/queue/mqtt"
	"github.com/architeacher/svc-messaging/pkg/queue/nats"
)

// NewQueueRegistry returns a registry that knows every bundled driver.
func NewQueueRegistry(logger Logger) *queue.Registry {
	return queue.NewRegistry(
		queue.WithRegistryLogger(logger.Component("queue").ForLibraries()),
		queue.WithDriver(amqp.DriverName, amqp.Factory),
		queue.WithDriver(mqtt.DriverName, mqtt.Factory),
		queue.WithDriver(kafka.DriverName, kafka.Factory),
		queue.WithDriver(nats.DriverName, nats.Factory),
		queue.WithDriver(memory.DriverName, memory.Factory),
	)
}
