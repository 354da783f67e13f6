// Package queue defines a broker-agnostic produce/subscribe/acknowledge contract and the
// message and subscription lifecycles shared by every backend driver.
//
// # Overview
//
// A Queue owns one backend connection. Drivers live in sub-packages (amqp, mqtt, kafka, nats,
// memory) and are wired through an explicit Registry rather than package-level state, so tests
// can build independent registries.
//
// # Basic Usage
//
// Opening a queue through a registry:
//
//	registry := queue.NewRegistry(
//		queue.WithDriver(amqp.DriverName, amqp.Factory),
//		queue.WithDriver(memory.DriverName, memory.Factory),
//	)
//
//	settings, err := queue.ParseConnectionString("amqp", "server=localhost:5672;username=guest;password=guest")
//	if err != nil {
//		return err
//	}
//
//	q, err := registry.Open(ctx, settings)
//	if err != nil {
//		return err
//	}
//	defer registry.Close(ctx)
//
// Producing:
//
//	id, err := q.Produce(ctx, "orders", payload,
//		queue.WithPartitionKey(customerID),
//		queue.WithExpiry(time.Hour),
//	)
//
// Subscribing:
//
//	sub, err := q.Subscribe(ctx, "orders", func(ctx context.Context, msg *queue.Message, inv queue.Invocation) error {
//		if err := process(msg.Data); err != nil {
//			return msg.Reject(ctx, inv.DeliveryCount < 5)
//		}
//
//		return msg.Acknowledge(ctx)
//	}, queue.WithConsumerGroup("billing"))
//
// # Delivery semantics
//
// Delivery is at-least-once. Each subscription hands messages to its handler one at a time in
// backend order. A message leaves Pending exactly once; settling it twice returns
// ErrAlreadySettled. A message the handler does not settle within the ack window
// (WithAckWindow, 30s by default) expires and is released back to the backend for redelivery,
// whatever the backend. Messages carrying an expiry that already passed are dropped without
// reaching the handler.
//
// Handlers report business failures with Reject. A returned error or a panic is a fault: the
// message is requeued and the subscription closes with ErrHandlerFault, unless WithErrorHandler
// is set.
//
// # Subscription lifecycle
//
//	Created -> Active <-> Paused -> Closed
//
// Close lets the in-flight handler finish before the backend registration is released.
// A subscription that lost its backend closes on its own with an error matching
// ErrConnectionLost, observable through Done and Err.
//
// # Errors
//
// ErrConnection (and ErrConnectionLost) are transient and retryable, see IsRetryable.
// ErrInvalidArgument, ErrInvalidTopic, ErrEmptyPayload and ErrAlreadySettled are logic errors.
// ErrDuplicateSubscription reports a (topic, group) registration conflict.
package queue
