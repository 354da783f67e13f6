//go:build integration

package amqp_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/architeacher/svc-messaging/pkg/queue"
	"github.com/architeacher/svc-messaging/pkg/queue/amqp"
)

func startRabbitMQ(t *testing.T) queue.ConnectionSettings {
	t.Helper()

	ctx := t.Context()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:4.1-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	endpoint, err := container.PortEndpoint(ctx, "5672/tcp", "")
	require.NoError(t, err)

	return queue.NewConnectionSettings(amqp.DriverName,
		queue.Pair{Key: queue.SettingServer, Value: endpoint},
		queue.Pair{Key: queue.SettingUsername, Value: "guest"},
		queue.Pair{Key: queue.SettingPassword, Value: "guest"},
		queue.Pair{Key: queue.SettingDeadLetterTopic, Value: "orders.dead"},
	)
}

func TestRabbitMQ_RoundTrip(t *testing.T) {
	settings := startRabbitMQ(t)
	ctx := t.Context()

	q, err := amqp.Factory(ctx, settings, queue.Dependencies{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = q.Close(context.Background()) })

	id, err := q.Produce(ctx, "orders", []byte("first"), queue.WithPartitionKey("customer-1"))
	require.NoError(t, err)

	received := make(chan *queue.Message, 2)

	sub, err := q.Subscribe(ctx, "orders", func(ctx context.Context, msg *queue.Message, inv queue.Invocation) error {
		if inv.DeliveryCount == 1 {
			return msg.Reject(ctx, true)
		}

		received <- msg

		return msg.Acknowledge(ctx)
	}, queue.WithConsumerGroup("billing"))
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, id, msg.ID)
		assert.Equal(t, "first", string(msg.Data))
		assert.Equal(t, "customer-1", msg.PartitionKey)
		assert.GreaterOrEqual(t, msg.DeliveryCount, 2)
	case <-time.After(30 * time.Second):
		t.Fatal("message was not redelivered")
	}

	require.NoError(t, q.Unsubscribe(ctx, sub))
	assert.True(t, q.IsConnected())
}

func TestRabbitMQ_RejectWithoutRequeueDeadLetters(t *testing.T) {
	settings := startRabbitMQ(t)
	ctx := t.Context()

	q, err := amqp.Factory(ctx, settings, queue.Dependencies{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = q.Close(context.Background()) })

	_, err = q.Produce(ctx, "orders", []byte("poison"))
	require.NoError(t, err)

	_, err = q.Subscribe(ctx, "orders", func(ctx context.Context, msg *queue.Message, _ queue.Invocation) error {
		return msg.Reject(ctx, false)
	})
	require.NoError(t, err)

	dead := make(chan *queue.Message, 1)

	_, err = q.Subscribe(ctx, "orders.dead", func(ctx context.Context, msg *queue.Message, _ queue.Invocation) error {
		dead <- msg

		return msg.Acknowledge(ctx)
	})
	require.NoError(t, err)

	select {
	case msg := <-dead:
		assert.Equal(t, "poison", string(msg.Data))
	case <-time.After(30 * time.Second):
		t.Fatal("rejected message did not reach the dead-letter queue")
	}
}
