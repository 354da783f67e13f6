package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/architeacher/svc-messaging/pkg/queue"
)

const waitFor = 2 * time.Second

// fakeCluster keeps one log per topic. Every reader of a topic sees the whole log, which is
// enough for single-group tests.
type fakeCluster struct {
	mu        sync.Mutex
	logs      map[string][]kafka.Message
	notify    chan struct{}
	acks      map[kafka.RequiredAcks]int
	committed []kafka.Message
	writeErr  error
	fetchErr  error
	groups    []string
	starts    []int64
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		logs:   make(map[string][]kafka.Message),
		notify: make(chan struct{}, 1),
		acks:   make(map[kafka.RequiredAcks]int),
	}
}

type fakeWriter struct {
	c    *fakeCluster
	acks kafka.RequiredAcks
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()

	if w.c.writeErr != nil {
		return w.c.writeErr
	}

	for _, m := range msgs {
		m.Offset = int64(len(w.c.logs[m.Topic]))
		w.c.logs[m.Topic] = append(w.c.logs[m.Topic], m)
		w.c.acks[w.acks]++
	}

	select {
	case w.c.notify <- struct{}{}:
	default:
	}

	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	c      *fakeCluster
	topic  string
	cursor int
	closed bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		r.c.mu.Lock()
		if r.c.fetchErr != nil {
			err := r.c.fetchErr
			r.c.mu.Unlock()

			return kafka.Message{}, err
		}

		if log := r.c.logs[r.topic]; r.cursor < len(log) {
			m := log[r.cursor]
			r.cursor++
			r.c.mu.Unlock()

			return m, nil
		}
		r.c.mu.Unlock()

		select {
		case <-r.c.notify:
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		}
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()

	r.c.committed = append(r.c.committed, msgs...)

	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true

	return nil
}

func (c *fakeCluster) writer(_ Config, acks kafka.RequiredAcks) writer {
	return &fakeWriter{c: c, acks: acks}
}

func (c *fakeCluster) reader(_ Config, topic, group string, start int64, _ int) reader {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.groups = append(c.groups, group)
	c.starts = append(c.starts, start)

	return &fakeReader{c: c, topic: topic}
}

func (c *fakeCluster) log(topic string) []kafka.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]kafka.Message(nil), c.logs[topic]...)
}

func (c *fakeCluster) commits() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.committed)
}

func newTestQueue(t *testing.T, c *fakeCluster, cfg Config) *Queue {
	t.Helper()

	if len(cfg.Brokers) == 0 {
		cfg.Brokers = []string{"localhost:9092"}
	}

	if cfg.ClientID == "" {
		cfg.ClientID = "test"
	}

	q := New(cfg, withFactories(c.writer, c.reader))
	t.Cleanup(func() { _ = q.Close(context.Background()) })

	return q
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}

	return ""
}

func TestConfigFromSettings(t *testing.T) {
	t.Parallel()

	settings, err := queue.ParseConnectionString(DriverName, "server=k1:9092, k2:9092;dead_letter_topic=orders.dlq")
	require.NoError(t, err)

	cfg, err := ConfigFromSettings(settings)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers)
	assert.Equal(t, "orders.dlq", cfg.DeadLetterTopic)

	_, err = ConfigFromSettings(queue.NewConnectionSettings(DriverName))
	require.ErrorIs(t, err, queue.ErrInvalidArgument)

	_, err = ConfigFromSettings(settings.With(queue.Pair{Key: queue.SettingDeadLetterTopic, Value: "bad/topic"}))
	require.ErrorIs(t, err, queue.ErrInvalidTopic)
}

func TestValidateTopic(t *testing.T) {
	t.Parallel()

	for topic, valid := range map[string]bool{
		"orders":         true,
		"orders.v1_new-": true,
		"orders/created": false,
		"..":             false,
		"":               false,
	} {
		assert.Equal(t, valid, validateTopic(topic) == nil, topic)
	}
}

func TestQueue_ProduceMapsOptions(t *testing.T) {
	t.Parallel()

	c := newFakeCluster()
	q := newTestQueue(t, c, Config{})

	id, err := q.Produce(t.Context(), "orders", []byte("payload"),
		queue.WithPartitionKey("customer-1"),
		queue.WithExpiry(time.Hour),
		queue.WithMetadata(map[string]string{"trace": "abc"}),
	)
	require.NoError(t, err)

	_, err = q.Produce(t.Context(), "orders", []byte("fire-and-forget"), queue.WithDurability(queue.Transient))
	require.NoError(t, err)

	log := c.log("orders")
	require.Len(t, log, 2)

	assert.Equal(t, id, header(log[0], headerMessageID))
	assert.Equal(t, "customer-1", string(log[0].Key))
	assert.Equal(t, "abc", header(log[0], "trace"))
	assert.NotEmpty(t, header(log[0], headerExpiresAt))

	assert.Equal(t, 1, c.acks[kafka.RequireAll])
	assert.Equal(t, 1, c.acks[kafka.RequireOne])
}

func TestQueue_ProduceWriteFailureIsRetryable(t *testing.T) {
	t.Parallel()

	c := newFakeCluster()
	c.writeErr = errors.New("dial tcp: connection refused")

	q := newTestQueue(t, c, Config{})

	_, err := q.Produce(t.Context(), "orders", []byte("x"))
	require.ErrorIs(t, err, queue.ErrConnection)
	assert.True(t, queue.IsRetryable(err))
}

func TestQueue_SubscribeCommitsOnAck(t *testing.T) {
	t.Parallel()

	c := newFakeCluster()
	q := newTestQueue(t, c, Config{})

	id, err := q.Produce(t.Context(), "orders", []byte("payload"), queue.WithPartitionKey("customer-1"))
	require.NoError(t, err)

	received := make(chan *queue.Message, 1)

	sub, err := q.Subscribe(t.Context(), "orders", func(ctx context.Context, msg *queue.Message, _ queue.Invocation) error {
		received <- msg

		return msg.Acknowledge(ctx)
	}, queue.WithConsumerGroup("billing"))
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, id, msg.ID)
		assert.Equal(t, "customer-1", msg.PartitionKey)
		assert.Equal(t, 1, msg.DeliveryCount)
	case <-time.After(waitFor):
		t.Fatal("message not delivered")
	}

	assert.Eventually(t, func() bool { return c.commits() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"billing"}, c.groups)
	assert.Equal(t, []int64{kafka.FirstOffset}, c.starts)

	require.NoError(t, q.Unsubscribe(t.Context(), sub))
	assert.Equal(t, queue.Closed, sub.State())
}

func TestQueue_AnonymousSubscriptionStartsAtTail(t *testing.T) {
	t.Parallel()

	c := newFakeCluster()
	q := newTestQueue(t, c, Config{ClientID: "svc"})

	_, err := q.Subscribe(t.Context(), "orders", func(context.Context, *queue.Message, queue.Invocation) error { return nil })
	require.NoError(t, err)

	require.Len(t, c.groups, 1)
	assert.Contains(t, c.groups[0], "svc-")
	assert.Equal(t, []int64{kafka.LastOffset}, c.starts)
}

func TestQueue_RequeueAppendsCopy(t *testing.T) {
	t.Parallel()

	c := newFakeCluster()
	q := newTestQueue(t, c, Config{})

	type delivery struct {
		id    string
		count int
	}

	deliveries := make(chan delivery, 2)

	_, err := q.Subscribe(t.Context(), "orders", func(ctx context.Context, msg *queue.Message, inv queue.Invocation) error {
		deliveries <- delivery{id: msg.ID, count: inv.DeliveryCount}

		if inv.DeliveryCount == 1 {
			return msg.Reject(ctx, true)
		}

		return msg.Acknowledge(ctx)
	}, queue.WithConsumerGroup("billing"))
	require.NoError(t, err)

	id, err := q.Produce(t.Context(), "orders", []byte("payload"))
	require.NoError(t, err)

	for _, expected := range []int{1, 2} {
		select {
		case d := <-deliveries:
			assert.Equal(t, id, d.id)
			assert.Equal(t, expected, d.count)
		case <-time.After(waitFor):
			t.Fatalf("delivery %d missing", expected)
		}
	}

	assert.Len(t, c.log("orders"), 2)
	assert.Eventually(t, func() bool { return c.commits() == 2 }, waitFor, 5*time.Millisecond)
}

func TestQueue_RejectMovesToDeadLetterTopic(t *testing.T) {
	t.Parallel()

	c := newFakeCluster()
	q := newTestQueue(t, c, Config{DeadLetterTopic: "orders.dlq"})

	_, err := q.Subscribe(t.Context(), "orders", func(ctx context.Context, msg *queue.Message, _ queue.Invocation) error {
		return msg.Reject(ctx, false)
	}, queue.WithConsumerGroup("billing"))
	require.NoError(t, err)

	id, err := q.Produce(t.Context(), "orders", []byte("poison"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(c.log("orders.dlq")) == 1 }, waitFor, 5*time.Millisecond)

	dead := c.log("orders.dlq")[0]
	assert.Equal(t, id, header(dead, headerMessageID))
	assert.Equal(t, "1", header(dead, headerDeliveryCount))
	assert.Eventually(t, func() bool { return c.commits() == 1 }, waitFor, 5*time.Millisecond)
}

func TestQueue_FetchErrorFailsSubscription(t *testing.T) {
	t.Parallel()

	c := newFakeCluster()
	q := newTestQueue(t, c, Config{})

	sub, err := q.Subscribe(t.Context(), "orders", func(context.Context, *queue.Message, queue.Invocation) error { return nil },
		queue.WithConsumerGroup("billing"))
	require.NoError(t, err)

	c.mu.Lock()
	c.fetchErr = errors.New("broker unreachable")
	c.mu.Unlock()

	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("subscription did not close")
	}

	require.ErrorIs(t, sub.Err(), queue.ErrConnectionLost)
}

func TestQueue_Close(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, newFakeCluster(), Config{})

	require.NoError(t, q.Close(t.Context()))
	assert.False(t, q.IsConnected())

	_, err := q.Produce(t.Context(), "orders", []byte("x"))
	require.ErrorIs(t, err, queue.ErrQueueClosed)

	_, err = q.Subscribe(t.Context(), "orders", func(context.Context, *queue.Message, queue.Invocation) error { return nil })
	require.ErrorIs(t, err, queue.ErrQueueClosed)
}
