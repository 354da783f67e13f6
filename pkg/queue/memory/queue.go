// Package memory is an in-process queue driver. Topics keep their full log, so a consumer
// group that subscribes late still sees every message; each group has its own cursor,
// redelivery list, in-flight set and dead letters.
package memory

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/architeacher/svc-messaging/pkg/logger"
	"github.com/architeacher/svc-messaging/pkg/queue"
)

const DriverName = "memory"

var errOffline = errors.New("memory backend offline")

// Record is a stored message as seen by inspection helpers.
type Record struct {
	ID           string
	Data         []byte
	Metadata     map[string]string
	PartitionKey string
	Timestamp    time.Time
	ExpiresAt    time.Time
	Deliveries   int
}

type group struct {
	cursor      int
	redeliver   []*Record
	inflight    map[string]*Record
	attempts    map[string]int
	deadLetters []*Record
	notify      chan struct{}
}

func newGroup() *group {
	return &group{
		inflight: make(map[string]*Record),
		attempts: make(map[string]int),
		notify:   make(chan struct{}, 1),
	}
}

func (g *group) wake() {
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

type topic struct {
	log    []*Record
	groups map[string]*group
}

// Queue is the in-memory implementation of queue.Queue.
type Queue struct {
	mu     sync.Mutex
	topics map[string]*topic
	seq    atomic.Uint64

	subs      queue.SubscriptionSet
	closed    atomic.Bool
	connected atomic.Bool

	logger logger.Logger
}

type Option func(*Queue)

func WithLogger(l logger.Logger) Option {
	return func(q *Queue) {
		q.logger = logger.OrNop(l)
	}
}

func New(opts ...Option) *Queue {
	q := &Queue{
		topics: make(map[string]*topic),
		logger: logger.Nop(),
	}
	q.connected.Store(true)

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Factory builds a memory queue. Settings are ignored.
func Factory(_ context.Context, _ queue.ConnectionSettings, deps queue.Dependencies) (queue.Queue, error) {
	return New(WithLogger(deps.Logger)), nil
}

func (q *Queue) Driver() string {
	return DriverName
}

func (q *Queue) IsConnected() bool {
	return q.connected.Load() && !q.closed.Load()
}

func (q *Queue) available() error {
	if q.closed.Load() {
		return queue.ErrQueueClosed
	}

	if !q.connected.Load() {
		return queue.ConnectionError(errOffline)
	}

	return nil
}

func (q *Queue) Produce(ctx context.Context, topicName string, data []byte, opts ...queue.ProduceOption) (string, error) {
	if err := queue.ValidateTopic(topicName); err != nil {
		return "", queue.NewError(DriverName, "produce", topicName, err)
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := q.available(); err != nil {
		return "", queue.NewError(DriverName, "produce", topicName, err)
	}

	o := queue.ApplyProduceOptions(opts...)
	now := time.Now()

	rec := &Record{
		ID:           strconv.FormatUint(q.seq.Add(1), 10),
		Data:         slices.Clone(data),
		Metadata:     maps.Clone(o.Metadata),
		PartitionKey: o.PartitionKey,
		Timestamp:    now,
		ExpiresAt:    o.ExpiresAt(now),
	}

	q.mu.Lock()
	t := q.topicLocked(topicName)
	t.log = append(t.log, rec)
	for _, g := range t.groups {
		g.wake()
	}
	q.mu.Unlock()

	return rec.ID, nil
}

func (q *Queue) Subscribe(ctx context.Context, topicName string, handler queue.Handler, opts ...queue.SubscribeOption) (*queue.Subscription, error) {
	if err := queue.ValidateTopic(topicName); err != nil {
		return nil, queue.NewError(DriverName, "subscribe", topicName, err)
	}

	if handler == nil {
		return nil, queue.NewError(DriverName, "subscribe", topicName, queue.ErrNilHandler)
	}

	if err := q.available(); err != nil {
		return nil, queue.NewError(DriverName, "subscribe", topicName, err)
	}

	o := queue.ApplySubscribeOptions(append([]queue.SubscribeOption{queue.WithSubscriptionLogger(q.logger)}, opts...)...)
	groupName := o.ConsumerGroup

	loopCtx, stop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})

	var sub *queue.Subscription
	sub = queue.NewSubscription(topicName, handler, o, func(ctx context.Context) error {
		stop()

		select {
		case <-loopDone:
		case <-ctx.Done():
		}

		q.subs.Remove(sub)
		q.releaseInflight(topicName, groupName)

		return nil
	})

	if err := q.subs.Add(sub); err != nil {
		stop()

		return nil, queue.NewError(DriverName, "subscribe", topicName, err)
	}

	q.mu.Lock()
	g := q.groupLocked(topicName, groupName)
	q.mu.Unlock()

	if err := sub.Start(o.LifetimeOr(ctx)); err != nil {
		stop()
		q.subs.Remove(sub)

		return nil, queue.NewError(DriverName, "subscribe", topicName, err)
	}

	go q.consume(loopCtx, loopDone, sub, topicName, groupName, g)

	return sub, nil
}

func (q *Queue) consume(ctx context.Context, done chan<- struct{}, sub *queue.Subscription, topicName, groupName string, g *group) {
	defer close(done)

	for {
		rec, attempt, ok := q.next(topicName, groupName)
		if !ok {
			select {
			case <-g.notify:
				continue
			case <-ctx.Done():
				return
			}
		}

		msg := queue.NewMessage(topicName, rec.ID, slices.Clone(rec.Data), &acker{q: q, topic: topicName, group: groupName, rec: rec, attempt: attempt})
		msg.Metadata = maps.Clone(rec.Metadata)
		msg.PartitionKey = rec.PartitionKey
		msg.Timestamp = rec.Timestamp
		msg.ExpiresAt = rec.ExpiresAt
		msg.DeliveryCount = attempt

		if err := sub.Deliver(ctx, msg); err != nil {
			return
		}
	}
}

// next pops the next record for the group, preferring redeliveries, and marks it in flight.
func (q *Queue) next(topicName, groupName string) (*Record, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.topicLocked(topicName)
	g := q.groupLocked(topicName, groupName)

	var rec *Record

	switch {
	case len(g.redeliver) > 0:
		rec = g.redeliver[0]
		g.redeliver = g.redeliver[1:]
	case g.cursor < len(t.log):
		rec = t.log[g.cursor]
		g.cursor++
	default:
		return nil, 0, false
	}

	g.attempts[rec.ID]++
	g.inflight[rec.ID] = rec

	return rec, g.attempts[rec.ID], true
}

// settle applies the outcome of one delivery. Settlements of an earlier delivery of the same
// record are ignored.
func (q *Queue) settle(topicName, groupName string, rec *Record, attempt int, requeue, deadLetter bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	g := q.groupLocked(topicName, groupName)
	if _, ok := g.inflight[rec.ID]; !ok || g.attempts[rec.ID] != attempt {
		return
	}

	delete(g.inflight, rec.ID)

	if !requeue {
		defer delete(g.attempts, rec.ID)
	}

	switch {
	case requeue:
		g.redeliver = append(g.redeliver, rec)
		g.wake()
	case deadLetter:
		dead := *rec
		dead.Deliveries = g.attempts[rec.ID]
		g.deadLetters = append(g.deadLetters, &dead)
	}
}

// releaseInflight hands unsettled deliveries of a departing consumer back to its group.
func (q *Queue) releaseInflight(topicName, groupName string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	g := q.groupLocked(topicName, groupName)

	ids := slices.Sorted(maps.Keys(g.inflight))
	for _, id := range ids {
		g.redeliver = append(g.redeliver, g.inflight[id])
	}

	clear(g.inflight)
}

func (q *Queue) topicLocked(name string) *topic {
	t, ok := q.topics[name]
	if !ok {
		t = &topic{groups: make(map[string]*group)}
		q.topics[name] = t
	}

	return t
}

func (q *Queue) groupLocked(topicName, groupName string) *group {
	t := q.topicLocked(topicName)

	g, ok := t.groups[groupName]
	if !ok {
		g = newGroup()
		t.groups[groupName] = g
	}

	return g
}

func (q *Queue) Unsubscribe(ctx context.Context, sub *queue.Subscription) error {
	if sub == nil {
		return nil
	}

	return sub.Close(ctx)
}

func (q *Queue) Close(ctx context.Context) error {
	if q.closed.Swap(true) {
		return nil
	}

	return q.subs.CloseAll(ctx)
}

// Disconnect simulates losing the backend: produce fails with a connection error and every
// subscription closes with queue.ErrConnectionLost.
func (q *Queue) Disconnect() {
	q.connected.Store(false)
	q.subs.FailAll(errOffline)
}

// Reconnect restores a disconnected queue.
func (q *Queue) Reconnect() {
	q.connected.Store(true)
}

// DeadLetters returns the records rejected without requeue by the group.
func (q *Queue) DeadLetters(topicName, groupName string) []Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	g := q.groupLocked(topicName, groupName)

	out := make([]Record, 0, len(g.deadLetters))
	for _, rec := range g.deadLetters {
		out = append(out, *rec)
	}

	return out
}

// Backlog returns how many messages the group has yet to receive.
func (q *Queue) Backlog(topicName, groupName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.topicLocked(topicName)
	g := q.groupLocked(topicName, groupName)

	return len(t.log) - g.cursor + len(g.redeliver)
}

// acker settles one delivery; attempt identifies it among redeliveries of rec.
type acker struct {
	q       *Queue
	topic   string
	group   string
	rec     *Record
	attempt int
}

func (a *acker) Ack(context.Context) error {
	a.q.settle(a.topic, a.group, a.rec, a.attempt, false, false)

	return nil
}

func (a *acker) Nack(_ context.Context, requeue bool) error {
	a.q.settle(a.topic, a.group, a.rec, a.attempt, requeue, !requeue)

	return nil
}
