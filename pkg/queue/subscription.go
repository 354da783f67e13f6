package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/architeacher/svc-messaging/pkg/logger"
)

const settleTimeout = 5 * time.Second

// dispatcherKey marks the ctx handed to a handler with the subscription dispatching it.
type dispatcherKey struct{}

// State is the lifecycle state of a Subscription.
type State int32

const (
	Created State = iota
	Active
	Paused
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Invocation describes the delivery a handler is being called for.
type Invocation struct {
	SubscriptionID string
	ConsumerGroup  string
	DeliveryCount  int
	ReceivedAt     time.Time
}

// Handler processes one message. Business failures are signalled by calling msg.Reject;
// a returned error (or panic) is a fault that aborts dispatch unless an error handler is set.
type Handler func(ctx context.Context, msg *Message, inv Invocation) error

// Subscription is one registered consumer on a topic. Messages are handed to its handler one at
// a time, in the order the driver delivered them.
type Subscription struct {
	id       string
	topic    string
	handler  Handler
	opts     SubscribeOptions
	teardown func(context.Context) error
	logger   logger.Logger

	inbox   chan *Message
	closing chan struct{}
	done    chan struct{}

	closeOnce    sync.Once
	finalizeOnce sync.Once

	// deliverMu lets finalize wait out concurrent Deliver calls before draining the inbox.
	deliverMu sync.RWMutex
	sealed    bool

	mu      sync.Mutex
	state   State
	gate    chan struct{}
	err     error
	cancel  context.CancelFunc
	started bool
	// leased holds dispatched messages that may still be Pending.
	leased []*Message
}

// NewSubscription is called by drivers. teardown releases the backend registration and runs
// once, after the last handler invocation returned.
func NewSubscription(topic string, handler Handler, opts SubscribeOptions, teardown func(context.Context) error) *Subscription {
	if teardown == nil {
		teardown = func(context.Context) error { return nil }
	}

	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	gate := make(chan struct{})
	close(gate)

	return &Subscription{
		id:       uuid.NewString(),
		topic:    topic,
		handler:  handler,
		opts:     opts,
		teardown: teardown,
		logger:   logger.OrNop(opts.Logger),
		inbox:    make(chan *Message, prefetch),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		gate:     gate,
		cancel:   func() {},
	}
}

func (s *Subscription) ID() string    { return s.id }
func (s *Subscription) Topic() string { return s.topic }
func (s *Subscription) Group() string { return s.opts.ConsumerGroup }

// Done is closed once the subscription reached Closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Err returns the terminal cause, or nil when the subscription is open or was closed on request.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Start moves the subscription to Active and begins dispatch. Cancelling ctx closes it.
func (s *Subscription) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Created {
		st := s.state
		s.mu.Unlock()

		return fmt.Errorf("%w: cannot start %s subscription", ErrInvalidArgument, st)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.state = Active
	s.started = true
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(runCtx)

	return nil
}

// Pause suspends delivery while keeping the backend registration.
func (s *Subscription) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Paused:
		return nil
	case Active:
		s.state = Paused
		s.gate = make(chan struct{})

		return nil
	default:
		return fmt.Errorf("%w: cannot pause %s subscription", ErrSubscriptionClosed, s.state)
	}
}

// Resume restarts delivery of a paused subscription.
func (s *Subscription) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Active:
		return nil
	case Paused:
		s.state = Active
		close(s.gate)

		return nil
	default:
		return fmt.Errorf("%w: cannot resume %s subscription", ErrSubscriptionClosed, s.state)
	}
}

// Deliver enqueues msg for the handler, blocking while the inbox is full. Once the subscription
// is closing the message is released back to the backend and ErrSubscriptionClosed is returned.
func (s *Subscription) Deliver(ctx context.Context, msg *Message) error {
	s.deliverMu.RLock()
	defer s.deliverMu.RUnlock()

	if s.sealed {
		s.releaseMessage(msg)

		return ErrSubscriptionClosed
	}

	select {
	case s.inbox <- msg:
		return nil
	case <-s.closing:
		s.releaseMessage(msg)

		return ErrSubscriptionClosed
	case <-ctx.Done():
		s.releaseMessage(msg)

		return ctx.Err()
	}
}

// Fail closes the subscription because the backend is gone. Err will match ErrConnectionLost.
func (s *Subscription) Fail(cause error) {
	if !errors.Is(cause, ErrConnectionLost) {
		cause = fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	}

	s.signalClose(cause)
}

// Close stops delivery, waits for the in-flight handler to return and releases the backend
// registration. When ctx ends first the handler's context is cancelled and Close waits for it
// to return before reporting ctx.Err(). Close is idempotent.
//
// A handler closing its own subscription must pass its ctx (or one derived from it): Close then
// only signals and returns, and the subscription reaches Closed once the handler returns.
func (s *Subscription) Close(ctx context.Context) error {
	s.signalClose(nil)

	if owner, _ := ctx.Value(dispatcherKey{}).(*Subscription); owner == s {
		return nil
	}

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	if !started {
		s.finalize()
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()

		cancel()
		<-s.done

		return ctx.Err()
	}
}

func (s *Subscription) signalClose(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()

		close(s.closing)
	})
}

func (s *Subscription) run(ctx context.Context) {
	defer s.finalize()

	for {
		select {
		case <-s.closing:
			return
		default:
		}

		select {
		case <-s.closing:
			return
		case <-ctx.Done():
			s.signalClose(nil)

			return
		case msg := <-s.inbox:
			if !s.waitUnpaused(ctx) {
				s.releaseMessage(msg)

				return
			}

			s.dispatch(ctx, msg)
		}
	}
}

func (s *Subscription) waitUnpaused(ctx context.Context) bool {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()

	select {
	case <-gate:
		return true
	case <-s.closing:
		return false
	case <-ctx.Done():
		s.signalClose(nil)

		return false
	}
}

func (s *Subscription) dispatch(ctx context.Context, msg *Message) {
	now := time.Now()

	if msg.Expired(now) {
		settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
		defer cancel()

		if _, err := msg.expire(settleCtx, false); err != nil {
			s.logger.Warn().Err(err).Str("topic", s.topic).Str("message_id", msg.ID).Msg("failed to drop expired message")
		}

		return
	}

	s.track(msg)
	msg.startLease(s.opts.AckWindow, func() { s.leaseExpired(msg) })

	err := s.invoke(context.WithValue(ctx, dispatcherKey{}, s), msg, Invocation{
		SubscriptionID: s.id,
		ConsumerGroup:  s.opts.ConsumerGroup,
		DeliveryCount:  msg.DeliveryCount,
		ReceivedAt:     now,
	})
	if err == nil {
		return
	}

	if msg.State() == Pending {
		settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
		if rejectErr := msg.Reject(settleCtx, true); rejectErr != nil && !errors.Is(rejectErr, ErrAlreadySettled) {
			s.logger.Warn().Err(rejectErr).Str("message_id", msg.ID).Msg("failed to requeue message after handler fault")
		}
		cancel()
	}

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		s.signalClose(nil)

		return
	}

	fault := fmt.Errorf("%w: %w", ErrHandlerFault, err)

	if s.opts.ErrorHandler != nil {
		s.opts.ErrorHandler(fault)

		return
	}

	s.logger.Error().Err(fault).Str("topic", s.topic).Str("subscription_id", s.id).Msg("handler fault, closing subscription")
	s.signalClose(fault)
}

// track remembers msg until it is settled so finalize can release it.
func (s *Subscription) track(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.leased = slices.DeleteFunc(s.leased, func(m *Message) bool { return m.State() != Pending })
	s.leased = append(s.leased, msg)
}

// releaseLeased hands deliveries the handler left unsettled back to the backend before the
// registration goes away, and stops their leases so none fires after teardown.
func (s *Subscription) releaseLeased() {
	s.mu.Lock()
	leased := s.leased
	s.leased = nil
	s.mu.Unlock()

	for _, msg := range leased {
		s.releaseMessage(msg)
	}
}

func (s *Subscription) invoke(ctx context.Context, msg *Message, inv Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return s.handler(ctx, msg, inv)
}

func (s *Subscription) leaseExpired(msg *Message) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	settled, err := msg.expire(ctx, true)
	if !settled {
		return
	}

	event := s.logger.Warn()
	if err != nil {
		event = event.Err(err)
	}

	event.Str("topic", s.topic).Str("message_id", msg.ID).Msg("ack window elapsed, message released for redelivery")
}

func (s *Subscription) releaseMessage(msg *Message) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if err := msg.release(ctx); err != nil {
		s.logger.Debug().Err(err).Str("message_id", msg.ID).Msg("failed to release undelivered message")
	}
}

func (s *Subscription) finalize() {
	s.finalizeOnce.Do(func() {
		s.signalClose(nil)

		s.deliverMu.Lock()
		s.sealed = true
		s.deliverMu.Unlock()

		for drained := false; !drained; {
			select {
			case msg := <-s.inbox:
				s.releaseMessage(msg)
			default:
				drained = true
			}
		}

		s.releaseLeased()

		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		if err := s.teardown(ctx); err != nil {
			s.logger.Warn().Err(err).Str("topic", s.topic).Str("subscription_id", s.id).Msg("subscription teardown failed")
		}
		cancel()

		s.mu.Lock()
		s.state = Closed
		if s.gate != nil {
			select {
			case <-s.gate:
			default:
				close(s.gate)
			}
		}
		cancelRun := s.cancel
		s.mu.Unlock()

		cancelRun()
		close(s.done)
	})
}
