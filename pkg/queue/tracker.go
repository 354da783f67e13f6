package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Dependencies are the collaborators a Factory may use.
type Dependencies struct {
	Logger Logger
}

// SubscriptionSet tracks the live subscriptions of one Queue, keyed by (topic, group).
// Drivers embed it to share duplicate detection and bulk teardown.
type SubscriptionSet struct {
	mu     sync.Mutex
	byKey  map[string]*Subscription
	closed bool
}

func subscriptionKey(topic, group string) string {
	return topic + "\x00" + group
}

// Add registers sub. It fails with ErrDuplicateSubscription when (topic, group) is taken and
// with ErrQueueClosed once CloseAll ran.
func (set *SubscriptionSet) Add(sub *Subscription) error {
	set.mu.Lock()
	defer set.mu.Unlock()

	if set.closed {
		return ErrQueueClosed
	}

	if set.byKey == nil {
		set.byKey = make(map[string]*Subscription)
	}

	key := subscriptionKey(sub.Topic(), sub.Group())
	if _, ok := set.byKey[key]; ok {
		return fmt.Errorf("%w: topic %q group %q", ErrDuplicateSubscription, sub.Topic(), sub.Group())
	}

	set.byKey[key] = sub

	return nil
}

// Remove forgets sub if it is still the registered owner of its key.
func (set *SubscriptionSet) Remove(sub *Subscription) {
	set.mu.Lock()
	defer set.mu.Unlock()

	key := subscriptionKey(sub.Topic(), sub.Group())
	if set.byKey[key] == sub {
		delete(set.byKey, key)
	}
}

// Len returns the number of live subscriptions.
func (set *SubscriptionSet) Len() int {
	set.mu.Lock()
	defer set.mu.Unlock()

	return len(set.byKey)
}

func (set *SubscriptionSet) snapshot() []*Subscription {
	set.mu.Lock()
	defer set.mu.Unlock()

	subs := make([]*Subscription, 0, len(set.byKey))
	for _, sub := range set.byKey {
		subs = append(subs, sub)
	}

	return subs
}

// FailAll closes every subscription with a connection-lost cause.
func (set *SubscriptionSet) FailAll(cause error) {
	for _, sub := range set.snapshot() {
		sub.Fail(cause)
	}
}

// CloseAll closes every subscription and refuses new ones.
func (set *SubscriptionSet) CloseAll(ctx context.Context) error {
	set.mu.Lock()
	set.closed = true
	set.mu.Unlock()

	var errs []error

	for _, sub := range set.snapshot() {
		if err := sub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
