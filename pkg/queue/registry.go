package queue

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/architeacher/svc-messaging/pkg/logger"
)

// Registry maps driver names to factories and tracks the queues it opened.
// It is an explicit value: independent registries never share state.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Factory
	active  map[*registeredQueue]struct{}
	logger  logger.Logger
}

type RegistryOption func(*Registry)

func WithRegistryLogger(l logger.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger.OrNop(l)
	}
}

// WithDriver registers a factory at construction time.
func WithDriver(name string, factory Factory) RegistryOption {
	return func(r *Registry) {
		r.drivers[normalizeKey(name)] = factory
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		drivers: make(map[string]Factory),
		active:  make(map[*registeredQueue]struct{}),
		logger:  logger.Nop(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// RegisterDriver adds or replaces the factory for name.
func (r *Registry) RegisterDriver(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.drivers[normalizeKey(name)] = factory
}

// Drivers lists the registered driver names in sorted order.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.drivers))
}

// Open builds a queue for settings.Driver() and tracks it until it is closed.
func (r *Registry) Open(ctx context.Context, settings ConnectionSettings) (Queue, error) {
	r.mu.RLock()
	factory, ok := r.drivers[settings.Driver()]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, settings.Driver())
	}

	q, err := factory(ctx, settings, Dependencies{Logger: r.logger})
	if err != nil {
		return nil, fmt.Errorf("open %s queue: %w", settings.Driver(), err)
	}

	rq := &registeredQueue{Queue: q, registry: r}

	r.mu.Lock()
	r.active[rq] = struct{}{}
	r.mu.Unlock()

	r.logger.Info().Str("driver", settings.Driver()).Str("settings", settings.Redacted()).Msg("queue opened")

	return rq, nil
}

// Active returns a snapshot of the open queues.
func (r *Registry) Active() []Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Queue, 0, len(r.active))
	for q := range r.active {
		out = append(out, q)
	}

	return out
}

// Len returns the number of open queues.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.active)
}

// Close closes every open queue concurrently.
func (r *Registry) Close(ctx context.Context) error {
	var g errgroup.Group

	for _, q := range r.Active() {
		g.Go(func() error {
			return q.Close(ctx)
		})
	}

	return g.Wait()
}

func (r *Registry) unregister(q *registeredQueue) {
	r.mu.Lock()
	delete(r.active, q)
	r.mu.Unlock()
}

// registeredQueue unregisters itself from its registry when closed.
type registeredQueue struct {
	Queue

	registry *Registry
	once     sync.Once
}

func (q *registeredQueue) Close(ctx context.Context) error {
	err := q.Queue.Close(ctx)

	q.once.Do(func() {
		q.registry.unregister(q)
	})

	return err
}
