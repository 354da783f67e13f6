package resilience

import (
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/architeacher/svc-messaging/pkg/logger"
)

// Manager hands out pipelines per feature key. Pipelines are built once per canonical key and
// cached; concurrent first callers share a single build. A Manager is an explicit value: tests
// and services construct their own.
type Manager struct {
	mu        sync.RWMutex
	def       Policy
	overrides map[string]Policy
	pipelines map[string]*Pipeline
	gen       uint64

	flight   singleflight.Group
	retry    RetryPredicate
	observer Observer
	logger   logger.Logger

	builds atomic.Int64
}

type ManagerOption func(*Manager)

// WithDefaultPolicy sets the template used for keys without an override.
func WithDefaultPolicy(p Policy) ManagerOption {
	return func(m *Manager) {
		m.def = p
	}
}

// WithPolicy registers an override for every key starting with segments.
func WithPolicy(p Policy, segments ...string) ManagerOption {
	return func(m *Manager) {
		m.overrides[NewKey(segments...).String()] = p
	}
}

func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithLogger receives pipeline build failures.
func WithLogger(l logger.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger.OrNop(l)
	}
}

func WithRetryPredicate(fn RetryPredicate) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.retry = fn
		}
	}
}

func NewManager(opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		def:       DefaultPolicy(),
		overrides: make(map[string]Policy),
		pipelines: make(map[string]*Pipeline),
		retry:     RetryAll,
		observer:  NopObserver{},
		logger:    logger.Nop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	if err := m.def.Validate(); err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}

	delete(m.overrides, "")

	for key, p := range m.overrides {
		if err := p.Merge(m.def).Validate(); err != nil {
			return nil, fmt.Errorf("policy %q: %w", key, err)
		}
	}

	return m, nil
}

// Register adds an override for every key starting with segments. Pipelines already built keep
// their policy until Reset.
func (m *Manager) Register(p Policy, segments ...string) error {
	key := NewKey(segments...)
	if key.IsEmpty() {
		return ErrInvalidKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := p.Merge(m.def).Validate(); err != nil {
		return fmt.Errorf("policy %q: %w", key, err)
	}

	m.overrides[key.String()] = p

	return nil
}

// ReplacePolicies swaps the default template and every override, keyed by canonical key, and
// drops the cache.
func (m *Manager) ReplacePolicies(def Policy, overrides map[string]Policy) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("default policy: %w", err)
	}

	next := make(map[string]Policy, len(overrides))

	for canonical, p := range overrides {
		key, err := ParseKey(canonical)
		if err != nil {
			return err
		}

		if err := p.Merge(def).Validate(); err != nil {
			return fmt.Errorf("policy %q: %w", canonical, err)
		}

		next[key.String()] = p
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.def = def
	m.overrides = next
	m.dropLocked()

	return nil
}

// Reset drops every cached pipeline.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dropLocked()
}

func (m *Manager) dropLocked() {
	m.pipelines = make(map[string]*Pipeline)
	m.gen++
}

// Policies returns the default template and a copy of the overrides.
func (m *Manager) Policies() (Policy, map[string]Policy) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.def, maps.Clone(m.overrides)
}

// GetPipeline returns the pipeline for keys, or nil when keys normalise to nothing or the
// pipeline cannot be built (the failure goes to the WithLogger logger). A nil pipeline executes
// operations unwrapped.
func (m *Manager) GetPipeline(keys []string) *Pipeline {
	return m.pipeline(NewKey(keys...))
}

// ComposePipeline layers an operation key onto a queue key, e.g. ["Queue"] + ["Produce", topic].
func (m *Manager) ComposePipeline(queueKeys, operationKeys []string) *Pipeline {
	return m.pipeline(ComposeKey(queueKeys, operationKeys))
}

func (m *Manager) pipeline(key Key) *Pipeline {
	if m == nil || key.IsEmpty() {
		return nil
	}

	canonical := key.String()

	m.mu.RLock()
	p, ok := m.pipelines[canonical]
	m.mu.RUnlock()

	if ok {
		return p
	}

	v, _, _ := m.flight.Do(canonical, func() (any, error) {
		m.mu.RLock()
		p, ok := m.pipelines[canonical]
		policy, gen := m.resolveLocked(key), m.gen
		m.mu.RUnlock()

		if ok {
			return p, nil
		}

		built, err := newPipeline(key, policy, m.retry, m.observer)
		if err != nil {
			// Nothing is cached, so the next call builds again.
			m.logger.Error().Err(err).Str("key", canonical).Msg("failed to build resilience pipeline, running unguarded")

			return (*Pipeline)(nil), nil
		}

		m.builds.Add(1)

		m.mu.Lock()
		defer m.mu.Unlock()

		if existing, ok := m.pipelines[canonical]; ok {
			return existing, nil
		}

		if m.gen == gen {
			m.pipelines[canonical] = built
		}

		return built, nil
	})

	p, _ = v.(*Pipeline)

	return p
}

// resolveLocked picks the override registered for the longest prefix of key and merges it onto
// the default template.
func (m *Manager) resolveLocked(key Key) Policy {
	for n := key.Len(); n > 0; n-- {
		if p, ok := m.overrides[key.Prefix(n).String()]; ok {
			return p.Merge(m.def)
		}
	}

	return m.def
}
