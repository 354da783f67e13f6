package resilience

import (
	"context"
	"errors"
	"fmt"
	"maps"
)

// ExecutionContext carries an inbound request and the routing metadata used to decide which
// executor applies.
type ExecutionContext struct {
	Method      string
	Path        string
	Body        []byte
	RouteValues map[string]string
	Metadata    map[string]string
}

type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeNotApplicable
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeNotApplicable:
		return "not_applicable"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is what an executor produced: a value, "not applicable" (try the next executor) or a
// failure.
type Result struct {
	Outcome Outcome
	Value   any
	Err     error
}

func Applied(v any) Result {
	return Result{Outcome: OutcomeApplied, Value: v}
}

func NotApplicable() Result {
	return Result{Outcome: OutcomeNotApplicable, Err: ErrNotApplicable}
}

func Failed(err error) Result {
	return Result{Outcome: OutcomeFailed, Err: err}
}

func (r Result) IsApplied() bool { return r.Outcome == OutcomeApplied }

// notApplicable also treats a failure caused by ErrNotApplicable as a request to move on.
func (r Result) notApplicable() bool {
	return r.Outcome == OutcomeNotApplicable || (r.Outcome == OutcomeFailed && errors.Is(r.Err, ErrNotApplicable))
}

type Executor interface {
	Execute(ctx context.Context, ec *ExecutionContext) Result
}

type ExecutorFunc func(ctx context.Context, ec *ExecutionContext) Result

func (f ExecutorFunc) Execute(ctx context.Context, ec *ExecutionContext) Result {
	return f(ctx, ec)
}

// Chain tries executors in order. The first Applied or Failed result wins; NotApplicable moves
// on to the next executor and finally to the fallback. A Chain never returns NotApplicable:
// when nothing resolves the context the result fails with ErrUnresolved.
type Chain struct {
	executors []Executor
	fallback  Executor
}

func NewChain(fallback Executor, executors ...Executor) *Chain {
	return &Chain{executors: executors, fallback: fallback}
}

func (c *Chain) Execute(ctx context.Context, ec *ExecutionContext) Result {
	for _, e := range c.executors {
		if err := ctx.Err(); err != nil {
			return Failed(err)
		}

		if r := e.Execute(ctx, ec); !r.notApplicable() {
			return r
		}
	}

	if c.fallback == nil {
		return Failed(unresolved(ec, nil))
	}

	if err := ctx.Err(); err != nil {
		return Failed(err)
	}

	r := c.fallback.Execute(ctx, ec)
	if r.notApplicable() {
		return Failed(unresolved(ec, r.Err))
	}

	return r
}

// unresolved builds the terminal failure. The cause is kept as text only so the result can
// never match ErrNotApplicable.
func unresolved(ec *ExecutionContext, cause error) error {
	var target string
	if ec != nil {
		target = ec.Method + " " + ec.Path
	}

	if cause == nil || cause.Error() == ErrNotApplicable.Error() {
		return fmt.Errorf("%w: %s", ErrUnresolved, target)
	}

	return fmt.Errorf("%w: %s: %s", ErrUnresolved, target, cause.Error())
}

// KeyFunc selects the feature key of a context.
type KeyFunc func(ec *ExecutionContext) []string

// Invocation is the work a FallbackExecutor runs for a minimal context.
type Invocation func(ctx context.Context, ec *ExecutionContext) (any, error)

// FallbackExecutor is the terminal link of a chain. It rebuilds a minimal context (body and
// route values only) and runs invoke through the pipeline selected by key. It never returns
// NotApplicable: an invocation failing with ErrNotApplicable yields ErrUnresolved.
type FallbackExecutor struct {
	manager *Manager
	key     KeyFunc
	invoke  Invocation
}

func NewFallbackExecutor(manager *Manager, key KeyFunc, invoke Invocation) *FallbackExecutor {
	return &FallbackExecutor{manager: manager, key: key, invoke: invoke}
}

func (f *FallbackExecutor) Execute(ctx context.Context, ec *ExecutionContext) Result {
	if ec == nil || f.invoke == nil {
		return Failed(unresolved(ec, errors.New("missing execution context")))
	}

	minimal := &ExecutionContext{
		Body:        ec.Body,
		RouteValues: maps.Clone(ec.RouteValues),
	}

	var keys []string
	if f.key != nil {
		keys = f.key(ec)
	}

	value, err := ExecuteValue(ctx, f.manager.GetPipeline(keys), func(ctx context.Context) (any, error) {
		return f.invoke(ctx, minimal)
	})

	switch {
	case errors.Is(err, ErrNotApplicable):
		return Failed(unresolved(ec, err))
	case err != nil:
		return Failed(err)
	}

	return Applied(value)
}
