package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openrlm/rlm-go/observe"
	"github.com/openrlm/rlm-go/tools"
)

// ToolResolver locates a tool by name, used for fallback routing and
// dead-letter replay.
type ToolResolver func(name string) (tools.Tool, bool)

// Executor wraps every tool invocation uniformly: circuit breaker check,
// retry-wrapped execution, and a dead-letter push on final failure.
// Delegation tools and the sandbox entrypoint go through the same path.
type Executor struct {
	registry    *Registry
	policy      RetryPolicy
	dlq         DeadLetter
	resolver    ToolResolver
	toolTimeout time.Duration
	observer    observe.Sink
}

type ExecutorOption func(*Executor)

func WithRetryPolicy(policy RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.policy = NormalizeRetryPolicy(policy) }
}

func WithDeadLetter(dlq DeadLetter) ExecutorOption {
	return func(e *Executor) {
		if dlq != nil {
			e.dlq = dlq
		}
	}
}

func WithToolResolver(resolver ToolResolver) ExecutorOption {
	return func(e *Executor) { e.resolver = resolver }
}

func WithToolTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) {
		if timeout >= 0 {
			e.toolTimeout = timeout
		}
	}
}

func WithObserver(observer observe.Sink) ExecutorOption {
	return func(e *Executor) {
		if observer != nil {
			e.observer = observer
		}
	}
}

func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	if registry == nil {
		registry = NewRegistry()
	}
	e := &Executor{
		registry: registry,
		policy:   DefaultRetryPolicy(),
		dlq:      NewMemoryDeadLetter(),
		observer: observe.NoopSink{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Registry() *Registry { return e.registry }

func (e *Executor) DeadLetter() DeadLetter { return e.dlq }

// Execute runs one tool call through the full resilience path.
func (e *Executor) Execute(ctx context.Context, tool tools.Tool, args json.RawMessage) (any, error) {
	name := tool.Definition().Name
	breaker := e.registry.Breaker(name)

	if err := breaker.Allow(); err != nil {
		// Tripped breaker: skip retries entirely; serve the fallback
		// if one is configured, otherwise dead-letter the rejection.
		if fb := breaker.Fallback(); fb != "" && e.resolver != nil {
			if fbTool, ok := e.resolver(fb); ok {
				return e.Execute(ctx, fbTool, args)
			}
		}
		e.deadLetter(ctx, name, args, err, 0)
		return nil, err
	}

	out, err := Retry(ctx, e.policy, func(ctx context.Context) (any, error) {
		return e.executeOnce(ctx, tool, args)
	})
	if err == nil {
		breaker.RecordSuccess()
		return out, nil
	}

	if breaker.RecordFailure() {
		e.emit(ctx, observe.Event{
			Kind:     observe.KindCircuit,
			Status:   observe.StatusFailed,
			ToolName: name,
			Message:  "circuit tripped",
			Error:    err.Error(),
		})
	}

	retries := 1
	if IsRetryable(err) {
		retries = e.policy.MaxAttempts
	}
	e.deadLetter(ctx, name, args, err, retries)
	return nil, err
}

func (e *Executor) executeOnce(ctx context.Context, tool tools.Tool, args json.RawMessage) (any, error) {
	toolCtx := ctx
	cancel := func() {}
	if e.toolTimeout > 0 {
		toolCtx, cancel = context.WithTimeout(ctx, e.toolTimeout)
	}
	out, err := tool.Execute(toolCtx, args)
	cancel()
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &TimeoutError{Op: tool.Definition().Name, Elapsed: e.toolTimeout.String()}
	}
	return out, err
}

// RetryFailed replays a dead-lettered operation with its stored
// arguments. The record is removed first: on success it stays gone, on
// failure the normal failure path queues a fresh record.
func (e *Executor) RetryFailed(ctx context.Context, id string) (any, error) {
	op, err := e.dlq.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.resolver == nil {
		return nil, fmt.Errorf("no tool resolver configured for dead letter retry")
	}
	tool, ok := e.resolver(op.Tool)
	if !ok {
		return nil, fmt.Errorf("tool %q not found for dead letter retry", op.Tool)
	}
	if err := e.dlq.Remove(ctx, id); err != nil {
		return nil, err
	}
	return e.Execute(ctx, tool, op.Args)
}

func (e *Executor) deadLetter(ctx context.Context, tool string, args json.RawMessage, cause error, retries int) {
	id, err := e.dlq.Push(ctx, FailedOperation{
		Tool:    tool,
		Args:    args,
		Error:   cause.Error(),
		Retries: retries,
	})
	if err != nil {
		return
	}
	e.emit(ctx, observe.Event{
		Kind:     observe.KindCircuit,
		Status:   observe.StatusFailed,
		ToolName: tool,
		Name:     "dead_lettered",
		Message:  fmt.Sprintf("operation dead-lettered as %s", id),
		Error:    cause.Error(),
	})
}

func (e *Executor) emit(ctx context.Context, event observe.Event) {
	if e.observer == nil {
		return
	}
	_ = e.observer.Emit(ctx, event)
}
