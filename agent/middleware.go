package agent

import (
	"context"
	"time"

	"github.com/openrlm/rlm-go/types"
)

// Middleware hooks into the run loop around generation and tool calls.
// A non-nil error from a Before/After hook fails the run.
type Middleware interface {
	BeforeGenerate(ctx context.Context, event *GenerateMiddlewareEvent) error
	AfterGenerate(ctx context.Context, event *GenerateMiddlewareEvent) error
	BeforeTool(ctx context.Context, event *ToolMiddlewareEvent) error
	AfterTool(ctx context.Context, event *ToolMiddlewareEvent) error
	OnError(ctx context.Context, event *ErrorMiddlewareEvent)
}

// NoopMiddleware is an embeddable base; override what you need.
type NoopMiddleware struct{}

func (NoopMiddleware) BeforeGenerate(ctx context.Context, event *GenerateMiddlewareEvent) error {
	return ctx.Err()
}

func (NoopMiddleware) AfterGenerate(ctx context.Context, event *GenerateMiddlewareEvent) error {
	return ctx.Err()
}

func (NoopMiddleware) BeforeTool(ctx context.Context, event *ToolMiddlewareEvent) error {
	return ctx.Err()
}

func (NoopMiddleware) AfterTool(ctx context.Context, event *ToolMiddlewareEvent) error {
	return ctx.Err()
}

func (NoopMiddleware) OnError(ctx context.Context, event *ErrorMiddlewareEvent) {}

type GenerateMiddlewareEvent struct {
	RunID      string
	SessionID  string
	Provider   string
	Iteration  int
	StartedAt  time.Time
	FinishedAt time.Time
	Request    *types.Request
	Response   *types.Response
}

type ToolMiddlewareEvent struct {
	RunID      string
	SessionID  string
	Provider   string
	Iteration  int
	StartedAt  time.Time
	FinishedAt time.Time
	ToolCall   *types.ToolCall
	Result     *types.Message
	ToolError  error
}

type ErrorMiddlewareEvent struct {
	RunID     string
	SessionID string
	Provider  string
	Iteration int
	Stage     string
	ToolName  string
	Err       error
}

func (a *Agent) runBeforeGenerate(ctx context.Context, event *GenerateMiddlewareEvent) error {
	for _, middleware := range a.middlewares {
		if err := middleware.BeforeGenerate(ctx, event); err != nil {
			a.notifyError(ctx, &ErrorMiddlewareEvent{
				RunID:     event.RunID,
				SessionID: event.SessionID,
				Provider:  event.Provider,
				Iteration: event.Iteration,
				Stage:     "before_generate",
				Err:       err,
			})
			return err
		}
	}
	return nil
}

func (a *Agent) runAfterGenerate(ctx context.Context, event *GenerateMiddlewareEvent) error {
	for _, middleware := range a.middlewares {
		if err := middleware.AfterGenerate(ctx, event); err != nil {
			a.notifyError(ctx, &ErrorMiddlewareEvent{
				RunID:     event.RunID,
				SessionID: event.SessionID,
				Provider:  event.Provider,
				Iteration: event.Iteration,
				Stage:     "after_generate",
				Err:       err,
			})
			return err
		}
	}
	return nil
}

func (a *Agent) runBeforeTool(ctx context.Context, event *ToolMiddlewareEvent) error {
	for _, middleware := range a.middlewares {
		if err := middleware.BeforeTool(ctx, event); err != nil {
			a.notifyError(ctx, &ErrorMiddlewareEvent{
				RunID:     event.RunID,
				SessionID: event.SessionID,
				Provider:  event.Provider,
				Iteration: event.Iteration,
				Stage:     "before_tool",
				ToolName:  event.ToolCall.Name,
				Err:       err,
			})
			return err
		}
	}
	return nil
}

func (a *Agent) runAfterTool(ctx context.Context, event *ToolMiddlewareEvent) error {
	for _, middleware := range a.middlewares {
		if err := middleware.AfterTool(ctx, event); err != nil {
			a.notifyError(ctx, &ErrorMiddlewareEvent{
				RunID:     event.RunID,
				SessionID: event.SessionID,
				Provider:  event.Provider,
				Iteration: event.Iteration,
				Stage:     "after_tool",
				ToolName:  event.ToolCall.Name,
				Err:       err,
			})
			return err
		}
	}
	return nil
}

func (a *Agent) notifyError(ctx context.Context, event *ErrorMiddlewareEvent) {
	for _, middleware := range a.middlewares {
		func(m Middleware) {
			defer func() { _ = recover() }()
			m.OnError(ctx, event)
		}(middleware)
	}
}
