package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openrlm/rlm-go/delegate"
	"github.com/openrlm/rlm-go/llm"
	"github.com/openrlm/rlm-go/observe"
	"github.com/openrlm/rlm-go/resilience"
	"github.com/openrlm/rlm-go/sandbox"
	"github.com/openrlm/rlm-go/session"
	"github.com/openrlm/rlm-go/tools"
	"github.com/openrlm/rlm-go/types"
)

// Agent drives the generate / tool-call loop for one session. Every
// tool invocation, the delegation and sandbox tools included, goes
// through the resilience executor; budgets live in the session ledger.
type Agent struct {
	provider        llm.Provider
	ledger          *session.Ledger
	executor        *resilience.Executor
	dispatcher      *delegate.Dispatcher
	runtime         *sandbox.Runtime
	systemPrompt    string
	sessionKey      string
	depth           int
	maxIterations   int
	maxOutputTokens int
	providerRetry   resilience.RetryPolicy
	toolTimeout     time.Duration
	parallelTools   bool
	middlewares     []Middleware
	observer        observe.Sink

	mu        sync.RWMutex
	tools     map[string]tools.Tool
	sessionMu sync.Mutex
}

type Option func(*Agent)

func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.systemPrompt = prompt }
}

func WithMaxIterations(max int) Option {
	return func(a *Agent) {
		if max > 0 {
			a.maxIterations = max
		}
	}
}

func WithMaxOutputTokens(max int) Option {
	return func(a *Agent) {
		if max > 0 {
			a.maxOutputTokens = max
		}
	}
}

func WithRetryPolicy(policy resilience.RetryPolicy) Option {
	return func(a *Agent) {
		a.providerRetry = resilience.NormalizeRetryPolicy(policy)
	}
}

func WithToolTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout >= 0 {
			a.toolTimeout = timeout
		}
	}
}

func WithParallelToolCalls(enabled bool) Option {
	return func(a *Agent) { a.parallelTools = enabled }
}

func WithLedger(ledger *session.Ledger) Option {
	return func(a *Agent) {
		if ledger != nil {
			a.ledger = ledger
		}
	}
}

func WithExecutor(executor *resilience.Executor) Option {
	return func(a *Agent) { a.executor = executor }
}

func WithDispatcher(dispatcher *delegate.Dispatcher) Option {
	return func(a *Agent) { a.dispatcher = dispatcher }
}

func WithSandbox(runtime *sandbox.Runtime) Option {
	return func(a *Agent) { a.runtime = runtime }
}

func WithSessionKey(key string) Option {
	return func(a *Agent) {
		if key != "" {
			a.sessionKey = key
		}
	}
}

// WithDepth places the agent's session at a recursion depth; child
// agents spawned by the loopback transport run one level below their
// parent.
func WithDepth(depth int) Option {
	return func(a *Agent) {
		if depth >= 0 {
			a.depth = depth
		}
	}
}

func WithMiddleware(middlewares ...Middleware) Option {
	return func(a *Agent) {
		for _, middleware := range middlewares {
			if middleware != nil {
				a.middlewares = append(a.middlewares, middleware)
			}
		}
	}
}

func WithObserver(observer observe.Sink) Option {
	return func(a *Agent) { a.observer = observer }
}

func WithTool(tool tools.Tool) Option {
	return func(a *Agent) {
		if tool == nil {
			return
		}
		def := tool.Definition()
		if def.Name == "" {
			return
		}
		if a.tools == nil {
			a.tools = make(map[string]tools.Tool)
		}
		a.tools[def.Name] = tool
	}
}

func New(provider llm.Provider, opts ...Option) (*Agent, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}

	a := &Agent{
		provider:      provider,
		maxIterations: 6,
		tools:         make(map[string]tools.Tool),
		providerRetry: resilience.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.ledger == nil {
		a.ledger = session.NewLedger()
	}
	if a.executor == nil {
		a.executor = resilience.NewExecutor(resilience.NewRegistry(),
			resilience.WithToolResolver(a.lookupTool),
			resilience.WithToolTimeout(a.toolTimeout),
		)
	}
	a.providerRetry = resilience.NormalizeRetryPolicy(a.providerRetry)
	return a, nil
}

func (a *Agent) Ledger() *session.Ledger { return a.ledger }

func (a *Agent) Executor() *resilience.Executor { return a.executor }

func (a *Agent) Run(ctx context.Context, input string) (string, error) {
	result, err := a.RunDetailed(ctx, input)
	if err != nil {
		return "", err
	}
	return result.Output, nil
}

func (a *Agent) RunDetailed(ctx context.Context, input string) (types.RunResult, error) {
	if input == "" {
		return types.RunResult{}, errors.New("input is required")
	}

	runID := uuid.NewString()
	sessionKey := a.ensureSessionKey()
	sess := a.ledger.GetAtDepth(sessionKey, a.depth)
	startedAt := time.Now().UTC()

	// The transcript continues the session's history; only the turns
	// this run produces are appended back at the end.
	messages := append([]types.Message(nil), sess.Messages...)
	historyLen := len(messages)
	messages = append(messages, types.Message{Role: types.RoleUser, Content: input})

	toolset := a.sessionToolset(sess)
	usage := &types.Usage{}
	hasUsage := false
	events := []types.Event{{
		Type:      types.EventRunStarted,
		Timestamp: startedAt,
		RunID:     runID,
		SessionID: sessionKey,
		Provider:  a.provider.Name(),
		Depth:     sess.Depth,
		Message:   "run started",
	}}
	a.emitRuntimeEvent(ctx, events[0])

	finish := func(output string, iteration int, runErr error) (types.RunResult, error) {
		a.ledger.AppendMessages(sess, messages[historyLen:]...)
		if hasUsage {
			a.ledger.AddTokens(sess, usage.TotalTokens)
		}
		if err := a.ledger.Save(ctx, sess); err != nil {
			return types.RunResult{}, fmt.Errorf("failed to persist session: %w", err)
		}

		completedAt := time.Now().UTC()
		if runErr != nil {
			a.emitRuntimeEvent(ctx, types.Event{
				Type:      types.EventRunFailed,
				Timestamp: completedAt,
				RunID:     runID,
				SessionID: sessionKey,
				Provider:  a.provider.Name(),
				Error:     runErr.Error(),
				Message:   "run failed",
			})
			return types.RunResult{}, runErr
		}

		events = append(events, types.Event{
			Type:      types.EventRunCompleted,
			Timestamp: completedAt,
			RunID:     runID,
			SessionID: sessionKey,
			Provider:  a.provider.Name(),
			Iteration: iteration,
			Message:   "run completed",
		})
		a.emitRuntimeEvent(ctx, events[len(events)-1])

		return types.RunResult{
			Output:      output,
			Messages:    append([]types.Message(nil), messages...),
			Usage:       usageOrNil(usage, hasUsage),
			Iterations:  iteration,
			Provider:    a.provider.Name(),
			RunID:       runID,
			SessionID:   sessionKey,
			StartedAt:   &startedAt,
			CompletedAt: &completedAt,
			Events:      append([]types.Event(nil), events...),
		}, nil
	}

	for i := 0; i < a.maxIterations; i++ {
		iteration := i + 1
		req := types.Request{
			SystemPrompt:    a.systemPrompt,
			Messages:        messages,
			Tools:           toolDefinitions(toolset),
			MaxOutputTokens: a.maxOutputTokens,
		}

		genStarted := time.Now().UTC()
		events = append(events, types.Event{
			Type:      types.EventBeforeGenerate,
			Timestamp: genStarted,
			RunID:     runID,
			SessionID: sessionKey,
			Provider:  a.provider.Name(),
			Iteration: iteration,
		})
		a.emitRuntimeEvent(ctx, events[len(events)-1])

		genEvent := &GenerateMiddlewareEvent{
			RunID:     runID,
			SessionID: sessionKey,
			Provider:  a.provider.Name(),
			Iteration: iteration,
			StartedAt: genStarted,
			Request:   &req,
		}
		if err := a.runBeforeGenerate(ctx, genEvent); err != nil {
			return finish("", iteration, fmt.Errorf("middleware before-generate failed: %w", err))
		}

		resp, err := a.generateWithRetry(ctx, req)
		if err != nil {
			a.notifyError(ctx, &ErrorMiddlewareEvent{
				RunID:     runID,
				SessionID: sessionKey,
				Provider:  a.provider.Name(),
				Iteration: iteration,
				Stage:     "generate",
				Err:       err,
			})
			return finish("", iteration, fmt.Errorf("generation failed: %w", err))
		}

		genEvent.FinishedAt = time.Now().UTC()
		genEvent.Response = &resp
		if err := a.runAfterGenerate(ctx, genEvent); err != nil {
			return finish("", iteration, fmt.Errorf("middleware after-generate failed: %w", err))
		}
		events = append(events, types.Event{
			Type:      types.EventAfterGenerate,
			Timestamp: genEvent.FinishedAt,
			RunID:     runID,
			SessionID: sessionKey,
			Provider:  a.provider.Name(),
			Iteration: iteration,
		})
		a.emitRuntimeEvent(ctx, events[len(events)-1])

		if resp.Usage != nil {
			usage.InputTokens += resp.Usage.InputTokens
			usage.OutputTokens += resp.Usage.OutputTokens
			usage.TotalTokens += resp.Usage.TotalTokens
			hasUsage = true
		}

		modelMsg := resp.Message
		modelMsg.Role = types.RoleAssistant
		messages = append(messages, modelMsg)

		if len(modelMsg.ToolCalls) == 0 {
			if modelMsg.Content == "" {
				return finish("", iteration, errors.New("provider returned empty assistant content"))
			}
			return finish(modelMsg.Content, iteration, nil)
		}

		toolMessages, toolEvents, err := a.executeToolCalls(ctx, runID, sessionKey, iteration, toolset, modelMsg.ToolCalls)
		if err != nil {
			return finish("", iteration, fmt.Errorf("tool execution failed: %w", err))
		}
		events = append(events, toolEvents...)
		a.emitRuntimeEvents(ctx, toolEvents)
		messages = append(messages, toolMessages...)
	}

	return finish("", a.maxIterations, fmt.Errorf("max iterations reached (%d)", a.maxIterations))
}

// generateWithRetry retries every provider failure; unlike tool calls
// there is no breaker in front of the model, the policy alone bounds it.
func (a *Agent) generateWithRetry(ctx context.Context, req types.Request) (types.Response, error) {
	policy := a.providerRetry

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		resp, err := a.provider.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == policy.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return types.Response{}, ctx.Err()
		case <-time.After(policy.Backoff(attempt)):
		}
	}
	return types.Response{}, fmt.Errorf("provider %q failed after %d attempt(s): %w", a.provider.Name(), policy.MaxAttempts, lastErr)
}

// sessionToolset is the per-run tool table: the static tools plus the
// delegation and sandbox tools bound to this session.
func (a *Agent) sessionToolset(sess *session.Session) map[string]tools.Tool {
	a.mu.RLock()
	out := make(map[string]tools.Tool, len(a.tools)+3)
	for name, tool := range a.tools {
		out[name] = tool
	}
	a.mu.RUnlock()

	if a.dispatcher != nil {
		call := a.dispatcher.CallTool(sess)
		out[call.Definition().Name] = call
		parallel := a.dispatcher.CallParallelTool(sess)
		out[parallel.Definition().Name] = parallel
	}
	if a.runtime != nil {
		code := a.runtime.Tool(sess)
		out[code.Definition().Name] = code
	}
	return out
}

func (a *Agent) lookupTool(name string) (tools.Tool, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	tool, ok := a.tools[name]
	return tool, ok
}

func toolDefinitions(toolset map[string]tools.Tool) []types.ToolDefinition {
	defs := make([]types.ToolDefinition, 0, len(toolset))
	for _, tool := range toolset {
		defs = append(defs, tool.Definition())
	}
	return defs
}

func (a *Agent) executeToolCalls(
	ctx context.Context,
	runID string,
	sessionKey string,
	iteration int,
	toolset map[string]tools.Tool,
	calls []types.ToolCall,
) ([]types.Message, []types.Event, error) {
	results := make([]types.Message, len(calls))
	eventSets := make([][]types.Event, len(calls))

	if a.parallelTools && len(calls) > 1 {
		var (
			wg       sync.WaitGroup
			errMu    sync.Mutex
			firstErr error
		)
		wg.Add(len(calls))
		for i, call := range calls {
			go func(i int, call types.ToolCall) {
				defer wg.Done()
				msg, evs, err := a.executeOneToolCall(ctx, runID, sessionKey, iteration, toolset, call)
				if err != nil {
					errMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					errMu.Unlock()
					return
				}
				results[i] = msg
				eventSets[i] = evs
			}(i, call)
		}
		wg.Wait()
		if firstErr != nil {
			return nil, nil, firstErr
		}
	} else {
		for i, call := range calls {
			msg, evs, err := a.executeOneToolCall(ctx, runID, sessionKey, iteration, toolset, call)
			if err != nil {
				return nil, nil, err
			}
			results[i] = msg
			eventSets[i] = evs
		}
	}

	flat := make([]types.Event, 0, len(calls)*2)
	for _, evs := range eventSets {
		flat = append(flat, evs...)
	}
	return results, flat, nil
}

func (a *Agent) executeOneToolCall(
	ctx context.Context,
	runID string,
	sessionKey string,
	iteration int,
	toolset map[string]tools.Tool,
	call types.ToolCall,
) (types.Message, []types.Event, error) {
	startedAt := time.Now().UTC()
	events := []types.Event{{
		Type:       types.EventBeforeTool,
		Timestamp:  startedAt,
		RunID:      runID,
		SessionID:  sessionKey,
		Provider:   a.provider.Name(),
		Iteration:  iteration,
		ToolName:   call.Name,
		ToolCallID: call.ID,
	}}

	toolEvent := &ToolMiddlewareEvent{
		RunID:     runID,
		SessionID: sessionKey,
		Provider:  a.provider.Name(),
		Iteration: iteration,
		StartedAt: startedAt,
		ToolCall:  &call,
	}
	if err := a.runBeforeTool(ctx, toolEvent); err != nil {
		return types.Message{}, nil, err
	}

	tool, ok := toolset[call.Name]
	var (
		payload any
		toolErr error
	)
	if !ok {
		toolErr = fmt.Errorf("tool %q not found", call.Name)
		payload = map[string]any{"error": toolErr.Error()}
	} else {
		args := call.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		// The executor owns breakers, retries, fallbacks and the dead
		// letter queue. Failures become structured results so the model
		// can react instead of the run dying.
		out, err := a.executor.Execute(ctx, tool, args)
		if err != nil {
			toolErr = err
			payload = map[string]any{"error": err.Error()}
		} else {
			payload = out
		}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		encoded = []byte(fmt.Sprintf(`{"error":"failed to encode tool output","detail":%q}`, err.Error()))
	}
	result := types.Message{
		Role:       types.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    string(encoded),
	}

	toolEvent.FinishedAt = time.Now().UTC()
	toolEvent.Result = &result
	toolEvent.ToolError = toolErr
	if err := a.runAfterTool(ctx, toolEvent); err != nil {
		return types.Message{}, nil, err
	}
	if toolEvent.Result != nil {
		result = *toolEvent.Result
	}

	afterEvent := types.Event{
		Type:       types.EventAfterTool,
		Timestamp:  toolEvent.FinishedAt,
		RunID:      runID,
		SessionID:  sessionKey,
		Provider:   a.provider.Name(),
		Iteration:  iteration,
		ToolName:   call.Name,
		ToolCallID: call.ID,
	}
	if toolErr != nil {
		afterEvent.Error = toolErr.Error()
	}
	events = append(events, afterEvent)

	return result, events, nil
}

func (a *Agent) ensureSessionKey() string {
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()

	if a.sessionKey == "" {
		a.sessionKey = uuid.NewString()
	}
	return a.sessionKey
}

func usageOrNil(usage *types.Usage, hasUsage bool) *types.Usage {
	if !hasUsage || usage == nil {
		return nil
	}
	out := *usage
	return &out
}

func (a *Agent) emitRuntimeEvents(ctx context.Context, events []types.Event) {
	for _, event := range events {
		a.emitRuntimeEvent(ctx, event)
	}
}

func (a *Agent) emitRuntimeEvent(ctx context.Context, event types.Event) {
	if a == nil || a.observer == nil {
		return
	}
	_ = a.observer.Emit(ctx, observe.FromRuntimeEvent(event))
}
