package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"

	"github.com/openrlm/rlm-go/delegate"
	"github.com/openrlm/rlm-go/llm"
	"github.com/openrlm/rlm-go/resilience"
	"github.com/openrlm/rlm-go/session"
	"github.com/openrlm/rlm-go/tools"
	"github.com/openrlm/rlm-go/types"
)

// DefaultOffloadThreshold is the serialized-context size above which
// rlm_call stores the payload in the memory store and hands the child a
// retrieval reference instead of the raw data.
const DefaultOffloadThreshold = 2000

// DefaultExecuteTimeout bounds one script invocation.
const DefaultExecuteTimeout = 30 * time.Second

// Runtime wires scripts to the rest of the engine: delegation through
// the dispatcher, shared state through the ledger, and every host bridge
// through the resilience executor so scripts cannot bypass breakers or
// budgets.
type Runtime struct {
	host       Host
	state      *SessionState
	ledger     *session.Ledger
	dispatcher *delegate.Dispatcher
	executor   *resilience.Executor
	memory     *tools.Memory
	provider   llm.Provider
	fileTool   tools.Tool

	offloadThreshold int
	timeout          time.Duration
}

type RuntimeOption func(*Runtime)

func WithHost(host Host) RuntimeOption {
	return func(r *Runtime) {
		if host != nil {
			r.host = host
		}
	}
}

func WithMemory(memory *tools.Memory) RuntimeOption {
	return func(r *Runtime) {
		if memory != nil {
			r.memory = memory
		}
	}
}

func WithProvider(provider llm.Provider) RuntimeOption {
	return func(r *Runtime) { r.provider = provider }
}

func WithOffloadThreshold(threshold int) RuntimeOption {
	return func(r *Runtime) {
		if threshold > 0 {
			r.offloadThreshold = threshold
		}
	}
}

func WithExecuteTimeout(timeout time.Duration) RuntimeOption {
	return func(r *Runtime) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

func NewRuntime(ledger *session.Ledger, dispatcher *delegate.Dispatcher, executor *resilience.Executor, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		host:             NewStarlarkHost(),
		state:            NewSessionState(),
		ledger:           ledger,
		dispatcher:       dispatcher,
		executor:         executor,
		memory:           tools.NewMemory(),
		fileTool:         tools.NewFileSystem(),
		offloadThreshold: DefaultOffloadThreshold,
		timeout:          DefaultExecuteTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runtime) State() *SessionState { return r.state }

func (r *Runtime) Memory() *tools.Memory { return r.memory }

// Execute runs code in the named scope. Variables the script assigns at
// top level persist into later invocations with the same scope id.
func (r *Runtime) Execute(ctx context.Context, sess *session.Session, scopeID, code string) (any, error) {
	scope := r.state.Scope(scopeID)

	bindings := make(map[string]any, len(scope)+16)
	for k, v := range scope {
		bindings[k] = v
	}
	for name, builtin := range r.builtins(sess, scope) {
		bindings[name] = builtin
	}

	res, err := r.host.Execute(ctx, code, bindings, r.timeout)
	if err != nil {
		return nil, err
	}
	r.state.Update(scopeID, res.Globals)
	return res.Value, nil
}

// builtins constructs the rlm_* primitives bound to one session.
// rlm_call resolves context_keys against the executing script's globals
// first and falls back to the scope snapshot, so assignments made
// earlier in the same invocation are visible.
func (r *Runtime) builtins(sess *session.Session, scope map[string]any) map[string]*starlark.Builtin {
	return map[string]*starlark.Builtin{
		"rlm_call":             r.callBuiltin(sess, scope),
		"rlm_map":              r.mapBuiltin(sess),
		"rlm_filter":           r.filterBuiltin(sess),
		"rlm_reduce":           r.reduceBuiltin(sess),
		"rlm_shared_get":       r.sharedGetBuiltin(sess),
		"rlm_shared_set":       r.sharedSetBuiltin(sess),
		"rlm_shared_increment": r.sharedIncrementBuiltin(sess),
		"rlm_read_file":        r.readFileBuiltin(),
		"rlm_write_file":       r.writeFileBuiltin(),
		"rlm_llm":              r.llmBuiltin(),
	}
}

func (r *Runtime) callBuiltin(sess *session.Session, scope map[string]any) *starlark.Builtin {
	return starlark.NewBuiltin("rlm_call", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var task string
		var contextKeys *starlark.List
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "task", &task, "context_keys?", &contextKeys); err != nil {
			return nil, err
		}

		summary, err := r.buildSummary(scope, moduleGlobals(thread), contextKeys)
		if err != nil {
			return nil, err
		}

		out, err := r.dispatchOne(threadContext(thread), sess, task, summary)
		if err != nil {
			return nil, err
		}
		return starlark.String(out), nil
	})
}

// buildSummary serializes the requested scope variables; oversized
// payloads go to the memory store and the child receives only the
// retrieval reference. A variable assigned during the current execution
// wins over the persisted snapshot of the same name.
func (r *Runtime) buildSummary(scope map[string]any, live starlark.StringDict, contextKeys *starlark.List) (string, error) {
	if contextKeys == nil || contextKeys.Len() == 0 {
		return "", nil
	}
	payload := make(map[string]any, contextKeys.Len())
	for i := 0; i < contextKeys.Len(); i++ {
		key, ok := contextKeys.Index(i).(starlark.String)
		if !ok {
			return "", fmt.Errorf("context_keys must be strings, got %s", contextKeys.Index(i).Type())
		}
		name := string(key)
		if value, ok := live[name]; ok {
			payload[name] = fromStarlark(value)
		} else if value, ok := scope[name]; ok {
			payload[name] = value
		} else {
			return "", fmt.Errorf("context key %q is not defined in this scope", name)
		}
	}
	serialized, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("context is not serializable: %w", err)
	}
	if len(serialized) <= r.offloadThreshold {
		return "Context: " + string(serialized), nil
	}
	id := r.memory.Offload(string(serialized))
	return fmt.Sprintf("Context is large and was stored; fetch it with memory_store {\"operation\":\"get\",\"namespace\":\"offload\",\"key\":%q}", id), nil
}

// dispatchOne routes a delegation through the resilience executor so the
// call tool's breaker and retry policy apply to script-issued work too.
func (r *Runtime) dispatchOne(ctx context.Context, sess *session.Session, task, summary string) (string, error) {
	args, err := json.Marshal(map[string]any{"task": task, "summary": summary})
	if err != nil {
		return "", err
	}
	out, err := r.executor.Execute(ctx, r.dispatcher.CallTool(sess), args)
	if err != nil {
		return "", err
	}
	m, ok := out.(map[string]any)
	if !ok {
		return fmt.Sprint(out), nil
	}
	if msg, ok := m["error"].(string); ok && msg != "" {
		return "", errors.New(msg)
	}
	result, _ := m["result"].(string)
	return result, nil
}

// buildTasks applies a script-side builder function to every item.
func buildTasks(thread *starlark.Thread, builder starlark.Callable, items *starlark.List) ([]string, error) {
	tasks := make([]string, items.Len())
	for i := 0; i < items.Len(); i++ {
		out, err := starlark.Call(thread, builder, starlark.Tuple{items.Index(i)}, nil)
		if err != nil {
			return nil, fmt.Errorf("task builder failed for item %d: %w", i, err)
		}
		s, ok := out.(starlark.String)
		if !ok {
			return nil, fmt.Errorf("task builder must return a string, got %s", out.Type())
		}
		tasks[i] = string(s)
	}
	return tasks, nil
}

func (r *Runtime) fanOut(ctx context.Context, sess *session.Session, tasks []string) []delegate.ParallelResult {
	return r.dispatcher.CallParallel(ctx, sess, tasks, delegate.CallOptions{})
}

func (r *Runtime) mapBuiltin(sess *session.Session) *starlark.Builtin {
	return starlark.NewBuiltin("rlm_map", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var items *starlark.List
		var builder starlark.Callable
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "items", &items, "task_builder", &builder); err != nil {
			return nil, err
		}
		tasks, err := buildTasks(thread, builder, items)
		if err != nil {
			return nil, err
		}

		results := r.fanOut(threadContext(thread), sess, tasks)
		out := make([]starlark.Value, len(results))
		for i, res := range results {
			if res.Err != nil {
				d := starlark.NewDict(1)
				_ = d.SetKey(starlark.String("error"), starlark.String(res.Err.Error()))
				out[i] = d
				continue
			}
			out[i] = starlark.String(res.Result)
		}
		return starlark.NewList(out), nil
	})
}

func (r *Runtime) filterBuiltin(sess *session.Session) *starlark.Builtin {
	return starlark.NewBuiltin("rlm_filter", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var items *starlark.List
		var builder starlark.Callable
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "items", &items, "task_builder", &builder); err != nil {
			return nil, err
		}
		tasks, err := buildTasks(thread, builder, items)
		if err != nil {
			return nil, err
		}

		results := r.fanOut(threadContext(thread), sess, tasks)
		var kept []starlark.Value
		for i, res := range results {
			if res.Err != nil {
				continue
			}
			if isAffirmative(res.Result) {
				kept = append(kept, items.Index(i))
			}
		}
		return starlark.NewList(kept), nil
	})
}

func (r *Runtime) reduceBuiltin(sess *session.Session) *starlark.Builtin {
	return starlark.NewBuiltin("rlm_reduce", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var items *starlark.List
		var builder starlark.Callable
		var combine string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "items", &items, "task_builder", &builder, "combine_task", &combine); err != nil {
			return nil, err
		}
		tasks, err := buildTasks(thread, builder, items)
		if err != nil {
			return nil, err
		}

		ctx := threadContext(thread)
		results := r.fanOut(ctx, sess, tasks)
		var parts []string
		for _, res := range results {
			if res.Err != nil {
				parts = append(parts, "error: "+res.Err.Error())
				continue
			}
			parts = append(parts, res.Result)
		}

		task := combine + "\n\nPartial results:\n- " + strings.Join(parts, "\n- ")
		out, err := r.dispatchOne(ctx, sess, task, "")
		if err != nil {
			return nil, err
		}
		return starlark.String(out), nil
	})
}

// isAffirmative interprets a child's verdict for rlm_filter.
func isAffirmative(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y", "1", "keep":
		return true
	}
	return false
}

func (r *Runtime) sharedGetBuiltin(sess *session.Session) *starlark.Builtin {
	return starlark.NewBuiltin("rlm_shared_get", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var key string
		var fallback starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "default?", &fallback); err != nil {
			return nil, err
		}
		if value, ok := r.ledger.SharedGet(sess, key); ok {
			return toStarlark(value), nil
		}
		return fallback, nil
	})
}

func (r *Runtime) sharedSetBuiltin(sess *session.Session) *starlark.Builtin {
	return starlark.NewBuiltin("rlm_shared_set", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var key string
		var value starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "value", &value); err != nil {
			return nil, err
		}
		r.ledger.SharedSet(sess, key, fromStarlark(value))
		return starlark.None, nil
	})
}

func (r *Runtime) sharedIncrementBuiltin(sess *session.Session) *starlark.Builtin {
	return starlark.NewBuiltin("rlm_shared_increment", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var key string
		delta := 1.0
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "delta?", &delta); err != nil {
			return nil, err
		}
		return starlark.Float(r.ledger.SharedIncrement(sess, key, delta)), nil
	})
}

func (r *Runtime) readFileBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("rlm_read_file", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
			return nil, err
		}
		out, err := r.fileOp(threadContext(thread), map[string]any{"operation": "read", "path": path})
		if err != nil {
			return nil, err
		}
		return toStarlark(out), nil
	})
}

func (r *Runtime) writeFileBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("rlm_write_file", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path, content string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "content", &content); err != nil {
			return nil, err
		}
		if _, err := r.fileOp(threadContext(thread), map[string]any{"operation": "write", "path": path, "content": content}); err != nil {
			return nil, err
		}
		return starlark.None, nil
	})
}

func (r *Runtime) fileOp(ctx context.Context, op map[string]any) (any, error) {
	args, err := json.Marshal(op)
	if err != nil {
		return nil, err
	}
	out, err := r.executor.Execute(ctx, r.fileTool, args)
	if err != nil {
		return nil, err
	}
	if fr, ok := out.(*tools.FileResult); ok {
		if !fr.Success {
			return nil, errors.New(fr.Error)
		}
		return fr.Data, nil
	}
	return out, nil
}

func (r *Runtime) llmBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("rlm_llm", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var prompt string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "prompt", &prompt); err != nil {
			return nil, err
		}
		if r.provider == nil {
			return nil, errors.New("no model provider configured")
		}

		out, err := r.executor.Execute(threadContext(thread), r.llmTool(), mustJSON(map[string]any{"prompt": prompt}))
		if err != nil {
			return nil, err
		}
		s, _ := out.(string)
		return starlark.String(s), nil
	})
}

// llmTool wraps a single-turn chat so model calls from scripts share the
// breaker and retry policy of every other tool.
func (r *Runtime) llmTool() tools.Tool {
	return tools.NewFuncTool("llm", "Single-turn model chat.", nil,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var input struct {
				Prompt string `json:"prompt"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return nil, err
			}
			resp, err := r.provider.Generate(ctx, types.Request{
				Messages: []types.Message{{Role: types.RoleUser, Content: input.Prompt}},
			})
			if err != nil {
				return nil, err
			}
			return resp.Message.Content, nil
		})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
