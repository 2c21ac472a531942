package sandbox

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/openrlm/rlm-go/resilience"
)

// Result is the outcome of one script execution. Value holds the value
// of the script when it is a single expression, nil otherwise; Globals
// holds every top-level variable the script assigned.
type Result struct {
	Value   any
	Globals map[string]any
}

// Host runs untrusted scripts against a set of named bindings. The
// engine only depends on this contract, not on the script language.
type Host interface {
	Execute(ctx context.Context, code string, bindings map[string]any, timeout time.Duration) (*Result, error)
}

const ctxLocalKey = "sandbox.ctx"

// Cancel reasons the host hands to the interpreter. The interpreter
// reports them as "Starlark computation cancelled: <reason>", which is
// how hostError tells a host-imposed stop from a script fault whose
// message merely mentions a timeout.
const (
	cancelledMarker = "Starlark computation cancelled"
	deadlineReason  = "execution deadline exceeded"
	ctxDoneReason   = "context done"
)

// threadContext recovers the Go context a builtin runs under.
func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(ctxLocalKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// moduleGlobals returns the globals the executing script has assigned
// so far, located through the innermost script function on the call
// stack. Nil when no script frame is active.
func moduleGlobals(thread *starlark.Thread) starlark.StringDict {
	for depth := 0; depth < thread.CallStackDepth(); depth++ {
		if fn, ok := thread.DebugFrame(depth).Callable().(*starlark.Function); ok {
			return fn.Globals()
		}
	}
	return nil
}

// StarlarkHost executes Starlark with top-level control flow enabled.
type StarlarkHost struct{}

func NewStarlarkHost() *StarlarkHost { return &StarlarkHost{} }

func fileOptions() *syntax.FileOptions {
	return &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
		Recursion:       true,
	}
}

func (h *StarlarkHost) Execute(ctx context.Context, code string, bindings map[string]any, timeout time.Duration) (*Result, error) {
	env := make(starlark.StringDict, len(bindings))
	for name, value := range bindings {
		env[name] = toStarlark(value)
	}

	thread := &starlark.Thread{Name: "sandbox"}
	thread.SetLocal(ctxLocalKey, ctx)

	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() { thread.Cancel(deadlineReason) })
		defer timer.Stop()
	}
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctxDoneReason) })
	defer stop()

	opts := fileOptions()

	// A bare expression evaluates to its value; anything else runs as a
	// program whose assignments become the result globals.
	if expr, err := syntax.ParseExpr("sandbox.star", code, 0); err == nil {
		val, err := starlark.EvalExprOptions(opts, thread, expr, env)
		if err != nil {
			return nil, hostError(err, timeout)
		}
		return &Result{Value: fromStarlark(val)}, nil
	}

	globals, err := starlark.ExecFileOptions(opts, thread, "sandbox.star", code, env)
	if err != nil {
		return nil, hostError(err, timeout)
	}

	res := &Result{Globals: make(map[string]any, len(globals))}
	for name, val := range globals {
		switch val.(type) {
		case *starlark.Function, *starlark.Builtin:
			// Functions survive in the scope as-is so later invocations
			// can call them; they never serialize.
			res.Globals[name] = val
		default:
			res.Globals[name] = fromStarlark(val)
		}
	}
	if val, ok := globals["result"]; ok {
		res.Value = fromStarlark(val)
	}
	return res, nil
}

// hostError maps a host-cancelled thread to the engine's error
// taxonomy: only the host's own deadline becomes a retryable timeout.
// Script faults, including ones whose message mentions a timeout, pass
// through as plain script errors.
func hostError(err error, timeout time.Duration) error {
	if msg := err.Error(); strings.Contains(msg, cancelledMarker) {
		if strings.Contains(msg, deadlineReason) {
			return &resilience.TimeoutError{Op: "script execution", Elapsed: timeout.String()}
		}
		return fmt.Errorf("script cancelled: %w", context.Canceled)
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return fmt.Errorf("script error: %s", evalErr.Msg)
	}
	return fmt.Errorf("script error: %w", err)
}

// toStarlark converts a Go value into its Starlark counterpart.
// starlark.Value bindings (builtins in particular) pass through.
func toStarlark(v any) starlark.Value {
	switch v := v.(type) {
	case nil:
		return starlark.None
	case starlark.Value:
		return v
	case bool:
		return starlark.Bool(v)
	case string:
		return starlark.String(v)
	case []byte:
		return starlark.Bytes(v)
	case int:
		return starlark.MakeInt(v)
	case int32:
		return starlark.MakeInt(int(v))
	case int64:
		return starlark.MakeInt64(v)
	case uint64:
		return starlark.MakeUint64(v)
	case float32:
		return starlark.Float(v)
	case float64:
		return starlark.Float(v)
	case []any:
		elems := make([]starlark.Value, len(v))
		for i, e := range v {
			elems[i] = toStarlark(e)
		}
		return starlark.NewList(elems)
	case map[string]any:
		d := starlark.NewDict(len(v))
		for k, val := range v {
			_ = d.SetKey(starlark.String(k), toStarlark(val))
		}
		return d
	}

	value := reflect.ValueOf(v)
	switch value.Kind() {
	case reflect.Slice, reflect.Array:
		n := value.Len()
		elems := make([]starlark.Value, n)
		for i := 0; i < n; i++ {
			elems[i] = toStarlark(value.Index(i).Interface())
		}
		return starlark.NewList(elems)
	case reflect.Map:
		d := starlark.NewDict(value.Len())
		iter := value.MapRange()
		for iter.Next() {
			_ = d.SetKey(
				toStarlark(iter.Key().Interface()),
				toStarlark(iter.Value().Interface()),
			)
		}
		return d
	case reflect.Pointer, reflect.Interface:
		elem := value.Elem()
		if !elem.IsValid() {
			return starlark.None
		}
		return toStarlark(elem.Interface())
	}
	return starlark.String(fmt.Sprint(v))
}

// fromStarlark converts a Starlark value back into plain Go data.
func fromStarlark(v starlark.Value) any {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(v)
	case starlark.String:
		return string(v)
	case starlark.Bytes:
		return string(v)
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i
		}
		return v.String()
	case starlark.Float:
		return float64(v)
	case *starlark.List:
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = fromStarlark(v.Index(i))
		}
		return out
	case starlark.Tuple:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = fromStarlark(e)
		}
		return out
	case *starlark.Dict:
		out := make(map[string]any, v.Len())
		for _, item := range v.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				out[item[0].String()] = fromStarlark(item[1])
				continue
			}
			out[string(key)] = fromStarlark(item[1])
		}
		return out
	}
	if v == nil {
		return nil
	}
	return v.String()
}
