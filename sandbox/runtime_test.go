package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/openrlm/rlm-go/delegate"
	"github.com/openrlm/rlm-go/resilience"
	"github.com/openrlm/rlm-go/session"
)

func newTestRuntime(t *testing.T, runner delegate.Runner, opts ...RuntimeOption) (*Runtime, *session.Ledger, *session.Session) {
	t.Helper()
	ledger := session.NewLedger()
	d := delegate.NewDispatcher(ledger, delegate.NewLoopback(runner), delegate.WithTimeout(time.Second))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = d.Stop() })

	executor := resilience.NewExecutor(resilience.NewRegistry(),
		resilience.WithRetryPolicy(resilience.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	r := NewRuntime(ledger, d, executor, opts...)
	return r, ledger, ledger.Get("s1")
}

func echoRunner(ctx context.Context, sub delegate.Subtask) (string, error) {
	return "echo:" + sub.Task, nil
}

func TestScopePersistsAcrossInvocations(t *testing.T) {
	r, _, sess := newTestRuntime(t, echoRunner)

	if _, err := r.Execute(context.Background(), sess, "scope-a", "x = 10"); err != nil {
		t.Fatalf("first invocation failed: %v", err)
	}
	out, err := r.Execute(context.Background(), sess, "scope-a", "x + 5")
	if err != nil {
		t.Fatalf("second invocation failed: %v", err)
	}
	if out != int64(15) {
		t.Fatalf("expected 15, got %v (%T)", out, out)
	}
}

func TestScopesAreIsolated(t *testing.T) {
	r, _, sess := newTestRuntime(t, echoRunner)

	if _, err := r.Execute(context.Background(), sess, "scope-a", "x = 10"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if _, err := r.Execute(context.Background(), sess, "scope-b", "x + 5"); err == nil {
		t.Fatal("a fresh scope must not see another scope's variables")
	}
}

func TestRlmCallDelegates(t *testing.T) {
	runner := func(ctx context.Context, sub delegate.Subtask) (string, error) {
		if sub.Task != "what is 2+2" {
			t.Errorf("unexpected task %q", sub.Task)
		}
		return "4", nil
	}
	r, _, sess := newTestRuntime(t, runner)

	out, err := r.Execute(context.Background(), sess, "s", `rlm_call("what is 2+2")`)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out != "4" {
		t.Fatalf("expected 4, got %v", out)
	}
	if sess.CallCount != 1 {
		t.Fatalf("delegation must be charged, CallCount=%d", sess.CallCount)
	}
}

func TestRlmCallInlinesSmallContext(t *testing.T) {
	var summary string
	runner := func(ctx context.Context, sub delegate.Subtask) (string, error) {
		summary = sub.Summary
		return "ok", nil
	}
	r, _, sess := newTestRuntime(t, runner)

	if _, err := r.Execute(context.Background(), sess, "s", `note = "short"`); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if _, err := r.Execute(context.Background(), sess, "s", `rlm_call("summarize", context_keys=["note"])`); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(summary, `"note":"short"`) {
		t.Fatalf("small context must travel inline, got %q", summary)
	}
}

func TestRlmCallSeesSameExecutionAssignments(t *testing.T) {
	var summary string
	runner := func(ctx context.Context, sub delegate.Subtask) (string, error) {
		summary = sub.Summary
		return "ok", nil
	}
	r, _, sess := newTestRuntime(t, runner)

	code := `
x = "fresh"
result = rlm_call("summarize", context_keys=["x"])
`
	out, err := r.Execute(context.Background(), sess, "s", code)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out != "ok" {
		t.Fatalf("expected ok, got %v", out)
	}
	if !strings.Contains(summary, `"x":"fresh"`) {
		t.Fatalf("assignment from the same execution must be visible, got %q", summary)
	}

	// A reassignment beats the value persisted by an earlier invocation.
	if _, err := r.Execute(context.Background(), sess, "s", `y = "stale"`); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	code = `
y = "current"
result = rlm_call("summarize", context_keys=["y"])
`
	if _, err := r.Execute(context.Background(), sess, "s", code); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(summary, `"y":"current"`) {
		t.Fatalf("reassigned variable must win over the snapshot, got %q", summary)
	}
}

func TestRlmCallOffloadsLargeContext(t *testing.T) {
	var summary string
	runner := func(ctx context.Context, sub delegate.Subtask) (string, error) {
		summary = sub.Summary
		return "ok", nil
	}
	r, _, sess := newTestRuntime(t, runner, WithOffloadThreshold(50))

	if _, err := r.Execute(context.Background(), sess, "s", `blob = "x" * 500`); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if _, err := r.Execute(context.Background(), sess, "s", `rlm_call("summarize", context_keys=["blob"])`); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if strings.Contains(summary, strings.Repeat("x", 500)) {
		t.Fatal("oversized context must not travel inline")
	}
	if !strings.Contains(summary, "mem-") {
		t.Fatalf("summary must carry the retrieval reference, got %q", summary)
	}

	id := summary[strings.Index(summary, "mem-"):]
	id = strings.Trim(id[:strings.IndexAny(id, `"}`)], `"`)
	payload, ok := r.Memory().Retrieve(id)
	if !ok {
		t.Fatalf("offloaded payload not retrievable via %q", id)
	}
	if !strings.Contains(payload, strings.Repeat("x", 500)) {
		t.Fatal("offloaded payload must hold the full context")
	}
}

func TestRlmMap(t *testing.T) {
	runner := func(ctx context.Context, sub delegate.Subtask) (string, error) {
		return strings.ToUpper(sub.Task), nil
	}
	r, _, sess := newTestRuntime(t, runner)

	code := `
def build(item):
    return "summarize " + item

results = rlm_map(["a", "b"], build)
`
	if _, err := r.Execute(context.Background(), sess, "s", code); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	out, err := r.Execute(context.Background(), sess, "s", "results")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	list, ok := out.([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("expected 2 results, got %v", out)
	}
	if list[0] != "SUMMARIZE A" || list[1] != "SUMMARIZE B" {
		t.Fatalf("unexpected results: %v", list)
	}
	if sess.CallCount != 2 {
		t.Fatalf("expected 2 charged calls, got %d", sess.CallCount)
	}
}

func TestRlmFilter(t *testing.T) {
	runner := func(ctx context.Context, sub delegate.Subtask) (string, error) {
		if strings.Contains(sub.Task, "keep") {
			return "yes", nil
		}
		return "no", nil
	}
	r, _, sess := newTestRuntime(t, runner)

	code := `
def build(item):
    return "should I " + item

result = rlm_filter(["keep me", "drop me"], build)
`
	out, err := r.Execute(context.Background(), sess, "s", code)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	list, ok := out.([]any)
	if !ok || len(list) != 1 || list[0] != "keep me" {
		t.Fatalf("expected [keep me], got %v", out)
	}
}

func TestRlmReduce(t *testing.T) {
	var combined string
	runner := func(ctx context.Context, sub delegate.Subtask) (string, error) {
		if strings.Contains(sub.Task, "Partial results") {
			combined = sub.Task
			return "final answer", nil
		}
		return "part(" + sub.Task + ")", nil
	}
	r, _, sess := newTestRuntime(t, runner)

	code := `
def build(item):
    return item

result = rlm_reduce(["a", "b"], build, "combine everything")
`
	out, err := r.Execute(context.Background(), sess, "s", code)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out != "final answer" {
		t.Fatalf("expected final answer, got %v", out)
	}
	if !strings.Contains(combined, "part(a)") || !strings.Contains(combined, "part(b)") {
		t.Fatalf("combine task must carry the partials, got %q", combined)
	}
	if sess.CallCount != 3 {
		t.Fatalf("expected 3 charged calls, got %d", sess.CallCount)
	}
}

func TestSharedStatePrimitives(t *testing.T) {
	r, ledger, sess := newTestRuntime(t, echoRunner)

	code := `
rlm_shared_set("name", "alpha")
rlm_shared_increment("count", 2)
result = rlm_shared_increment("count", 3)
`
	out, err := r.Execute(context.Background(), sess, "s", code)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out != float64(5) {
		t.Fatalf("expected 5, got %v (%T)", out, out)
	}
	if v, _ := ledger.SharedGet(sess, "name"); v != "alpha" {
		t.Fatalf("expected alpha, got %v", v)
	}

	out, err = r.Execute(context.Background(), sess, "s", `rlm_shared_get("count")`)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out != float64(5) {
		t.Fatalf("expected 5, got %v", out)
	}

	out, err = r.Execute(context.Background(), sess, "s", `rlm_shared_get("missing", default="fallback")`)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out != "fallback" {
		t.Fatalf("expected fallback, got %v", out)
	}
}

func TestExecuteCodeTool(t *testing.T) {
	r, _, sess := newTestRuntime(t, echoRunner)
	tool := r.Tool(sess)

	if tool.Definition().Name != "execute_code" {
		t.Fatalf("unexpected tool name %q", tool.Definition().Name)
	}

	if _, err := tool.Execute(context.Background(), []byte(`{"code":"x = 10"}`)); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	out, err := tool.Execute(context.Background(), []byte(`{"code":"x + 5"}`))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if m := out.(map[string]any); m["result"] != int64(15) {
		t.Fatalf("expected 15, got %v", out)
	}

	// A fresh scope id starts empty.
	out, err = tool.Execute(context.Background(), []byte(`{"code":"x + 5","scope":"other"}`))
	if err != nil {
		t.Fatalf("Execute must not fail: %v", err)
	}
	if m := out.(map[string]any); m["error"] == nil {
		t.Fatalf("expected structured error, got %v", out)
	}

	// Script faults come back as results too.
	out, err = tool.Execute(context.Background(), []byte(`{"code":"1 // 0"}`))
	if err != nil {
		t.Fatalf("Execute must not fail: %v", err)
	}
	if m := out.(map[string]any); m["error"] == nil {
		t.Fatalf("expected structured error, got %v", out)
	}
}

func TestScriptDelegationRespectsBudget(t *testing.T) {
	ledger := session.NewLedger(session.WithBudget(session.Budget{MaxCalls: 1}))
	d := delegate.NewDispatcher(ledger, delegate.NewLoopback(echoRunner), delegate.WithTimeout(time.Second))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()
	executor := resilience.NewExecutor(resilience.NewRegistry(),
		resilience.WithRetryPolicy(resilience.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	r := NewRuntime(ledger, d, executor)
	sess := ledger.Get("s1")

	if _, err := r.Execute(context.Background(), sess, "s", `rlm_call("first")`); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	_, err := r.Execute(context.Background(), sess, "s", `rlm_call("second")`)
	if err == nil || !strings.Contains(err.Error(), "budget exceeded") {
		t.Fatalf("expected budget error, got %v", err)
	}
	if sess.CallCount != 1 {
		t.Fatalf("expected CallCount 1, got %d", sess.CallCount)
	}
}
