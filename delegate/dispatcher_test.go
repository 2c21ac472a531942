package delegate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openrlm/rlm-go/session"
)

func newTestDispatcher(t *testing.T, runner Runner, opts ...DispatcherOption) (*Dispatcher, *session.Ledger) {
	t.Helper()
	ledger := session.NewLedger()
	d := NewDispatcher(ledger, NewLoopback(runner), opts...)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = d.Stop() })
	return d, ledger
}

func TestCallReturnsChildResult(t *testing.T) {
	runner := func(ctx context.Context, sub Subtask) (string, error) {
		if sub.Task != "what is 2+2" {
			t.Errorf("unexpected task %q", sub.Task)
		}
		if sub.Depth != 1 {
			t.Errorf("expected child depth 1, got %d", sub.Depth)
		}
		return "4", nil
	}
	d, ledger := newTestDispatcher(t, runner)
	sess := ledger.Get("s1")

	out, err := d.Call(context.Background(), sess, "what is 2+2", CallOptions{})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if out != "4" {
		t.Fatalf("expected 4, got %q", out)
	}
	if sess.CallCount != 1 {
		t.Fatalf("expected CallCount 1, got %d", sess.CallCount)
	}
	if len(sess.SubTasks) != 1 {
		t.Fatalf("expected 1 sub-task slot, got %d", len(sess.SubTasks))
	}
	for _, info := range sess.SubTasks {
		if !info.Arrived || info.Result != "4" || info.Error != "" {
			t.Fatalf("unexpected slot: %#v", info)
		}
	}
}

func TestCallTimeoutDoesNotAbortFollowingCalls(t *testing.T) {
	runner := func(ctx context.Context, sub Subtask) (string, error) {
		if sub.Task == "slow" {
			time.Sleep(200 * time.Millisecond)
			return "too late", nil
		}
		return "quick answer", nil
	}
	d, ledger := newTestDispatcher(t, runner, WithTimeout(30*time.Millisecond))
	sess := ledger.Get("s1")

	_, err := d.Call(context.Background(), sess, "slow", CallOptions{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "Timeout") {
		t.Fatalf("error must name the timeout, got %q", err)
	}
	for _, info := range sess.SubTasks {
		if !info.Arrived || info.Error == "" {
			t.Fatalf("timed-out slot must carry the error: %#v", info)
		}
	}

	out, err := d.Call(context.Background(), sess, "fast", CallOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("run must continue after a timeout: %v", err)
	}
	if out != "quick answer" {
		t.Fatalf("unexpected result %q", out)
	}
	if sess.CallCount != 2 {
		t.Fatalf("expected CallCount 2, got %d", sess.CallCount)
	}
}

func TestCallParallel(t *testing.T) {
	runner := func(ctx context.Context, sub Subtask) (string, error) {
		return "done:" + sub.Task, nil
	}
	d, ledger := newTestDispatcher(t, runner)
	sess := ledger.Get("s1")

	results := d.CallParallel(context.Background(), sess, []string{"a", "b"}, CallOptions{})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for i, want := range []string{"a", "b"} {
		if results[i].Task != want {
			t.Fatalf("result %d: expected task %q, got %q", i, want, results[i].Task)
		}
		if results[i].Err != nil {
			t.Fatalf("result %d failed: %v", i, results[i].Err)
		}
		if results[i].Result != "done:"+want {
			t.Fatalf("result %d: got %q", i, results[i].Result)
		}
	}
	if sess.CallCount != 2 {
		t.Fatalf("expected CallCount 2, got %d", sess.CallCount)
	}
}

func TestCallParallelPartialFailure(t *testing.T) {
	runner := func(ctx context.Context, sub Subtask) (string, error) {
		if sub.Task == "bad" {
			return "", errors.New("cannot do that")
		}
		return "ok", nil
	}
	d, ledger := newTestDispatcher(t, runner)
	sess := ledger.Get("s1")

	results := d.CallParallel(context.Background(), sess, []string{"good", "bad", "good"}, CallOptions{})
	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
			if r.Task != "bad" {
				t.Fatalf("wrong member failed: %q", r.Task)
			}
		}
	}
	if failed != 1 {
		t.Fatalf("expected exactly 1 failure, got %d", failed)
	}
}

func TestDepthCeilingRejectsBeforeSpend(t *testing.T) {
	ledger := session.NewLedger(session.WithBudget(session.Budget{MaxDepth: 2}))
	d := NewDispatcher(ledger, NewLoopback(func(ctx context.Context, sub Subtask) (string, error) {
		t.Error("runner must not be invoked")
		return "", nil
	}))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	sess := ledger.GetAtDepth("deep", 2)
	_, err := d.Call(context.Background(), sess, "go deeper", CallOptions{})
	if !errors.Is(err, session.ErrDepthExceeded) {
		t.Fatalf("expected ErrDepthExceeded, got %v", err)
	}
	if sess.CallCount != 0 {
		t.Fatalf("rejected call must not consume budget, CallCount=%d", sess.CallCount)
	}
	if len(sess.SubTasks) != 0 {
		t.Fatalf("rejected call must not register a slot")
	}
}

func TestBudgetCeilingRejectsSecondCall(t *testing.T) {
	ledger := session.NewLedger(session.WithBudget(session.Budget{MaxCalls: 1}))
	d := NewDispatcher(ledger, NewLoopback(func(ctx context.Context, sub Subtask) (string, error) {
		return "ok", nil
	}))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	sess := ledger.Get("s1")
	if _, err := d.Call(context.Background(), sess, "first", CallOptions{}); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	_, err := d.Call(context.Background(), sess, "second", CallOptions{})
	if !errors.Is(err, session.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if sess.CallCount != 1 {
		t.Fatalf("expected CallCount 1, got %d", sess.CallCount)
	}
}

// silentTransport accepts subtask envelopes and never replies on its
// own; tests inject replies through the subscribed handlers.
type silentTransport struct {
	mu       sync.Mutex
	sent     []Envelope
	handlers []Handler
}

func (s *silentTransport) Start(ctx context.Context) error { return nil }
func (s *silentTransport) Stop() error                     { return nil }

func (s *silentTransport) Send(ctx context.Context, address, text string) error {
	env, ok := Decode(text)
	if !ok {
		return fmt.Errorf("not an envelope")
	}
	s.mu.Lock()
	s.sent = append(s.sent, env)
	s.mu.Unlock()
	return nil
}

func (s *silentTransport) Subscribe(handler Handler) func() {
	s.mu.Lock()
	s.handlers = append(s.handlers, handler)
	s.mu.Unlock()
	return func() {}
}

func (s *silentTransport) inject(env Envelope) {
	text, _ := env.Encode()
	s.mu.Lock()
	handlers := append([]Handler(nil), s.handlers...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(context.Background(), "test", text)
	}
}

func TestLateReplyIsDiscarded(t *testing.T) {
	transport := &silentTransport{}
	ledger := session.NewLedger()
	d := NewDispatcher(ledger, transport, WithTimeout(20*time.Millisecond))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	sess := ledger.Get("s1")
	_, err := d.Call(context.Background(), sess, "never answered", CallOptions{})
	if err == nil || !strings.Contains(err.Error(), "Timeout") {
		t.Fatalf("expected timeout, got %v", err)
	}

	subID := transport.sent[0].SubID
	transport.inject(Envelope{Kind: KindResult, SubID: subID, Result: "sorry I am late"})

	info := sess.SubTasks[subID]
	if info == nil || !info.Arrived {
		t.Fatal("slot must stay resolved")
	}
	if info.Result != "" || !strings.Contains(info.Error, "Timeout") {
		t.Fatalf("late reply must not overwrite the timeout: %#v", info)
	}
}

func TestCallToolReturnsStructuredErrors(t *testing.T) {
	ledger := session.NewLedger(session.WithBudget(session.Budget{MaxCalls: 1}))
	d := NewDispatcher(ledger, NewLoopback(func(ctx context.Context, sub Subtask) (string, error) {
		return "fine", nil
	}))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	sess := ledger.Get("s1")
	tool := d.CallTool(sess)
	if tool.Definition().Name != "call" {
		t.Fatalf("unexpected tool name %q", tool.Definition().Name)
	}

	out, err := tool.Execute(context.Background(), []byte(`{"task":"first"}`))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if m := out.(map[string]any); m["result"] != "fine" {
		t.Fatalf("unexpected output %v", out)
	}

	// Budget exhausted: the tool reports the error as a result, never as
	// a Go error that would abort the run.
	out, err = tool.Execute(context.Background(), []byte(`{"task":"second"}`))
	if err != nil {
		t.Fatalf("Execute must not fail: %v", err)
	}
	m := out.(map[string]any)
	msg, _ := m["error"].(string)
	if !strings.Contains(msg, "budget exceeded") {
		t.Fatalf("expected budget error in result, got %v", out)
	}
}

func TestEnvelopeDecodeRejectsForeignMessages(t *testing.T) {
	if _, ok := Decode("hello there"); ok {
		t.Fatal("plain text must not decode")
	}
	if _, ok := Decode(`{"kind":"gossip","sub_id":"x"}`); ok {
		t.Fatal("unknown kind must not decode")
	}
	if _, ok := Decode(`{"kind":"result"}`); ok {
		t.Fatal("missing sub_id must not decode")
	}
	env, ok := Decode(`{"kind":"subtask","sub_id":"abc","task":"t","depth":2}`)
	if !ok || env.Task != "t" || env.Depth != 2 {
		t.Fatalf("round trip failed: %#v ok=%v", env, ok)
	}
}
