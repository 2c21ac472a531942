package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openrlm/rlm-go/delegate"
	"github.com/openrlm/rlm-go/llm"
	"github.com/openrlm/rlm-go/resilience"
	"github.com/openrlm/rlm-go/session"
	"github.com/openrlm/rlm-go/tools"
	"github.com/openrlm/rlm-go/types"
)

type mockProvider struct {
	mu        sync.Mutex
	name      string
	responses []types.Response
	failures  int
	calls     int
	requests  []types.Request
}

func (m *mockProvider) Name() string {
	if m.name != "" {
		return m.name
	}
	return "mock"
}

func (m *mockProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Tools: true}
}

func (m *mockProvider) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.requests = append(m.requests, req)
	if m.failures > 0 {
		m.failures--
		return types.Response{}, errors.New("mock provider unavailable")
	}
	if len(m.responses) == 0 {
		return types.Response{}, errors.New("mock provider has no responses left")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func textResponse(content string) types.Response {
	return types.Response{
		Message: types.Message{Role: types.RoleAssistant, Content: content},
		Usage:   &types.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

func toolCallResponse(name string, args string) types.Response {
	return types.Response{
		Message: types.Message{
			Role: types.RoleAssistant,
			ToolCalls: []types.ToolCall{
				{ID: "tc-1", Name: name, Arguments: json.RawMessage(args)},
			},
		},
	}
}

func fastRetry() resilience.RetryPolicy {
	return resilience.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestRunReturnsFinalAnswer(t *testing.T) {
	provider := &mockProvider{responses: []types.Response{textResponse("hello there")}}
	a, err := New(provider, WithSessionKey("s1"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	out, err := a.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out != "hello there" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRunExecutesToolCalls(t *testing.T) {
	provider := &mockProvider{responses: []types.Response{
		toolCallResponse("calculator", `{"expression":"2+2"}`),
		textResponse("the answer is 4"),
	}}
	calc, err := tools.BuildTool("calculator")
	if err != nil {
		t.Fatalf("BuildTool failed: %v", err)
	}
	a, err := New(provider, WithSessionKey("s1"), WithTool(calc))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	result, err := a.RunDetailed(context.Background(), "what is 2+2")
	if err != nil {
		t.Fatalf("RunDetailed failed: %v", err)
	}
	if result.Output != "the answer is 4" {
		t.Fatalf("unexpected output %q", result.Output)
	}
	if result.Iterations != 2 {
		t.Fatalf("expected 2 iterations, got %d", result.Iterations)
	}

	var toolMsg *types.Message
	for i := range result.Messages {
		if result.Messages[i].Role == types.RoleTool {
			toolMsg = &result.Messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("expected a tool message in the transcript")
	}
	if toolMsg.Name != "calculator" || toolMsg.ToolCallID != "tc-1" {
		t.Fatalf("unexpected tool message %+v", toolMsg)
	}
	if !strings.Contains(toolMsg.Content, "4") {
		t.Fatalf("tool result should contain 4, got %q", toolMsg.Content)
	}
}

func TestToolFailureDoesNotAbortRun(t *testing.T) {
	broken := tools.NewFuncTool("broken", "always fails", nil,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			return nil, errors.New("tool exploded")
		})
	provider := &mockProvider{responses: []types.Response{
		toolCallResponse("broken", `{}`),
		textResponse("recovered gracefully"),
	}}
	a, err := New(provider, WithSessionKey("s1"), WithTool(broken), WithRetryPolicy(fastRetry()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	result, err := a.RunDetailed(context.Background(), "try the tool")
	if err != nil {
		t.Fatalf("run must survive a failing tool: %v", err)
	}
	if result.Output != "recovered gracefully" {
		t.Fatalf("unexpected output %q", result.Output)
	}

	var toolMsg string
	for _, msg := range result.Messages {
		if msg.Role == types.RoleTool {
			toolMsg = msg.Content
		}
	}
	if !strings.Contains(toolMsg, "error") {
		t.Fatalf("tool failure must be a structured result, got %q", toolMsg)
	}
}

func TestUnknownToolIsReported(t *testing.T) {
	provider := &mockProvider{responses: []types.Response{
		toolCallResponse("does_not_exist", `{}`),
		textResponse("moving on"),
	}}
	a, err := New(provider, WithSessionKey("s1"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	result, err := a.RunDetailed(context.Background(), "use a tool")
	if err != nil {
		t.Fatalf("RunDetailed failed: %v", err)
	}
	var toolMsg string
	for _, msg := range result.Messages {
		if msg.Role == types.RoleTool {
			toolMsg = msg.Content
		}
	}
	if !strings.Contains(toolMsg, "not found") {
		t.Fatalf("expected not-found result, got %q", toolMsg)
	}
}

func TestProviderRetry(t *testing.T) {
	provider := &mockProvider{
		failures:  2,
		responses: []types.Response{textResponse("finally")},
	}
	a, err := New(provider, WithSessionKey("s1"), WithRetryPolicy(fastRetry()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	out, err := a.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out != "finally" {
		t.Fatalf("unexpected output %q", out)
	}
	if provider.calls != 3 {
		t.Fatalf("expected 3 provider calls, got %d", provider.calls)
	}
}

func TestProviderRetryExhaustion(t *testing.T) {
	provider := &mockProvider{failures: 10}
	a, err := New(provider, WithSessionKey("s1"), WithRetryPolicy(fastRetry()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = a.Run(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "after 3 attempt(s)") {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
}

func TestMaxIterations(t *testing.T) {
	echo := tools.NewFuncTool("echo", "echoes", nil,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			return "echo", nil
		})
	provider := &mockProvider{responses: []types.Response{
		toolCallResponse("echo", `{}`),
		toolCallResponse("echo", `{}`),
		toolCallResponse("echo", `{}`),
	}}
	a, err := New(provider, WithSessionKey("s1"), WithTool(echo), WithMaxIterations(2))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = a.Run(context.Background(), "loop forever")
	if err == nil || !strings.Contains(err.Error(), "max iterations") {
		t.Fatalf("expected max iterations error, got %v", err)
	}
}

func TestSessionTranscriptCarriesOver(t *testing.T) {
	provider := &mockProvider{responses: []types.Response{
		textResponse("first answer"),
		textResponse("second answer"),
	}}
	ledger := session.NewLedger()
	a, err := New(provider, WithSessionKey("s1"), WithLedger(ledger))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := a.Run(context.Background(), "first question"); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if _, err := a.Run(context.Background(), "second question"); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	sess := ledger.Get("s1")
	if len(sess.Messages) != 4 {
		t.Fatalf("expected 4 persisted messages, got %d", len(sess.Messages))
	}
	if sess.ActualTokensUsed != 30 {
		t.Fatalf("expected 30 tokens, got %d", sess.ActualTokensUsed)
	}

	// The second request must open with the first exchange.
	secondReq := provider.requests[1]
	if len(secondReq.Messages) != 3 {
		t.Fatalf("expected 3 messages in second request, got %d", len(secondReq.Messages))
	}
	if secondReq.Messages[0].Content != "first question" || secondReq.Messages[1].Content != "first answer" {
		t.Fatalf("second request must carry history, got %+v", secondReq.Messages)
	}
}

func TestDelegationEndToEnd(t *testing.T) {
	ledger := session.NewLedger()

	factory := func(sub delegate.Subtask) (*Agent, error) {
		child := &mockProvider{name: "child", responses: []types.Response{textResponse("4")}}
		return New(child,
			WithLedger(ledger),
			WithSessionKey("child-"+sub.ID),
			WithDepth(sub.Depth),
		)
	}
	dispatcher := delegate.NewDispatcher(ledger, delegate.NewLoopback(ChildRunner(factory)),
		delegate.WithTimeout(2*time.Second))
	if err := dispatcher.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer dispatcher.Stop()

	parent := &mockProvider{responses: []types.Response{
		toolCallResponse("call", `{"task":"what is 2+2"}`),
		textResponse("the child says 4"),
	}}
	a, err := New(parent,
		WithLedger(ledger),
		WithSessionKey("parent"),
		WithDispatcher(dispatcher),
		WithRetryPolicy(fastRetry()),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	out, err := a.Run(context.Background(), "ask a child for 2+2")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out != "the child says 4" {
		t.Fatalf("unexpected output %q", out)
	}

	sess := ledger.Get("parent")
	if sess.CallCount != 1 {
		t.Fatalf("expected 1 delegation charged, got %d", sess.CallCount)
	}
	for _, info := range sess.SubTasks {
		if !info.Arrived || info.Result != "4" {
			t.Fatalf("unexpected sub-task slot %+v", info)
		}
	}
}

func TestMiddlewareHooksFire(t *testing.T) {
	var stages []string
	mw := &recordingMiddleware{stages: &stages}
	provider := &mockProvider{responses: []types.Response{textResponse("done")}}
	a, err := New(provider, WithSessionKey("s1"), WithMiddleware(mw))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := a.Run(context.Background(), "hi"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := []string{"before_generate", "after_generate"}
	if len(stages) != len(want) {
		t.Fatalf("expected %v, got %v", want, stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, stages)
		}
	}
}

type recordingMiddleware struct {
	NoopMiddleware
	stages *[]string
}

func (m *recordingMiddleware) BeforeGenerate(ctx context.Context, event *GenerateMiddlewareEvent) error {
	*m.stages = append(*m.stages, "before_generate")
	return nil
}

func (m *recordingMiddleware) AfterGenerate(ctx context.Context, event *GenerateMiddlewareEvent) error {
	*m.stages = append(*m.stages, "after_generate")
	return nil
}
