package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openrlm/rlm-go/types"
)

func TestGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "test-model" {
			t.Errorf("unexpected model %q", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("expected system + user messages, got %v", req.Messages)
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hello back"}},
			},
			"usage": map[string]any{"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8},
		})
	}))
	defer server.Close()

	client, err := New("test-key", WithModel("test-model"), WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	resp, err := client.Generate(context.Background(), types.Request{
		SystemPrompt: "be brief",
		Messages:     []types.Message{{Role: types.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Message.Content != "hello back" {
		t.Fatalf("unexpected content %q", resp.Message.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 8 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
}

func TestGenerateToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "calculator" {
			t.Errorf("expected calculator tool, got %v", req.Tools)
		}
		if req.ToolChoice != "auto" {
			t.Errorf("expected tool_choice auto, got %q", req.ToolChoice)
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{
						{
							"id":   "tc-1",
							"type": "function",
							"function": map[string]any{
								"name":      "calculator",
								"arguments": `{"expression":"2+2"}`,
							},
						},
					},
				}},
			},
		})
	}))
	defer server.Close()

	client, err := New("test-key", WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	resp, err := client.Generate(context.Background(), types.Request{
		Messages: []types.Message{{Role: types.RoleUser, Content: "what is 2+2"}},
		Tools:    []types.ToolDefinition{{Name: "calculator", Description: "math"}},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.Name != "calculator" || tc.ID != "tc-1" {
		t.Fatalf("unexpected tool call %+v", tc)
	}
}

func TestGenerateAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, _ := New("test-key", WithBaseURL(server.URL))
	_, err := client.Generate(context.Background(), types.Request{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestNormalizeArgs(t *testing.T) {
	if got := string(normalizeArgs("")); got != `{}` {
		t.Fatalf("empty args: got %s", got)
	}
	if got := string(normalizeArgs(`{"a":1}`)); got != `{"a":1}` {
		t.Fatalf("valid args: got %s", got)
	}
	if got := string(normalizeArgs("not json")); got != `{"raw":"not json"}` {
		t.Fatalf("invalid args: got %s", got)
	}
}
