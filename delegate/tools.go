package delegate

import (
	"context"
	"encoding/json"

	"github.com/openrlm/rlm-go/session"
	"github.com/openrlm/rlm-go/tools"
)

// CallTool returns the "call" tool bound to sess. Delegation failures
// (budget, depth, timeout, child error) come back as structured tool
// results so a run is never aborted by a failed subtask.
func (d *Dispatcher) CallTool(sess *session.Session) tools.Tool {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "The task to delegate to a sub-agent.",
			},
			"summary": map[string]any{
				"type":        "string",
				"description": "Optional context handed to the sub-agent alongside the task.",
			},
			"schema": map[string]any{
				"type":        "string",
				"description": "Optional description of the shape the answer should take.",
			},
			"cost_multiplier": map[string]any{
				"type":        "number",
				"description": "Scales the estimated cost of this delegation. Defaults to 1.",
			},
		},
		"required": []string{"task"},
	}

	return tools.NewFuncTool(
		"call",
		"Delegate a task to a sub-agent and wait for its answer.",
		schema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var input struct {
				Task           string  `json:"task"`
				Summary        string  `json:"summary"`
				Schema         string  `json:"schema"`
				CostMultiplier float64 `json:"cost_multiplier"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return nil, err
			}
			if input.Task == "" {
				return map[string]any{"error": "task is required"}, nil
			}

			out, err := d.Call(ctx, sess, input.Task, CallOptions{
				Summary:        input.Summary,
				Schema:         input.Schema,
				CostMultiplier: input.CostMultiplier,
			})
			if err != nil {
				return map[string]any{"error": err.Error()}, nil
			}
			return map[string]any{"result": out}, nil
		},
	)
}

// CallParallelTool returns the "call_parallel" tool bound to sess.
func (d *Dispatcher) CallParallelTool(sess *session.Session) tools.Tool {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tasks": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Tasks to delegate concurrently, one sub-agent each.",
			},
		},
		"required": []string{"tasks"},
	}

	return tools.NewFuncTool(
		"call_parallel",
		"Delegate several tasks concurrently and wait for every answer.",
		schema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var input struct {
				Tasks []string `json:"tasks"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return nil, err
			}
			if len(input.Tasks) == 0 {
				return map[string]any{"error": "tasks is required"}, nil
			}
			if len(input.Tasks) > MaxParallel {
				return map[string]any{"error": "too many tasks, max is 10"}, nil
			}

			results := d.CallParallel(ctx, sess, input.Tasks, CallOptions{})
			out := make([]map[string]any, len(results))
			for i, r := range results {
				entry := map[string]any{"task": r.Task}
				if r.Err != nil {
					entry["error"] = r.Err.Error()
				} else {
					entry["result"] = r.Result
				}
				out[i] = entry
			}
			return map[string]any{"results": out}, nil
		},
	)
}
