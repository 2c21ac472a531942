package resilience

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openrlm/rlm-go/tools"
)

// AdminTool exposes the executor's dead letter queue and breaker table
// as an operator tool: inspect failed operations, replay them, see
// which circuits are open.
func (e *Executor) AdminTool() tools.Tool {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{
				"type":        "string",
				"enum":        []string{"list", "get", "retry", "remove", "clear", "circuits"},
				"description": "Admin operation to perform.",
			},
			"id": map[string]any{
				"type":        "string",
				"description": "Dead letter record id (for get/retry/remove).",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Max records to list. Defaults to 20.",
			},
		},
		"required": []string{"operation"},
	}

	return tools.NewFuncTool(
		"dlq_admin",
		"Inspect and replay dead-lettered operations, and view circuit breaker states.",
		schema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var input struct {
				Operation string `json:"operation"`
				ID        string `json:"id"`
				Limit     int    `json:"limit"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return nil, err
			}

			switch input.Operation {
			case "list":
				limit := input.Limit
				if limit <= 0 {
					limit = 20
				}
				ops, err := e.dlq.List(ctx, limit)
				if err != nil {
					return nil, err
				}
				return map[string]any{"count": len(ops), "operations": ops}, nil

			case "get":
				if input.ID == "" {
					return map[string]any{"error": "id is required"}, nil
				}
				op, err := e.dlq.Get(ctx, input.ID)
				if err != nil {
					return map[string]any{"error": err.Error()}, nil
				}
				return op, nil

			case "retry":
				if input.ID == "" {
					return map[string]any{"error": "id is required"}, nil
				}
				out, err := e.RetryFailed(ctx, input.ID)
				if err != nil {
					return map[string]any{"error": err.Error()}, nil
				}
				return map[string]any{"result": out}, nil

			case "remove":
				if input.ID == "" {
					return map[string]any{"error": "id is required"}, nil
				}
				if err := e.dlq.Remove(ctx, input.ID); err != nil {
					return map[string]any{"error": err.Error()}, nil
				}
				return map[string]any{"removed": input.ID}, nil

			case "clear":
				if err := e.dlq.Clear(ctx); err != nil {
					return nil, err
				}
				return map[string]any{"cleared": true}, nil

			case "circuits":
				return map[string]any{"circuits": e.registry.States()}, nil

			default:
				return nil, fmt.Errorf("unsupported operation %q", input.Operation)
			}
		},
	)
}
