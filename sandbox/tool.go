package sandbox

import (
	"context"
	"encoding/json"

	"github.com/openrlm/rlm-go/session"
	"github.com/openrlm/rlm-go/tools"
)

// Tool exposes the runtime as the execute_code tool bound to sess.
// Script failures and timeouts come back as structured results so a run
// survives a broken script.
func (r *Runtime) Tool(sess *session.Session) tools.Tool {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code": map[string]any{
				"type":        "string",
				"description": "Script to execute. Top-level assignments persist in the scope; a bare expression evaluates to its value.",
			},
			"scope": map[string]any{
				"type":        "string",
				"description": "Scope id for persistent variables. Defaults to the session key.",
			},
		},
		"required": []string{"code"},
	}

	return tools.NewFuncTool(
		"execute_code",
		"Run a script with access to delegation, shared state and file primitives.",
		schema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var input struct {
				Code  string `json:"code"`
				Scope string `json:"scope"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return nil, err
			}
			if input.Code == "" {
				return map[string]any{"error": "code is required"}, nil
			}
			scope := input.Scope
			if scope == "" {
				scope = sess.Key
			}

			value, err := r.Execute(ctx, sess, scope, input.Code)
			if err != nil {
				return map[string]any{"error": err.Error()}, nil
			}
			return map[string]any{"result": value}, nil
		},
	)
}
