package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openrlm/rlm-go/types"
)

// Tool is the unit the executor dispatches to. Execute receives the raw
// JSON argument object from the model and returns a value the provider
// layer serializes back into the transcript.
type Tool interface {
	Definition() types.ToolDefinition
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// FuncTool adapts a plain function into a Tool.
type FuncTool struct {
	definition types.ToolDefinition
	run        func(ctx context.Context, args json.RawMessage) (any, error)
}

// NewFuncTool wraps fn under the given name and JSON schema. A nil
// schema is replaced with an empty object schema so the definition is
// always serializable for the provider.
func NewFuncTool(name, description string, schema map[string]any, fn func(ctx context.Context, args json.RawMessage) (any, error)) *FuncTool {
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return &FuncTool{
		definition: types.ToolDefinition{
			Name:        name,
			Description: description,
			JSONSchema:  schema,
		},
		run: fn,
	}
}

func (t *FuncTool) Definition() types.ToolDefinition {
	return t.definition
}

func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	if t.run == nil {
		return nil, fmt.Errorf("tool %q has no handler", t.definition.Name)
	}
	return t.run(ctx, args)
}
