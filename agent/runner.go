package agent

import (
	"context"
	"fmt"

	"github.com/openrlm/rlm-go/delegate"
)

// Factory builds the child agent for one subtask. The child must be
// configured at the subtask's depth so the ledger's depth ceiling holds
// through the whole delegation chain.
type Factory func(sub delegate.Subtask) (*Agent, error)

// ChildRunner adapts a factory into a loopback runner: each subtask
// envelope runs a fresh child agent and its answer becomes the reply.
func ChildRunner(factory Factory) delegate.Runner {
	return func(ctx context.Context, sub delegate.Subtask) (string, error) {
		child, err := factory(sub)
		if err != nil {
			return "", fmt.Errorf("failed to build child agent: %w", err)
		}

		input := sub.Task
		if sub.Summary != "" {
			input += "\n\n" + sub.Summary
		}
		if sub.Schema != "" {
			input += "\n\nAnswer in this shape: " + sub.Schema
		}
		return child.Run(ctx, input)
	}
}
