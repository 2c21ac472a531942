package llm

import (
	"context"
	"errors"

	"github.com/openrlm/rlm-go/types"
)

var ErrNotSupported = errors.New("operation not supported by provider")

type Capabilities struct {
	Tools            bool
	Streaming        bool
	StructuredOutput bool
}

// Provider is the chat-completion contract: messages plus tool definitions in,
// a reply or tool calls out. The engine treats it as opaque.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Generate(ctx context.Context, req types.Request) (types.Response, error)
}
