package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type Factory func() Tool

type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

var (
	regMu         sync.RWMutex
	toolFactories = map[string]Factory{}
	toolDescs     = map[string]string{}
)

func RegisterTool(name, description string, factory Factory) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if factory == nil {
		return fmt.Errorf("tool factory is required")
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := toolFactories[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	toolFactories[name] = factory
	toolDescs[name] = strings.TrimSpace(description)
	return nil
}

func MustRegisterTool(name, description string, factory Factory) {
	if err := RegisterTool(name, description, factory); err != nil {
		panic(err)
	}
}

func ToolNames() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(toolFactories))
	for n := range toolFactories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func ToolCatalog() []ToolInfo {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]ToolInfo, 0, len(toolFactories))
	for name := range toolFactories {
		out = append(out, ToolInfo{
			Name:        name,
			Description: toolDescs[name],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func BuildTool(name string) (Tool, error) {
	regMu.RLock()
	factory, ok := toolFactories[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool %q not registered", name)
	}
	tool := factory()
	if tool == nil {
		return nil, fmt.Errorf("tool %q factory returned nil", name)
	}
	return tool, nil
}

func BuildTools(names ...string) ([]Tool, error) {
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		tool, err := BuildTool(name)
		if err != nil {
			return nil, err
		}
		out = append(out, tool)
	}
	return out, nil
}
