package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryEntry represents a stored memory entry.
type MemoryEntry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Namespace string    `json:"namespace"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	TTL       int       `json:"ttl,omitempty"`
}

// MemoryResult contains the result of a memory operation.
type MemoryResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Memory is a namespaced in-process key-value store. It backs the
// memory_store tool and is the offload target for oversized delegation
// payloads: Offload returns a retrieval id that children resolve via
// Retrieve. Construct independent instances per test or per process.
type Memory struct {
	mu    sync.RWMutex
	store map[string]map[string]*MemoryEntry
}

func NewMemory() *Memory {
	return &Memory{store: make(map[string]map[string]*MemoryEntry)}
}

const offloadNamespace = "offload"

// Offload stores an oversized payload and returns its retrieval id.
func (m *Memory) Offload(payload string) string {
	id := "mem-" + uuid.NewString()
	_, _ = m.set(offloadNamespace, id, payload, 0)
	return id
}

// Retrieve resolves a retrieval id produced by Offload.
func (m *Memory) Retrieve(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry := m.lookup(offloadNamespace, id)
	if entry == nil {
		return "", false
	}
	s, ok := entry.Value.(string)
	return s, ok
}

type memoryStoreArgs struct {
	Operation string `json:"operation"`
	Key       string `json:"key,omitempty"`
	Value     any    `json:"value,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	TTL       int    `json:"ttl,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
}

// Tool exposes the memory as a schema-described tool.
func (m *Memory) Tool() Tool {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{
				"type":        "string",
				"enum":        []string{"set", "get", "delete", "list", "search", "clear"},
				"description": "Operation: set, get, delete, list, search, clear.",
			},
			"key": map[string]any{
				"type":        "string",
				"description": "Key for the memory entry.",
			},
			"value": map[string]any{
				"description": "Value to store (any JSON value).",
			},
			"namespace": map[string]any{
				"type":        "string",
				"description": "Namespace for organizing memories. Defaults to 'default'.",
			},
			"ttl": map[string]any{
				"type":        "integer",
				"description": "Time-to-live in seconds. 0 means no expiration.",
			},
			"pattern": map[string]any{
				"type":        "string",
				"description": "Pattern for search (supports * wildcard).",
			},
		},
		"required": []string{"operation"},
	}

	return NewFuncTool(
		"memory_store",
		"Store and retrieve information across agent interactions. Supports namespaces, TTL, and pattern search.",
		schema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in memoryStoreArgs
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("invalid memory_store args: %w", err)
			}

			namespace := in.Namespace
			if namespace == "" {
				namespace = "default"
			}

			switch in.Operation {
			case "set":
				return m.set(namespace, in.Key, in.Value, in.TTL)
			case "get":
				return m.get(namespace, in.Key)
			case "delete":
				return m.delete(namespace, in.Key)
			case "list":
				return m.list(namespace)
			case "search":
				return m.search(namespace, in.Pattern)
			case "clear":
				return m.clear(namespace)
			default:
				return nil, fmt.Errorf("unsupported operation %q", in.Operation)
			}
		},
	)
}

func (m *Memory) set(namespace, key string, value any, ttl int) (*MemoryResult, error) {
	if key == "" {
		return &MemoryResult{Success: false, Error: "key is required"}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store[namespace] == nil {
		m.store[namespace] = make(map[string]*MemoryEntry)
	}

	entry := &MemoryEntry{
		Key:       key,
		Value:     value,
		Namespace: namespace,
		CreatedAt: time.Now().UTC(),
		TTL:       ttl,
	}
	if ttl > 0 {
		entry.ExpiresAt = entry.CreatedAt.Add(time.Duration(ttl) * time.Second)
	}
	m.store[namespace][key] = entry

	return &MemoryResult{
		Success: true,
		Data:    map[string]any{"key": key, "namespace": namespace},
	}, nil
}

func (m *Memory) get(namespace, key string) (*MemoryResult, error) {
	if key == "" {
		return &MemoryResult{Success: false, Error: "key is required"}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entry := m.lookup(namespace, key)
	if entry == nil {
		return &MemoryResult{Success: false, Error: fmt.Sprintf("key %q not found", key)}, nil
	}
	return &MemoryResult{
		Success: true,
		Data: map[string]any{
			"key":       entry.Key,
			"value":     entry.Value,
			"createdAt": entry.CreatedAt,
		},
	}, nil
}

// lookup returns the live entry or nil. Callers hold at least the read lock.
func (m *Memory) lookup(namespace, key string) *MemoryEntry {
	ns := m.store[namespace]
	if ns == nil {
		return nil
	}
	entry, ok := ns[key]
	if !ok {
		return nil
	}
	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		return nil
	}
	return entry
}

func (m *Memory) delete(namespace, key string) (*MemoryResult, error) {
	if key == "" {
		return &MemoryResult{Success: false, Error: "key is required"}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ns := m.store[namespace]; ns != nil {
		delete(ns, key)
	}
	return &MemoryResult{Success: true, Data: map[string]any{"key": key}}, nil
}

func (m *Memory) list(namespace string) (*MemoryResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0)
	for key, entry := range m.store[namespace] {
		if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
			continue
		}
		keys = append(keys, key)
	}
	return &MemoryResult{
		Success: true,
		Data:    map[string]any{"namespace": namespace, "keys": keys, "count": len(keys)},
	}, nil
}

func (m *Memory) search(namespace, pattern string) (*MemoryResult, error) {
	if pattern == "" {
		return &MemoryResult{Success: false, Error: "pattern is required"}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]map[string]any, 0)
	for key, entry := range m.store[namespace] {
		if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
			continue
		}
		if matchPattern(key, pattern) {
			matches = append(matches, map[string]any{"key": key, "value": entry.Value})
		}
	}
	return &MemoryResult{
		Success: true,
		Data:    map[string]any{"matches": matches, "count": len(matches)},
	}, nil
}

func (m *Memory) clear(namespace string) (*MemoryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.store, namespace)
	return &MemoryResult{Success: true, Data: map[string]any{"namespace": namespace}}, nil
}

func matchPattern(s, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return strings.Contains(s, pattern)
	}
	parts := strings.Split(pattern, "*")
	idx := 0
	for i, part := range parts {
		if part == "" {
			continue
		}
		pos := strings.Index(s[idx:], part)
		if pos < 0 {
			return false
		}
		if i == 0 && pos != 0 {
			return false
		}
		idx += pos + len(part)
	}
	if last := parts[len(parts)-1]; last != "" && !strings.HasSuffix(s, last) {
		return false
	}
	return true
}
