package sandbox

import (
	"encoding/json"
	"fmt"
	"sync"
)

// SessionState keeps one persistent variable scope per caller-chosen id.
// Scopes survive across script invocations and are only removed through
// Clear; there is no implicit expiry.
type SessionState struct {
	mu     sync.Mutex
	scopes map[string]*scope
}

type scope struct {
	vars       map[string]any
	approxSize int
}

func NewSessionState() *SessionState {
	return &SessionState{scopes: make(map[string]*scope)}
}

// Scope returns a snapshot of the named scope's variables. An unknown id
// yields an empty snapshot; the scope itself is created on first Update.
func (s *SessionState) Scope(id string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scopes[id]
	if !ok {
		return map[string]any{}
	}
	out := make(map[string]any, len(sc.vars))
	for k, v := range sc.vars {
		out[k] = v
	}
	return out
}

// Update merges newly assigned variables into the scope and refreshes
// its approximate serialized size.
func (s *SessionState) Update(id string, vars map[string]any) {
	if len(vars) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scopes[id]
	if !ok {
		sc = &scope{vars: make(map[string]any)}
		s.scopes[id] = sc
	}
	for k, v := range vars {
		sc.vars[k] = v
	}
	sc.approxSize = approxSize(sc.vars)
}

// Size reports the approximate serialized size of a scope in bytes.
func (s *SessionState) Size(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sc, ok := s.scopes[id]; ok {
		return sc.approxSize
	}
	return 0
}

// Clear drops a scope entirely.
func (s *SessionState) Clear(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes, id)
}

// IDs lists the ids of all live scopes.
func (s *SessionState) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.scopes))
	for id := range s.scopes {
		out = append(out, id)
	}
	return out
}

func approxSize(vars map[string]any) int {
	size := 0
	for k, v := range vars {
		size += len(k)
		if b, err := json.Marshal(v); err == nil {
			size += len(b)
			continue
		}
		size += len(fmt.Sprint(v))
	}
	return size
}
