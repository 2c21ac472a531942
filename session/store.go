package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/openrlm/rlm-go/types"
)

var ErrNotFound = errors.New("session: not found")

// Record is the serializable snapshot of a session held by a Store.
type Record struct {
	Key               string                 `json:"key"`
	Messages          []types.Message        `json:"messages,omitempty"`
	CallCount         int                    `json:"callCount"`
	EstCostUSD        float64                `json:"estCostUsd"`
	ActualTokensUsed  int                    `json:"actualTokensUsed"`
	SubTasks          map[string]SubTaskInfo `json:"subTasks,omitempty"`
	Depth             int                    `json:"depth"`
	TopLevelStartedAt time.Time              `json:"topLevelStartedAt"`
	SharedData        map[string]any         `json:"sharedData,omitempty"`
	UpdatedAt         time.Time              `json:"updatedAt"`
}

// Store persists session snapshots. Backends: in-memory (here),
// SQLite (session/sqlite), Redis (session/redis).
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, key string) (Record, error)
	List(ctx context.Context, limit int) ([]Record, error)
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

func recordFromSession(sess *Session) Record {
	rec := Record{
		Key:               sess.Key,
		Messages:          append([]types.Message(nil), sess.Messages...),
		CallCount:         sess.CallCount,
		EstCostUSD:        sess.EstCostUSD,
		ActualTokensUsed:  sess.ActualTokensUsed,
		Depth:             sess.Depth,
		TopLevelStartedAt: sess.TopLevelStartedAt,
		UpdatedAt:         sess.UpdatedAt,
	}
	if len(sess.SubTasks) > 0 {
		rec.SubTasks = make(map[string]SubTaskInfo, len(sess.SubTasks))
		for id, info := range sess.SubTasks {
			rec.SubTasks[id] = *info
		}
	}
	if len(sess.SharedData) > 0 {
		rec.SharedData = make(map[string]any, len(sess.SharedData))
		for k, v := range sess.SharedData {
			rec.SharedData[k] = v
		}
	}
	return rec
}

func (r Record) toSession() *Session {
	sess := &Session{
		Key:               r.Key,
		Messages:          append([]types.Message(nil), r.Messages...),
		CallCount:         r.CallCount,
		EstCostUSD:        r.EstCostUSD,
		ActualTokensUsed:  r.ActualTokensUsed,
		SubTasks:          make(map[string]*SubTaskInfo, len(r.SubTasks)),
		Depth:             r.Depth,
		TopLevelStartedAt: r.TopLevelStartedAt,
		SharedData:        make(map[string]any, len(r.SharedData)),
		UpdatedAt:         r.UpdatedAt,
	}
	for id, info := range r.SubTasks {
		copied := info
		sess.SubTasks[id] = &copied
	}
	for k, v := range r.SharedData {
		sess.SharedData[k] = v
	}
	return sess
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key] = rec
	return nil
}

func (s *MemoryStore) Load(_ context.Context, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]Record)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
