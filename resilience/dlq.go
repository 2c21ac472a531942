package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrRecordNotFound = errors.New("resilience: dead letter record not found")

// FailedOperation is the durable record of a tool call that exhausted
// its retries with no successful fallback.
type FailedOperation struct {
	ID        string          `json:"id"`
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args,omitempty"`
	Error     string          `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
	Retries   int             `json:"retries"`
}

// DeadLetter stores failed operations for operator inspection and
// replay. Backends: in-memory (here), Redis Streams (redisstreams).
type DeadLetter interface {
	Push(ctx context.Context, op FailedOperation) (string, error)
	List(ctx context.Context, limit int) ([]FailedOperation, error)
	Get(ctx context.Context, id string) (FailedOperation, error)
	Remove(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Close() error
}

// MemoryDeadLetter is the default in-process DeadLetter.
type MemoryDeadLetter struct {
	mu      sync.Mutex
	records map[string]FailedOperation
}

func NewMemoryDeadLetter() *MemoryDeadLetter {
	return &MemoryDeadLetter{records: make(map[string]FailedOperation)}
}

func (q *MemoryDeadLetter) Push(_ context.Context, op FailedOperation) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now().UTC()
	}
	q.records[op.ID] = op
	return op.ID, nil
}

func (q *MemoryDeadLetter) List(_ context.Context, limit int) ([]FailedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]FailedOperation, 0, len(q.records))
	for _, op := range q.records {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *MemoryDeadLetter) Get(_ context.Context, id string) (FailedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.records[id]
	if !ok {
		return FailedOperation{}, ErrRecordNotFound
	}
	return op, nil
}

func (q *MemoryDeadLetter) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.records[id]; !ok {
		return ErrRecordNotFound
	}
	delete(q.records, id)
	return nil
}

func (q *MemoryDeadLetter) Clear(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.records = make(map[string]FailedOperation)
	return nil
}

func (q *MemoryDeadLetter) Close() error { return nil }
