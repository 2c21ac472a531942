package redisstreams

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/openrlm/rlm-go/resilience"
)

const (
	defaultPrefix = "rlm:dlq"
	defaultLimit  = 50
)

// DeadLetter is a Redis Streams backed resilience.DeadLetter: each
// failed operation is one stream entry, so the queue survives process
// restarts and can be drained by operator tooling.
type DeadLetter struct {
	client   *goredis.Client
	addr     string
	password string
	db       int
	prefix   string
	stream   string
}

type Option func(*DeadLetter)

func WithClient(client *goredis.Client) Option {
	return func(q *DeadLetter) {
		if client != nil {
			q.client = client
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(q *DeadLetter) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			q.prefix = prefix
		}
	}
}

func WithPassword(password string) Option {
	return func(q *DeadLetter) { q.password = password }
}

func WithDB(db int) Option {
	return func(q *DeadLetter) { q.db = db }
}

func New(addr string, opts ...Option) (*DeadLetter, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	q := &DeadLetter{
		addr:   addr,
		prefix: defaultPrefix,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.client == nil {
		q.client = goredis.NewClient(&goredis.Options{Addr: q.addr, Password: q.password, DB: q.db})
	}
	if err := q.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	q.stream = q.prefix + ":failed"
	return q, nil
}

func (q *DeadLetter) Push(ctx context.Context, op resilience.FailedOperation) (string, error) {
	if op.Tool == "" {
		return "", fmt.Errorf("tool name is required")
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("failed to marshal failed operation: %w", err)
	}
	id, err := q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to push dead letter: %w", err)
	}
	return id, nil
}

func (q *DeadLetter) List(ctx context.Context, limit int) ([]resilience.FailedOperation, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	entries, err := q.client.XRangeN(ctx, q.stream, "-", "+", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	out := make([]resilience.FailedOperation, 0, len(entries))
	for _, entry := range entries {
		op, ok := decodeEntry(entry)
		if !ok {
			continue
		}
		out = append(out, op)
	}
	return out, nil
}

func (q *DeadLetter) Get(ctx context.Context, id string) (resilience.FailedOperation, error) {
	entries, err := q.client.XRangeN(ctx, q.stream, id, id, 1).Result()
	if err != nil {
		return resilience.FailedOperation{}, fmt.Errorf("failed to get dead letter: %w", err)
	}
	if len(entries) == 0 {
		return resilience.FailedOperation{}, resilience.ErrRecordNotFound
	}
	op, ok := decodeEntry(entries[0])
	if !ok {
		return resilience.FailedOperation{}, fmt.Errorf("failed to decode dead letter %s", id)
	}
	return op, nil
}

func (q *DeadLetter) Remove(ctx context.Context, id string) error {
	n, err := q.client.XDel(ctx, q.stream, id).Result()
	if err != nil {
		return fmt.Errorf("failed to remove dead letter: %w", err)
	}
	if n == 0 {
		return resilience.ErrRecordNotFound
	}
	return nil
}

func (q *DeadLetter) Clear(ctx context.Context) error {
	if err := q.client.Del(ctx, q.stream).Err(); err != nil {
		return fmt.Errorf("failed to clear dead letters: %w", err)
	}
	return nil
}

func (q *DeadLetter) Close() error {
	return q.client.Close()
}

func decodeEntry(entry goredis.XMessage) (resilience.FailedOperation, bool) {
	payload, _ := entry.Values["payload"].(string)
	if payload == "" {
		return resilience.FailedOperation{}, false
	}
	var op resilience.FailedOperation
	if err := json.Unmarshal([]byte(payload), &op); err != nil {
		return resilience.FailedOperation{}, false
	}
	// The stream entry id is authoritative so Remove works on listed
	// records.
	op.ID = entry.ID
	return op, true
}
