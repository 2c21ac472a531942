package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/openrlm/rlm-go/session"
)

const (
	defaultTTL    = 72 * time.Hour
	defaultLimit  = 50
	defaultPrefix = "rlm"
)

type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) {
		s.password = password
	}
}

func WithDB(db int) Option {
	return func(s *Store) {
		s.db = db
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return s, nil
}

func (s *Store) Save(ctx context.Context, rec session.Record) error {
	if rec.Key == "" {
		return fmt.Errorf("session key is required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(rec.Key), string(raw), s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), goredis.Z{
		Score:  float64(rec.UpdatedAt.Unix()),
		Member: rec.Key,
	})
	pipe.Expire(ctx, s.indexKey(), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save session in redis: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, key string) (session.Record, error) {
	if key == "" {
		return session.Record{}, fmt.Errorf("session key is required")
	}

	raw, err := s.client.Get(ctx, s.sessionKey(key)).Result()
	if err != nil {
		if err == goredis.Nil {
			return session.Record{}, session.ErrNotFound
		}
		return session.Record{}, fmt.Errorf("failed to load session from redis: %w", err)
	}

	var rec session.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return session.Record{}, fmt.Errorf("failed to decode session from redis: %w", err)
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context, limit int) ([]session.Record, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	keys, err := s.client.ZRevRange(ctx, s.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list session keys: %w", err)
	}
	if len(keys) == 0 {
		return []session.Record{}, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.sessionKey(k)
	}
	loaded, err := s.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget sessions from redis: %w", err)
	}

	out := make([]session.Record, 0, len(loaded))
	stale := make([]any, 0)
	for i, raw := range loaded {
		if raw == nil {
			// Expired value still indexed; drop the index entry.
			stale = append(stale, keys[i])
			continue
		}
		var rec session.Record
		if err := json.Unmarshal([]byte(fmt.Sprintf("%v", raw)), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, s.indexKey(), stale...).Err()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.sessionKey(key))
	pipe.ZRem(ctx, s.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session from redis: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list sessions for clear: %w", err)
	}
	pipe := s.client.TxPipeline()
	for _, k := range keys {
		pipe.Del(ctx, s.sessionKey(k))
	}
	pipe.Del(ctx, s.indexKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to clear sessions from redis: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) sessionKey(key string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, key)
}

func (s *Store) indexKey() string {
	return fmt.Sprintf("%s:sessions", s.prefix)
}
