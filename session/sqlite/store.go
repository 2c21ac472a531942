package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openrlm/rlm-go/session"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, rec session.Record) error {
	if rec.Key == "" {
		return fmt.Errorf("session key is required")
	}
	now := time.Now().UTC()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.TopLevelStartedAt.IsZero() {
		rec.TopLevelStartedAt = now
	}

	messagesRaw, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}
	subTasksRaw, err := json.Marshal(rec.SubTasks)
	if err != nil {
		return fmt.Errorf("failed to marshal sub tasks: %w", err)
	}
	sharedRaw, err := json.Marshal(rec.SharedData)
	if err != nil {
		return fmt.Errorf("failed to marshal shared data: %w", err)
	}

	const q = `
INSERT INTO sessions (
  key, messages, call_count, est_cost_usd, actual_tokens_used, sub_tasks, depth, top_level_started_at, shared_data, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
  messages=excluded.messages,
  call_count=excluded.call_count,
  est_cost_usd=excluded.est_cost_usd,
  actual_tokens_used=excluded.actual_tokens_used,
  sub_tasks=excluded.sub_tasks,
  depth=excluded.depth,
  top_level_started_at=excluded.top_level_started_at,
  shared_data=excluded.shared_data,
  updated_at=excluded.updated_at;
`

	_, err = s.db.ExecContext(
		ctx,
		q,
		rec.Key,
		string(messagesRaw),
		rec.CallCount,
		rec.EstCostUSD,
		rec.ActualTokensUsed,
		string(subTasksRaw),
		rec.Depth,
		rec.TopLevelStartedAt.Format(time.RFC3339Nano),
		string(sharedRaw),
		rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, key string) (session.Record, error) {
	if strings.TrimSpace(key) == "" {
		return session.Record{}, fmt.Errorf("session key is required")
	}

	const q = `
SELECT key, messages, call_count, est_cost_usd, actual_tokens_used, sub_tasks, depth, top_level_started_at, shared_data, updated_at
FROM sessions
WHERE key = ?;
`
	row := s.db.QueryRowContext(ctx, q, key)
	rec, err := scanSession(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Record{}, session.ErrNotFound
		}
		return session.Record{}, fmt.Errorf("failed to load session: %w", err)
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context, limit int) ([]session.Record, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	const q = `
SELECT key, messages, call_count, est_cost_usd, actual_tokens_used, sub_tasks, depth, top_level_started_at, shared_data, updated_at
FROM sessions
ORDER BY updated_at DESC
LIMIT ?;
`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	records := make([]session.Record, 0, limit)
	for rows.Next() {
		rec, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return records, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE key = ?;", key); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions;"); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func scanSession(scan func(dest ...any) error) (session.Record, error) {
	var (
		rec        session.Record
		messages   string
		subTasks   string
		shared     string
		startedRaw string
		updatedRaw string
	)
	if err := scan(
		&rec.Key,
		&messages,
		&rec.CallCount,
		&rec.EstCostUSD,
		&rec.ActualTokensUsed,
		&subTasks,
		&rec.Depth,
		&startedRaw,
		&shared,
		&updatedRaw,
	); err != nil {
		return session.Record{}, err
	}

	if err := json.Unmarshal([]byte(messages), &rec.Messages); err != nil {
		return session.Record{}, fmt.Errorf("failed to unmarshal messages: %w", err)
	}
	if err := json.Unmarshal([]byte(subTasks), &rec.SubTasks); err != nil {
		return session.Record{}, fmt.Errorf("failed to unmarshal sub tasks: %w", err)
	}
	if err := json.Unmarshal([]byte(shared), &rec.SharedData); err != nil {
		return session.Record{}, fmt.Errorf("failed to unmarshal shared data: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, startedRaw); err == nil {
		rec.TopLevelStartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedRaw); err == nil {
		rec.UpdatedAt = t
	}
	return rec, nil
}
