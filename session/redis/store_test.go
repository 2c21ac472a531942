package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/openrlm/rlm-go/session"
	"github.com/openrlm/rlm-go/types"
)

func newTestRedisStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	prefix := "rlm-test-" + uuid.NewString()

	s, err := New(addr, WithPrefix(prefix), WithTTL(5*time.Minute))
	if err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		keys, _ := s.client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = s.client.Del(ctx, keys...).Err()
		}
		_ = s.Close()
	})
	return s
}

func TestRedisStore_SaveLoad(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	rec := session.Record{
		Key:       "sess-1",
		Messages:  []types.Message{{Role: types.RoleUser, Content: "hello"}},
		CallCount: 3,
		SubTasks: map[string]session.SubTaskInfo{
			"sub-1": {Task: "t", Arrived: true, Result: "r"},
		},
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.CallCount != 3 || got.SubTasks["sub-1"].Result != "r" {
		t.Fatalf("unexpected record: %#v", got)
	}
}

func TestRedisStore_LoadMissing(t *testing.T) {
	s := newTestRedisStore(t)

	_, err := s.Load(context.Background(), "missing")
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisStore_ListAndDelete(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		if err := s.Save(ctx, session.Record{Key: key, UpdatedAt: time.Now().UTC()}); err != nil {
			t.Fatalf("Save %s failed: %v", key, err)
		}
	}

	records, err := s.List(ctx, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(records))
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	records, err = s.List(ctx, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 || records[0].Key != "b" {
		t.Fatalf("unexpected sessions after delete: %#v", records)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	records, err = s.List(ctx, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no sessions after clear, got %d", len(records))
	}
}

func TestNewRequiresAddr(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty addr")
	}
}
