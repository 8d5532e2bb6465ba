package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"taskboard-api/domain"
)

// stubBackend implements only the Store methods the cache overrides; calls
// to anything else panic through the embedded nil interface.
type stubBackend struct {
	domain.Store
	listTasksFn  func(ctx context.Context) ([]domain.Task, error)
	listUsersFn  func(ctx context.Context) ([]domain.User, error)
	insertTaskFn func(ctx context.Context, t domain.Task) error
	updateTaskFn func(ctx context.Context, t domain.Task, etag string) error
	deleteTaskFn func(ctx context.Context, id string) error
}

func (s *stubBackend) ListTasks(ctx context.Context) ([]domain.Task, error) {
	if s.listTasksFn == nil {
		return nil, errors.New("unexpected ListTasks call")
	}
	return s.listTasksFn(ctx)
}

func (s *stubBackend) ListUsers(ctx context.Context) ([]domain.User, error) {
	if s.listUsersFn == nil {
		return nil, errors.New("unexpected ListUsers call")
	}
	return s.listUsersFn(ctx)
}

func (s *stubBackend) InsertTask(ctx context.Context, t domain.Task) error {
	if s.insertTaskFn == nil {
		return errors.New("unexpected InsertTask call")
	}
	return s.insertTaskFn(ctx, t)
}

func (s *stubBackend) UpdateTask(ctx context.Context, t domain.Task, etag string) error {
	if s.updateTaskFn == nil {
		return errors.New("unexpected UpdateTask call")
	}
	return s.updateTaskFn(ctx, t, etag)
}

func (s *stubBackend) DeleteTask(ctx context.Context, id string) error {
	if s.deleteTaskFn == nil {
		return errors.New("unexpected DeleteTask call")
	}
	return s.deleteTaskFn(ctx, id)
}

func testRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCacheListTasksMissThenHit(t *testing.T) {
	mr, client := testRedis(t)
	ctx := context.Background()
	expected := []domain.Task{{ID: "t1", Title: "Write code", Status: domain.StatusTodo}}

	var calls int
	cache := NewCache(&stubBackend{
		listTasksFn: func(context.Context) ([]domain.Task, error) {
			calls++
			return append([]domain.Task(nil), expected...), nil
		},
	}, client, time.Minute)

	tasks, err := cache.ListTasks(ctx)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if !reflect.DeepEqual(tasks, expected) {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
	if calls != 1 {
		t.Fatalf("expected 1 backend call, got %d", calls)
	}
	if ttl := mr.TTL(tasksCacheKey); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	cached, err := cache.ListTasks(ctx)
	if err != nil {
		t.Fatalf("cached list: %v", err)
	}
	if !reflect.DeepEqual(cached, expected) {
		t.Fatalf("unexpected cached tasks: %#v", cached)
	}
	if calls != 1 {
		t.Fatalf("expected cached read to avoid backend, calls=%d", calls)
	}
}

func TestCacheListUsersMissThenHit(t *testing.T) {
	mr, client := testRedis(t)
	ctx := context.Background()
	expected := []domain.User{{ID: "u1", Email: "a@x.com", Username: "alice"}}

	var calls int
	cache := NewCache(&stubBackend{
		listUsersFn: func(context.Context) ([]domain.User, error) {
			calls++
			return append([]domain.User(nil), expected...), nil
		},
	}, client, time.Minute)

	users, err := cache.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if !reflect.DeepEqual(users, expected) {
		t.Fatalf("unexpected users: %#v", users)
	}
	if !mr.Exists(usersCacheKey) {
		t.Fatal("expected users to be cached")
	}
	if _, err := cache.ListUsers(ctx); err != nil {
		t.Fatalf("cached list: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected cached read to avoid backend, calls=%d", calls)
	}
}

func TestCacheMutationsEvictTasks(t *testing.T) {
	mr, client := testRedis(t)
	ctx := context.Background()

	backend := &stubBackend{
		insertTaskFn: func(context.Context, domain.Task) error { return nil },
		updateTaskFn: func(context.Context, domain.Task, string) error { return nil },
		deleteTaskFn: func(context.Context, string) error { return nil },
	}
	cache := NewCache(backend, client, time.Minute)

	seed := func() {
		if err := client.Set(ctx, tasksCacheKey, []byte("[]"), time.Hour).Err(); err != nil {
			t.Fatalf("seed cache: %v", err)
		}
	}

	seed()
	if err := cache.InsertTask(ctx, domain.Task{ID: "t1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if mr.Exists(tasksCacheKey) {
		t.Fatal("insert must evict the task list")
	}

	seed()
	if err := cache.UpdateTask(ctx, domain.Task{ID: "t1"}, `W/"1"`); err != nil {
		t.Fatalf("update: %v", err)
	}
	if mr.Exists(tasksCacheKey) {
		t.Fatal("update must evict the task list")
	}

	seed()
	if err := cache.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mr.Exists(tasksCacheKey) {
		t.Fatal("delete must evict the task list")
	}
}

func TestCacheMutationErrorPreservesCache(t *testing.T) {
	mr, client := testRedis(t)
	ctx := context.Background()
	if err := client.Set(ctx, tasksCacheKey, []byte("[]"), time.Hour).Err(); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	cache := NewCache(&stubBackend{
		updateTaskFn: func(context.Context, domain.Task, string) error {
			return domain.ErrConcurrencyConflict
		},
	}, client, time.Minute)

	if err := cache.UpdateTask(ctx, domain.Task{ID: "t1"}, `W/"1"`); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected backend error passthrough, got %v", err)
	}
	if !mr.Exists(tasksCacheKey) {
		t.Fatal("cache must survive a failed mutation")
	}
}

func TestCacheCorruptEntryFallsBack(t *testing.T) {
	mr, client := testRedis(t)
	ctx := context.Background()
	if err := client.Set(ctx, tasksCacheKey, []byte("{not json"), time.Hour).Err(); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	expected := []domain.Task{{ID: "t1"}}
	cache := NewCache(&stubBackend{
		listTasksFn: func(context.Context) ([]domain.Task, error) {
			return append([]domain.Task(nil), expected...), nil
		},
	}, client, time.Minute)

	tasks, err := cache.ListTasks(ctx)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if !reflect.DeepEqual(tasks, expected) {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
	// The corrupt entry was dropped and replaced by the fresh read.
	if got, err := mr.Get(tasksCacheKey); err != nil || got == "{not json" {
		t.Fatalf("corrupt entry must be replaced, got %q (%v)", got, err)
	}
}

func TestCacheNilClientPassesThrough(t *testing.T) {
	ctx := context.Background()
	var calls int
	cache := NewCache(&stubBackend{
		listTasksFn: func(context.Context) ([]domain.Task, error) {
			calls++
			return nil, nil
		},
	}, nil, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := cache.ListTasks(ctx); err != nil {
			t.Fatalf("list tasks: %v", err)
		}
	}
	if calls != 2 {
		t.Fatalf("nil client must always hit the backend, calls=%d", calls)
	}
}
