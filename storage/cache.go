package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"taskboard-api/domain"
)

const (
	tasksCacheKey = "board:tasks"
	usersCacheKey = "board:users"
)

// Cache wraps a Store with Redis-backed caching for the two hot list reads.
// Task mutations evict the task list so observers re-reading after a change
// event never see a stale board. All cache failures degrade to the backing
// store without surfacing errors.
type Cache struct {
	domain.Store
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base domain.Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{Store: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTasks(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	if c.load(ctx, tasksCacheKey, &tasks) {
		return tasks, nil
	}
	tasks, err := c.Store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	c.save(ctx, tasksCacheKey, tasks)
	return tasks, nil
}

func (c *Cache) ListUsers(ctx context.Context) ([]domain.User, error) {
	var users []domain.User
	if c.load(ctx, usersCacheKey, &users) {
		return users, nil
	}
	users, err := c.Store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	c.save(ctx, usersCacheKey, users)
	return users, nil
}

func (c *Cache) InsertTask(ctx context.Context, t domain.Task) error {
	if err := c.Store.InsertTask(ctx, t); err != nil {
		return err
	}
	c.evictTasks(ctx)
	return nil
}

func (c *Cache) UpdateTask(ctx context.Context, t domain.Task, etag string) error {
	if err := c.Store.UpdateTask(ctx, t, etag); err != nil {
		return err
	}
	c.evictTasks(ctx)
	return nil
}

func (c *Cache) DeleteTask(ctx context.Context, id string) error {
	if err := c.Store.DeleteTask(ctx, id); err != nil {
		return err
	}
	c.evictTasks(ctx)
	return nil
}

func (c *Cache) load(ctx context.Context, key string, dst any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

func (c *Cache) save(ctx context.Context, key string, val any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func (c *Cache) evictTasks(ctx context.Context) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, tasksCacheKey).Result()
}
