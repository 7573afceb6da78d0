package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"shopfloor-api/domain"
)

type backend interface {
	FetchTasks(ctx context.Context, department, continuationToken string, limit int) ([]domain.Task, string, error)
	InsertTask(ctx context.Context, t domain.Task) error
	UpdateTask(ctx context.Context, id string, fields map[string]any) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
	TaskByID(ctx context.Context, id string) (domain.Task, error)
	ProfileByID(ctx context.Context, id string) (domain.Profile, error)
}

// Cache wraps a Storage instance with Redis-backed caching for the hot
// read paths: first task pages per department and profile rows.
type Cache struct {
	*Storage
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis
// client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}

	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

type cachedTaskPage struct {
	Tasks     []domain.Task `json:"tasks"`
	NextToken string        `json:"nextToken"`
}

// FetchTasks serves the first page of a department from cache when it
// can. Continuation pages always go to the backing storage.
func (c *Cache) FetchTasks(ctx context.Context, department, continuationToken string, limit int) ([]domain.Task, string, error) {
	cacheable := continuationToken == "" && limit <= 0
	if cacheable {
		if page, ok := c.loadTaskPage(ctx, department); ok {
			return page.Tasks, page.NextToken, nil
		}
	}

	tasks, nextToken, err := c.base.FetchTasks(ctx, department, continuationToken, limit)
	if err != nil {
		return nil, "", err
	}
	if cacheable {
		c.storeTaskPage(ctx, department, cachedTaskPage{Tasks: tasks, NextToken: nextToken})
	}
	return tasks, nextToken, nil
}

func (c *Cache) InsertTask(ctx context.Context, t domain.Task) error {
	if err := c.base.InsertTask(ctx, t); err != nil {
		return err
	}
	c.evictTasks(ctx, t.Department)
	return nil
}

func (c *Cache) UpdateTask(ctx context.Context, id string, fields map[string]any) (domain.Task, error) {
	task, err := c.base.UpdateTask(ctx, id, fields)
	if err != nil {
		return domain.Task{}, err
	}
	c.evictTasks(ctx, task.Department)
	return task, nil
}

func (c *Cache) DeleteTask(ctx context.Context, id string) error {
	task, err := c.base.TaskByID(ctx, id)
	if err == nil {
		defer c.evictTasks(ctx, task.Department)
	}
	return c.base.DeleteTask(ctx, id)
}

// ProfileByID caches profile rows. ErrNotFound is never cached so a
// freshly inserted profile becomes visible immediately.
func (c *Cache) ProfileByID(ctx context.Context, id string) (domain.Profile, error) {
	if profile, ok := c.loadProfile(ctx, id); ok {
		return profile, nil
	}

	profile, err := c.base.ProfileByID(ctx, id)
	if err != nil {
		return domain.Profile{}, err
	}
	c.storeProfile(ctx, profile)
	return profile, nil
}

// EvictProfile drops a cached profile row after a write.
func (c *Cache) EvictProfile(ctx context.Context, id string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, profileCacheKey(id)).Err()
}

func (c *Cache) loadTaskPage(ctx context.Context, department string) (cachedTaskPage, bool) {
	if c.redis == nil {
		return cachedTaskPage{}, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(department)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(department)).Err()
		}
		return cachedTaskPage{}, false
	}
	var page cachedTaskPage
	if err := json.Unmarshal(data, &page); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(department)).Err()
		return cachedTaskPage{}, false
	}
	return page, true
}

func (c *Cache) storeTaskPage(ctx context.Context, department string, page cachedTaskPage) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(page)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(department), data, c.ttl).Err()
}

func (c *Cache) loadProfile(ctx context.Context, id string) (domain.Profile, bool) {
	if c.redis == nil {
		return domain.Profile{}, false
	}
	data, err := c.redis.Get(ctx, profileCacheKey(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, profileCacheKey(id)).Err()
		}
		return domain.Profile{}, false
	}
	var profile domain.Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		_ = c.redis.Del(ctx, profileCacheKey(id)).Err()
		return domain.Profile{}, false
	}
	return profile, true
}

func (c *Cache) storeProfile(ctx context.Context, profile domain.Profile) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, profileCacheKey(profile.ID), data, c.ttl).Err()
}

func (c *Cache) evictTasks(ctx context.Context, department string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, tasksCacheKey(department)).Err()
}

func tasksCacheKey(department string) string {
	return "tasks:" + department
}

func profileCacheKey(id string) string {
	return "profile:" + id
}
