package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

const (
	tasksCacheGen  = "tasks:gen"
	actorsCacheGen = "actors:gen"
)

// errStaleFill aborts a cache fill whose generation moved while the backend
// was being read.
var errStaleFill = errors.New("cache generation changed")

// Cache wraps a Backend with Redis-backed caching for listings. Cached keys
// carry a generation number that every mutation increments, so a listing read
// before a mutation can never be served after it.
type Cache struct {
	Backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base Backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{Backend: base, redis: client, ttl: ttl}
}

func tasksCacheKey(gen int64, f domain.TaskFilter) string {
	return "tasks:" + strconv.FormatInt(gen, 10) + ":" + strconv.Itoa(int(f.Status)) + ":" + strconv.Itoa(int(f.Priority))
}

func actorsCacheKey(gen int64) string {
	return "actors:" + strconv.FormatInt(gen, 10)
}

func (c *Cache) Find(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	gen, ok := c.generation(ctx, tasksCacheGen)
	if !ok {
		return c.Backend.Find(ctx, filter)
	}
	key := tasksCacheKey(gen, filter)
	var tasks []domain.Task
	if c.load(ctx, key, &tasks) {
		return tasks, nil
	}
	tasks, err := c.Backend.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, tasksCacheGen, gen, key, tasks)
	return tasks, nil
}

func (c *Cache) ListActors(ctx context.Context) ([]domain.Actor, error) {
	gen, ok := c.generation(ctx, actorsCacheGen)
	if !ok {
		return c.Backend.ListActors(ctx)
	}
	key := actorsCacheKey(gen)
	var actors []domain.Actor
	if c.load(ctx, key, &actors) {
		return actors, nil
	}
	actors, err := c.Backend.ListActors(ctx)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, actorsCacheGen, gen, key, actors)
	return actors, nil
}

func (c *Cache) CreateOne(ctx context.Context, t domain.Task) error {
	err := c.Backend.CreateOne(ctx, t)
	// A failed write may still have landed.
	c.bump(ctx, tasksCacheGen)
	return err
}

func (c *Cache) UpdateOneByID(ctx context.Context, id string, patch domain.TaskPatch, now time.Time) (*domain.Task, error) {
	t, err := c.Backend.UpdateOneByID(ctx, id, patch, now)
	if err != nil || t != nil {
		c.bump(ctx, tasksCacheGen)
	}
	return t, err
}

func (c *Cache) DeleteOneByID(ctx context.Context, id string) (bool, error) {
	ok, err := c.Backend.DeleteOneByID(ctx, id)
	if err != nil || ok {
		c.bump(ctx, tasksCacheGen)
	}
	return ok, err
}

func (c *Cache) UpsertActor(ctx context.Context, a domain.Actor) error {
	err := c.Backend.UpsertActor(ctx, a)
	c.bump(ctx, actorsCacheGen)
	return err
}

// generation returns the current generation of genKey. It reports false when
// the cache is disabled or redis cannot be read, in which case callers go to
// the backend directly.
func (c *Cache) generation(ctx context.Context, genKey string) (int64, bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, genKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	if err != nil {
		return 0, false
	}
	return gen, true
}

func (c *Cache) bump(ctx context.Context, genKey string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Incr(ctx, genKey).Err()
}

func (c *Cache) load(ctx context.Context, key string, dst any) bool {
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	if err := sonic.Unmarshal(data, dst); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

// fill stores v under key only while genKey still holds gen.
func (c *Cache) fill(ctx context.Context, genKey string, gen int64, key string, v any) bool {
	data, err := sonic.Marshal(v)
	if err != nil {
		return false
	}
	err = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.ttl)
			return nil
		})
		return err
	}, genKey)
	return err == nil
}
