package storage

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

type countingBackend struct {
	*SQLite
	finds int
}

func (c *countingBackend) Find(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	c.finds++
	return c.SQLite.Find(ctx, f)
}

func newCacheFixture(t *testing.T) (*Cache, *countingBackend, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	base := &countingBackend{SQLite: openMemory(t)}
	return NewCache(base, client, time.Minute), base, m
}

func TestCacheServesRepeatedFinds(t *testing.T) {
	c, base, _ := newCacheFixture(t)
	ctx := context.Background()
	if err := c.CreateOne(ctx, sampleTask("a", time.Now().UTC().Truncate(time.Millisecond))); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		tasks, err := c.Find(ctx, domain.TaskFilter{})
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if len(tasks) != 1 || tasks[0].ID != "a" {
			t.Fatalf("unexpected tasks %+v", tasks)
		}
	}
	if base.finds != 1 {
		t.Fatalf("expected one backend find, got %d", base.finds)
	}
}

func TestCacheEvictsOnMutation(t *testing.T) {
	c, base, m := newCacheFixture(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := c.CreateOne(ctx, sampleTask("a", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Find(ctx, domain.TaskFilter{}); err != nil {
		t.Fatalf("find: %v", err)
	}
	if _, err := c.Find(ctx, domain.TaskFilter{Status: domain.StatusToDo}); err != nil {
		t.Fatalf("find: %v", err)
	}
	if !m.Exists(tasksCacheKey(1, domain.TaskFilter{})) {
		t.Fatalf("expected cached listing at generation 1, keys: %v", m.Keys())
	}

	st := domain.StatusReview
	if _, err := c.UpdateOneByID(ctx, "a", domain.TaskPatch{Status: &st}, now.Add(time.Second)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if gen, _ := m.Get(tasksCacheGen); gen != "2" {
		t.Fatalf("expected generation 2 after update, got %q", gen)
	}
	tasks, err := c.Find(ctx, domain.TaskFilter{})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if tasks[0].Status != domain.StatusReview {
		t.Fatalf("expected fresh status, got %v", tasks[0].Status)
	}
	if base.finds != 3 {
		t.Fatalf("expected 3 backend finds, got %d", base.finds)
	}

	if ok, err := c.DeleteOneByID(ctx, "a"); err != nil || !ok {
		t.Fatalf("delete: %v", err)
	}
	tasks, err = c.Find(ctx, domain.TaskFilter{})
	if err != nil || len(tasks) != 0 {
		t.Fatalf("expected empty listing after delete, got %+v %v", tasks, err)
	}
}

func TestCacheCorruptEntryFallsBack(t *testing.T) {
	c, base, m := newCacheFixture(t)
	ctx := context.Background()
	if err := m.Set(tasksCacheKey(0, domain.TaskFilter{}), "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := c.Find(ctx, domain.TaskFilter{}); err != nil {
		t.Fatalf("find: %v", err)
	}
	if base.finds != 1 {
		t.Fatalf("expected fallback to backend")
	}
	if v, _ := m.Get(tasksCacheKey(0, domain.TaskFilter{})); v == "{not json" {
		t.Fatalf("expected corrupt entry to be replaced")
	}
}

func TestCacheActors(t *testing.T) {
	c, _, m := newCacheFixture(t)
	ctx := context.Background()
	if err := c.UpsertActor(ctx, domain.Actor{ID: "u1", Name: "Ann"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := c.ListActors(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !m.Exists(actorsCacheKey(1)) {
		t.Fatalf("expected cached actors")
	}
	if err := c.UpsertActor(ctx, domain.Actor{ID: "u2", Name: "Bob"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	actors, err := c.ListActors(ctx)
	if err != nil || len(actors) != 2 {
		t.Fatalf("expected 2 actors after eviction, got %+v %v", actors, err)
	}
}

// pausingBackend holds Find between the backend read and the return so a
// mutation can commit while the stale result is in flight.
type pausingBackend struct {
	*SQLite
	read    chan struct{}
	release chan struct{}
	armed   bool
}

func (p *pausingBackend) Find(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	tasks, err := p.SQLite.Find(ctx, f)
	if p.armed {
		p.armed = false
		close(p.read)
		<-p.release
	}
	return tasks, err
}

func TestCacheStaleFillAfterMutationIsDiscarded(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	base := &pausingBackend{SQLite: openMemory(t), read: make(chan struct{}), release: make(chan struct{}), armed: true}
	c := NewCache(base, client, time.Minute)
	ctx := context.Background()

	done := make(chan []domain.Task)
	go func() {
		tasks, err := c.Find(ctx, domain.TaskFilter{})
		if err != nil {
			t.Errorf("stale find: %v", err)
		}
		done <- tasks
	}()
	<-base.read
	if err := c.CreateOne(ctx, sampleTask("a", time.Now().UTC().Truncate(time.Millisecond))); err != nil {
		t.Fatalf("create: %v", err)
	}
	close(base.release)
	if stale := <-done; len(stale) != 0 {
		t.Fatalf("expected the in-flight read to predate the create, got %+v", stale)
	}

	tasks, err := c.Find(ctx, domain.TaskFilter{})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "a" {
		t.Fatalf("expected committed task after create, got %+v", tasks)
	}
}

func TestCacheBypassedWhenRedisDown(t *testing.T) {
	c, base, m := newCacheFixture(t)
	ctx := context.Background()
	if err := c.CreateOne(ctx, sampleTask("a", time.Now().UTC().Truncate(time.Millisecond))); err != nil {
		t.Fatalf("create: %v", err)
	}
	m.SetError("LOADING redis is down")
	tasks, err := c.Find(ctx, domain.TaskFilter{})
	if err != nil || len(tasks) != 1 {
		t.Fatalf("expected backend listing with redis down, got %+v %v", tasks, err)
	}
	if base.finds != 1 {
		t.Fatalf("expected one backend find, got %d", base.finds)
	}
}
