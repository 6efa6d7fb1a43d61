package gateway

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"taskboard/domain"
)

var errStoreDown = errors.New("store down")

type fakeStore struct {
	mu     sync.Mutex
	tasks  map[string]domain.Task
	actors map[string]bool
	fail   bool
	// commitThenFail makes the next CreateOne store the task and still
	// report an error.
	commitThenFail bool
	beforeCreate   func()
}

func newFakeStore(actors ...string) *fakeStore {
	s := &fakeStore{tasks: map[string]domain.Task{}, actors: map[string]bool{}}
	for _, a := range actors {
		s.actors[a] = true
	}
	return s
}

func (s *fakeStore) Find(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errStoreDown
	}
	out := []domain.Task{}
	for _, t := range s.tasks {
		if f.Matches(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeStore) FindByID(ctx context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errStoreDown
	}
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *fakeStore) CreateOne(ctx context.Context, t domain.Task) error {
	if s.beforeCreate != nil {
		s.beforeCreate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errStoreDown
	}
	if _, ok := s.tasks[t.ID]; ok {
		return errors.New("duplicate id")
	}
	s.tasks[t.ID] = t
	if s.commitThenFail {
		s.commitThenFail = false
		return errStoreDown
	}
	return nil
}

func (s *fakeStore) UpdateOneByID(ctx context.Context, id string, p domain.TaskPatch, now time.Time) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errStoreDown
	}
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	p.Apply(&t, now)
	s.tasks[id] = t
	return &t, nil
}

func (s *fakeStore) DeleteOneByID(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return false, errStoreDown
	}
	if _, ok := s.tasks[id]; !ok {
		return false, nil
	}
	delete(s.tasks, id)
	return true, nil
}

func (s *fakeStore) ActorExists(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actors[id], nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func (r *recordingSink) Publish(ev domain.ChangeEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) Events() []domain.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ChangeEvent, len(r.events))
	copy(out, r.events)
	return out
}

type memDeduper struct {
	mu   sync.Mutex
	keys map[string]string
}

func (d *memDeduper) Reserve(ctx context.Context, actorID, key, taskID string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keys == nil {
		d.keys = map[string]string{}
	}
	k := actorID + ":" + key
	if prev, ok := d.keys[k]; ok {
		return prev, false, nil
	}
	d.keys[k] = taskID
	return taskID, true, nil
}

