package reconciler

import (
	"sort"
	"sync"

	"taskboard/domain"
)

// View is a client-side copy of the task collection. It is safe for
// concurrent use.
type View struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
}

func NewView() *View {
	return &View{tasks: make(map[string]domain.Task)}
}

// Apply folds one change event into the view and reports whether the view
// changed. Created upserts, Updated replaces only a present record and
// Deleted removes if present, so any event may be applied more than once.
func (v *View) Apply(ev domain.ChangeEvent) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch ev.Type {
	case domain.TaskCreated:
		cur, ok := v.tasks[ev.Task.ID]
		v.tasks[ev.Task.ID] = ev.Task
		return !ok || cur != ev.Task
	case domain.TaskUpdated:
		cur, ok := v.tasks[ev.Task.ID]
		if !ok {
			return false
		}
		v.tasks[ev.Task.ID] = ev.Task
		return cur != ev.Task
	case domain.TaskDeleted:
		if _, ok := v.tasks[ev.TaskID]; !ok {
			return false
		}
		delete(v.tasks, ev.TaskID)
		return true
	}
	return false
}

// Replace swaps the whole view for tasks.
func (v *View) Replace(tasks []domain.Task) {
	m := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t
	}
	v.mu.Lock()
	v.tasks = m
	v.mu.Unlock()
}

// Get returns the task with id.
func (v *View) Get(id string) (domain.Task, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	t, ok := v.tasks[id]
	return t, ok
}

func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.tasks)
}

// Snapshot returns the tasks ordered like the server listing, newest first.
func (v *View) Snapshot() []domain.Task {
	v.mu.RLock()
	out := make([]domain.Task, 0, len(v.tasks))
	for _, t := range v.tasks {
		out = append(out, t)
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}
