package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"taskboard/domain"
)

func openMemory(t *testing.T) *SQLite {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sampleTask(id string, created time.Time) domain.Task {
	return domain.Task{
		ID:          id,
		Title:       "task " + id,
		Description: "d",
		DueDate:     time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC),
		Priority:    domain.PriorityHigh,
		Status:      domain.StatusToDo,
		CreatorID:   "u1",
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestSQLiteCreateFindOrdering(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()
	base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := db.CreateOne(ctx, sampleTask(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	tasks, err := db.Find(ctx, domain.TaskFilter{})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(tasks) != 3 || tasks[0].ID != "c" || tasks[2].ID != "a" {
		t.Fatalf("expected newest first, got %+v", tasks)
	}
	if !tasks[0].DueDate.Equal(time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC)) || tasks[0].Priority != domain.PriorityHigh {
		t.Fatalf("fields not round-tripped: %+v", tasks[0])
	}
}

func TestSQLiteFilter(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	a := sampleTask("a", now)
	b := sampleTask("b", now)
	b.Status = domain.StatusReview
	b.Priority = domain.PriorityLow
	for _, tk := range []domain.Task{a, b} {
		if err := db.CreateOne(ctx, tk); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	got, err := db.Find(ctx, domain.TaskFilter{Status: domain.StatusReview})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("expected only b, got %+v", got)
	}
	got, err = db.Find(ctx, domain.TaskFilter{Status: domain.StatusReview, Priority: domain.PriorityHigh})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %+v", got)
	}
}

func TestSQLiteUpdateAndDelete(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := db.CreateOne(ctx, sampleTask("a", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	st := domain.StatusCompleted
	assignee := "u2"
	later := now.Add(time.Hour)
	got, err := db.UpdateOneByID(ctx, "a", domain.TaskPatch{Status: &st, AssignedToID: &assignee}, later)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got == nil || got.Status != domain.StatusCompleted || got.AssignedToID != "u2" || !got.UpdatedAt.Equal(later) {
		t.Fatalf("unexpected update result %+v", got)
	}
	stored, err := db.FindByID(ctx, "a")
	if err != nil || stored == nil {
		t.Fatalf("find by id: %v", err)
	}
	if stored.Status != domain.StatusCompleted || !stored.CreatedAt.Equal(now) {
		t.Fatalf("unexpected stored record %+v", stored)
	}

	missing, err := db.UpdateOneByID(ctx, "zzz", domain.TaskPatch{Status: &st}, later)
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing id, got %+v %v", missing, err)
	}

	ok, err := db.DeleteOneByID(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	ok, err = db.DeleteOneByID(ctx, "a")
	if err != nil || ok {
		t.Fatalf("second delete: ok=%v err=%v", ok, err)
	}
	if gone, _ := db.FindByID(ctx, "a"); gone != nil {
		t.Fatalf("expected task to be gone")
	}
}

func TestSQLiteActors(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()
	if ok, err := db.ActorExists(ctx, "u1"); err != nil || ok {
		t.Fatalf("expected unknown actor, ok=%v err=%v", ok, err)
	}
	if err := db.UpsertActor(ctx, domain.Actor{ID: "u1", Name: "Zed"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := db.UpsertActor(ctx, domain.Actor{ID: "u2", Name: "Ann", Email: "ann@example.com"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := db.UpsertActor(ctx, domain.Actor{ID: "u1", Name: "Bob"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	actors, err := db.ListActors(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(actors) != 2 || actors[0].Name != "Ann" || actors[1].Name != "Bob" {
		t.Fatalf("unexpected actors %+v", actors)
	}
	if ok, _ := db.ActorExists(ctx, "u1"); !ok {
		t.Fatalf("expected u1 to exist")
	}
}

func TestSQLiteReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "board.db")
	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.CreateOne(context.Background(), sampleTask("a", time.Now().UTC().Truncate(time.Millisecond))); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = db.Close()

	db, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if got, err := db.FindByID(context.Background(), "a"); err != nil || got == nil {
		t.Fatalf("expected persisted task, got %v %v", got, err)
	}
}

func TestSQLitePing(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	ctx := context.Background()
	if err := db.Ping(ctx); err != nil {
		t.Fatalf("ping open db: %v", err)
	}
	_ = db.Close()
	if err := db.Ping(ctx); err == nil {
		t.Fatalf("expected ping on closed db to fail")
	}
}
