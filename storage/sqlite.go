package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskboard/domain"
)

const currentSchemaVersion = 2

// SQLite is the single-node Change Store.
type SQLite struct {
	conn *sql.DB
	path string
}

// OpenSQLite opens (and migrates) the database at path. The special path
// ":memory:" yields a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	// One writer keeps read-modify-write transactions serialized and lets the
	// in-memory database survive across calls.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	db := &SQLite{conn: conn, path: path}
	if err := db.initSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return db, nil
}

// Close releases the underlying connection.
func (d *SQLite) Close() error { return d.conn.Close() }

// Ping checks that the database answers.
func (d *SQLite) Ping(ctx context.Context) error { return d.conn.PingContext(ctx) }

func (d *SQLite) initSchema() error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}
	version, err := readSchemaVersion(tx)
	if err != nil {
		return err
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("db schema version %d is newer than runtime version %d", version, currentSchemaVersion)
	}
	for version < currentSchemaVersion {
		next, err := applyNextMigration(tx, version)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(next)); err != nil {
			return err
		}
		version = next
	}
	return tx.Commit()
}

func readSchemaVersion(tx *sql.Tx) (int, error) {
	var text string
	err := tx.QueryRow(`SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", text, err)
	}
	return v, nil
}

func applyNextMigration(tx *sql.Tx, version int) (int, error) {
	switch version {
	case 0:
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS actors (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL DEFAULT '',
				email TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				description TEXT NOT NULL,
				due_date INTEGER NOT NULL,
				priority INTEGER NOT NULL,
				status INTEGER NOT NULL,
				creator_id TEXT NOT NULL,
				assigned_to_id TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
		}
		for _, s := range stmts {
			if _, err := tx.Exec(s); err != nil {
				return version, fmt.Errorf("migrate schema 0 -> 1: %w", err)
			}
		}
		return 1, nil
	case 1:
		if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks (created_at DESC, id DESC)`); err != nil {
			return version, fmt.Errorf("migrate schema 1 -> 2: %w", err)
		}
		return 2, nil
	default:
		return version, fmt.Errorf("no migration from schema version %d", version)
	}
}

const taskColumns = `id, title, description, due_date, priority, status, creator_id, assigned_to_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (domain.Task, error) {
	var (
		t                     domain.Task
		due, created, updated int64
		priority, status      int
	)
	if err := r.Scan(&t.ID, &t.Title, &t.Description, &due, &priority, &status, &t.CreatorID, &t.AssignedToID, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	t.DueDate = time.UnixMilli(due).UTC()
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	t.Priority = domain.Priority(priority)
	t.Status = domain.Status(status)
	if !t.Priority.Valid() || !t.Status.Valid() {
		return domain.Task{}, fmt.Errorf("task %s has corrupt enum values", t.ID)
	}
	return t, nil
}

// Find lists tasks matching filter ordered by creation time, newest first.
func (d *SQLite) Find(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != 0 {
		where = append(where, "status = ?")
		args = append(args, int(filter.Status))
	}
	if filter.Priority != 0 {
		where = append(where, "priority = ?")
		args = append(args, int(filter.Priority))
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	rows, err := d.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// FindByID returns the task or nil when it does not exist.
func (d *SQLite) FindByID(ctx context.Context, id string) (*domain.Task, error) {
	t, err := scanTask(d.conn.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateOne inserts a new task.
func (d *SQLite) CreateOne(ctx context.Context, t domain.Task) error {
	_, err := d.conn.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.DueDate.UnixMilli(), int(t.Priority), int(t.Status),
		t.CreatorID, t.AssignedToID, t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli())
	return err
}

// UpdateOneByID applies patch inside a transaction and returns the new
// record, or nil when id does not exist.
func (d *SQLite) UpdateOneByID(ctx context.Context, id string, patch domain.TaskPatch, now time.Time) (*domain.Task, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	patch.Apply(&t, now)
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET title = ?, description = ?, due_date = ?, priority = ?, status = ?, assigned_to_id = ?, updated_at = ? WHERE id = ?`,
		t.Title, t.Description, t.DueDate.UnixMilli(), int(t.Priority), int(t.Status), t.AssignedToID, t.UpdatedAt.UnixMilli(), id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteOneByID removes a task and reports whether it existed.
func (d *SQLite) DeleteOneByID(ctx context.Context, id string) (bool, error) {
	res, err := d.conn.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ActorExists reports whether id is a known actor.
func (d *SQLite) ActorExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := d.conn.QueryRowContext(ctx, `SELECT 1 FROM actors WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListActors returns every actor ordered by name.
func (d *SQLite) ListActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT id, name, email FROM actors ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	actors := []domain.Actor{}
	for rows.Next() {
		var a domain.Actor
		if err := rows.Scan(&a.ID, &a.Name, &a.Email); err != nil {
			return nil, err
		}
		actors = append(actors, a)
	}
	return actors, rows.Err()
}

// UpsertActor creates or replaces an actor profile.
func (d *SQLite) UpsertActor(ctx context.Context, a domain.Actor) error {
	_, err := d.conn.ExecContext(ctx, `INSERT INTO actors (id, name, email) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email`, a.ID, a.Name, a.Email)
	return err
}
