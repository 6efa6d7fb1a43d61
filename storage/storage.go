package storage

import (
	"context"
	"fmt"
	"time"

	"taskboard/domain"
)

// Backend is the full Change Store contract implemented by every adapter.
type Backend interface {
	Find(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
	FindByID(ctx context.Context, id string) (*domain.Task, error)
	CreateOne(ctx context.Context, t domain.Task) error
	UpdateOneByID(ctx context.Context, id string, patch domain.TaskPatch, now time.Time) (*domain.Task, error)
	DeleteOneByID(ctx context.Context, id string) (bool, error)

	ActorExists(ctx context.Context, id string) (bool, error)
	ListActors(ctx context.Context) ([]domain.Actor, error)
	UpsertActor(ctx context.Context, a domain.Actor) error

	// Ping reports whether the store answers.
	Ping(ctx context.Context) error
	Close() error
}

const (
	DriverSQLite = "sqlite"
	DriverTables = "tables"
)

// Options selects and configures a backend.
type Options struct {
	Driver           string
	SQLitePath       string
	ConnectionString string
	TasksTable       string
	ActorsTable      string
}

// Open returns the backend named by opts.Driver.
func Open(opts Options) (Backend, error) {
	switch opts.Driver {
	case "", DriverSQLite:
		path := opts.SQLitePath
		if path == "" {
			path = "data/taskboard.db"
		}
		return OpenSQLite(path)
	case DriverTables:
		if opts.ConnectionString == "" || opts.TasksTable == "" || opts.ActorsTable == "" {
			return nil, fmt.Errorf("tables driver requires a connection string and table names")
		}
		return OpenTables(opts.ConnectionString, opts.TasksTable, opts.ActorsTable)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
