package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"taskboard/domain"
	"taskboard/storage"
)

// seedFile lists the actors known to the board before anyone signs in.
type seedFile struct {
	Actors []domain.Actor `yaml:"actors"`
}

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	opts := storage.Options{
		Driver:           os.Getenv("STORE_DRIVER"),
		SQLitePath:       os.Getenv("SQLITE_PATH"),
		ConnectionString: os.Getenv("STORAGE_CONNECTION_STRING"),
		TasksTable:       os.Getenv("TASKS_TABLE"),
		ActorsTable:      os.Getenv("ACTORS_TABLE"),
	}
	if opts.Driver == storage.DriverTables && opts.ConnectionString == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}

	ctx := context.Background()
	store, err := storage.Open(opts)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if tables, ok := store.(*storage.Tables); ok {
		if err := tables.EnsureTables(ctx); err != nil {
			log.Fatalf("create tables: %v", err)
		}
	}

	if path := os.Getenv("SEED_FILE"); path != "" {
		n, err := seedActors(ctx, store, path)
		if err != nil {
			log.Fatalf("seed actors: %v", err)
		}
		log.WithField("actors", n).Info("actors seeded")
	}

	log.Info("storage init complete")
}

func seedActors(ctx context.Context, store storage.Backend, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("parse seed file: %w", err)
	}
	for _, a := range seed.Actors {
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			return 0, fmt.Errorf("seed actor without id")
		}
		if err := store.UpsertActor(ctx, a); err != nil {
			return 0, fmt.Errorf("upsert actor %s: %w", a.ID, err)
		}
	}
	return len(seed.Actors), nil
}
