package virta

import (
	"database/sql"

	"github.com/redis/go-redis/v9"

	workerpkg "github.com/petrijr/virta/pkg/worker"
)

// WorkerBundle wires together an Engine and a Worker that consumes tasks
// from the engine's queue.
type WorkerBundle struct {
	Engine *Engine
	Worker *workerpkg.Worker
}

// NewSQLiteBundle constructs a durable Engine + Worker combo sharing the
// same SQLite database. Run records, event histories, run locks and queued
// tasks are all persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:virta.db?_journal=WAL")
//	bundle, err := virta.NewSQLiteBundle(db, worker.Config{Concurrency: 4})
//	// register workflows and activities on bundle.Engine.Registry()
//	// run bundle.Worker in a goroutine
func NewSQLiteBundle(db *sql.DB, cfg workerpkg.Config) (*WorkerBundle, error) {
	eng, err := NewSQLiteEngine(db)
	if err != nil {
		return nil, err
	}
	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.New(eng, cfg),
	}, nil
}

// NewRedisBundle is the Redis-backed equivalent of NewSQLiteBundle.
func NewRedisBundle(client *redis.Client, prefix string, cfg workerpkg.Config) *WorkerBundle {
	eng := NewRedisEngine(client, prefix)
	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.New(eng, cfg),
	}
}
