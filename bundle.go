package durable

import (
	"database/sql"

	"github.com/petrijr/durable/internal/engine"
	"github.com/petrijr/durable/internal/persistence"
	"github.com/petrijr/durable/internal/taskqueue"
	"github.com/petrijr/durable/pkg/api"
	"github.com/petrijr/durable/pkg/worker"
)

// WorkerBundle wires together an Engine and a Worker that consumes the
// engine's durable task queue.
type WorkerBundle struct {
	Engine *engine.Engine
	Worker *worker.Worker
}

// BundleOptions tunes NewSQLiteBundle.
type BundleOptions struct {
	Observer         api.Observer
	ActivityDefaults api.ActivityOptions
	WorkerOptions    []worker.Option
}

// NewSQLiteBundle constructs an Engine and Worker sharing the same SQLite
// database. History, the instance index and queued tasks are all persisted
// in db, so a restarted process can Recover and continue where it stopped.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:durable.db?_pragma=journal_mode(WAL)")
//	bundle, err := durable.NewSQLiteBundle(db, durable.BundleOptions{})
//	// register orchestrations and activities on bundle.Engine
//	// run bundle.Worker in a worker.Pool
func NewSQLiteBundle(db *sql.DB, opts BundleOptions) (*WorkerBundle, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	eng, err := engine.NewEngineWithConfig(engine.Config{
		Persistence:      persistence.FromStore(store),
		Queue:            q,
		Observer:         opts.Observer,
		ActivityDefaults: opts.ActivityDefaults,
	})
	if err != nil {
		return nil, err
	}

	return &WorkerBundle{
		Engine: eng,
		Worker: worker.New(eng, q, opts.WorkerOptions...),
	}, nil
}
