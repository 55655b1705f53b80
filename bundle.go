package artifact

import (
	"database/sql"

	"github.com/acmsl/licdata-artifact/internal/taskqueue"
	workerpkg "github.com/acmsl/licdata-artifact/pkg/worker"
)

// WorkerBundle wires together an Engine, a durable task queue, and a Worker
// that consumes tasks from that queue.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	queue taskqueue.Queue
}

// Pending returns the number of inbound events not yet dispatched.
func (b *WorkerBundle) Pending() int {
	return b.queue.Len()
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. Sagas, their history and queued inbound events
// survive a restart.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:licdata.db?_pragma=journal_mode(WAL)")
//	bundle, err := artifact.NewSQLiteBundle(db, opts, worker.Config{MaxAttempts: 3})
//	_ = bundle.Worker.Enqueue(ctx, request)
func NewSQLiteBundle(db *sql.DB, opts Options, cfg workerpkg.Config) (*WorkerBundle, error) {
	eng, err := NewSQLiteEngine(db, opts)
	if err != nil {
		return nil, err
	}

	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.NewWithConfig(eng, q, cfg),
		queue:  q,
	}, nil
}
