package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

// SQLiteQueue is a persistent Queue backed by SQLite. Tasks are handed out in
// (not_before, seq) order and deleted in the same transaction that claims
// them.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the inbound_tasks table in db and returns a
// queue over it.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS inbound_tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			event TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL,
			attempts INTEGER NOT NULL
		);
	`)
	return err
}

var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	ev, err := json.Marshal(t.Event)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}

	enqueuedAt := t.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now()
	}
	notBefore := enqueuedAt.UnixNano()
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UnixNano()
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO inbound_tasks (id, event, enqueued_at, not_before, attempts)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID,
		string(ev),
		enqueuedAt.UnixNano(),
		notBefore,
		t.Attempts,
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		task, err := q.claim(ctx)
		if err == nil {
			return task, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		// Nothing eligible: sleep a bit and retry.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *SQLiteQueue) claim(ctx context.Context) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq        int64
		id         string
		raw        string
		enqueuedAt int64
		notBefore  int64
		attempts   int
	)
	row := tx.QueryRowContext(ctx, `
		SELECT seq, id, event, enqueued_at, not_before, attempts
		FROM inbound_tasks
		WHERE not_before <= ?
		ORDER BY not_before, seq
		LIMIT 1`, time.Now().UnixNano())
	if err := row.Scan(&seq, &id, &raw, &enqueuedAt, &notBefore, &attempts); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM inbound_tasks WHERE seq = ?`, seq); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	var ev api.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &Task{
		ID:         id,
		Event:      ev,
		EnqueuedAt: time.Unix(0, enqueuedAt).UTC(),
		NotBefore:  time.Unix(0, notBefore).UTC(),
		Attempts:   attempts,
	}, nil
}

func (q *SQLiteQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM inbound_tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
