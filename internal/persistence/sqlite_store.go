package persistence

import (
	"context"
	"database/sql"
	"strings"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given
// database and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sagas (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			status TEXT NOT NULL,
			step TEXT NOT NULL DEFAULT '',
			awaiting TEXT NOT NULL DEFAULT '',
			context_kinds TEXT NOT NULL DEFAULT '',
			deadline INTEGER NOT NULL DEFAULT 0,
			terminal_event_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sagas_status ON sagas(status);
		CREATE TABLE IF NOT EXISTS saga_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			saga_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			at INTEGER NOT NULL,
			data BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_saga_events_saga ON saga_events(saga_id, seq);
		CREATE INDEX IF NOT EXISTS idx_saga_events_event ON saga_events(event_id, seq);
	`)
	return err
}

func (s *SQLiteStore) SaveSaga(ctx context.Context, saga *api.Saga) error {
	args, err := sagaArgs(saga)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sagas (`+sagaColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	return err
}

func (s *SQLiteStore) UpdateSaga(ctx context.Context, saga *api.Saga) error {
	args, err := sagaArgs(saga)
	if err != nil {
		return err
	}
	// Move id to the WHERE clause.
	args = append(args[1:], args[0])

	res, err := s.db.ExecContext(ctx, `
		UPDATE sagas
		SET workflow = ?, status = ?, step = ?, awaiting = ?, context_kinds = ?, deadline = ?,
		    terminal_event_id = ?, reason = ?, created_at = ?, updated_at = ?
		WHERE id = ?`,
		args...,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSagaNotFound
	}

	return nil
}

func (s *SQLiteStore) GetSaga(ctx context.Context, id string) (*api.Saga, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sagaColumns+`
		FROM sagas
		WHERE id = ?`,
		id,
	)
	return scanSaga(row)
}

func (s *SQLiteStore) ListSagas(ctx context.Context, filter SagaFilter) ([]*api.Saga, error) {
	query := `SELECT ` + sagaColumns + ` FROM sagas`
	var args []any
	var clauses []string

	if filter.Workflow != "" {
		clauses = append(clauses, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanSagas(rows)
}
