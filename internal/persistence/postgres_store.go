package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// It expects an *sql.DB that uses the pgx driver. The caller is
// responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open("pgx", dsn).
type PostgresStore struct {
	db *sql.DB
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given
// database and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sagas (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			status TEXT NOT NULL,
			step TEXT NOT NULL DEFAULT '',
			awaiting TEXT NOT NULL DEFAULT '',
			context_kinds TEXT NOT NULL DEFAULT '',
			deadline BIGINT NOT NULL DEFAULT 0,
			terminal_event_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sagas_status ON sagas(status)`,
		`CREATE TABLE IF NOT EXISTS saga_events (
			seq BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL,
			saga_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			at BIGINT NOT NULL,
			data BYTEA NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_saga_events_saga ON saga_events(saga_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_saga_events_event ON saga_events(event_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) SaveSaga(ctx context.Context, saga *api.Saga) error {
	args, err := sagaArgs(saga)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sagas (`+sagaColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		args...,
	)
	return err
}

func (s *PostgresStore) UpdateSaga(ctx context.Context, saga *api.Saga) error {
	args, err := sagaArgs(saga)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sagas
		SET workflow          = $2,
		    status            = $3,
		    step              = $4,
		    awaiting          = $5,
		    context_kinds     = $6,
		    deadline          = $7,
		    terminal_event_id = $8,
		    reason            = $9,
		    created_at        = $10,
		    updated_at        = $11
		WHERE id = $1
	`,
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

func (s *PostgresStore) GetSaga(ctx context.Context, id string) (*api.Saga, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sagaColumns+`
		FROM sagas
		WHERE id = $1
	`,
		id,
	)
	return scanSaga(row)
}

func (s *PostgresStore) ListSagas(ctx context.Context, filter SagaFilter) ([]*api.Saga, error) {
	query := `SELECT ` + sagaColumns + ` FROM sagas`
	var args []any
	var clauses []string

	if filter.Workflow != "" {
		clauses = append(clauses, fmt.Sprintf("workflow = $%d", len(args)+1))
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)+1))
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

func (s *PostgresStore) Append(ctx context.Context, ev api.Event) error {
	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saga_events (event_id, saga_id, kind, at, data)
		VALUES ($1, $2, $3, $4, $5)
	`,
		ev.ID,
		ev.SagaID,
		string(ev.Kind),
		at.UnixNano(),
		data,
	)
	return err
}

func (s *PostgresStore) List(ctx context.Context, sagaID string) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data
		FROM saga_events
		WHERE saga_id = $1
		ORDER BY seq ASC
	`, sagaID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *PostgresStore) Latest(ctx context.Context, sagaID string, kind api.Kind) (api.Event, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data
		FROM saga_events
		WHERE saga_id = $1 AND kind = $2
		ORDER BY seq DESC
		LIMIT 1
	`, sagaID, string(kind)).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.Event{}, ErrEventNotFound
		}
		return api.Event{}, err
	}
	return DecodeEvent(data)
}

func (s *PostgresStore) SagaOf(ctx context.Context, eventID string) (string, error) {
	var sagaID string
	err := s.db.QueryRowContext(ctx, `
		SELECT saga_id
		FROM saga_events
		WHERE event_id = $1
		ORDER BY seq ASC
		LIMIT 1
	`, eventID).Scan(&sagaID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrEventNotFound
		}
		return "", err
	}
	return sagaID, nil
}
