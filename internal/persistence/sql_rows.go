package persistence

import (
	"database/sql"
	"errors"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

// Column order shared by the SQL backends.
const sagaColumns = `id, workflow, status, step, awaiting, context_kinds, deadline, terminal_event_id, reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSaga(row rowScanner) (*api.Saga, error) {
	var (
		r        sagaRecord
		kinds    string
		status   string
		awaiting string
	)
	err := row.Scan(&r.ID, &r.Workflow, &status, &r.Step, &awaiting, &kinds,
		&r.Deadline, &r.TerminalEventID, &r.Reason, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSagaNotFound
		}
		return nil, err
	}
	r.Status = api.Status(status)
	r.Awaiting = api.Kind(awaiting)
	if r.ContextKinds, err = decodeKinds(kinds); err != nil {
		return nil, err
	}
	return r.saga(), nil
}

func scanSagas(rows *sql.Rows) ([]*api.Saga, error) {
	defer rows.Close()

	var sagas []*api.Saga
	for rows.Next() {
		saga, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		sagas = append(sagas, saga)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sagas, nil
}

// sagaArgs returns the column values in sagaColumns order.
func sagaArgs(s *api.Saga) ([]any, error) {
	kinds, err := encodeKinds(s.ContextKinds)
	if err != nil {
		return nil, err
	}
	r := toRecord(s)
	return []any{
		r.ID, r.Workflow, string(r.Status), r.Step, string(r.Awaiting), kinds,
		r.Deadline, r.TerminalEventID, r.Reason, r.CreatedAt, r.UpdatedAt,
	}, nil
}

func scanEvents(rows *sql.Rows) ([]api.Event, error) {
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
