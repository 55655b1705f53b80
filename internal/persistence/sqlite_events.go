package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

func (s *SQLiteStore) Append(ctx context.Context, ev api.Event) error {
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
		VALUES (?, ?, ?, ?, ?)`,
		ev.ID,
		ev.SagaID,
		string(ev.Kind),
		at.UnixNano(),
		data,
	)
	return err
}

func (s *SQLiteStore) List(ctx context.Context, sagaID string) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data
		FROM saga_events
		WHERE saga_id = ?
		ORDER BY seq ASC`, sagaID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *SQLiteStore) Latest(ctx context.Context, sagaID string, kind api.Kind) (api.Event, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data
		FROM saga_events
		WHERE saga_id = ? AND kind = ?
		ORDER BY seq DESC
		LIMIT 1`, sagaID, string(kind)).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.Event{}, ErrEventNotFound
		}
		return api.Event{}, err
	}
	return DecodeEvent(data)
}

func (s *SQLiteStore) SagaOf(ctx context.Context, eventID string) (string, error) {
	var sagaID string
	err := s.db.QueryRowContext(ctx, `
		SELECT saga_id
		FROM saga_events
		WHERE event_id = ?
		ORDER BY seq ASC
		LIMIT 1`, eventID).Scan(&sagaID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrEventNotFound
		}
		return "", err
	}
	return sagaID, nil
}
