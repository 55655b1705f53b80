package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

// EncodeEvent serializes an event as its JSON envelope.
func EncodeEvent(ev api.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	return data, nil
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(data []byte) (api.Event, error) {
	var ev api.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return api.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// sagaRecord is the document form of a saga used by key-value backends.
type sagaRecord struct {
	ID              string     `json:"id"`
	Workflow        string     `json:"workflow"`
	Status          api.Status `json:"status"`
	Step            string     `json:"step,omitempty"`
	Awaiting        api.Kind   `json:"awaiting,omitempty"`
	ContextKinds    []api.Kind `json:"context_kinds,omitempty"`
	Deadline        int64      `json:"deadline,omitempty"`
	TerminalEventID string     `json:"terminal_event_id,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	CreatedAt       int64      `json:"created_at"`
	UpdatedAt       int64      `json:"updated_at"`
}

func toRecord(s *api.Saga) sagaRecord {
	return sagaRecord{
		ID:              s.ID,
		Workflow:        s.Workflow,
		Status:          s.Status,
		Step:            s.Step,
		Awaiting:        s.Awaiting,
		ContextKinds:    s.ContextKinds,
		Deadline:        unixNano(s.Deadline),
		TerminalEventID: s.TerminalEventID,
		Reason:          s.Reason,
		CreatedAt:       unixNano(s.CreatedAt),
		UpdatedAt:       unixNano(s.UpdatedAt),
	}
}

func (r sagaRecord) saga() *api.Saga {
	return &api.Saga{
		ID:              r.ID,
		Workflow:        r.Workflow,
		Status:          r.Status,
		Step:            r.Step,
		Awaiting:        r.Awaiting,
		ContextKinds:    r.ContextKinds,
		Deadline:        fromUnixNano(r.Deadline),
		TerminalEventID: r.TerminalEventID,
		Reason:          r.Reason,
		CreatedAt:       fromUnixNano(r.CreatedAt),
		UpdatedAt:       fromUnixNano(r.UpdatedAt),
	}
}

func encodeSaga(s *api.Saga) ([]byte, error) {
	return json.Marshal(toRecord(s))
}

func decodeSaga(data []byte) (*api.Saga, error) {
	if len(data) == 0 {
		return nil, ErrSagaNotFound
	}
	var r sagaRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode saga: %w", err)
	}
	return r.saga(), nil
}

// encodeKinds joins context kinds for a single text column.
func encodeKinds(kinds []api.Kind) (string, error) {
	if len(kinds) == 0 {
		return "", nil
	}
	data, err := json.Marshal(kinds)
	return string(data), err
}

func decodeKinds(s string) ([]api.Kind, error) {
	if s == "" {
		return nil, nil
	}
	var kinds []api.Kind
	err := json.Unmarshal([]byte(s), &kinds)
	return kinds, err
}

// Times are stored as UTC nanoseconds; zero means unset.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
