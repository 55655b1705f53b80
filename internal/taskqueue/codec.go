package taskqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

type taskRecord struct {
	ID         string          `json:"id"`
	Event      json.RawMessage `json:"event"`
	EnqueuedAt int64           `json:"enqueued_at"`
	NotBefore  int64           `json:"not_before,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
}

// EncodeTask serializes a task, event envelope included.
func EncodeTask(t Task) ([]byte, error) {
	ev, err := json.Marshal(t.Event)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	rec := taskRecord{
		ID:         t.ID,
		Event:      ev,
		EnqueuedAt: t.EnqueuedAt.UnixNano(),
		Attempts:   t.Attempts,
	}
	if !t.NotBefore.IsZero() {
		rec.NotBefore = t.NotBefore.UnixNano()
	}
	return json.Marshal(rec)
}

// DecodeTask is the inverse of EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	var rec taskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	var ev api.Event
	if err := json.Unmarshal(rec.Event, &ev); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", rec.ID, err)
	}
	t := &Task{
		ID:         rec.ID,
		Event:      ev,
		EnqueuedAt: time.Unix(0, rec.EnqueuedAt).UTC(),
		Attempts:   rec.Attempts,
	}
	if rec.NotBefore != 0 {
		t.NotBefore = time.Unix(0, rec.NotBefore).UTC()
	}
	return t, nil
}
