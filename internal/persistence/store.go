package persistence

import (
	"context"
	"errors"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

var (
	// ErrSagaNotFound is returned when a saga is not found.
	ErrSagaNotFound = api.ErrSagaNotFound

	// ErrEventNotFound is returned when a history lookup finds nothing.
	ErrEventNotFound = errors.New("event not found")
)

// SagaFilter is used to select sagas from the store.
// Empty string / zero status mean "no filter" for that field.
type SagaFilter struct {
	Workflow string
	Status   api.Status
}

func (f SagaFilter) matches(s *api.Saga) bool {
	if f.Workflow != "" && s.Workflow != f.Workflow {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}

// SagaStore handles storage of saga state.
type SagaStore interface {
	SaveSaga(ctx context.Context, saga *api.Saga) error
	// UpdateSaga overwrites an existing saga; ErrSagaNotFound if absent.
	UpdateSaga(ctx context.Context, saga *api.Saga) error
	GetSaga(ctx context.Context, id string) (*api.Saga, error)
	ListSagas(ctx context.Context, filter SagaFilter) ([]*api.Saga, error)
}

// HistoryStore is an append-only, per-saga event history. Events of one saga
// are returned in the order they were appended.
type HistoryStore interface {
	// Append adds ev to the history of ev.SagaID. Appends are not
	// deduplicated.
	Append(ctx context.Context, ev api.Event) error
	List(ctx context.Context, sagaID string) ([]api.Event, error)
	// Latest returns the most recently appended event of kind in the saga,
	// or ErrEventNotFound.
	Latest(ctx context.Context, sagaID string, kind api.Kind) (api.Event, error)
	// SagaOf returns the saga that accepted eventID, or ErrEventNotFound.
	SagaOf(ctx context.Context, eventID string) (string, error)
}

// Store is implemented by every backend: a single database holds both
// sagas and their histories.
type Store interface {
	SagaStore
	HistoryStore
}
