package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe implementation of
// SagaStore and HistoryStore backed by maps.
type InMemoryStore struct {
	mu      sync.RWMutex
	sagas   map[string]*api.Saga
	history map[string][]api.Event
	owners  map[string]string // event id -> saga id
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sagas:   make(map[string]*api.Saga),
		history: make(map[string][]api.Event),
		owners:  make(map[string]string),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveSaga(ctx context.Context, saga *api.Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sagas[saga.ID] = saga.Clone()
	return nil
}

func (s *InMemoryStore) UpdateSaga(ctx context.Context, saga *api.Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sagas[saga.ID]; !ok {
		return ErrSagaNotFound
	}

	s.sagas[saga.ID] = saga.Clone()
	return nil
}

func (s *InMemoryStore) GetSaga(ctx context.Context, id string) (*api.Saga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	saga, ok := s.sagas[id]
	if !ok {
		return nil, ErrSagaNotFound
	}

	return saga.Clone(), nil
}

func (s *InMemoryStore) ListSagas(ctx context.Context, filter SagaFilter) ([]*api.Saga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Saga
	for _, saga := range s.sagas {
		if filter.matches(saga) {
			result = append(result, saga.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

func (s *InMemoryStore) Append(ctx context.Context, ev api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[ev.SagaID] = append(s.history[ev.SagaID], ev.WithSaga(ev.SagaID))
	if _, ok := s.owners[ev.ID]; !ok {
		s.owners[ev.ID] = ev.SagaID
	}
	return nil
}

func (s *InMemoryStore) List(ctx context.Context, sagaID string) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.history[sagaID]
	out := make([]api.Event, len(events))
	for i, ev := range events {
		out[i] = ev.WithSaga(ev.SagaID)
	}
	return out, nil
}

func (s *InMemoryStore) Latest(ctx context.Context, sagaID string, kind api.Kind) (api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.history[sagaID]
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == kind {
			return events[i].WithSaga(sagaID), nil
		}
	}
	return api.Event{}, ErrEventNotFound
}

func (s *InMemoryStore) SagaOf(ctx context.Context, eventID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sagaID, ok := s.owners[eventID]
	if !ok {
		return "", ErrEventNotFound
	}
	return sagaID, nil
}
