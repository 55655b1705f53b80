package persistence

// Persistence bundles the two store interfaces so the engine
// can depend on a single abstraction.
type Persistence struct {
	Sagas   SagaStore
	History HistoryStore
}

// FromStore uses one backend for both sagas and history.
func FromStore(s Store) Persistence {
	return Persistence{Sagas: s, History: s}
}
