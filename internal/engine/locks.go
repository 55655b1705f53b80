package engine

import "sync"

// sagaLocks hands out one mutex per saga id. Entries are dropped once no
// goroutine holds or waits for them.
type sagaLocks struct {
	mu sync.Mutex
	m  map[string]*sagaLock
}

type sagaLock struct {
	sync.Mutex
	refs int
}

func newSagaLocks() *sagaLocks {
	return &sagaLocks{m: make(map[string]*sagaLock)}
}

// lock blocks until the saga is free and returns the matching unlock.
func (l *sagaLocks) lock(id string) func() {
	l.mu.Lock()
	sl, ok := l.m[id]
	if !ok {
		sl = &sagaLock{}
		l.m[id] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.Lock()
	return func() {
		sl.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
