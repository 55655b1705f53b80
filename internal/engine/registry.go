package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

// Handler reacts to an inbound event and returns the events it produced.
type Handler func(ctx context.Context, ev api.Event) ([]api.Event, error)

// Registry maps event kinds to exactly one handler each.
type Registry struct {
	mu     sync.RWMutex
	byKind map[api.Kind]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		byKind: make(map[api.Kind]Handler),
	}
}

// Register binds h to kind. Registering a kind twice is a configuration
// error.
func (r *Registry) Register(kind api.Kind, h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler for %s", api.ErrConfiguration, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKind[kind]; exists {
		return fmt.Errorf("%w: handler for %s already registered", api.ErrConfiguration, kind)
	}

	r.byKind[kind] = h
	return nil
}

// Dispatch routes ev to the handler registered for its kind.
func (r *Registry) Dispatch(ctx context.Context, ev api.Event) ([]api.Event, error) {
	r.mu.RLock()
	h, ok := r.byKind[ev.Kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrUnhandledEvent, ev.Kind)
	}
	return h(ctx, ev)
}

// Kinds returns the registered kinds in a stable order.
func (r *Registry) Kinds() []api.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]api.Kind, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
