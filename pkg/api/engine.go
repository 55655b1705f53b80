package api

import (
	"context"
	"time"
)

// Engine is the saga engine API.
type Engine interface {
	// Dispatch validates ev and routes it to the handler registered for its
	// kind, returning the events produced. Workflow-level failures come back
	// as terminal events, not errors; only protocol and infrastructure
	// errors are returned.
	Dispatch(ctx context.Context, ev Event) ([]Event, error)

	// Resume applies a response event to the suspended saga it correlates
	// with, recovering the saga's context from history. Resuming a saga that
	// is already terminal is a no-op.
	Resume(ctx context.Context, ev Event) ([]Event, error)

	// Record appends ev to its saga's history. The event must not reference
	// previous events the saga has not accepted.
	Record(ctx context.Context, ev Event) error

	// History returns the events accepted by a saga in acceptance order.
	History(ctx context.Context, sagaID string) ([]Event, error)

	// GetSaga looks up a saga by id.
	GetSaga(ctx context.Context, id string) (*Saga, error)

	// ListSagas returns sagas matching the given options.
	ListSagas(ctx context.Context, opts SagaListOptions) ([]*Saga, error)

	// Cancel ends a saga that is awaiting external input.
	Cancel(ctx context.Context, sagaID string, reason string) ([]Event, error)

	// ExpireOverdue ends every suspended saga whose deadline is before now.
	// It returns the number of sagas expired and the events produced.
	ExpireOverdue(ctx context.Context, now time.Time) (int, []Event, error)

	// RecoverInterrupted marks sagas left in StatusResumed (for example
	// after a crash mid-resume) as failed. It is intended to run on startup
	// before any events are consumed.
	RecoverInterrupted(ctx context.Context) (int, error)
}

// Publisher delivers produced events to whoever listens for them.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, events ...Event) error

func (f PublisherFunc) Publish(ctx context.Context, events ...Event) error {
	return f(ctx, events...)
}
