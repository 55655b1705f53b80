// Package taskqueue buffers inbound events between the transport that
// receives them and the workers that dispatch them to the engine.
package taskqueue

import (
	"context"
	"time"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

// Task is one inbound event waiting to be dispatched.
type Task struct {
	// ID defaults to the event id.
	ID    string
	Event api.Event

	EnqueuedAt time.Time

	// NotBefore is the earliest time the task may be handed out. Zero means
	// immediately.
	NotBefore time.Time

	// Attempts counts previous failed dispatches.
	Attempts int
}

// NewTask wraps ev in a task ready to enqueue.
func NewTask(ev api.Event) Task {
	return Task{
		ID:         ev.ID,
		Event:      ev,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Queue is a FIFO of tasks.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
