package api

import (
	"context"
	"slices"
	"time"
)

// Status represents the lifecycle state of a saga.
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusAwaiting  Status = "AWAITING_INPUT"
	StatusResumed   Status = "RESUMED"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transitions may follow.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Saga is the serializable state of one workflow instance. Its ID is the id
// of the request event that started it.
type Saga struct {
	ID       string
	Workflow string
	Status   Status

	// Step names the step the saga is in, for diagnostics.
	Step string

	// Awaiting is the event kind a suspended saga waits for.
	Awaiting Kind

	// ContextKinds are the kinds looked up from history to rebuild the
	// context when the saga resumes.
	ContextKinds []Kind

	// Deadline bounds how long the saga may stay suspended. Zero means no
	// deadline.
	Deadline time.Time

	// TerminalEventID is the id of the success or failure event.
	TerminalEventID string

	// Reason explains a failure.
	Reason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy.
func (s *Saga) Clone() *Saga {
	if s == nil {
		return nil
	}
	c := *s
	c.ContextKinds = slices.Clone(s.ContextKinds)
	return &c
}

// Overdue reports whether a suspended saga has passed its deadline.
func (s *Saga) Overdue(now time.Time) bool {
	return s.Status == StatusAwaiting && !s.Deadline.IsZero() && now.After(s.Deadline)
}

// SagaListOptions controls how sagas are listed.
// Zero values mean "no filter" for that field.
type SagaListOptions struct {
	// Workflow, if non-empty, limits results to sagas of the given workflow.
	Workflow string

	// Status, if non-empty, limits results to sagas with the given status.
	Status Status
}

// FlowContext is handed to a Workflow by the engine for one invocation. It
// records emitted events in the saga's history and collects the state
// transition the workflow decides on.
type FlowContext interface {
	// Saga returns a snapshot of the saga being driven.
	Saga() *Saga

	// Emit creates an event for payload that follows the given parents,
	// records it, and returns it. When resuming, the trigger and the
	// recovered context events are always added as parents.
	Emit(ctx context.Context, payload Payload, parents ...Event) (Event, error)

	// Latest returns the most recently recorded event of kind in this saga.
	Latest(ctx context.Context, kind Kind) (Event, error)

	// Await suspends the saga until an event of kind arrives. contextKinds
	// are recovered from history on resume.
	Await(step string, kind Kind, contextKinds ...Kind)

	// Succeed marks the saga terminal with ev as its outcome.
	Succeed(step string, ev Event)

	// Fail marks the saga terminal with ev as its outcome.
	Fail(step string, ev Event, reason string)
}

// Workflow is a saga definition. Start runs on the request event; Continue
// runs when the awaited event arrives with the recovered context, keyed by
// kind; Expire ends a suspended saga that timed out or was cancelled.
//
// Each call must leave the saga either suspended (Await) or terminal
// (Succeed / Fail).
type Workflow interface {
	Name() string
	Start(ctx context.Context, fc FlowContext, request Event) error
	Continue(ctx context.Context, fc FlowContext, trigger Event, recovered map[Kind]Event) error
	Expire(ctx context.Context, fc FlowContext, reason string) error
}
