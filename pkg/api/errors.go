package api

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrConfiguration is returned when handlers are wired inconsistently,
	// e.g. two handlers for the same event kind.
	ErrConfiguration = errors.New("configuration error")

	// ErrUnhandledEvent is returned when no handler is registered for a kind.
	ErrUnhandledEvent = errors.New("unhandled event")

	// ErrProtocolViolation marks events that arrive out of protocol, such as
	// a response whose request was never recorded.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrInvalidEvent is returned for events that fail validation.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrUnknownKind is returned when decoding an event of an unknown kind.
	ErrUnknownKind = errors.New("unknown event kind")

	// ErrForwardReference is returned when an event names a previous event
	// that has not been accepted yet.
	ErrForwardReference = errors.New("previous event not accepted")

	// ErrSagaNotFound is returned when a saga id is unknown.
	ErrSagaNotFound = errors.New("saga not found")

	// ErrSagaNotWaiting is returned when cancelling a saga that is not
	// waiting for external input.
	ErrSagaNotWaiting = errors.New("saga is not awaiting input")
)

// ProtocolViolationError describes why an event could not be applied to a
// saga. It matches ErrProtocolViolation with errors.Is.
type ProtocolViolationError struct {
	SagaID  string
	EventID string
	Kind    Kind
	Reason  string

	// Err is the underlying cause, if any (e.g. ErrForwardReference).
	Err error
}

func (e *ProtocolViolationError) Error() string {
	if e.SagaID == "" {
		return fmt.Sprintf("protocol violation: %s %s: %s", e.Kind, e.EventID, e.Reason)
	}
	return fmt.Sprintf("protocol violation in saga %s: %s %s: %s", e.SagaID, e.Kind, e.EventID, e.Reason)
}

func (e *ProtocolViolationError) Is(target error) bool {
	return target == ErrProtocolViolation
}

func (e *ProtocolViolationError) Unwrap() error { return e.Err }

// NewProtocolViolation builds a ProtocolViolationError for ev.
func NewProtocolViolation(sagaID string, ev Event, reason string) error {
	return &ProtocolViolationError{
		SagaID:  sagaID,
		EventID: ev.ID,
		Kind:    ev.Kind,
		Reason:  reason,
	}
}

// IsProtocolViolation returns the violation details if err is one.
func IsProtocolViolation(err error) (*ProtocolViolationError, bool) {
	var pv *ProtocolViolationError
	if errors.As(err, &pv) {
		return pv, true
	}
	return nil, false
}

// IsPermanent reports errors that redelivering the same event cannot fix.
// Everything else, typically a store or network failure, is transient.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrProtocolViolation) ||
		errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrUnhandledEvent) ||
		errors.Is(err, ErrUnknownKind) ||
		errors.Is(err, ErrForwardReference) ||
		errors.Is(err, ErrConfiguration)
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validate checks the structural invariants of an event: a non-empty id, a
// payload whose kind matches the envelope, and the payload's field rules.
func Validate(ev Event) error {
	if ev.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if ev.Payload == nil {
		return fmt.Errorf("%w: %s %s has no payload", ErrInvalidEvent, ev.Kind, ev.ID)
	}
	if ev.Payload.Kind() != ev.Kind {
		return fmt.Errorf("%w: %s %s carries %s payload", ErrInvalidEvent, ev.Kind, ev.ID, ev.Payload.Kind())
	}

	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	if err := validate.Struct(ev.Payload); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrInvalidEvent, ev.Kind, ev.ID, err)
	}
	return nil
}
