package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an event variant.
type Kind string

const (
	KindImageRequested      Kind = "ImageRequested"
	KindImagePushRequested  Kind = "ImagePushRequested"
	KindImageAvailable      Kind = "ImageAvailable"
	KindImageFailed         Kind = "ImageFailed"
	KindCredentialRequested Kind = "CredentialRequested"
	KindCredentialProvided  Kind = "CredentialProvided"
	KindImagePushed         Kind = "ImagePushed"
	KindImagePushFailed     Kind = "ImagePushFailed"
)

// Kinds lists every event kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindImageRequested,
		KindImagePushRequested,
		KindImageAvailable,
		KindImageFailed,
		KindCredentialRequested,
		KindCredentialProvided,
		KindImagePushed,
		KindImagePushFailed,
	}
}

// Inbound reports whether events of this kind are consumed from the transport.
func (k Kind) Inbound() bool {
	switch k {
	case KindImageRequested, KindImagePushRequested, KindCredentialProvided:
		return true
	default:
		return false
	}
}

// Event is an immutable, correlated record of something that happened in a
// saga. Construct events with NewEvent; the zero value is not valid.
type Event struct {
	ID               string
	PreviousEventIDs []string
	Kind             Kind
	SagaID           string
	At               time.Time
	Payload          Payload
}

// NewEvent creates an event with a fresh id. The previous event ids are the
// deduplicated concatenation of each parent's id followed by its own
// previous ids, in order of first appearance.
func NewEvent(payload Payload, parents ...Event) Event {
	var ids []string
	for _, p := range parents {
		ids = append(ids, p.ID)
		ids = append(ids, p.PreviousEventIDs...)
	}
	return Event{
		ID:               uuid.NewString(),
		PreviousEventIDs: UnionIDs(ids),
		Kind:             payload.Kind(),
		At:               time.Now().UTC(),
		Payload:          payload.clonePayload(),
	}
}

// NewEventWithParents creates an event that follows the given ids verbatim.
// It is intended for inbound events built outside a saga (CLI, transport).
func NewEventWithParents(payload Payload, previousEventIDs ...string) Event {
	return Event{
		ID:               uuid.NewString(),
		PreviousEventIDs: UnionIDs(previousEventIDs),
		Kind:             payload.Kind(),
		At:               time.Now().UTC(),
		Payload:          payload.clonePayload(),
	}
}

// WithSaga returns a copy of the event bound to the given saga.
func (e Event) WithSaga(sagaID string) Event {
	c := e.clone()
	c.SagaID = sagaID
	return c
}

// Parents returns a copy of the previous event ids.
func (e Event) Parents() []string {
	return append([]string(nil), e.PreviousEventIDs...)
}

// Follows reports whether id is one of the event's previous event ids.
func (e Event) Follows(id string) bool {
	for _, p := range e.PreviousEventIDs {
		if p == id {
			return true
		}
	}
	return false
}

// Metadata returns a copy of the payload metadata.
func (e Event) Metadata() Metadata {
	if e.Payload == nil {
		return nil
	}
	return e.Payload.meta().Clone()
}

func (e Event) clone() Event {
	c := e
	c.PreviousEventIDs = e.Parents()
	if e.Payload != nil {
		c.Payload = e.Payload.clonePayload()
	}
	return c
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%s)", e.Kind, e.ID)
}

// UnionIDs deduplicates ids keeping the order of first appearance and
// dropping empty entries.
func UnionIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

type eventEnvelope struct {
	ID               string          `json:"id"`
	PreviousEventIDs []string        `json:"previous_event_ids,omitempty"`
	Kind             Kind            `json:"kind"`
	SagaID           string          `json:"saga_id,omitempty"`
	At               time.Time       `json:"at"`
	Payload          json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the event as a kind-tagged envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event %s: %w", e.ID, ErrInvalidEvent)
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventEnvelope{
		ID:               e.ID,
		PreviousEventIDs: e.PreviousEventIDs,
		Kind:             e.Kind,
		SagaID:           e.SagaID,
		At:               e.At,
		Payload:          raw,
	})
}

// UnmarshalJSON decodes a kind-tagged envelope.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	payload, err := decodePayload(env.Kind, env.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		ID:               env.ID,
		PreviousEventIDs: env.PreviousEventIDs,
		Kind:             env.Kind,
		SagaID:           env.SagaID,
		At:               env.At,
		Payload:          payload,
	}
	return nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case KindImageRequested:
		p = &ImageRequested{}
	case KindImagePushRequested:
		p = &ImagePushRequested{}
	case KindImageAvailable:
		p = &ImageAvailable{}
	case KindImageFailed:
		p = &ImageFailed{}
	case KindCredentialRequested:
		p = &CredentialRequested{}
	case KindCredentialProvided:
		p = &CredentialProvided{}
	case KindImagePushed:
		p = &ImagePushed{}
	case KindImagePushFailed:
		p = &ImagePushFailed{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
	}
	return derefPayload(p), nil
}

// derefPayload turns the pointer used for decoding back into the value form
// that the rest of the code switches on.
func derefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *ImageRequested:
		return *v
	case *ImagePushRequested:
		return *v
	case *ImageAvailable:
		return *v
	case *ImageFailed:
		return *v
	case *CredentialRequested:
		return *v
	case *CredentialProvided:
		return *v
	case *ImagePushed:
		return *v
	case *ImagePushFailed:
		return *v
	}
	return p
}
