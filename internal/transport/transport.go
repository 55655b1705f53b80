// Package transport carries events between services as asynq tasks on Redis.
//
// Every event travels as a task of type "event:<kind>" whose payload is the
// event's JSON envelope. The task id is the event id, so publishing the same
// event twice enqueues it once.
package transport

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

const (
	TaskTypePrefix = "event:"

	// DefaultInboundQueue holds requests and credentials for the engine.
	DefaultInboundQueue = "licdata-inbound"
	// DefaultOutboundQueue holds the events the engine produces.
	DefaultOutboundQueue = "licdata-outbound"
)

// TaskType returns the asynq task type for events of kind k.
func TaskType(k api.Kind) string {
	return TaskTypePrefix + string(k)
}

// NewTask wraps ev in an asynq task.
func NewTask(ev api.Event, opts ...asynq.Option) (*asynq.Task, error) {
	if err := api.Validate(ev); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("transport: encode %s: %w", ev.ID, err)
	}
	opts = append([]asynq.Option{asynq.TaskID(ev.ID)}, opts...)
	return asynq.NewTask(TaskType(ev.Kind), payload, opts...), nil
}

// ParseTask recovers the event carried by t. The task type must agree with
// the event kind.
func ParseTask(t *asynq.Task) (api.Event, error) {
	kind, ok := strings.CutPrefix(t.Type(), TaskTypePrefix)
	if !ok {
		return api.Event{}, fmt.Errorf("%w: task type %q", api.ErrUnknownKind, t.Type())
	}
	var ev api.Event
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return api.Event{}, fmt.Errorf("%w: %v", api.ErrInvalidEvent, err)
	}
	if string(ev.Kind) != kind {
		return api.Event{}, fmt.Errorf("%w: task type %q carries a %s", api.ErrInvalidEvent, t.Type(), ev.Kind)
	}
	return ev, api.Validate(ev)
}
