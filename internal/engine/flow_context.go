package engine

import (
	"context"
	"fmt"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

type transitionKind int

const (
	transitionNone transitionKind = iota
	transitionAwait
	transitionSucceed
	transitionFail
)

type transition struct {
	kind         transitionKind
	step         string
	awaiting     api.Kind
	contextKinds []api.Kind
	outcome      api.Event
	reason       string
}

// flowContext implements api.FlowContext for a single workflow invocation.
// The caller holds the saga lock for its whole lifetime.
type flowContext struct {
	e    *engineImpl
	saga *api.Saga

	// prev is the saga as the invocation found it.
	prev *api.Saga

	// base events are parents of every emitted event: the trigger and the
	// recovered context when resuming.
	base []api.Event

	// known holds the ids accepted in this saga so far.
	known map[string]struct{}

	emitted []api.Event
	next    transition
}

var _ api.FlowContext = (*flowContext)(nil)

func (e *engineImpl) newFlowContext(ctx context.Context, saga *api.Saga, base ...api.Event) (*flowContext, error) {
	known, err := e.acceptedIDs(ctx, saga.ID)
	if err != nil {
		return nil, err
	}
	return &flowContext{
		e:     e,
		saga:  saga,
		prev:  saga.Clone(),
		base:  base,
		known: known,
	}, nil
}

func (fc *flowContext) Saga() *api.Saga { return fc.saga.Clone() }

func (fc *flowContext) Emit(ctx context.Context, payload api.Payload, parents ...api.Event) (api.Event, error) {
	if payload == nil {
		return api.Event{}, fmt.Errorf("%w: nil payload", api.ErrInvalidEvent)
	}
	all := make([]api.Event, 0, len(parents)+len(fc.base))
	all = append(all, parents...)
	all = append(all, fc.base...)

	ev := api.NewEvent(payload, all...).WithSaga(fc.saga.ID)
	if err := api.Validate(ev); err != nil {
		return api.Event{}, err
	}
	if err := fc.e.record(ctx, fc.saga, ev, fc.known); err != nil {
		return api.Event{}, err
	}
	fc.emitted = append(fc.emitted, ev)
	return ev, nil
}

func (fc *flowContext) Latest(ctx context.Context, kind api.Kind) (api.Event, error) {
	return fc.e.history.Latest(ctx, fc.saga.ID, kind)
}

func (fc *flowContext) Await(step string, kind api.Kind, contextKinds ...api.Kind) {
	fc.next = transition{
		kind:         transitionAwait,
		step:         step,
		awaiting:     kind,
		contextKinds: append([]api.Kind(nil), contextKinds...),
	}
}

func (fc *flowContext) Succeed(step string, ev api.Event) {
	fc.next = transition{kind: transitionSucceed, step: step, outcome: ev}
}

func (fc *flowContext) Fail(step string, ev api.Event, reason string) {
	fc.next = transition{kind: transitionFail, step: step, outcome: ev, reason: reason}
}
