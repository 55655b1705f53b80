package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/acmsl/licdata-artifact/internal/persistence"
	"github.com/acmsl/licdata-artifact/pkg/api"
)

const (
	phaseStart    = "start"
	phaseContinue = "continue"
	phaseExpire   = "expire"
)

// engineImpl is a synchronous, in-process saga engine. Sagas are driven one
// invocation at a time; everything between invocations lives in the stores.
type engineImpl struct {
	sagas   persistence.SagaStore
	history persistence.HistoryStore

	registry  *Registry
	workflows map[string]api.Workflow

	observer     api.Observer
	awaitTimeout time.Duration
	now          func() time.Time
	locks        *sagaLocks
}

// Config describes how to construct an engine.
type Config struct {
	// Persistence defaults to a fresh in-memory store.
	Persistence persistence.Persistence
	Observer    api.Observer

	// Produce handles ImageRequested; Publish handles ImagePushRequested.
	Produce api.Workflow
	Publish api.Workflow

	// AwaitTimeout bounds how long a saga may wait for external input.
	// Zero means sagas wait forever.
	AwaitTimeout time.Duration

	// Now overrides the clock.
	Now func() time.Time
}

// NewEngine creates an engine and binds a handler to every inbound kind.
func NewEngine(cfg Config) (api.Engine, error) {
	p := cfg.Persistence
	if p.Sagas == nil || p.History == nil {
		mem := persistence.NewInMemoryStore()
		if p.Sagas == nil {
			p.Sagas = mem
		}
		if p.History == nil {
			p.History = mem
		}
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	e := &engineImpl{
		sagas:        p.Sagas,
		history:      p.History,
		registry:     NewRegistry(),
		workflows:    make(map[string]api.Workflow),
		observer:     obs,
		awaitTimeout: cfg.AwaitTimeout,
		now:          now,
		locks:        newSagaLocks(),
	}
	if err := e.bind(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// bind registers one handler per inbound kind. Outbound kinds stay
// unregistered so dispatching them fails with ErrUnhandledEvent.
func (e *engineImpl) bind(cfg Config) error {
	for _, kind := range api.Kinds() {
		var h Handler
		switch kind {
		case api.KindImageRequested:
			if err := e.addWorkflow(kind, cfg.Produce); err != nil {
				return err
			}
			h = e.starter(cfg.Produce)
		case api.KindImagePushRequested:
			if err := e.addWorkflow(kind, cfg.Publish); err != nil {
				return err
			}
			h = e.starter(cfg.Publish)
		case api.KindCredentialProvided:
			h = e.Resume
		case api.KindImageAvailable, api.KindImageFailed, api.KindCredentialRequested,
			api.KindImagePushed, api.KindImagePushFailed:
			continue
		default:
			return fmt.Errorf("%w: no binding for %s", api.ErrConfiguration, kind)
		}
		if err := e.registry.Register(kind, h); err != nil {
			return err
		}
	}
	return nil
}

func (e *engineImpl) addWorkflow(kind api.Kind, wf api.Workflow) error {
	if wf == nil {
		return fmt.Errorf("%w: no workflow for %s", api.ErrConfiguration, kind)
	}
	name := wf.Name()
	if name == "" {
		return fmt.Errorf("%w: workflow for %s has no name", api.ErrConfiguration, kind)
	}
	if existing, ok := e.workflows[name]; ok && existing != wf {
		return fmt.Errorf("%w: workflow %q registered twice", api.ErrConfiguration, name)
	}
	e.workflows[name] = wf
	return nil
}

func (e *engineImpl) starter(wf api.Workflow) Handler {
	return func(ctx context.Context, ev api.Event) ([]api.Event, error) {
		return e.start(ctx, wf, ev)
	}
}

func (e *engineImpl) Dispatch(ctx context.Context, ev api.Event) ([]api.Event, error) {
	if err := api.Validate(ev); err != nil {
		return nil, err
	}
	return e.registry.Dispatch(ctx, ev)
}

func (e *engineImpl) start(ctx context.Context, wf api.Workflow, ev api.Event) ([]api.Event, error) {
	if ev.SagaID != "" && ev.SagaID != ev.ID {
		return nil, e.violation(ctx, nil, ev.SagaID, ev, "request events open their own saga", nil)
	}
	sagaID := ev.ID

	unlock := e.locks.lock(sagaID)
	defer unlock()

	saga, err := e.sagas.GetSaga(ctx, sagaID)
	switch {
	case err == nil && saga.Status != api.StatusIdle:
		// Redelivered request.
		e.observer.OnEventIgnored(ctx, saga, ev)
		return nil, nil
	case err == nil:
		// An earlier delivery failed before the saga left IDLE: run it again.
	case errors.Is(err, persistence.ErrSagaNotFound):
		now := e.now()
		saga = &api.Saga{
			ID:        sagaID,
			Workflow:  wf.Name(),
			Status:    api.StatusIdle,
			Step:      phaseStart,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.sagas.SaveSaga(ctx, saga); err != nil {
			return nil, fmt.Errorf("save saga %s: %w", sagaID, err)
		}
		e.observer.OnSagaStarted(ctx, saga.Clone(), ev)
	default:
		return nil, err
	}

	fc, err := e.newFlowContext(ctx, saga)
	if err != nil {
		return nil, fmt.Errorf("saga %s: %w", sagaID, err)
	}

	// The request is the root of the saga: its own previous ids describe
	// where it came from and are accepted as-is.
	request := ev.WithSaga(sagaID)
	if _, seen := fc.known[request.ID]; !seen {
		if err := e.append(ctx, saga, request); err != nil {
			return nil, fmt.Errorf("saga %s: %w", sagaID, err)
		}
	}
	fc.known[request.ID] = struct{}{}
	for _, id := range request.PreviousEventIDs {
		fc.known[id] = struct{}{}
	}
	return e.run(ctx, fc, phaseStart, func() error {
		return wf.Start(ctx, fc, request)
	})
}

func (e *engineImpl) Resume(ctx context.Context, ev api.Event) ([]api.Event, error) {
	if err := api.Validate(ev); err != nil {
		return nil, err
	}
	sagaID, err := e.correlate(ctx, ev)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.lock(sagaID)
	defer unlock()

	saga, err := e.sagas.GetSaga(ctx, sagaID)
	if errors.Is(err, persistence.ErrSagaNotFound) {
		return nil, e.violation(ctx, nil, sagaID, ev, "unknown saga", err)
	}
	if err != nil {
		return nil, err
	}

	if saga.Status.Terminal() {
		e.observer.OnEventIgnored(ctx, saga, ev)
		return nil, nil
	}

	known, err := e.acceptedIDs(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	// A RESUMED saga that already holds the trigger was interrupted by a
	// transient failure; the redelivery continues it again.
	_, seen := known[ev.ID]
	retrying := saga.Status == api.StatusResumed && seen
	if saga.Status != api.StatusAwaiting && !retrying {
		return nil, e.violation(ctx, saga, sagaID, ev, fmt.Sprintf("saga is %s", saga.Status), nil)
	}
	if ev.Kind != saga.Awaiting {
		return nil, e.violation(ctx, saga, sagaID, ev, fmt.Sprintf("saga awaits %s", saga.Awaiting), nil)
	}
	wf, ok := e.workflows[saga.Workflow]
	if !ok {
		return nil, fmt.Errorf("%w: unknown workflow %q for saga %s", api.ErrConfiguration, saga.Workflow, sagaID)
	}

	prev := saga.Clone()
	prev.Status = api.StatusAwaiting

	trigger := ev.WithSaga(sagaID)
	if !seen {
		if err := e.record(ctx, saga, trigger, known); err != nil {
			if errors.Is(err, api.ErrForwardReference) {
				return nil, e.violation(ctx, saga, sagaID, ev, "references events the saga has not accepted", err)
			}
			return nil, err
		}
	}

	saga.Status = api.StatusResumed
	saga.UpdatedAt = e.now()
	if err := e.sagas.UpdateSaga(ctx, saga); err != nil {
		return nil, fmt.Errorf("update saga %s: %w", sagaID, err)
	}
	e.observer.OnSagaResumed(ctx, saga.Clone(), trigger)

	recovered := make(map[api.Kind]api.Event, len(saga.ContextKinds))
	base := []api.Event{trigger}
	for _, kind := range saga.ContextKinds {
		latest, err := e.history.Latest(ctx, sagaID, kind)
		if errors.Is(err, persistence.ErrEventNotFound) {
			reason := fmt.Sprintf("no %s recorded to resume from", kind)
			return nil, e.abort(ctx, saga, reason, e.violation(ctx, saga, sagaID, ev, reason, err))
		}
		if err != nil {
			return nil, e.release(ctx, prev, err)
		}
		recovered[kind] = latest
		base = append(base, latest)
	}

	fc := &flowContext{e: e, saga: saga, prev: prev, base: base, known: known}
	return e.run(ctx, fc, phaseContinue, func() error {
		return wf.Continue(ctx, fc, trigger, recovered)
	})
}

// correlate finds the saga an inbound response belongs to: its SagaID if
// set, otherwise the saga that accepted the first resolvable parent.
func (e *engineImpl) correlate(ctx context.Context, ev api.Event) (string, error) {
	if ev.SagaID != "" {
		return ev.SagaID, nil
	}
	for _, id := range ev.PreviousEventIDs {
		sagaID, err := e.history.SagaOf(ctx, id)
		if err == nil {
			return sagaID, nil
		}
		if !errors.Is(err, persistence.ErrEventNotFound) {
			return "", err
		}
	}
	return "", e.violation(ctx, nil, "", ev, "no saga accepted any of its previous events", nil)
}

// run invokes a workflow hook and applies the transition it chose.
func (e *engineImpl) run(ctx context.Context, fc *flowContext, phase string, fn func() error) ([]api.Event, error) {
	started := time.Now()
	err := fn()
	e.observer.OnHandlerCompleted(ctx, fc.saga.Clone(), phase, err, time.Since(started))
	if err != nil {
		return fc.emitted, e.settle(ctx, fc, phase, err)
	}
	if err := e.commit(ctx, fc); err != nil {
		return fc.emitted, err
	}
	return fc.emitted, nil
}

func (e *engineImpl) commit(ctx context.Context, fc *flowContext) error {
	saga := fc.saga
	t := fc.next

	if t.kind == transitionNone {
		err := fmt.Errorf("%w: workflow %s left saga %s without a transition", api.ErrConfiguration, saga.Workflow, saga.ID)
		return e.abort(ctx, saga, "workflow returned without a transition", err)
	}

	saga.UpdatedAt = e.now()
	if t.step != "" {
		saga.Step = t.step
	}
	saga.Awaiting = ""
	saga.ContextKinds = nil
	saga.Deadline = time.Time{}

	switch t.kind {
	case transitionAwait:
		saga.Status = api.StatusAwaiting
		saga.Awaiting = t.awaiting
		saga.ContextKinds = t.contextKinds
		if e.awaitTimeout > 0 {
			saga.Deadline = saga.UpdatedAt.Add(e.awaitTimeout)
		}
	case transitionSucceed:
		saga.Status = api.StatusSucceeded
		saga.TerminalEventID = t.outcome.ID
	case transitionFail:
		saga.Status = api.StatusFailed
		saga.TerminalEventID = t.outcome.ID
		saga.Reason = t.reason
	}

	if err := e.sagas.UpdateSaga(ctx, saga); err != nil {
		return fmt.Errorf("update saga %s: %w", saga.ID, err)
	}

	switch t.kind {
	case transitionAwait:
		e.observer.OnSagaWaiting(ctx, saga.Clone())
	case transitionSucceed:
		e.observer.OnSagaCompleted(ctx, saga.Clone(), t.outcome)
	case transitionFail:
		e.observer.OnSagaFailed(ctx, saga.Clone(), t.reason)
	}
	return nil
}

// settle handles an invocation that returned err. Errors a redelivery cannot
// fix fail the saga; any other error releases it for the next delivery.
func (e *engineImpl) settle(ctx context.Context, fc *flowContext, phase string, err error) error {
	if api.IsPermanent(err) {
		return e.abort(ctx, fc.saga, fmt.Sprintf("%s: %v", phase, err), err)
	}
	return e.release(ctx, fc.prev, err)
}

// release stores prev again, undoing the status change of a failed
// invocation, and returns cause wrapped with the saga id. Events the
// invocation already recorded stay in the history.
func (e *engineImpl) release(ctx context.Context, prev *api.Saga, cause error) error {
	err := fmt.Errorf("saga %s: %w", prev.ID, cause)
	saga := prev.Clone()
	saga.UpdatedAt = e.now()
	if uerr := e.sagas.UpdateSaga(ctx, saga); uerr != nil {
		return errors.Join(err, fmt.Errorf("update saga %s: %w", saga.ID, uerr))
	}
	return err
}

// abort marks the saga failed after an infrastructure error and returns
// cause wrapped with the saga id.
func (e *engineImpl) abort(ctx context.Context, saga *api.Saga, reason string, cause error) error {
	saga.Status = api.StatusFailed
	saga.Reason = reason
	saga.Awaiting = ""
	saga.ContextKinds = nil
	saga.Deadline = time.Time{}
	saga.UpdatedAt = e.now()

	err := fmt.Errorf("saga %s: %w", saga.ID, cause)
	if uerr := e.sagas.UpdateSaga(ctx, saga); uerr != nil {
		return errors.Join(err, fmt.Errorf("update saga %s: %w", saga.ID, uerr))
	}
	e.observer.OnSagaFailed(ctx, saga.Clone(), reason)
	return err
}

func (e *engineImpl) violation(ctx context.Context, saga *api.Saga, sagaID string, ev api.Event, reason string, cause error) error {
	pv := &api.ProtocolViolationError{
		SagaID:  sagaID,
		EventID: ev.ID,
		Kind:    ev.Kind,
		Reason:  reason,
		Err:     cause,
	}
	e.observer.OnProtocolViolation(ctx, saga.Clone(), ev, pv)
	return pv
}

func (e *engineImpl) Record(ctx context.Context, ev api.Event) error {
	if err := api.Validate(ev); err != nil {
		return err
	}
	if ev.SagaID == "" {
		return fmt.Errorf("%w: %s is not bound to a saga", api.ErrInvalidEvent, ev)
	}

	unlock := e.locks.lock(ev.SagaID)
	defer unlock()

	saga, err := e.sagas.GetSaga(ctx, ev.SagaID)
	if err != nil {
		return err
	}
	known, err := e.acceptedIDs(ctx, saga.ID)
	if err != nil {
		return err
	}
	return e.record(ctx, saga, ev, known)
}

// record appends ev after checking that every previous id is already part
// of the saga.
func (e *engineImpl) record(ctx context.Context, saga *api.Saga, ev api.Event, known map[string]struct{}) error {
	for _, id := range ev.PreviousEventIDs {
		if _, ok := known[id]; !ok {
			return fmt.Errorf("%w: %s references %s", api.ErrForwardReference, ev, id)
		}
	}
	if err := e.append(ctx, saga, ev); err != nil {
		return err
	}
	known[ev.ID] = struct{}{}
	return nil
}

func (e *engineImpl) append(ctx context.Context, saga *api.Saga, ev api.Event) error {
	if err := e.history.Append(ctx, ev); err != nil {
		return fmt.Errorf("append %s to saga %s: %w", ev, saga.ID, err)
	}
	e.observer.OnEventRecorded(ctx, saga.Clone(), ev)
	return nil
}

// acceptedIDs returns every id the saga's history vouches for: the recorded
// events and, transitively, their parents.
func (e *engineImpl) acceptedIDs(ctx context.Context, sagaID string) (map[string]struct{}, error) {
	events, err := e.history.List(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(events))
	for _, ev := range events {
		known[ev.ID] = struct{}{}
		for _, p := range ev.PreviousEventIDs {
			known[p] = struct{}{}
		}
	}
	return known, nil
}

func (e *engineImpl) History(ctx context.Context, sagaID string) ([]api.Event, error) {
	if _, err := e.sagas.GetSaga(ctx, sagaID); err != nil {
		return nil, err
	}
	return e.history.List(ctx, sagaID)
}

func (e *engineImpl) GetSaga(ctx context.Context, id string) (*api.Saga, error) {
	return e.sagas.GetSaga(ctx, id)
}

func (e *engineImpl) ListSagas(ctx context.Context, opts api.SagaListOptions) ([]*api.Saga, error) {
	return e.sagas.ListSagas(ctx, persistence.SagaFilter{
		Workflow: opts.Workflow,
		Status:   opts.Status,
	})
}

func (e *engineImpl) Cancel(ctx context.Context, sagaID string, reason string) ([]api.Event, error) {
	unlock := e.locks.lock(sagaID)
	defer unlock()

	saga, err := e.sagas.GetSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if saga.Status != api.StatusAwaiting {
		return nil, fmt.Errorf("%w: saga %s is %s", api.ErrSagaNotWaiting, sagaID, saga.Status)
	}
	if reason == "" {
		reason = "cancelled"
	}
	return e.expire(ctx, saga, reason)
}

func (e *engineImpl) ExpireOverdue(ctx context.Context, now time.Time) (int, []api.Event, error) {
	waiting, err := e.sagas.ListSagas(ctx, persistence.SagaFilter{Status: api.StatusAwaiting})
	if err != nil {
		return 0, nil, err
	}

	var (
		expired  int
		produced []api.Event
		errs     []error
	)
	for _, candidate := range waiting {
		if !candidate.Overdue(now) {
			continue
		}
		events, ok, err := e.expireIfOverdue(ctx, candidate.ID, now)
		produced = append(produced, events...)
		if ok {
			expired++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return expired, produced, errors.Join(errs...)
}

func (e *engineImpl) expireIfOverdue(ctx context.Context, id string, now time.Time) ([]api.Event, bool, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	// Re-read under the lock: the saga may have resumed meanwhile.
	saga, err := e.sagas.GetSaga(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !saga.Overdue(now) {
		return nil, false, nil
	}
	events, err := e.expire(ctx, saga, fmt.Sprintf("timed out waiting for %s", saga.Awaiting))
	return events, true, err
}

// expire lets the workflow end a waiting saga. The caller holds the lock.
func (e *engineImpl) expire(ctx context.Context, saga *api.Saga, reason string) ([]api.Event, error) {
	wf, ok := e.workflows[saga.Workflow]
	if !ok {
		return nil, fmt.Errorf("%w: unknown workflow %q for saga %s", api.ErrConfiguration, saga.Workflow, saga.ID)
	}

	var base []api.Event
	for _, kind := range saga.ContextKinds {
		prev, err := e.history.Latest(ctx, saga.ID, kind)
		if errors.Is(err, persistence.ErrEventNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		base = append(base, prev)
	}

	fc, err := e.newFlowContext(ctx, saga, base...)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, fc, phaseExpire, func() error {
		return wf.Expire(ctx, fc, reason)
	})
}

func (e *engineImpl) RecoverInterrupted(ctx context.Context) (int, error) {
	stuck, err := e.sagas.ListSagas(ctx, persistence.SagaFilter{Status: api.StatusResumed})
	if err != nil {
		return 0, err
	}

	recovered := 0
	var errs []error
	for _, s := range stuck {
		ok, err := e.failInterrupted(ctx, s.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered, errors.Join(errs...)
}

func (e *engineImpl) failInterrupted(ctx context.Context, id string) (bool, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	saga, err := e.sagas.GetSaga(ctx, id)
	if err != nil {
		return false, err
	}
	if saga.Status != api.StatusResumed {
		return false, nil
	}

	saga.Status = api.StatusFailed
	saga.Reason = "interrupted while resuming"
	saga.UpdatedAt = e.now()
	if err := e.sagas.UpdateSaga(ctx, saga); err != nil {
		return false, err
	}
	e.observer.OnSagaFailed(ctx, saga.Clone(), saga.Reason)
	return true, nil
}
