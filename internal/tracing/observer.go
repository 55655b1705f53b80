package tracing

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

const (
	SpanSagaStart         = "saga.start"
	SpanSagaResume        = "saga.resume"
	SpanSagaTransition    = "saga.transition"
	SpanProtocolViolation = "saga.protocol_violation"
	SpanEventIgnored      = "saga.event_ignored"

	AttrSagaID       = "saga.id"
	AttrSagaWorkflow = "saga.workflow"
	AttrSagaStatus   = "saga.status"
	AttrSagaStep     = "saga.step"
	AttrSagaAwaiting = "saga.awaiting"
	AttrEventID      = "event.id"
	AttrEventKind    = "event.kind"
	AttrPhase        = "handler.phase"
	AttrDuration     = "handler.duration_ms"
)

// Observer turns each engine invocation on a saga into one span: it opens
// when the saga starts or resumes and ends when the saga suspends or
// terminates. Recorded events and handler runs become span events.
type Observer struct {
	api.NoopObserver

	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

var _ api.Observer = (*Observer)(nil)

func NewObserver(tracer trace.Tracer) *Observer {
	return &Observer{tracer: tracer, spans: make(map[string]trace.Span)}
}

func sagaAttrs(s *api.Saga) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSagaID, s.ID),
		attribute.String(AttrSagaWorkflow, s.Workflow),
	}
}

func eventAttrs(ev api.Event) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrEventID, ev.ID),
		attribute.String(AttrEventKind, string(ev.Kind)),
	}
}

func (o *Observer) open(ctx context.Context, name string, saga *api.Saga, trigger api.Event) {
	_, span := o.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(append(sagaAttrs(saga), eventAttrs(trigger)...)...),
	)
	o.mu.Lock()
	if prev, ok := o.spans[saga.ID]; ok {
		prev.End()
	}
	o.spans[saga.ID] = span
	o.mu.Unlock()
}

// current returns the open span for saga, opening a transition span when
// the engine reached the saga without a start or resume (expiry, cancel).
func (o *Observer) current(ctx context.Context, saga *api.Saga) trace.Span {
	o.mu.Lock()
	defer o.mu.Unlock()
	if span, ok := o.spans[saga.ID]; ok {
		return span
	}
	_, span := o.tracer.Start(ctx, SpanSagaTransition, trace.WithAttributes(sagaAttrs(saga)...))
	o.spans[saga.ID] = span
	return span
}

func (o *Observer) close(ctx context.Context, saga *api.Saga, fn func(trace.Span)) {
	span := o.current(ctx, saga)
	o.mu.Lock()
	delete(o.spans, saga.ID)
	o.mu.Unlock()

	span.SetAttributes(
		attribute.String(AttrSagaStatus, string(saga.Status)),
		attribute.String(AttrSagaStep, saga.Step),
	)
	fn(span)
	span.End()
}

func (o *Observer) OnSagaStarted(ctx context.Context, saga *api.Saga, request api.Event) {
	o.open(ctx, SpanSagaStart, saga, request)
}

func (o *Observer) OnSagaResumed(ctx context.Context, saga *api.Saga, trigger api.Event) {
	o.open(ctx, SpanSagaResume, saga, trigger)
}

func (o *Observer) OnEventRecorded(ctx context.Context, saga *api.Saga, ev api.Event) {
	o.mu.Lock()
	span, ok := o.spans[saga.ID]
	o.mu.Unlock()
	if ok {
		span.AddEvent("event_recorded", trace.WithAttributes(eventAttrs(ev)...))
	}
}

func (o *Observer) OnHandlerCompleted(ctx context.Context, saga *api.Saga, phase string, err error, d time.Duration) {
	span := o.current(ctx, saga)
	span.AddEvent("handler_completed", trace.WithAttributes(
		attribute.String(AttrPhase, phase),
		attribute.Int64(AttrDuration, d.Milliseconds()),
	))
	if err != nil {
		span.RecordError(err)
	}
}

func (o *Observer) OnSagaWaiting(ctx context.Context, saga *api.Saga) {
	o.close(ctx, saga, func(span trace.Span) {
		span.SetAttributes(attribute.String(AttrSagaAwaiting, string(saga.Awaiting)))
		span.SetStatus(codes.Ok, "")
	})
}

func (o *Observer) OnSagaCompleted(ctx context.Context, saga *api.Saga, outcome api.Event) {
	o.close(ctx, saga, func(span trace.Span) {
		span.AddEvent("saga_completed", trace.WithAttributes(eventAttrs(outcome)...))
		span.SetStatus(codes.Ok, "")
	})
}

func (o *Observer) OnSagaFailed(ctx context.Context, saga *api.Saga, reason string) {
	o.close(ctx, saga, func(span trace.Span) {
		span.SetStatus(codes.Error, reason)
	})
}

func (o *Observer) OnProtocolViolation(ctx context.Context, saga *api.Saga, ev api.Event, err error) {
	if saga != nil {
		o.mu.Lock()
		span, ok := o.spans[saga.ID]
		o.mu.Unlock()
		if ok {
			span.RecordError(err, trace.WithAttributes(eventAttrs(ev)...))
			return
		}
	}
	_, span := o.tracer.Start(ctx, SpanProtocolViolation, trace.WithAttributes(eventAttrs(ev)...))
	if saga != nil {
		span.SetAttributes(sagaAttrs(saga)...)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()
}

func (o *Observer) OnEventIgnored(ctx context.Context, saga *api.Saga, ev api.Event) {
	_, span := o.tracer.Start(ctx, SpanEventIgnored, trace.WithAttributes(append(sagaAttrs(saga), eventAttrs(ev)...)...))
	span.SetAttributes(attribute.String(AttrSagaStatus, string(saga.Status)))
	span.End()
}
