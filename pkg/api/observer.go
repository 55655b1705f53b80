package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the saga engine for logging, metrics and
// tracing.
//
// Implementations should be fast and non-blocking; callbacks run while the
// saga is locked.
type Observer interface {
	// OnSagaStarted is called once when a request event opens a saga, before
	// the workflow runs.
	OnSagaStarted(ctx context.Context, saga *Saga, request Event)

	// OnEventRecorded is called after an event is appended to a saga's history.
	OnEventRecorded(ctx context.Context, saga *Saga, ev Event)

	// OnSagaWaiting is called when a saga suspends awaiting external input.
	OnSagaWaiting(ctx context.Context, saga *Saga)

	// OnSagaResumed is called when the awaited event arrives.
	OnSagaResumed(ctx context.Context, saga *Saga, trigger Event)

	// OnSagaCompleted is called when a saga reaches StatusSucceeded.
	OnSagaCompleted(ctx context.Context, saga *Saga, outcome Event)

	// OnSagaFailed is called when a saga reaches StatusFailed.
	OnSagaFailed(ctx context.Context, saga *Saga, reason string)

	// OnProtocolViolation is called when an event cannot be applied. saga is
	// nil when the event could not be correlated.
	OnProtocolViolation(ctx context.Context, saga *Saga, ev Event, err error)

	// OnEventIgnored is called for events delivered to a saga that already
	// ended.
	OnEventIgnored(ctx context.Context, saga *Saga, ev Event)

	// OnHandlerCompleted is called after each workflow invocation (start,
	// continue, expire), for both successes and failures (err != nil).
	OnHandlerCompleted(ctx context.Context, saga *Saga, phase string, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnSagaStarted(ctx context.Context, saga *Saga, request Event)   {}
func (NoopObserver) OnEventRecorded(ctx context.Context, saga *Saga, ev Event)      {}
func (NoopObserver) OnSagaWaiting(ctx context.Context, saga *Saga)                  {}
func (NoopObserver) OnSagaResumed(ctx context.Context, saga *Saga, trigger Event)   {}
func (NoopObserver) OnSagaCompleted(ctx context.Context, saga *Saga, outcome Event) {}
func (NoopObserver) OnSagaFailed(ctx context.Context, saga *Saga, reason string)    {}
func (NoopObserver) OnProtocolViolation(ctx context.Context, saga *Saga, ev Event, err error) {
}
func (NoopObserver) OnEventIgnored(ctx context.Context, saga *Saga, ev Event) {}
func (NoopObserver) OnHandlerCompleted(ctx context.Context, saga *Saga, phase string, err error, d time.Duration) {
}

// CompositeObserver fans out callbacks to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards callbacks to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnSagaStarted(ctx context.Context, saga *Saga, request Event) {
	for _, o := range c.observers {
		o.OnSagaStarted(ctx, saga, request)
	}
}

func (c *CompositeObserver) OnEventRecorded(ctx context.Context, saga *Saga, ev Event) {
	for _, o := range c.observers {
		o.OnEventRecorded(ctx, saga, ev)
	}
}

func (c *CompositeObserver) OnSagaWaiting(ctx context.Context, saga *Saga) {
	for _, o := range c.observers {
		o.OnSagaWaiting(ctx, saga)
	}
}

func (c *CompositeObserver) OnSagaResumed(ctx context.Context, saga *Saga, trigger Event) {
	for _, o := range c.observers {
		o.OnSagaResumed(ctx, saga, trigger)
	}
}

func (c *CompositeObserver) OnSagaCompleted(ctx context.Context, saga *Saga, outcome Event) {
	for _, o := range c.observers {
		o.OnSagaCompleted(ctx, saga, outcome)
	}
}

func (c *CompositeObserver) OnSagaFailed(ctx context.Context, saga *Saga, reason string) {
	for _, o := range c.observers {
		o.OnSagaFailed(ctx, saga, reason)
	}
}

func (c *CompositeObserver) OnProtocolViolation(ctx context.Context, saga *Saga, ev Event, err error) {
	for _, o := range c.observers {
		o.OnProtocolViolation(ctx, saga, ev, err)
	}
}

func (c *CompositeObserver) OnEventIgnored(ctx context.Context, saga *Saga, ev Event) {
	for _, o := range c.observers {
		o.OnEventIgnored(ctx, saga, ev)
	}
}

func (c *CompositeObserver) OnHandlerCompleted(ctx context.Context, saga *Saga, phase string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnHandlerCompleted(ctx, saga, phase, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs saga lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func sagaAttrs(saga *Saga) []any {
	if saga == nil {
		return nil
	}
	return []any{
		slog.String("workflow", saga.Workflow),
		slog.String("saga_id", saga.ID),
	}
}

func (o *LoggingObserver) OnSagaStarted(ctx context.Context, saga *Saga, request Event) {
	o.Logger.InfoContext(ctx, "saga_started",
		append(sagaAttrs(saga), slog.String("event_id", request.ID), slog.Any("metadata", request.Metadata()))...,
	)
}

func (o *LoggingObserver) OnEventRecorded(ctx context.Context, saga *Saga, ev Event) {
	o.Logger.DebugContext(ctx, "event_recorded",
		append(sagaAttrs(saga),
			slog.String("event_id", ev.ID),
			slog.String("kind", string(ev.Kind)),
			slog.Any("previous_event_ids", ev.PreviousEventIDs),
		)...,
	)
}

func (o *LoggingObserver) OnSagaWaiting(ctx context.Context, saga *Saga) {
	attrs := append(sagaAttrs(saga), slog.String("awaiting", string(saga.Awaiting)))
	if !saga.Deadline.IsZero() {
		attrs = append(attrs, slog.Time("deadline", saga.Deadline))
	}
	o.Logger.InfoContext(ctx, "saga_waiting", attrs...)
}

func (o *LoggingObserver) OnSagaResumed(ctx context.Context, saga *Saga, trigger Event) {
	o.Logger.InfoContext(ctx, "saga_resumed",
		append(sagaAttrs(saga), slog.String("event_id", trigger.ID), slog.String("kind", string(trigger.Kind)))...,
	)
}

func (o *LoggingObserver) OnSagaCompleted(ctx context.Context, saga *Saga, outcome Event) {
	o.Logger.InfoContext(ctx, "saga_completed",
		append(sagaAttrs(saga), slog.String("event_id", outcome.ID), slog.String("kind", string(outcome.Kind)))...,
	)
}

func (o *LoggingObserver) OnSagaFailed(ctx context.Context, saga *Saga, reason string) {
	o.Logger.ErrorContext(ctx, "saga_failed",
		append(sagaAttrs(saga), slog.String("reason", reason))...,
	)
}

func (o *LoggingObserver) OnProtocolViolation(ctx context.Context, saga *Saga, ev Event, err error) {
	o.Logger.WarnContext(ctx, "protocol_violation",
		append(sagaAttrs(saga),
			slog.String("event_id", ev.ID),
			slog.String("kind", string(ev.Kind)),
			slog.Any("error", err),
		)...,
	)
}

func (o *LoggingObserver) OnEventIgnored(ctx context.Context, saga *Saga, ev Event) {
	o.Logger.InfoContext(ctx, "event_ignored",
		append(sagaAttrs(saga),
			slog.String("event_id", ev.ID),
			slog.String("kind", string(ev.Kind)),
			slog.String("status", string(saga.Status)),
		)...,
	)
}

func (o *LoggingObserver) OnHandlerCompleted(ctx context.Context, saga *Saga, phase string, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "handler_completed",
		append(sagaAttrs(saga),
			slog.String("phase", phase),
			slog.String("step", saga.Step),
			slog.Duration("duration", d),
			slog.Any("error", err),
		)...,
	)
}

// BasicMetrics collects simple counters and aggregate handler durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	sagasStarted       atomic.Int64
	sagasCompleted     atomic.Int64
	sagasFailed        atomic.Int64
	sagasWaiting       atomic.Int64
	eventsRecorded     atomic.Int64
	protocolViolations atomic.Int64
	eventsIgnored      atomic.Int64
	handlersCompleted  atomic.Int64
	totalHandlerTime   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	SagasStarted   int64
	SagasCompleted int64
	SagasFailed    int64
	PendingSagas   int64

	// SuspensionsTotal counts every transition to AWAITING_INPUT.
	SuspensionsTotal int64

	EventsRecorded     int64
	ProtocolViolations int64
	EventsIgnored      int64

	HandlersCompleted  int64
	AvgHandlerDuration time.Duration
}

func (m *BasicMetrics) OnSagaStarted(ctx context.Context, saga *Saga, request Event) {
	m.sagasStarted.Add(1)
}

func (m *BasicMetrics) OnEventRecorded(ctx context.Context, saga *Saga, ev Event) {
	m.eventsRecorded.Add(1)
}

func (m *BasicMetrics) OnSagaWaiting(ctx context.Context, saga *Saga) {
	m.sagasWaiting.Add(1)
}

func (m *BasicMetrics) OnSagaCompleted(ctx context.Context, saga *Saga, outcome Event) {
	m.sagasCompleted.Add(1)
}

func (m *BasicMetrics) OnSagaFailed(ctx context.Context, saga *Saga, reason string) {
	m.sagasFailed.Add(1)
}

func (m *BasicMetrics) OnProtocolViolation(ctx context.Context, saga *Saga, ev Event, err error) {
	m.protocolViolations.Add(1)
}

func (m *BasicMetrics) OnEventIgnored(ctx context.Context, saga *Saga, ev Event) {
	m.eventsIgnored.Add(1)
}

func (m *BasicMetrics) OnHandlerCompleted(ctx context.Context, saga *Saga, phase string, err error, d time.Duration) {
	// Only successful invocations count towards the average.
	if err == nil {
		m.handlersCompleted.Add(1)
		m.totalHandlerTime.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.sagasStarted.Load()
	completed := m.sagasCompleted.Load()
	failed := m.sagasFailed.Load()
	handlers := m.handlersCompleted.Load()
	totalNs := m.totalHandlerTime.Load()

	var avg time.Duration
	if handlers > 0 {
		avg = time.Duration(totalNs / handlers)
	}

	return BasicMetricsSnapshot{
		SagasStarted:       started,
		SagasCompleted:     completed,
		SagasFailed:        failed,
		PendingSagas:       started - completed - failed,
		SuspensionsTotal:   m.sagasWaiting.Load(),
		EventsRecorded:     m.eventsRecorded.Load(),
		ProtocolViolations: m.protocolViolations.Load(),
		EventsIgnored:      m.eventsIgnored.Load(),
		HandlersCompleted:  handlers,
		AvgHandlerDuration: avg,
	}
}
