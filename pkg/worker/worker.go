package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/acmsl/licdata-artifact/internal/taskqueue"
	"github.com/acmsl/licdata-artifact/pkg/api"
)

// Config controls how a Worker handles failed dispatches.
type Config struct {
	// MaxAttempts is the total number of dispatch attempts per task,
	// including the first. Values <= 1 disable retries.
	MaxAttempts int

	// Backoff is the delay before the first retry. It doubles on every
	// further attempt.
	Backoff time.Duration

	// Publisher receives the events produced by each dispatch. Nil drops
	// them.
	Publisher api.Publisher

	Logger *slog.Logger
}

// Worker pulls inbound events from a Queue, dispatches them to an Engine and
// publishes what the engine produced.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	cfg    Config
	logger *slog.Logger
}

// New creates a Worker that never retries and drops produced events.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a Worker with an explicit configuration.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		engine: engine,
		queue:  queue,
		cfg:    cfg,
		logger: logger,
	}
}

// Enqueue schedules ev for dispatch.
func (w *Worker) Enqueue(ctx context.Context, ev api.Event) error {
	if err := api.Validate(ev); err != nil {
		return err
	}
	return w.queue.Enqueue(ctx, taskqueue.NewTask(ev))
}

// EnqueueAt schedules ev for dispatch no earlier than at.
func (w *Worker) EnqueueAt(ctx context.Context, ev api.Event, at time.Time) error {
	if err := api.Validate(ev); err != nil {
		return err
	}
	t := taskqueue.NewTask(ev)
	t.NotBefore = at
	return w.queue.Enqueue(ctx, t)
}

// ProcessOne pulls a single task from the queue and dispatches it.
// Returns (processed, error):
//   - processed == false: no task was obtained, err is the dequeue error
//     (typically ctx cancellation).
//   - processed == true: a task was handled; err is non-nil when dispatch or
//     publishing failed and no retry was scheduled.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	produced, err := w.engine.Dispatch(ctx, task.Event)
	if err != nil {
		if retryErr := w.retry(ctx, task, err); retryErr != nil {
			return true, retryErr
		}
		return true, nil
	}

	if w.cfg.Publisher == nil || len(produced) == 0 {
		return true, nil
	}
	if err := w.cfg.Publisher.Publish(ctx, produced...); err != nil {
		return true, fmt.Errorf("publish events for %s: %w", task.Event, err)
	}
	return true, nil
}

// retry re-enqueues a task that failed for a transient reason. It returns
// the error to report when no retry was scheduled.
func (w *Worker) retry(ctx context.Context, task *taskqueue.Task, cause error) error {
	if Permanent(cause) {
		w.logger.Warn("task_rejected", "task_id", task.ID, "kind", task.Event.Kind, "error", cause)
		return cause
	}

	attempt := task.Attempts + 1
	if attempt >= w.cfg.MaxAttempts {
		return fmt.Errorf("task %s failed after %d attempts: %w", task.ID, attempt, cause)
	}

	delay := w.cfg.Backoff << task.Attempts
	next := *task
	next.Attempts = attempt
	next.NotBefore = time.Now().Add(delay)
	if err := w.queue.Enqueue(ctx, next); err != nil {
		return errors.Join(cause, fmt.Errorf("requeue task %s: %w", task.ID, err))
	}
	w.logger.Info("task_retry_scheduled", "task_id", task.ID, "attempt", attempt, "delay", delay, "error", cause)
	return nil
}

// Permanent reports errors that redelivery cannot fix.
func Permanent(err error) bool {
	return api.IsPermanent(err)
}
