package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

// Enqueuer is the part of *asynq.Client the publisher needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Publisher enqueues events on one asynq queue.
type Publisher struct {
	client   Enqueuer
	queue    string
	maxRetry int
	logger   *slog.Logger
}

var _ api.Publisher = (*Publisher)(nil)

// NewPublisher publishes through client onto queue.
func NewPublisher(client Enqueuer, queue string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{client: client, queue: queue, maxRetry: 3, logger: logger}
}

// Publish enqueues each event in order. An event whose id is already queued
// counts as published.
func (p *Publisher) Publish(ctx context.Context, events ...api.Event) error {
	for _, ev := range events {
		task, err := NewTask(ev, asynq.Queue(p.queue), asynq.MaxRetry(p.maxRetry))
		if err != nil {
			return err
		}
		info, err := p.client.EnqueueContext(ctx, task)
		switch {
		case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
			p.logger.Debug("event_already_enqueued", "event_id", ev.ID, "kind", ev.Kind, "queue", p.queue)
		case err != nil:
			return fmt.Errorf("transport: enqueue %s: %w", ev, err)
		default:
			p.logger.Info("event_enqueued", "event_id", ev.ID, "kind", ev.Kind, "queue", info.Queue, "task_id", info.ID)
		}
	}
	return nil
}
