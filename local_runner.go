package artifact

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/acmsl/licdata-artifact/internal/taskqueue"
	"github.com/acmsl/licdata-artifact/pkg/api"
	"github.com/acmsl/licdata-artifact/pkg/worker"
)

// DefaultExpiryInterval is how often a LocalRunner looks for sagas whose
// credential wait has timed out.
const DefaultExpiryInterval = 30 * time.Second

// LocalRunner bundles an in-memory Engine, an in-memory task queue, and a
// Worker to provide a simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner, _ := artifact.NewLocalRunner(opts, worker.Config{})
//	_ = runner.StartWorkers(ctx, 2)
//	_ = runner.Enqueue(ctx, request)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the saga engine used by this runner.
	Engine Engine

	// Queue is the task queue drained by the Worker.
	Queue taskqueue.Queue

	// Worker processes tasks from Queue using Engine.
	Worker *worker.Worker

	// ExpiryInterval is the period of the ExpireOverdue sweep. Zero or
	// negative disables the sweep.
	ExpiryInterval time.Duration

	logger    *slog.Logger
	publisher api.Publisher

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine and
// queue.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner(opts Options, cfg worker.Config) (*LocalRunner, error) {
	eng, err := NewInMemoryEngine(opts)
	if err != nil {
		return nil, err
	}
	return NewRunner(eng, taskqueue.NewInMemoryQueue(1024), cfg), nil
}

// NewRunner wraps an existing engine and queue.
func NewRunner(eng Engine, q taskqueue.Queue, cfg worker.Config) *LocalRunner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalRunner{
		Engine:         eng,
		Queue:          q,
		Worker:         worker.NewWithConfig(eng, q, cfg),
		ExpiryInterval: DefaultExpiryInterval,
		logger:         logger,
		publisher:      cfg.Publisher,
	}
}

// StartWorkers starts 'concurrency' worker goroutines that continuously call
// Worker.ProcessOne(ctx) until the context is cancelled via Stop, plus the
// expiry sweep.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("artifact: LocalRunner already started")
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()
			r.work(ctx)
		}()
	}

	if r.ExpiryInterval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.sweep(ctx, r.ExpiryInterval)
		}()
	}

	return nil
}

func (r *LocalRunner) work(ctx context.Context) {
	for {
		processed, err := r.Worker.ProcessOne(ctx)
		if err != nil {
			// Cancellation is a clean shutdown signal.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			// Keep going so a single bad event doesn't kill the loop.
			r.logger.Error("local_runner_worker_error", "error", err)
			continue
		}
		if !processed && ctx.Err() != nil {
			return
		}
	}
}

func (r *LocalRunner) sweep(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, out, err := r.Engine.ExpireOverdue(ctx, now.UTC())
			if err != nil {
				r.logger.Error("local_runner_expiry_error", "error", err)
			}
			if n == 0 {
				continue
			}
			r.logger.Info("sagas_expired", "count", n)
			if r.publisher != nil {
				if err := r.publisher.Publish(ctx, out...); err != nil {
					r.logger.Error("local_runner_publish_error", "error", err)
				}
			}
		}
	}
}

// Stop cancels all goroutines started by StartWorkers and waits for them to
// exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Enqueue schedules an inbound event for asynchronous dispatch.
func (r *LocalRunner) Enqueue(ctx context.Context, ev api.Event) error {
	return r.Worker.Enqueue(ctx, ev)
}
