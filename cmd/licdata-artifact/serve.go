package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	artifact "github.com/acmsl/licdata-artifact"
	"github.com/acmsl/licdata-artifact/internal/taskqueue"
	"github.com/acmsl/licdata-artifact/internal/tracing"
	"github.com/acmsl/licdata-artifact/internal/transport"
	"github.com/acmsl/licdata-artifact/pkg/api"
	"github.com/acmsl/licdata-artifact/pkg/worker"
)

const (
	transportAsynq = "asynq"
	transportLocal = "local"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		mode    string
		workers int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume inbound events and run the image sagas",
		Long: `Consume ImageRequested, ImagePushRequested and CredentialProvided events
and run the produce-image and publish-image sagas.

With --transport asynq (the default) events arrive as asynq tasks on Redis and
produced events are enqueued on the outbound queue. With --transport local
events are read from the task queue kept in the store (sqlite or mongo) and
produced events are logged.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if workers <= 0 {
				workers = a.cfg.Transport.Concurrency
			}
			return a.serve(ctx, mode, workers)
		},
	}
	cmd.Flags().StringVar(&mode, "transport", transportAsynq, "event transport: asynq or local")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent dispatches (default transport.concurrency)")
	return cmd
}

func (a *app) serve(ctx context.Context, mode string, workers int) error {
	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:  a.cfg.Tracing.Enabled,
		Exporter: a.cfg.Tracing.Exporter,
	})
	if err != nil {
		return err
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	opts, closeDocker, err := imageOptions(a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeDocker() }()

	metrics := &api.BasicMetrics{}
	opts.Observer = api.NewCompositeObserver(
		api.NewLoggingObserver(a.logger),
		metrics,
		tracing.NewObserver(provider.Tracer()),
	)

	b, err := openBackend(ctx, a.cfg.Store, opts)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	n, err := artifact.RecoverInterrupted(ctx, b.engine)
	if err != nil {
		return fmt.Errorf("recover interrupted sagas: %w", err)
	}
	if n > 0 {
		a.logger.Warn("interrupted_sagas_failed", "count", n)
	}

	defer func() {
		s := metrics.Snapshot()
		a.logger.Info("serve_stopped", "metrics", fmt.Sprintf("%+v", s))
	}()

	switch mode {
	case transportAsynq:
		return a.serveAsynq(ctx, b.engine, workers)
	case transportLocal:
		return a.serveLocal(ctx, b, workers)
	default:
		return fmt.Errorf("%w: unknown transport %q", api.ErrConfiguration, mode)
	}
}

func (a *app) serveAsynq(ctx context.Context, eng api.Engine, workers int) error {
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: a.cfg.Transport.RedisAddr})
	defer client.Close()

	outbound := transport.NewPublisher(client, a.cfg.Transport.OutboundQueue, a.logger)
	server := transport.NewServer(transport.ServerConfig{
		RedisAddr:   a.cfg.Transport.RedisAddr,
		Queue:       a.cfg.Transport.InboundQueue,
		Concurrency: workers,
		Logger:      a.logger,
	}, transport.NewHandler(eng, outbound, a.logger))

	go expireLoop(ctx, eng, outbound, a.cfg.Flow.ExpiryInterval, a.logger)
	return server.Run(ctx)
}

func (a *app) serveLocal(ctx context.Context, b *backend, workers int) error {
	q := b.queue
	if q == nil {
		a.logger.Warn("store_has_no_task_queue", "backend", a.cfg.Store.Backend, "fallback", "memory")
		q = taskqueue.NewInMemoryQueue(1024)
	}

	runner := artifact.NewRunner(b.engine, q, worker.Config{
		MaxAttempts: 3,
		Backoff:     time.Second,
		Publisher:   logPublisher{a.logger},
		Logger:      a.logger,
	})
	runner.ExpiryInterval = a.cfg.Flow.ExpiryInterval
	if err := runner.StartWorkers(ctx, workers); err != nil {
		return err
	}
	<-ctx.Done()
	runner.Stop()
	return nil
}

// expireLoop fails overdue credential waits and publishes the failures.
func expireLoop(ctx context.Context, eng api.Engine, pub api.Publisher, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, out, err := eng.ExpireOverdue(ctx, now.UTC())
			if err != nil {
				logger.Error("expire_overdue_failed", "error", err)
			}
			if n == 0 {
				continue
			}
			logger.Info("sagas_expired", "count", n)
			if err := pub.Publish(ctx, out...); err != nil {
				logger.Error("publish_expired_failed", "error", err)
			}
		}
	}
}

// logPublisher reports produced events in the log when nobody consumes them.
type logPublisher struct {
	logger *slog.Logger
}

func (p logPublisher) Publish(ctx context.Context, events ...api.Event) error {
	for _, ev := range events {
		p.logger.Info("event_published", "event_id", ev.ID, "kind", ev.Kind, "saga_id", ev.SagaID)
	}
	return nil
}
