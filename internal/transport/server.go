package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/acmsl/licdata-artifact/pkg/api"
	"github.com/acmsl/licdata-artifact/pkg/worker"
)

// Handler feeds inbound event tasks to the engine and publishes what the
// engine produces.
type Handler struct {
	engine    api.Engine
	publisher api.Publisher
	logger    *slog.Logger
}

var _ asynq.Handler = (*Handler)(nil)

func NewHandler(engine api.Engine, publisher api.Publisher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, publisher: publisher, logger: logger}
}

// ProcessTask dispatches one event. Errors redelivery cannot fix are marked
// with asynq.SkipRetry.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	ev, err := ParseTask(t)
	if err != nil {
		h.logger.Error("task_rejected", "type", t.Type(), "error", err)
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	produced, err := h.engine.Dispatch(ctx, ev)
	if err != nil {
		if worker.Permanent(err) {
			h.logger.Warn("event_not_retried", "event_id", ev.ID, "kind", ev.Kind, "error", err)
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	if len(produced) == 0 || h.publisher == nil {
		return nil
	}
	return h.publisher.Publish(ctx, produced...)
}

// Mux routes every inbound event kind to h.
func (h *Handler) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for _, k := range api.Kinds() {
		if k.Inbound() {
			mux.Handle(TaskType(k), h)
		}
	}
	return mux
}

// ServerConfig configures the consuming side.
type ServerConfig struct {
	RedisAddr   string
	Queue       string
	Concurrency int
	Logger      *slog.Logger
}

// Server consumes inbound events from Redis.
type Server struct {
	srv     *asynq.Server
	handler *Handler
	logger  *slog.Logger
}

// NewServer builds a server that runs handler for every task on cfg.Queue.
func NewServer(cfg ServerConfig, handler *Handler) *Server {
	if cfg.Queue == "" {
		cfg.Queue = DefaultInboundQueue
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{cfg.Queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("task_failed", "type", task.Type(), "error", err)
		}),
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			d := time.Duration(n) * time.Second
			if d > 30*time.Second {
				d = 30 * time.Second
			}
			return d
		},
	})
	return &Server{srv: srv, handler: handler, logger: logger}
}

// Run processes tasks until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("transport_server_started")
	if err := s.srv.Start(s.handler.Mux()); err != nil {
		return fmt.Errorf("transport: start server: %w", err)
	}
	<-ctx.Done()
	s.srv.Shutdown()
	s.logger.Info("transport_server_stopped")
	return nil
}
