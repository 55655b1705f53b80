package artifact

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/acmsl/licdata-artifact/internal/engine"
	"github.com/acmsl/licdata-artifact/internal/persistence"
	"github.com/acmsl/licdata-artifact/internal/workflow"
	"github.com/acmsl/licdata-artifact/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Event                = api.Event
	Kind                 = api.Kind
	Metadata             = api.Metadata
	Saga                 = api.Saga
	SagaListOptions      = api.SagaListOptions
	Status               = api.Status
	ImageBuilder         = api.ImageBuilder
	ImagePusher          = api.ImagePusher
	Publisher            = api.Publisher
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values for convenience.

const (
	StatusIdle      = api.StatusIdle
	StatusAwaiting  = api.StatusAwaiting
	StatusResumed   = api.StatusResumed
	StatusSucceeded = api.StatusSucceeded
	StatusFailed    = api.StatusFailed
)

// Options configures the collaborators and policies shared by every engine
// constructor.
type Options struct {
	Builder ImageBuilder
	Pusher  ImagePusher

	// RegistryURL is the registry used when no event names one.
	RegistryURL string

	Observer Observer

	// CredentialTimeout bounds how long a publish saga waits for a
	// credential. Zero waits forever.
	CredentialTimeout time.Duration
}

func newEngine(p persistence.Persistence, opts Options) (Engine, error) {
	return engine.NewEngine(engine.Config{
		Persistence:  p,
		Observer:     opts.Observer,
		Produce:      workflow.NewProduceImage(opts.Builder),
		Publish:      workflow.NewPublishImage(opts.Builder, opts.Pusher, opts.RegistryURL),
		AwaitTimeout: opts.CredentialTimeout,
	})
}

// Engine constructors.
// These wrap the internal packages so external callers never need to import
// them.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine(opts Options) (Engine, error) {
	return newEngine(persistence.FromStore(persistence.NewInMemoryStore()), opts)
}

// NewSQLiteEngine returns an Engine that keeps sagas and their history in a
// SQLite database.
func NewSQLiteEngine(db *sql.DB, opts Options) (Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return newEngine(persistence.FromStore(store), opts)
}

// NewPostgresEngine returns an Engine that persists sagas in PostgreSQL.
func NewPostgresEngine(db *sql.DB, opts Options) (Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return newEngine(persistence.FromStore(store), opts)
}

// NewRedisEngine returns an Engine that persists sagas in Redis under the
// given key prefix.
func NewRedisEngine(client *redis.Client, prefix string, opts Options) (Engine, error) {
	return newEngine(persistence.FromStore(persistence.NewRedisStore(client, prefix)), opts)
}

// NewMongoEngine returns an Engine that persists sagas in MongoDB.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string, opts Options) (Engine, error) {
	store, err := persistence.NewMongoStore(ctx, client, dbName)
	if err != nil {
		return nil, err
	}
	return newEngine(persistence.FromStore(store), opts)
}

// Convenience helpers that just forward to the underlying Engine.

// RequestImage dispatches an ImageRequested event and returns what the
// produce-image saga emitted.
func RequestImage(ctx context.Context, eng Engine, name, version string, meta Metadata) (Event, []Event, error) {
	ev := api.NewEvent(api.ImageRequested{ImageName: name, ImageVersion: version, Metadata: meta})
	out, err := eng.Dispatch(ctx, ev)
	return ev, out, err
}

// RequestPush dispatches an ImagePushRequested event and returns what the
// publish-image saga emitted.
func RequestPush(ctx context.Context, eng Engine, name, version string, meta Metadata) (Event, []Event, error) {
	ev := api.NewEvent(api.ImagePushRequested{ImageName: name, ImageVersion: version, Metadata: meta})
	out, err := eng.Dispatch(ctx, ev)
	return ev, out, err
}

// ProvideCredential answers a CredentialRequested event.
func ProvideCredential(ctx context.Context, eng Engine, request Event, name, value string) ([]Event, error) {
	return eng.Dispatch(ctx, api.NewEvent(api.CredentialProvided{Name: name, Value: value}, request))
}

// RecoverInterrupted delegates to eng.RecoverInterrupted.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := artifact.RecoverInterrupted(ctx, engine)
func RecoverInterrupted(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverInterrupted(ctx)
}
