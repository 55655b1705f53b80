package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	artifact "github.com/acmsl/licdata-artifact"
	"github.com/acmsl/licdata-artifact/internal/config"
	"github.com/acmsl/licdata-artifact/internal/docker"
	"github.com/acmsl/licdata-artifact/internal/gitclone"
	"github.com/acmsl/licdata-artifact/internal/taskqueue"
	"github.com/acmsl/licdata-artifact/pkg/api"
)

const queueCollection = "inbound_tasks"

// backend is an engine over the configured store, plus the durable task
// queue that store can host (SQLite and Mongo only).
type backend struct {
	engine  api.Engine
	queue   taskqueue.Queue
	closers []func() error
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// sqliteDSN waits on a locked database instead of failing at once.
func sqliteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)"
}

func openBackend(ctx context.Context, cfg config.StoreConfig, opts artifact.Options) (*backend, error) {
	b := &backend{}
	var err error

	switch cfg.Backend {
	case "memory":
		b.engine, err = artifact.NewInMemoryEngine(opts)

	case "sqlite":
		var db *sql.DB
		if db, err = sql.Open("sqlite", sqliteDSN(cfg.SQLitePath)); err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		b.closers = append(b.closers, db.Close)
		if b.engine, err = artifact.NewSQLiteEngine(db, opts); err == nil {
			b.queue, err = taskqueue.NewSQLiteQueue(db)
		}

	case "postgres":
		var db *sql.DB
		if db, err = sql.Open("pgx", cfg.PostgresDSN); err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		b.engine, err = artifact.NewPostgresEngine(db, opts)

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		b.closers = append(b.closers, client.Close)
		b.engine, err = artifact.NewRedisEngine(client, cfg.Prefix, opts)

	case "mongo":
		var client *mongo.Client
		if client, err = mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI)); err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		b.closers = append(b.closers, func() error { return client.Disconnect(context.Background()) })
		if b.engine, err = artifact.NewMongoEngine(ctx, client, cfg.MongoDB, opts); err == nil {
			b.queue = taskqueue.NewMongoQueue(client, cfg.MongoDB, cfg.Prefix+"_"+queueCollection)
		}

	default:
		err = fmt.Errorf("%w: unknown store backend %q", api.ErrConfiguration, cfg.Backend)
	}

	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// imageOptions wires the Docker daemon as builder and pusher.
func imageOptions(cfg *config.Config, logger *slog.Logger) (artifact.Options, func() error, error) {
	cli, err := docker.NewClient(cfg.Docker.Host)
	if err != nil {
		return artifact.Options{}, nil, err
	}

	build := docker.BuildConfig{
		RegistryURL:           cfg.Docker.RegistryURL,
		AzureBaseImageVersion: cfg.Docker.AzureBaseImageVersion,
		PythonVersion:         cfg.Docker.PythonVersion,
	}
	if cfg.Docker.CloneSources {
		build.Sources = gitclone.LicdataRepositories
		build.Cloner = gitclone.New(logger)
	}

	return artifact.Options{
		Builder:           docker.NewBuilder(cli, build, logger),
		Pusher:            docker.NewPusher(cli, logger),
		RegistryURL:       cfg.Docker.RegistryURL,
		CredentialTimeout: cfg.Flow.CredentialTimeout,
	}, cli.Close, nil
}
