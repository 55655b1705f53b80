package taskqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/acmsl/licdata-artifact/internal/testutil"
	"github.com/acmsl/licdata-artifact/pkg/api"
)

func requestTask(name string) Task {
	return NewTask(api.NewEvent(api.ImageRequested{
		ImageName:    name,
		ImageVersion: "1.0",
		Metadata:     api.Metadata{api.MetaVariant: api.VariantAzure},
	}))
}

func imageName(t *testing.T, task *Task) string {
	t.Helper()
	req, ok := task.Event.Payload.(api.ImageRequested)
	require.True(t, ok, "unexpected payload %T", task.Event.Payload)
	return req.ImageName
}

func TestEncodeDecodeTask(t *testing.T) {
	parent := api.NewEvent(api.CredentialRequested{})
	orig := NewTask(api.NewEvent(api.CredentialProvided{Name: "user", Value: "pw"}, parent))
	orig.Attempts = 2
	orig.NotBefore = time.Now().Add(time.Minute).UTC()

	data, err := EncodeTask(orig)
	require.NoError(t, err)
	got, err := DecodeTask(data)
	require.NoError(t, err)

	assert.Equal(t, orig.ID, got.ID)
	assert.Equal(t, orig.Attempts, got.Attempts)
	assert.True(t, orig.NotBefore.Equal(got.NotBefore))
	assert.True(t, orig.EnqueuedAt.Equal(got.EnqueuedAt))
	assert.Equal(t, orig.Event.PreviousEventIDs, got.Event.PreviousEventIDs)
	assert.Equal(t, orig.Event.Payload, got.Event.Payload)
}

func TestDecodeTask_Garbage(t *testing.T) {
	_, err := DecodeTask([]byte("not json"))
	require.Error(t, err)
}

type queueFactory func(t *testing.T) Queue

func newTestSQLiteQueue(t *testing.T) Queue {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	q, err := NewSQLiteQueue(db)
	require.NoError(t, err)
	return q
}

func newTestMongoQueue(t *testing.T) Queue {
	t.Helper()
	uri := testutil.GetMongoURI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)

	db := "licdata_queue_test"
	require.NoError(t, client.Database(db).Drop(ctx))
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})
	return NewMongoQueue(client, db, "")
}

var queueFactories = map[string]queueFactory{
	"in-memory": func(t *testing.T) Queue { return NewInMemoryQueue(16) },
	"sqlite":    newTestSQLiteQueue,
	"mongo":     newTestMongoQueue,
}

func TestQueue_FIFO(t *testing.T) {
	for name, factory := range queueFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := factory(t)

			for _, n := range []string{"a", "b", "c"} {
				require.NoError(t, q.Enqueue(ctx, requestTask(n)))
			}
			assert.Equal(t, 3, q.Len())

			for _, want := range []string{"a", "b", "c"} {
				got, err := q.Dequeue(ctx)
				require.NoError(t, err)
				assert.Equal(t, want, imageName(t, got))
			}
			assert.Zero(t, q.Len())
		})
	}
}

func TestQueue_DequeueBlocksUntilTaskArrives(t *testing.T) {
	for name, factory := range queueFactories {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			q := factory(t)

			go func() {
				time.Sleep(50 * time.Millisecond)
				_ = q.Enqueue(context.Background(), requestTask("late"))
			}()

			got, err := q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Equal(t, "late", imageName(t, got))
		})
	}
}

func TestQueue_DequeueHonoursCancellation(t *testing.T) {
	for name, factory := range queueFactories {
		t.Run(name, func(t *testing.T) {
			q := factory(t)
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			_, err := q.Dequeue(ctx)
			require.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}

func TestQueue_NotBefore(t *testing.T) {
	for name, factory := range queueFactories {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			q := factory(t)

			delayed := requestTask("delayed")
			delayed.NotBefore = time.Now().Add(150 * time.Millisecond)
			require.NoError(t, q.Enqueue(ctx, delayed))

			start := time.Now()
			got, err := q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Equal(t, "delayed", imageName(t, got))
			assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
		})
	}
}
