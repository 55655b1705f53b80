package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acmsl/licdata-artifact/internal/engine"
	"github.com/acmsl/licdata-artifact/internal/persistence"
	"github.com/acmsl/licdata-artifact/internal/taskqueue"
	"github.com/acmsl/licdata-artifact/internal/workflow"
	"github.com/acmsl/licdata-artifact/pkg/api"
)

type collector struct {
	mu     sync.Mutex
	events []api.Event
}

func (c *collector) Publish(_ context.Context, events ...api.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events...)
	return nil
}

func (c *collector) kinds() []api.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]api.Kind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

func (c *collector) last() api.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

func newTestEngine(t *testing.T) api.Engine {
	t.Helper()
	return newTestEngineWith(t, persistence.Persistence{})
}

func newTestEngineWith(t *testing.T, p persistence.Persistence) api.Engine {
	t.Helper()
	builder := api.ImageBuilderFunc(func(_ context.Context, spec api.BuildSpec) (api.ImageReference, error) {
		return api.ImageReference{RegistryPath: "localhost:5000/" + spec.ImageName + ":" + spec.ImageVersion}, nil
	})
	pusher := api.ImagePusherFunc(func(_ context.Context, spec api.PushSpec, _ func(api.PushProgress)) (api.PushReceipt, error) {
		return api.PushReceipt{RemoteImage: spec.RemoteImage}, nil
	})
	eng, err := engine.NewEngine(engine.Config{
		Persistence: p,
		Produce:     workflow.NewProduceImage(builder),
		Publish:     workflow.NewPublishImage(builder, pusher, ""),
	})
	require.NoError(t, err)
	return eng
}

func azureMeta() api.Metadata {
	return api.Metadata{api.MetaVariant: api.VariantAzure}
}

func TestWorker_DispatchesAndPublishes(t *testing.T) {
	ctx := context.Background()
	sink := &collector{}
	w := NewWithConfig(newTestEngine(t), taskqueue.NewInMemoryQueue(10), Config{Publisher: sink})

	require.NoError(t, w.Enqueue(ctx, api.NewEvent(api.ImagePushRequested{
		ImageName:    "licdata",
		ImageVersion: "1.0",
		Metadata:     azureMeta(),
	})))

	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	assert.Equal(t, []api.Kind{api.KindImageAvailable, api.KindCredentialRequested}, sink.kinds())

	require.NoError(t, w.Enqueue(ctx, api.NewEvent(api.CredentialProvided{Name: "u", Value: "p"}, sink.last())))
	processed, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	assert.Equal(t, api.KindImagePushed, sink.last().Kind)
}

func TestWorker_EnqueueRejectsInvalidEvents(t *testing.T) {
	q := taskqueue.NewInMemoryQueue(10)
	w := New(newTestEngine(t), q)

	err := w.Enqueue(context.Background(), api.NewEvent(api.ImageRequested{ImageName: "licdata"}))
	require.ErrorIs(t, err, api.ErrInvalidEvent)
	assert.Zero(t, q.Len())
}

func TestWorker_ProtocolViolationIsNotRetried(t *testing.T) {
	ctx := context.Background()
	q := taskqueue.NewInMemoryQueue(10)
	w := NewWithConfig(newTestEngine(t), q, Config{MaxAttempts: 5, Backoff: time.Millisecond})

	require.NoError(t, w.Enqueue(ctx, api.NewEventWithParents(api.CredentialProvided{Name: "u"}, "unknown")))

	processed, err := w.ProcessOne(ctx)
	require.True(t, processed)
	require.ErrorIs(t, err, api.ErrProtocolViolation)
	assert.Zero(t, q.Len())
}

// flakyEngine fails its first n dispatches, n = failures.
type flakyEngine struct {
	api.Engine
	failures int32
	calls    atomic.Int32
}

func (f *flakyEngine) Dispatch(ctx context.Context, ev api.Event) ([]api.Event, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("store unavailable")
	}
	return f.Engine.Dispatch(ctx, ev)
}

func TestWorker_RetriesTransientFailuresWithBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	backoff := 30 * time.Millisecond
	eng := &flakyEngine{Engine: newTestEngine(t), failures: 1}
	sink := &collector{}
	w := NewWithConfig(eng, taskqueue.NewInMemoryQueue(10), Config{
		MaxAttempts: 3,
		Backoff:     backoff,
		Publisher:   sink,
	})

	require.NoError(t, w.Enqueue(ctx, api.NewEvent(api.ImageRequested{
		ImageName:    "licdata",
		ImageVersion: "1.0",
		Metadata:     azureMeta(),
	})))

	start := time.Now()
	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err, "a scheduled retry is not an error")
	require.True(t, processed)
	assert.Empty(t, sink.kinds())

	processed, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	assert.GreaterOrEqual(t, time.Since(start), backoff)
	assert.Equal(t, []api.Kind{api.KindImageAvailable}, sink.kinds())
	assert.EqualValues(t, 2, eng.calls.Load())
}

// flakyHistory drops the first append of one kind.
type flakyHistory struct {
	persistence.HistoryStore
	kind   api.Kind
	failed atomic.Bool
}

func (h *flakyHistory) Append(ctx context.Context, ev api.Event) error {
	if ev.Kind == h.kind && h.failed.CompareAndSwap(false, true) {
		return errors.New("connection reset")
	}
	return h.HistoryStore.Append(ctx, ev)
}

func TestWorker_RetryCompletesSagaAfterStoreFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mem := persistence.NewInMemoryStore()
	eng := newTestEngineWith(t, persistence.Persistence{
		Sagas:   mem,
		History: &flakyHistory{HistoryStore: mem, kind: api.KindImageAvailable},
	})
	sink := &collector{}
	w := NewWithConfig(eng, taskqueue.NewInMemoryQueue(10), Config{
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		Publisher:   sink,
	})

	req := api.NewEvent(api.ImagePushRequested{
		ImageName:    "licdata",
		ImageVersion: "1.0",
		Metadata: api.Metadata{
			api.MetaVariant:         api.VariantAzure,
			api.MetaCredentialName:  "user",
			api.MetaCredentialValue: "s3cret",
		},
	})
	require.NoError(t, w.Enqueue(ctx, req))

	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err, "a scheduled retry is not an error")
	require.True(t, processed)
	assert.Empty(t, sink.kinds())

	processed, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	assert.Equal(t, []api.Kind{
		api.KindImageAvailable,
		api.KindCredentialProvided,
		api.KindImagePushed,
	}, sink.kinds())

	saga, err := eng.GetSaga(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusSucceeded, saga.Status)
}

func TestWorker_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	eng := &flakyEngine{Engine: newTestEngine(t), failures: 10}
	q := taskqueue.NewInMemoryQueue(10)
	w := NewWithConfig(eng, q, Config{MaxAttempts: 2, Backoff: time.Millisecond})

	require.NoError(t, w.Enqueue(ctx, api.NewEvent(api.ImageRequested{
		ImageName:    "licdata",
		ImageVersion: "1.0",
		Metadata:     azureMeta(),
	})))

	_, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	_, err = w.ProcessOne(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Zero(t, q.Len())
}

func TestWorker_ProcessOneHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	processed, err := New(newTestEngine(t), taskqueue.NewInMemoryQueue(1)).ProcessOne(ctx)
	assert.False(t, processed)
	require.ErrorIs(t, err, context.Canceled)
}
