package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acmsl/licdata-artifact/internal/testutil"
	"github.com/acmsl/licdata-artifact/pkg/api"
)

func request() api.Event {
	return api.NewEvent(api.ImageRequested{
		ImageName:    "licdata",
		ImageVersion: "1.0",
		Metadata:     api.Metadata{api.MetaVariant: api.VariantAzure},
	})
}

func TestTask_RoundTrip(t *testing.T) {
	ev := request()
	task, err := NewTask(ev)
	require.NoError(t, err)
	assert.Equal(t, "event:ImageRequested", task.Type())

	got, err := ParseTask(task)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.Kind, got.Kind)
	assert.Equal(t, ev.Payload, got.Payload)
	assert.True(t, ev.At.Equal(got.At))
}

func TestParseTask_Rejects(t *testing.T) {
	ev := request()
	good, err := NewTask(ev)
	require.NoError(t, err)

	_, err = ParseTask(asynq.NewTask("build", good.Payload()))
	require.ErrorIs(t, err, api.ErrUnknownKind)

	_, err = ParseTask(asynq.NewTask(TaskType(api.KindCredentialProvided), good.Payload()))
	require.ErrorIs(t, err, api.ErrInvalidEvent)

	_, err = ParseTask(asynq.NewTask(TaskType(api.KindImageRequested), []byte("{")))
	require.ErrorIs(t, err, api.ErrInvalidEvent)
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	seen  map[string]bool
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, err := ParseTask(task)
	if err != nil {
		return nil, err
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[ev.ID] {
		return nil, asynq.ErrTaskIDConflict
	}
	f.seen[ev.ID] = true
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: ev.ID, Queue: "q", Type: task.Type()}, nil
}

func TestPublisher_DuplicateIsNotAnError(t *testing.T) {
	f := &fakeEnqueuer{}
	p := NewPublisher(f, "q", nil)
	ev := request()

	require.NoError(t, p.Publish(context.Background(), ev, ev))
	assert.Len(t, f.tasks, 1)
}

func TestPublisher_InvalidEvent(t *testing.T) {
	p := NewPublisher(&fakeEnqueuer{}, "q", nil)
	require.ErrorIs(t, p.Publish(context.Background(), api.Event{}), api.ErrInvalidEvent)
}

type fakeEngine struct {
	api.Engine
	mu       sync.Mutex
	received []api.Event
	out      []api.Event
	err      error
	notify   chan api.Event
}

func (f *fakeEngine) Dispatch(ctx context.Context, ev api.Event) ([]api.Event, error) {
	f.mu.Lock()
	f.received = append(f.received, ev)
	f.mu.Unlock()
	if f.notify != nil {
		f.notify <- ev
	}
	return f.out, f.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []api.Event
}

func (r *recordingPublisher) Publish(ctx context.Context, events ...api.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func TestHandler_DispatchesAndPublishes(t *testing.T) {
	req := request()
	avail := api.NewEvent(api.ImageAvailable{ImageName: "licdata", ImageVersion: "1.0", RegistryPath: "r/licdata:1.0"}, req)
	eng := &fakeEngine{out: []api.Event{avail}}
	pub := &recordingPublisher{}

	task, err := NewTask(req)
	require.NoError(t, err)
	require.NoError(t, NewHandler(eng, pub, nil).ProcessTask(context.Background(), task))

	require.Len(t, eng.received, 1)
	assert.Equal(t, req.ID, eng.received[0].ID)
	require.Len(t, pub.events, 1)
	assert.Equal(t, avail.ID, pub.events[0].ID)
}

func TestHandler_PermanentErrorsSkipRetry(t *testing.T) {
	eng := &fakeEngine{err: &api.ProtocolViolationError{EventID: "x", Reason: "uncorrelated"}}
	task, err := NewTask(request())
	require.NoError(t, err)

	err = NewHandler(eng, nil, nil).ProcessTask(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.ErrorIs(t, err, api.ErrProtocolViolation)

	err = NewHandler(eng, nil, nil).ProcessTask(context.Background(), asynq.NewTask("event:Nope", []byte("{}")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandler_TransientErrorsRetry(t *testing.T) {
	eng := &fakeEngine{err: errors.New("database is locked")}
	task, err := NewTask(request())
	require.NoError(t, err)

	err = NewHandler(eng, nil, nil).ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestServer_ConsumesFromRedis(t *testing.T) {
	addr := testutil.GetRedisAddress(t)

	client := asynq.NewClient(asynq.RedisClientOpt{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	eng := &fakeEngine{notify: make(chan api.Event, 1)}
	srv := NewServer(ServerConfig{RedisAddr: addr, Queue: "licdata-test", Concurrency: 1}, NewHandler(eng, nil, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	req := request()
	require.NoError(t, NewPublisher(client, "licdata-test", nil).Publish(context.Background(), req))

	select {
	case got := <-eng.notify:
		assert.Equal(t, req.ID, got.ID)
	case <-time.After(30 * time.Second):
		t.Fatal("event was not consumed")
	}
}
