package persistence

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

// StoreTestSuite is the behavior every backend must share. Backends embed
// it and provide newStore, which must return an empty store.
type StoreTestSuite struct {
	suite.Suite
	newStore func() Store

	ctx   context.Context
	store Store
}

func (s *StoreTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore()
}

func testSaga(id string, status api.Status, created time.Time) *api.Saga {
	return &api.Saga{
		ID:        id,
		Workflow:  "publish-image",
		Status:    status,
		Step:      "build",
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func (s *StoreTestSuite) TestSaga_SaveGetUpdate() {
	now := time.Now().UTC().Truncate(time.Microsecond)
	saga := testSaga("saga-1", api.StatusIdle, now)
	s.Require().NoError(s.store.SaveSaga(s.ctx, saga))

	got, err := s.store.GetSaga(s.ctx, "saga-1")
	s.Require().NoError(err)
	s.Equal("publish-image", got.Workflow)
	s.Equal(api.StatusIdle, got.Status)
	s.True(got.CreatedAt.Equal(now))
	s.True(got.Deadline.IsZero())
	s.Empty(got.ContextKinds)

	saga.Status = api.StatusAwaiting
	saga.Step = "await-credential"
	saga.Awaiting = api.KindCredentialProvided
	saga.ContextKinds = []api.Kind{api.KindImageAvailable}
	saga.Deadline = now.Add(15 * time.Minute)
	saga.UpdatedAt = now.Add(time.Second)
	s.Require().NoError(s.store.UpdateSaga(s.ctx, saga))

	got, err = s.store.GetSaga(s.ctx, "saga-1")
	s.Require().NoError(err)
	s.Equal(api.StatusAwaiting, got.Status)
	s.Equal("await-credential", got.Step)
	s.Equal(api.KindCredentialProvided, got.Awaiting)
	s.Equal([]api.Kind{api.KindImageAvailable}, got.ContextKinds)
	s.True(got.Deadline.Equal(saga.Deadline))
}

func (s *StoreTestSuite) TestSaga_NotFound() {
	_, err := s.store.GetSaga(s.ctx, "missing")
	s.ErrorIs(err, ErrSagaNotFound)

	err = s.store.UpdateSaga(s.ctx, testSaga("missing", api.StatusFailed, time.Now()))
	s.ErrorIs(err, ErrSagaNotFound)
}

func (s *StoreTestSuite) TestSaga_StoredCopyIsIsolated() {
	saga := testSaga("saga-iso", api.StatusIdle, time.Now().UTC())
	s.Require().NoError(s.store.SaveSaga(s.ctx, saga))

	saga.Status = api.StatusFailed
	got, err := s.store.GetSaga(s.ctx, "saga-iso")
	s.Require().NoError(err)
	s.Equal(api.StatusIdle, got.Status)
}

func (s *StoreTestSuite) TestSaga_ListFilters() {
	base := time.Now().UTC()
	a := testSaga("a", api.StatusAwaiting, base)
	b := testSaga("b", api.StatusSucceeded, base.Add(time.Second))
	c := testSaga("c", api.StatusAwaiting, base.Add(2*time.Second))
	c.Workflow = "produce-image"
	for _, saga := range []*api.Saga{a, b, c} {
		s.Require().NoError(s.store.SaveSaga(s.ctx, saga))
	}

	all, err := s.store.ListSagas(s.ctx, SagaFilter{})
	s.Require().NoError(err)
	s.Equal([]string{"a", "b", "c"}, sagaIDs(all))

	awaiting, err := s.store.ListSagas(s.ctx, SagaFilter{Status: api.StatusAwaiting})
	s.Require().NoError(err)
	s.Equal([]string{"a", "c"}, sagaIDs(awaiting))

	publish, err := s.store.ListSagas(s.ctx, SagaFilter{Workflow: "publish-image", Status: api.StatusAwaiting})
	s.Require().NoError(err)
	s.Equal([]string{"a"}, sagaIDs(publish))

	// A status change must move the saga out of the old status filter.
	a.Status = api.StatusFailed
	s.Require().NoError(s.store.UpdateSaga(s.ctx, a))
	awaiting, err = s.store.ListSagas(s.ctx, SagaFilter{Status: api.StatusAwaiting})
	s.Require().NoError(err)
	s.Equal([]string{"c"}, sagaIDs(awaiting))
}

func (s *StoreTestSuite) TestHistory_AppendListLatest() {
	req := api.NewEvent(api.ImagePushRequested{ImageName: "licdata", ImageVersion: "1.0"}).WithSaga("s1")
	first := api.NewEvent(api.ImageAvailable{ImageName: "licdata", ImageVersion: "1.0", RegistryPath: "r/licdata:1.0"}, req).WithSaga("s1")
	second := api.NewEvent(api.ImageAvailable{ImageName: "licdata", ImageVersion: "1.0", RegistryPath: "r/licdata:1.0-b"}, req).WithSaga("s1")
	other := api.NewEvent(api.ImageAvailable{ImageName: "other", ImageVersion: "2.0", RegistryPath: "r/other:2.0"}).WithSaga("s2")

	for _, ev := range []api.Event{req, first, other, second} {
		s.Require().NoError(s.store.Append(s.ctx, ev))
	}

	events, err := s.store.List(s.ctx, "s1")
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	s.Equal([]string{req.ID, first.ID, second.ID}, eventIDs(events))
	s.Equal(first.PreviousEventIDs, events[1].PreviousEventIDs)
	s.Equal(first.Payload, events[1].Payload)
	s.Equal("s1", events[1].SagaID)

	latest, err := s.store.Latest(s.ctx, "s1", api.KindImageAvailable)
	s.Require().NoError(err)
	s.Equal(second.ID, latest.ID)

	latest, err = s.store.Latest(s.ctx, "s2", api.KindImageAvailable)
	s.Require().NoError(err)
	s.Equal(other.ID, latest.ID)

	_, err = s.store.Latest(s.ctx, "s1", api.KindCredentialProvided)
	s.ErrorIs(err, ErrEventNotFound)

	empty, err := s.store.List(s.ctx, "nope")
	s.Require().NoError(err)
	s.Empty(empty)
}

func (s *StoreTestSuite) TestHistory_SagaOf() {
	req := api.NewEvent(api.ImageRequested{ImageName: "licdata", ImageVersion: "1.0"}).WithSaga("s1")
	s.Require().NoError(s.store.Append(s.ctx, req))

	sagaID, err := s.store.SagaOf(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal("s1", sagaID)

	_, err = s.store.SagaOf(s.ctx, "unknown")
	s.ErrorIs(err, ErrEventNotFound)
}

func (s *StoreTestSuite) TestHistory_SagaOfFirstOwnerWins() {
	ev := api.NewEvent(api.CredentialProvided{Name: "user"})
	s.Require().NoError(s.store.Append(s.ctx, ev.WithSaga("s2")))
	// A skewed clock on the second writer must not change the owner.
	skewed := ev.WithSaga("s1")
	skewed.At = ev.At.Add(-time.Hour)
	s.Require().NoError(s.store.Append(s.ctx, skewed))
	s.Require().NoError(s.store.Append(s.ctx, api.NewEvent(api.CredentialRequested{}).WithSaga("s1")))

	sagaID, err := s.store.SagaOf(s.ctx, ev.ID)
	s.Require().NoError(err)
	s.Equal("s2", sagaID)
}

func (s *StoreTestSuite) TestHistory_AppendIsNotDeduplicated() {
	ev := api.NewEvent(api.CredentialRequested{}).WithSaga("s1")
	s.Require().NoError(s.store.Append(s.ctx, ev))
	s.Require().NoError(s.store.Append(s.ctx, ev))

	events, err := s.store.List(s.ctx, "s1")
	s.Require().NoError(err)
	s.Len(events, 2)
}

func sagaIDs(sagas []*api.Saga) []string {
	ids := make([]string, 0, len(sagas))
	for _, s := range sagas {
		ids = append(ids, s.ID)
	}
	return ids
}

func eventIDs(events []api.Event) []string {
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	return ids
}
