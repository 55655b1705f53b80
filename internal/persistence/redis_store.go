package persistence

import (
	"context"
	"errors"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

// RedisStore is a Store backed by Redis.
// It uses a simple key structure:
//
//	<prefix>saga:<id>              => JSON-encoded saga
//	<prefix>idx:all                => SET of all saga IDs
//	<prefix>idx:wf:<workflow>      => SET of saga IDs for a given workflow
//	<prefix>idx:status:<status>    => SET of saga IDs for a given status
//	<prefix>history:<saga id>      => LIST of JSON-encoded events
//	<prefix>owner:<event id>       => id of the saga that first accepted the event
//
// Status indexes are moved on update; ListSagas also filters decoded sagas,
// so a stale index entry never leaks into results.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "licdata:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "licdata:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) keySaga(id string) string {
	return s.prefix + "saga:" + id
}

func (s *RedisStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisStore) keyWorkflow(name string) string {
	return s.prefix + "idx:wf:" + name
}

func (s *RedisStore) keyStatus(status api.Status) string {
	return s.prefix + "idx:status:" + string(status)
}

func (s *RedisStore) keyHistory(sagaID string) string {
	return s.prefix + "history:" + sagaID
}

func (s *RedisStore) keyOwner(eventID string) string {
	return s.prefix + "owner:" + eventID
}

func (s *RedisStore) SaveSaga(ctx context.Context, saga *api.Saga) error {
	data, err := encodeSaga(saga)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keySaga(saga.ID), data, 0)
	pipe.SAdd(ctx, s.keyAll(), saga.ID)
	pipe.SAdd(ctx, s.keyWorkflow(saga.Workflow), saga.ID)
	pipe.SAdd(ctx, s.keyStatus(saga.Status), saga.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) UpdateSaga(ctx context.Context, saga *api.Saga) error {
	old, err := s.GetSaga(ctx, saga.ID)
	if err != nil {
		return err
	}

	data, err := encodeSaga(saga)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keySaga(saga.ID), data, 0)
	if old.Status != saga.Status {
		pipe.SRem(ctx, s.keyStatus(old.Status), saga.ID)
	}
	pipe.SAdd(ctx, s.keyWorkflow(saga.Workflow), saga.ID)
	pipe.SAdd(ctx, s.keyStatus(saga.Status), saga.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetSaga(ctx context.Context, id string) (*api.Saga, error) {
	data, err := s.client.Get(ctx, s.keySaga(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSagaNotFound
		}
		return nil, err
	}
	return decodeSaga(data)
}

func (s *RedisStore) ListSagas(ctx context.Context, filter SagaFilter) ([]*api.Saga, error) {
	var ids []string
	var err error

	switch {
	case filter.Workflow != "" && filter.Status != "":
		ids, err = s.client.SInter(ctx,
			s.keyWorkflow(filter.Workflow),
			s.keyStatus(filter.Status),
		).Result()
	case filter.Workflow != "":
		ids, err = s.client.SMembers(ctx, s.keyWorkflow(filter.Workflow)).Result()
	case filter.Status != "":
		ids, err = s.client.SMembers(ctx, s.keyStatus(filter.Status)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.Saga{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.Saga{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keySaga(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	sagas := make([]*api.Saga, 0, len(cmds))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		saga, err := decodeSaga(data)
		if err != nil {
			return nil, err
		}
		if filter.matches(saga) {
			sagas = append(sagas, saga)
		}
	}
	sort.Slice(sagas, func(i, j int) bool {
		return sagas[i].CreatedAt.Before(sagas[j].CreatedAt)
	})

	return sagas, nil
}

func (s *RedisStore) Append(ctx context.Context, ev api.Event) error {
	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.keyHistory(ev.SagaID), data)
	pipe.SetNX(ctx, s.keyOwner(ev.ID), ev.SagaID, 0)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) List(ctx context.Context, sagaID string) ([]api.Event, error) {
	raw, err := s.client.LRange(ctx, s.keyHistory(sagaID), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]api.Event, 0, len(raw))
	for _, r := range raw {
		ev, err := DecodeEvent([]byte(r))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *RedisStore) Latest(ctx context.Context, sagaID string, kind api.Kind) (api.Event, error) {
	events, err := s.List(ctx, sagaID)
	if err != nil {
		return api.Event{}, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == kind {
			return events[i], nil
		}
	}
	return api.Event{}, ErrEventNotFound
}

func (s *RedisStore) SagaOf(ctx context.Context, eventID string) (string, error) {
	sagaID, err := s.client.Get(ctx, s.keyOwner(eventID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrEventNotFound
		}
		return "", err
	}
	return sagaID, nil
}
