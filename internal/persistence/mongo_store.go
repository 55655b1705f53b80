package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/acmsl/licdata-artifact/pkg/api"
)

// MongoStore is a Store backed by MongoDB. Sagas and events live in
// separate collections; events carry a per-saga sequence number taken from
// a counters collection so history order does not depend on clocks.
type MongoStore struct {
	sagas    *mongo.Collection
	events   *mongo.Collection
	counters *mongo.Collection
	timeout  time.Duration
}

// Ensure it implements Store.
var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store.
// dbName defaults to "licdata" if empty.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "licdata"
	}
	db := client.Database(dbName)
	s := &MongoStore{
		sagas:    db.Collection("sagas"),
		events:   db.Collection("saga_events"),
		counters: db.Collection("saga_counters"),
		timeout:  5 * time.Second,
	}
	if err := s.initIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) initIndexes(ctx context.Context) error {
	_, err := s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "saga_id", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "event_id", Value: 1}, {Key: "order", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.sagas.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}},
	})
	return err
}

type mongoSagaDoc struct {
	ID              string   `bson:"_id"`
	Workflow        string   `bson:"workflow"`
	Status          string   `bson:"status"`
	Step            string   `bson:"step,omitempty"`
	Awaiting        string   `bson:"awaiting,omitempty"`
	ContextKinds    []string `bson:"context_kinds,omitempty"`
	Deadline        int64    `bson:"deadline"`
	TerminalEventID string   `bson:"terminal_event_id,omitempty"`
	Reason          string   `bson:"reason,omitempty"`
	CreatedAt       int64    `bson:"created_at"`
	UpdatedAt       int64    `bson:"updated_at"`
}

type mongoEventDoc struct {
	EventID string `bson:"event_id"`
	SagaID  string `bson:"saga_id"`
	Seq     int64  `bson:"seq"`
	Order   int64  `bson:"order"`
	Kind    string `bson:"kind"`
	At      int64  `bson:"at"`
	Data    []byte `bson:"data"`
}

func toMongoDoc(saga *api.Saga) mongoSagaDoc {
	r := toRecord(saga)
	kinds := make([]string, 0, len(r.ContextKinds))
	for _, k := range r.ContextKinds {
		kinds = append(kinds, string(k))
	}
	return mongoSagaDoc{
		ID:              r.ID,
		Workflow:        r.Workflow,
		Status:          string(r.Status),
		Step:            r.Step,
		Awaiting:        string(r.Awaiting),
		ContextKinds:    kinds,
		Deadline:        r.Deadline,
		TerminalEventID: r.TerminalEventID,
		Reason:          r.Reason,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func (d mongoSagaDoc) saga() *api.Saga {
	var kinds []api.Kind
	for _, k := range d.ContextKinds {
		kinds = append(kinds, api.Kind(k))
	}
	return sagaRecord{
		ID:              d.ID,
		Workflow:        d.Workflow,
		Status:          api.Status(d.Status),
		Step:            d.Step,
		Awaiting:        api.Kind(d.Awaiting),
		ContextKinds:    kinds,
		Deadline:        d.Deadline,
		TerminalEventID: d.TerminalEventID,
		Reason:          d.Reason,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}.saga()
}

func (s *MongoStore) SaveSaga(ctx context.Context, saga *api.Saga) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.sagas.InsertOne(ctx, toMongoDoc(saga))
	return err
}

func (s *MongoStore) UpdateSaga(ctx context.Context, saga *api.Saga) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.sagas.ReplaceOne(ctx, bson.M{"_id": saga.ID}, toMongoDoc(saga))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrSagaNotFound
	}
	return nil
}

func (s *MongoStore) GetSaga(ctx context.Context, id string) (*api.Saga, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc mongoSagaDoc
	err := s.sagas.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSagaNotFound
		}
		return nil, err
	}
	return doc.saga(), nil
}

func (s *MongoStore) ListSagas(ctx context.Context, filter SagaFilter) ([]*api.Saga, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*s.timeout)
	defer cancel()

	bfilter := bson.M{}
	if filter.Workflow != "" {
		bfilter["workflow"] = filter.Workflow
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}

	cur, err := s.sagas.Find(ctx, bfilter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var results []*api.Saga
	for cur.Next(ctx) {
		var doc mongoSagaDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		results = append(results, doc.saga())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// eventOrderCounter numbers appends across all sagas, so SagaOf resolves to
// the saga that accepted an event first.
const eventOrderCounter = "_events"

func (s *MongoStore) nextSeq(ctx context.Context, sagaID string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": sagaID},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	return counter.Seq, err
}

func (s *MongoStore) Append(ctx context.Context, ev api.Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	seq, err := s.nextSeq(ctx, ev.SagaID)
	if err != nil {
		return err
	}
	order, err := s.nextSeq(ctx, eventOrderCounter)
	if err != nil {
		return err
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = s.events.InsertOne(ctx, mongoEventDoc{
		EventID: ev.ID,
		SagaID:  ev.SagaID,
		Seq:     seq,
		Order:   order,
		Kind:    string(ev.Kind),
		At:      at.UnixNano(),
		Data:    data,
	})
	return err
}

func (s *MongoStore) List(ctx context.Context, sagaID string) ([]api.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*s.timeout)
	defer cancel()

	cur, err := s.events.Find(ctx, bson.M{"saga_id": sagaID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.Event
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ev, err := DecodeEvent(doc.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, cur.Err()
}

func (s *MongoStore) Latest(ctx context.Context, sagaID string, kind api.Kind) (api.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc mongoEventDoc
	err := s.events.FindOne(ctx,
		bson.M{"saga_id": sagaID, "kind": string(kind)},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return api.Event{}, ErrEventNotFound
		}
		return api.Event{}, err
	}
	return DecodeEvent(doc.Data)
}

func (s *MongoStore) SagaOf(ctx context.Context, eventID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc mongoEventDoc
	err := s.events.FindOne(ctx,
		bson.M{"event_id": eventID},
		options.FindOne().SetSort(bson.D{{Key: "order", Value: 1}}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", ErrEventNotFound
		}
		return "", err
	}
	return doc.SagaID, nil
}
