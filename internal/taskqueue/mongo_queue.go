package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:        ObjectID,
//	  task_id:    string,
//	  payload:    []byte,    // EncodeTask output
//	  created_at: time.Time,
//	  not_before: time.Time,
//	}
type MongoQueue struct {
	coll   *mongo.Collection
	logger *slog.Logger
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "licdata", collName to "inbound_tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "licdata"
	}
	if collName == "" {
		collName = "inbound_tasks"
	}
	return &MongoQueue{
		coll:   client.Database(dbName).Collection(collName),
		logger: slog.Default(),
	}
}

var _ Queue = (*MongoQueue)(nil)

type mongoQueueDoc struct {
	TaskID    string    `bson:"task_id"`
	Payload   []byte    `bson:"payload"`
	CreatedAt time.Time `bson:"created_at"`
	NotBefore time.Time `bson:"not_before"`
}

func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	notBefore := t.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}
	_, err = q.coll.InsertOne(ctx, mongoQueueDoc{
		TaskID:    t.ID,
		Payload:   data,
		CreatedAt: now,
		NotBefore: notBefore.UTC(),
	})
	return err
}

// Dequeue blocks (via polling) until a task is eligible or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context) (*Task, error) {
	// Reusable timer, initially stopped.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	defer tmr.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var doc mongoQueueDoc
		err := q.coll.FindOneAndDelete(
			ctx,
			bson.M{"not_before": bson.M{"$lte": time.Now().UTC()}},
			options.FindOneAndDelete().SetSort(bson.D{
				{Key: "not_before", Value: 1},
				{Key: "created_at", Value: 1},
			}),
		).Decode(&doc)

		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				tmr.Reset(100 * time.Millisecond)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-tmr.C:
				}
				continue
			}
			return nil, err
		}

		return DecodeTask(doc.Payload)
	}
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		q.logger.Warn("mongo_queue_len_failed", "error", err)
		return 0
	}
	return int(n)
}
