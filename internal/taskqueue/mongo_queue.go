package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:         ObjectID,  // insertion order within a process
//	  instance_id: string,
//	  payload:     []byte,    // gob-encoded Task
//	  not_before:  int64,     // unix nanoseconds
//	}
//
// A task is claimed with a single FindOneAndDelete, so concurrent workers
// never receive the same document.
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

type mongoQueueDoc struct {
	ID         primitive.ObjectID `bson:"_id"`
	InstanceID string             `bson:"instance_id"`
	Payload    []byte             `bson:"payload"`
	NotBefore  int64              `bson:"not_before"`
}

// NewMongoQueue creates a Mongo-backed queue and its index.
// dbName defaults to "durable", collName to "tasks".
func NewMongoQueue(ctx context.Context, client *mongo.Client, dbName, collName string) (*MongoQueue, error) {
	if dbName == "" {
		dbName = "durable"
	}
	if collName == "" {
		collName = "tasks"
	}
	q := &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: 50 * time.Millisecond,
	}
	_, err := q.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "not_before", Value: 1}, {Key: "_id", Value: 1}},
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

// Enqueue inserts a document for the given Task.
func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now())
	id := primitive.NewObjectID()
	if t.ID == "" {
		t.ID = id.Hex()
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.coll.InsertOne(ctx, mongoQueueDoc{
		ID:         id,
		InstanceID: t.InstanceID,
		Payload:    data,
		NotBefore:  t.NotBefore.UnixNano(),
	})
	return err
}

// Dequeue blocks (via polling) until a task is available or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context) (*Task, error) {
	// Reusable timer for polling when no tasks are available.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	defer tmr.Stop()

	opts := options.FindOneAndDelete().
		SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "_id", Value: 1}})

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var doc mongoQueueDoc
		filter := bson.M{"not_before": bson.M{"$lte": time.Now().UnixNano()}}
		err := q.coll.FindOneAndDelete(ctx, filter, opts).Decode(&doc)
		switch {
		case err == nil:
			return DecodeTask(doc.Payload)
		case !errors.Is(err, mongo.ErrNoDocuments):
			return nil, err
		}

		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		slog.Warn("mongo_queue_len_failed", "error", err)
		return 0
	}
	return int(n)
}
