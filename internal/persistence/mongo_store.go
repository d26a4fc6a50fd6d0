package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/durable/pkg/api"
)

// MongoStore is a HistoryLog and InstanceIndex backed by MongoDB.
//
// Events live in one collection with a unique (instance_id, idx) index; a
// concurrent append loses on the duplicate key and reports
// api.ErrAppendConflict.
type MongoStore struct {
	events    *mongo.Collection
	instances *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

const mongoTimeout = 5 * time.Second

// NewMongoStore creates a Mongo-backed store and ensures its indexes.
// dbName defaults to "durable" if empty.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "durable"
	}
	db := client.Database(dbName)
	s := &MongoStore{
		events:    db.Collection("history_events"),
		instances: db.Collection("instances"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	_, err := s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "instance_id", Value: 1}, {Key: "idx", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = s.instances.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$type": "string"}}),
		},
		{Keys: bson.D{{Key: "name", Value: 1}, {Key: "status", Value: 1}}},
	})
	return err
}

type mongoEventDoc struct {
	InstanceID string `bson:"instance_id"`
	Index      int64  `bson:"idx"`
	Type       string `bson:"type"`
	SequenceNo int    `bson:"sequence_no"`
	At         int64  `bson:"at"`
	Data       []byte `bson:"data"`
}

type mongoInstanceDoc struct {
	ID             string `bson:"_id"`
	Name           string `bson:"name"`
	Input          []byte `bson:"input,omitempty"`
	Status         string `bson:"status"`
	StatusRank     int    `bson:"status_rank"`
	IdempotencyKey string `bson:"idempotency_key,omitempty"`
	CreatedAt      int64  `bson:"created_at"`
	UpdatedAt      int64  `bson:"updated_at"`
	LeaseOwner     string `bson:"lease_owner,omitempty"`
	LeaseExpiresAt int64  `bson:"lease_expires_at,omitempty"`
}

func (s *MongoStore) Append(ctx context.Context, instanceID string, expected int64, events ...api.HistoryEvent) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	n, err := s.events.CountDocuments(ctx, bson.M{"instance_id": instanceID})
	if err != nil {
		return err
	}
	if n != expected {
		return api.ErrAppendConflict
	}

	stamped := stamp(expected, events)
	docs := make([]any, len(stamped))
	for i, ev := range stamped {
		data, err := EncodeEvent(ev)
		if err != nil {
			return err
		}
		docs[i] = mongoEventDoc{
			InstanceID: instanceID,
			Index:      ev.Index,
			Type:       string(ev.Type),
			SequenceNo: ev.SequenceNo,
			At:         ev.At.UnixNano(),
			Data:       data,
		}
	}

	// Ordered inserts stop at the first duplicate, which is always the
	// first document when another writer won the race.
	_, err = s.events.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return api.ErrAppendConflict
		}
		return err
	}
	return nil
}

func (s *MongoStore) Read(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	cur, err := s.events.Find(ctx, bson.M{"instance_id": instanceID},
		options.Find().SetSort(bson.D{{Key: "idx", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []api.HistoryEvent{}
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

func (s *MongoStore) CreateInstance(ctx context.Context, rec InstanceRecord) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	_, err := s.instances.InsertOne(ctx, mongoInstanceDoc{
		ID:             rec.ID,
		Name:           rec.Name,
		Input:          rec.Input,
		Status:         string(rec.Status),
		StatusRank:     rec.Status.Rank(),
		IdempotencyKey: rec.IdempotencyKey,
		CreatedAt:      rec.CreatedAt.UnixNano(),
		UpdatedAt:      rec.UpdatedAt.UnixNano(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateInstance
	}
	return err
}

func (s *MongoStore) UpdateStatus(ctx context.Context, id string, status api.Status, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	res, err := s.instances.UpdateOne(ctx,
		bson.M{"_id": id, "status_rank": bson.M{"$lte": status.Rank()}},
		bson.M{"$set": bson.M{
			"status":      string(status),
			"status_rank": status.Rank(),
			"updated_at":  at.UnixNano(),
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		// Either unknown or already further along.
		if _, err := s.GetInstance(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (InstanceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var doc mongoInstanceDoc
	if err := s.instances.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return InstanceRecord{}, ErrInstanceNotFound
		}
		return InstanceRecord{}, err
	}
	return doc.record(), nil
}

func (s *MongoStore) GetInstance(ctx context.Context, id string) (InstanceRecord, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoStore) FindByIdempotencyKey(ctx context.Context, key string) (InstanceRecord, error) {
	return s.findOne(ctx, bson.M{"idempotency_key": key})
}

func (s *MongoStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]InstanceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	q := bson.M{}
	if filter.Name != "" {
		q["name"] = filter.Name
	}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}

	cur, err := s.instances.Find(ctx, q,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []InstanceRecord
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.record())
	}
	return out, cur.Err()
}

func (d mongoInstanceDoc) record() InstanceRecord {
	rec := InstanceRecord{
		ID:             d.ID,
		Name:           d.Name,
		Status:         api.Status(d.Status),
		IdempotencyKey: d.IdempotencyKey,
		CreatedAt:      time.Unix(0, d.CreatedAt).UTC(),
		UpdatedAt:      time.Unix(0, d.UpdatedAt).UTC(),
	}
	if len(d.Input) > 0 {
		rec.Input = d.Input
	}
	return rec
}

func (s *MongoStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	if err := validTTL(ttl); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	now := time.Now()
	res, err := s.instances.UpdateOne(ctx,
		bson.M{
			"_id": instanceID,
			"$or": bson.A{
				bson.M{"lease_owner": bson.M{"$in": bson.A{nil, "", owner}}},
				bson.M{"lease_expires_at": bson.M{"$lte": now.UnixNano()}},
			},
		},
		bson.M{"$set": bson.M{"lease_owner": owner, "lease_expires_at": now.Add(ttl).UnixNano()}},
	)
	if err != nil {
		return false, err
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetInstance(ctx, instanceID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *MongoStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	if err := validTTL(ttl); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	res, err := s.instances.UpdateOne(ctx,
		bson.M{"_id": instanceID, "lease_owner": owner},
		bson.M{"$set": bson.M{"lease_expires_at": time.Now().Add(ttl).UnixNano()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *MongoStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	_, err := s.instances.UpdateOne(ctx,
		bson.M{"_id": instanceID, "lease_owner": owner},
		bson.M{"$set": bson.M{"lease_owner": "", "lease_expires_at": int64(0)}},
	)
	return err
}
