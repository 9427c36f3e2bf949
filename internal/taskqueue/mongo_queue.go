package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoClaimBatch is how many eligible tasks one claim pass inspects.
const mongoClaimBatch = 16

// MongoQueue implements Queue on top of MongoDB.
//
// Tasks live in one collection. ExclusiveKey leases are held in a second
// collection keyed by (queue, exclusive key): a claim first takes the key
// lock, then the task, so two tasks of one key are never leased at once.
//
// Collection schema:
//
//	tasks      { _id, queue, kind, workflow_id, run_id, exclusive_key, payload,
//	             attempt, enqueued_at, not_before, lease_token, lease_owner,
//	             lease_expires_at, deliveries }
//	task_locks { _id: queue/exclusive_key, token, expires_at }
type MongoQueue struct {
	tasks        *mongo.Collection
	locks        *mongo.Collection
	pollInterval time.Duration
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoTaskDoc struct {
	ID             string `bson:"_id"`
	Queue          string `bson:"queue"`
	Kind           string `bson:"kind"`
	WorkflowID     string `bson:"workflow_id"`
	RunID          string `bson:"run_id"`
	ExclusiveKey   string `bson:"exclusive_key"`
	Payload        []byte `bson:"payload"`
	Attempt        int    `bson:"attempt"`
	EnqueuedAt     int64  `bson:"enqueued_at"`
	NotBefore      int64  `bson:"not_before"`
	LeaseToken     string `bson:"lease_token"`
	LeaseOwner     string `bson:"lease_owner"`
	LeaseExpiresAt int64  `bson:"lease_expires_at"`
	Deliveries     int    `bson:"deliveries"`
}

func (d *mongoTaskDoc) task() *Task {
	t := &Task{
		ID:           d.ID,
		Queue:        d.Queue,
		Kind:         Kind(d.Kind),
		ExclusiveKey: d.ExclusiveKey,
		Payload:      d.Payload,
		Attempt:      d.Attempt,
		EnqueuedAt:   time.Unix(0, d.EnqueuedAt),
		NotBefore:    time.Unix(0, d.NotBefore),
		LeaseToken:   d.LeaseToken,
		LeaseOwner:   d.LeaseOwner,
		Deliveries:   d.Deliveries,
	}
	t.Key.WorkflowID = d.WorkflowID
	t.Key.RunID = d.RunID
	if d.LeaseExpiresAt > 0 {
		t.LeaseExpiresAt = time.Unix(0, d.LeaseExpiresAt)
	}
	return t
}

// NewMongoQueue creates a Mongo-backed queue and its indexes.
// dbName defaults to "chronicle" if empty.
func NewMongoQueue(ctx context.Context, client *mongo.Client, dbName string) (*MongoQueue, error) {
	if dbName == "" {
		dbName = "chronicle"
	}
	db := client.Database(dbName)
	q := &MongoQueue{
		tasks:        db.Collection("tasks"),
		locks:        db.Collection("task_locks"),
		pollInterval: 50 * time.Millisecond,
	}

	_, err := q.tasks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "queue", Value: 1}, {Key: "not_before", Value: 1}, {Key: "enqueued_at", Value: 1}}},
		{Keys: bson.D{{Key: "queue", Value: 1}, {Key: "exclusive_key", Value: 1}}},
		{Keys: bson.D{{Key: "lease_token", Value: 1}}},
	})
	if err != nil {
		return nil, err
	}
	if _, err := q.locks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "token", Value: 1}},
	}); err != nil {
		return nil, err
	}
	return q, nil
}

func lockID(queue, exclusiveKey string) string {
	return queue + "/" + exclusiveKey
}

func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	now := time.Now().UnixNano()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	notBefore := now
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UnixNano()
	}

	if t.ExclusiveKey != "" {
		// Coalesce into a waiting task of the same key.
		res, err := q.tasks.UpdateOne(ctx,
			bson.M{
				"queue":            t.Queue,
				"exclusive_key":    t.ExclusiveKey,
				"lease_expires_at": bson.M{"$lte": now},
			},
			bson.M{"$min": bson.M{"not_before": notBefore}},
		)
		if err != nil {
			return err
		}
		if res.MatchedCount > 0 {
			return nil
		}
	}

	_, err := q.tasks.InsertOne(ctx, mongoTaskDoc{
		ID:           t.ID,
		Queue:        t.Queue,
		Kind:         string(t.Kind),
		WorkflowID:   t.Key.WorkflowID,
		RunID:        t.Key.RunID,
		ExclusiveKey: t.ExclusiveKey,
		Payload:      t.Payload,
		Attempt:      t.Attempt,
		EnqueuedAt:   now,
		NotBefore:    notBefore,
	})
	return err
}

// Dequeue blocks (via polling) until a task is available or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context, queue, owner string, visibility time.Duration) (*Task, error) {
	// Use a reusable timer to avoid allocating a new timer on every idle poll.
	tmr := time.NewTimer(q.pollInterval)
	defer tmr.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		task, err := q.claim(ctx, queue, owner, visibility)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		if !tmr.Stop() {
			select {
			case <-tmr.C:
			default:
			}
		}
		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

func (q *MongoQueue) claim(ctx context.Context, queue, owner string, visibility time.Duration) (*Task, error) {
	now := time.Now().UnixNano()
	eligible := bson.M{
		"queue":            queue,
		"not_before":       bson.M{"$lte": now},
		"lease_expires_at": bson.M{"$lte": now},
	}

	cur, err := q.tasks.Find(ctx, eligible, options.Find().
		SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "enqueued_at", Value: 1}}).
		SetLimit(mongoClaimBatch))
	if err != nil {
		return nil, err
	}
	var candidates []mongoTaskDoc
	if err := cur.All(ctx, &candidates); err != nil {
		return nil, err
	}

	for _, c := range candidates {
		token := uuid.NewString()
		expires := time.Now().Add(visibility).UnixNano()

		if c.ExclusiveKey != "" {
			ok, err := q.lock(ctx, lockID(queue, c.ExclusiveKey), token, now, expires)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}

		filter := bson.M{"_id": c.ID}
		for k, v := range eligible {
			filter[k] = v
		}
		var doc mongoTaskDoc
		err := q.tasks.FindOneAndUpdate(ctx, filter,
			bson.M{
				"$set": bson.M{
					"lease_token":      token,
					"lease_owner":      owner,
					"lease_expires_at": expires,
				},
				"$inc": bson.M{"deliveries": 1},
			},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			// Claimed by another consumer in between.
			if c.ExclusiveKey != "" {
				_, _ = q.locks.DeleteOne(ctx, bson.M{"_id": lockID(queue, c.ExclusiveKey), "token": token})
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return doc.task(), nil
	}
	return nil, nil
}

// lock takes the exclusive key lock id unless a live lease holds it.
func (q *MongoQueue) lock(ctx context.Context, id, token string, now, expires int64) (bool, error) {
	_, err := q.locks.UpdateOne(ctx,
		bson.M{"_id": id, "expires_at": bson.M{"$lte": now}},
		bson.M{"$set": bson.M{"token": token, "expires_at": expires}},
		options.Update().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		// The lock exists and is still live.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (q *MongoQueue) Ack(ctx context.Context, taskID, leaseToken string) error {
	res, err := q.tasks.DeleteOne(ctx, bson.M{"_id": taskID, "lease_token": leaseToken})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrLeaseLost
	}
	return q.unlock(ctx, leaseToken)
}

func (q *MongoQueue) Nack(ctx context.Context, taskID, leaseToken string, notBefore time.Time) error {
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	res, err := q.tasks.UpdateOne(ctx,
		bson.M{"_id": taskID, "lease_token": leaseToken},
		bson.M{"$set": bson.M{
			"lease_token":      "",
			"lease_owner":      "",
			"lease_expires_at": int64(0),
			"not_before":       notBefore.UnixNano(),
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseLost
	}
	return q.unlock(ctx, leaseToken)
}

func (q *MongoQueue) unlock(ctx context.Context, leaseToken string) error {
	_, err := q.locks.DeleteMany(ctx, bson.M{"token": leaseToken})
	return err
}

func (q *MongoQueue) Extend(ctx context.Context, taskID, leaseToken string, visibility time.Duration) (time.Time, error) {
	expires := time.Now().Add(visibility)
	res, err := q.tasks.UpdateOne(ctx,
		bson.M{"_id": taskID, "lease_token": leaseToken},
		bson.M{"$set": bson.M{"lease_expires_at": expires.UnixNano()}},
	)
	if err != nil {
		return time.Time{}, err
	}
	if res.MatchedCount == 0 {
		return time.Time{}, ErrLeaseLost
	}
	if _, err := q.locks.UpdateMany(ctx,
		bson.M{"token": leaseToken},
		bson.M{"$set": bson.M{"expires_at": expires.UnixNano()}},
	); err != nil {
		return time.Time{}, err
	}
	return expires, nil
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len(queue string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.tasks.CountDocuments(ctx, bson.M{"queue": queue})
	if err != nil {
		return 0
	}
	return int(n)
}
