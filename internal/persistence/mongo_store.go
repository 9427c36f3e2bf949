package persistence

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/chronicle/pkg/api"
)

// maxAppendAttempts bounds the optimistic insert loop in MongoStore.Append.
const maxAppendAttempts = 16

// MongoStore is a Store backed by MongoDB.
//
// Gap-free sequences come from a unique index on (workflow_id, run_id, seq):
// concurrent appenders race for last+1 and the loser retries.
type MongoStore struct {
	executions *mongo.Collection
	events     *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

type mongoExecutionDoc struct {
	ID           string `bson:"_id"`
	WorkflowID   string `bson:"workflow_id"`
	RunID        string `bson:"run_id"`
	WorkflowType string `bson:"workflow_type"`
	Status       string `bson:"status"`
	CreatedAt    int64  `bson:"created_at"`
	Body         []byte `bson:"body"`
}

type mongoEventDoc struct {
	WorkflowID string    `bson:"workflow_id"`
	RunID      string    `bson:"run_id"`
	Seq        int64     `bson:"seq"`
	Type       string    `bson:"type"`
	DedupeKey  string    `bson:"dedupe_key,omitempty"`
	At         time.Time `bson:"at"`
	Body       []byte    `bson:"body"`
}

// NewMongoStore creates a Mongo-backed store and its indexes.
// dbName defaults to "chronicle" if empty.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "chronicle"
	}
	db := client.Database(dbName)
	s := &MongoStore{
		executions: db.Collection("executions"),
		events:     db.Collection("workflow_events"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, classifyMongo(err)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.executions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "workflow_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": string(api.StatusRunning)}),
		},
		{
			Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
	})
	if err != nil {
		return err
	}

	_, err = s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "workflow_id", Value: 1}, {Key: "run_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "run_id", Value: 1}, {Key: "dedupe_key", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"dedupe_key": bson.M{"$exists": true}}),
		},
	})
	return err
}

// classifyMongo maps network and server-selection failures to
// api.ErrStorageUnavailable.
func classifyMongo(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) ||
		errors.Is(err, mongo.ErrClientDisconnected) ||
		strings.Contains(err.Error(), "server selection") {
		return unavailable(err)
	}
	return err
}

func (s *MongoStore) CreateExecution(ctx context.Context, exec *api.WorkflowExecution) error {
	body, err := EncodeValue(exec)
	if err != nil {
		return err
	}
	doc := mongoExecutionDoc{
		ID:           exec.Key.String(),
		WorkflowID:   exec.Key.WorkflowID,
		RunID:        exec.Key.RunID,
		WorkflowType: exec.WorkflowType,
		Status:       string(exec.Status),
		CreatedAt:    time.Now().UnixNano(),
		Body:         body,
	}
	_, err = s.executions.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return api.ErrExecutionAlreadyStarted
	}
	return classifyMongo(err)
}

func (s *MongoStore) GetExecution(ctx context.Context, key api.ExecutionKey) (*api.WorkflowExecution, error) {
	var res *mongo.SingleResult
	if key.RunID == "" {
		res = s.executions.FindOne(ctx,
			bson.M{"workflow_id": key.WorkflowID},
			options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
		)
	} else {
		res = s.executions.FindOne(ctx, bson.M{"_id": key.String()})
	}

	var doc mongoExecutionDoc
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, api.ErrExecutionNotFound
		}
		return nil, classifyMongo(err)
	}
	exec, err := DecodeValue[api.WorkflowExecution](doc.Body)
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *MongoStore) UpdateExecution(ctx context.Context, exec *api.WorkflowExecution) error {
	body, err := EncodeValue(exec)
	if err != nil {
		return err
	}
	update := bson.M{
		"$set": bson.M{
			"status": string(exec.Status),
			"body":   body,
		},
	}
	filter := bson.M{
		"_id":    exec.Key.String(),
		"status": bson.M{"$in": bson.A{string(api.StatusRunning), string(exec.Status)}},
	}
	res, err := s.executions.UpdateOne(ctx, filter, update)
	if err != nil {
		return classifyMongo(err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := s.executions.CountDocuments(ctx, bson.M{"_id": exec.Key.String()})
	if err != nil {
		return classifyMongo(err)
	}
	return missingOrTerminal(n > 0)
}

func (s *MongoStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.WorkflowExecution, error) {
	bfilter := bson.M{}
	if filter.WorkflowID != "" {
		bfilter["workflow_id"] = filter.WorkflowID
	}
	if filter.WorkflowType != "" {
		bfilter["workflow_type"] = filter.WorkflowType
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}

	cur, err := s.executions.Find(ctx, bfilter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, classifyMongo(err)
	}
	defer cur.Close(ctx)

	var result []*api.WorkflowExecution
	for cur.Next(ctx) {
		var doc mongoExecutionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		exec, err := DecodeValue[api.WorkflowExecution](doc.Body)
		if err != nil {
			return nil, err
		}
		result = append(result, &exec)
	}
	return result, classifyMongo(cur.Err())
}

func (s *MongoStore) findDedupe(ctx context.Context, key api.ExecutionKey, dedupeKey string) (int64, bool, error) {
	var doc mongoEventDoc
	err := s.events.FindOne(ctx, bson.M{
		"workflow_id": key.WorkflowID,
		"run_id":      key.RunID,
		"dedupe_key":  dedupeKey,
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, classifyMongo(err)
	}
	return doc.Seq, true, nil
}

func (s *MongoStore) lastSeq(ctx context.Context, key api.ExecutionKey) (int64, error) {
	var doc mongoEventDoc
	err := s.events.FindOne(ctx,
		bson.M{"workflow_id": key.WorkflowID, "run_id": key.RunID},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, classifyMongo(err)
	}
	return doc.Seq, nil
}

func (s *MongoStore) Append(ctx context.Context, ev api.Event) (int64, error) {
	n, err := s.executions.CountDocuments(ctx, bson.M{"_id": ev.Key.String()})
	if err != nil {
		return 0, classifyMongo(err)
	}
	if n == 0 {
		return 0, api.ErrExecutionNotFound
	}

	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	body, err := encodeEvent(ev)
	if err != nil {
		return 0, err
	}

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		if ev.DedupeKey != "" {
			seq, found, err := s.findDedupe(ctx, ev.Key, ev.DedupeKey)
			if err != nil {
				return 0, err
			}
			if found {
				return seq, api.ErrDuplicateEvent
			}
		}

		last, err := s.lastSeq(ctx, ev.Key)
		if err != nil {
			return 0, err
		}

		doc := mongoEventDoc{
			WorkflowID: ev.Key.WorkflowID,
			RunID:      ev.Key.RunID,
			Seq:        last + 1,
			Type:       string(ev.Type),
			DedupeKey:  ev.DedupeKey,
			At:         ev.At,
			Body:       body,
		}
		_, err = s.events.InsertOne(ctx, doc)
		if err == nil {
			return doc.Seq, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return 0, classifyMongo(err)
		}
		// Lost the race for last+1 or for the dedupe key; look again.
	}
	return 0, unavailable(errors.New("append contention on " + ev.Key.String()))
}

func (s *MongoStore) Read(ctx context.Context, key api.ExecutionKey, fromSeq int64) ([]api.Event, error) {
	cur, err := s.events.Find(ctx,
		bson.M{
			"workflow_id": key.WorkflowID,
			"run_id":      key.RunID,
			"seq":         bson.M{"$gte": fromSeq},
		},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, classifyMongo(err)
	}
	defer cur.Close(ctx)

	var out []api.Event
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ev, err := decodeEvent(key, doc.Seq, doc.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, classifyMongo(cur.Err())
}
