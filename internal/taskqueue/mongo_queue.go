package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/tokenflow/internal/persistence"
	"github.com/petrijr/tokenflow/pkg/api"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:         string,    // task ID
//	  instance_id: string,
//	  priority:    int,
//	  payload:     []byte,    // gob-encoded api.DispatchedTask
//	  created_at:  time.Time,
//	}
type MongoQueue struct {
	coll     *mongo.Collection
	capacity int
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "tokenflow", collName to "queue_tasks" and a
// non-positive capacity to 1024.
func NewMongoQueue(client *mongo.Client, dbName, collName string, capacity int) *MongoQueue {
	if dbName == "" {
		dbName = "tokenflow"
	}
	if collName == "" {
		collName = "queue_tasks"
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &MongoQueue{
		coll:     client.Database(dbName).Collection(collName),
		capacity: capacity,
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoQueueDoc struct {
	ID         string    `bson:"_id"`
	InstanceID string    `bson:"instance_id"`
	Priority   int       `bson:"priority"`
	Payload    []byte    `bson:"payload"`
	CreatedAt  time.Time `bson:"created_at"`
}

// pause waits for d using a reusable timer.
func pause(ctx context.Context, tmr *time.Timer, d time.Duration) error {
	tmr.Reset(d)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

func stoppedTimer() *time.Timer {
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		<-tmr.C
	}
	return tmr
}

// Enqueue inserts a document for the given task. Re-enqueueing a task id
// that is still queued is a no-op.
func (q *MongoQueue) Enqueue(ctx context.Context, t api.DispatchedTask) error {
	t.Status = api.TaskQueued
	data, err := persistence.EncodeTask(t)
	if err != nil {
		return err
	}

	tmr := stoppedTimer()
	defer tmr.Stop()
	for {
		n, err := q.coll.CountDocuments(ctx, bson.M{})
		if err != nil {
			return fmt.Errorf("count queue: %w", err)
		}
		if int(n) < q.capacity {
			break
		}
		if err := pause(ctx, tmr, 100*time.Millisecond); err != nil {
			return err
		}
	}

	doc := mongoQueueDoc{
		ID:         t.ID,
		InstanceID: t.InstanceID,
		Priority:   t.Priority,
		Payload:    data,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = q.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

// Dequeue blocks (via polling) until a task is available or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context) (*api.DispatchedTask, error) {
	tmr := stoppedTimer()
	defer tmr.Stop()

	opts := options.FindOneAndDelete().SetSort(bson.D{
		{Key: "priority", Value: -1},
		{Key: "created_at", Value: 1},
	})
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var doc mongoQueueDoc
		err := q.coll.FindOneAndDelete(ctx, bson.M{}, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			if err := pause(ctx, tmr, 100*time.Millisecond); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		t, err := persistence.DecodeTask(doc.Payload)
		if err != nil {
			return nil, err
		}
		return &t, nil
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
