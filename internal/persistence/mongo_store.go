package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/tokenflow/pkg/api"
)

const mongoTimeout = 5 * time.Second

// MongoStore implements InstanceStore and TimerStore on MongoDB.
//
// Collections: "instances" (one document per instance, revision field for
// compare-and-swap), "correlation_keys" (_id = claimed key) and "timers".
// Exclusive key claims rely on the unique _id index.
type MongoStore struct {
	instances *mongo.Collection
	claims    *mongo.Collection
	timers    *mongo.Collection
}

var (
	_ InstanceStore = (*MongoStore)(nil)
	_ TimerStore    = (*MongoStore)(nil)
)

// NewMongoStore creates a Mongo-backed store and ensures its indexes.
// dbName defaults to "tokenflow" if empty.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "tokenflow"
	}
	db := client.Database(dbName)
	s := &MongoStore{
		instances: db.Collection("instances"),
		claims:    db.Collection("correlation_keys"),
		timers:    db.Collection("timers"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	if _, err := s.instances.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "correlation_key", Value: 1}, {Key: "state", Value: 1}}},
		{Keys: bson.D{{Key: "definition_id", Value: 1}, {Key: "state", Value: 1}}},
	}); err != nil {
		return err
	}
	_, err := s.timers.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "fire_at", Value: 1}, {Key: "priority", Value: -1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "instance_id", Value: 1}}},
	})
	return err
}

type mongoInstanceDoc struct {
	ID                string `bson:"_id"`
	DefinitionID      string `bson:"definition_id"`
	DefinitionVersion int    `bson:"definition_version"`
	State             string `bson:"state"`
	CorrelationKey    string `bson:"correlation_key"`
	ExclusiveKey      string `bson:"exclusive_key"`
	Revision          int64  `bson:"revision"`
	CreatedAt         int64  `bson:"created_at"`
	UpdatedAt         int64  `bson:"updated_at"`
	Body              []byte `bson:"body,omitempty"`
}

func (d mongoInstanceDoc) instance() (*api.ProcessInstance, error) {
	inst := &api.ProcessInstance{
		ID:                d.ID,
		DefinitionID:      d.DefinitionID,
		DefinitionVersion: d.DefinitionVersion,
		State:             api.State(d.State),
		CorrelationKey:    d.CorrelationKey,
		ExclusiveKey:      d.ExclusiveKey,
		Revision:          d.Revision,
		CreatedAt:         time.Unix(0, d.CreatedAt).UTC(),
		UpdatedAt:         time.Unix(0, d.UpdatedAt).UTC(),
	}
	if err := decodeBody(d.Body, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

type mongoClaimDoc struct {
	Key        string `bson:"_id"`
	InstanceID string `bson:"instance_id"`
}

func (s *MongoStore) CreateInstance(ctx context.Context, inst *api.ProcessInstance) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	body, err := encodeBody(inst)
	if err != nil {
		return err
	}

	if inst.ExclusiveKey != "" {
		if _, err := s.claims.InsertOne(ctx, mongoClaimDoc{Key: inst.ExclusiveKey, InstanceID: inst.ID}); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return ErrKeyClaimed
			}
			return err
		}
	}

	doc := mongoInstanceDoc{
		ID:                inst.ID,
		DefinitionID:      inst.DefinitionID,
		DefinitionVersion: inst.DefinitionVersion,
		State:             string(inst.State),
		CorrelationKey:    inst.CorrelationKey,
		ExclusiveKey:      inst.ExclusiveKey,
		Revision:          1,
		CreatedAt:         inst.CreatedAt.UnixNano(),
		UpdatedAt:         inst.UpdatedAt.UnixNano(),
		Body:              body,
	}
	if _, err := s.instances.InsertOne(ctx, doc); err != nil {
		if inst.ExclusiveKey != "" {
			_, _ = s.claims.DeleteOne(ctx, bson.M{"_id": inst.ExclusiveKey, "instance_id": inst.ID})
		}
		if mongo.IsDuplicateKeyError(err) {
			return ErrInstanceExists
		}
		return err
	}
	inst.Revision = 1
	return nil
}

func (s *MongoStore) GetInstance(ctx context.Context, id string) (*api.ProcessInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var doc mongoInstanceDoc
	if err := s.instances.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return doc.instance()
}

func (s *MongoStore) CompareAndSwap(ctx context.Context, inst *api.ProcessInstance) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	body, err := encodeBody(inst)
	if err != nil {
		return err
	}

	res, err := s.instances.UpdateOne(ctx,
		bson.M{"_id": inst.ID, "revision": inst.Revision},
		bson.M{"$set": bson.M{
			"state":           string(inst.State),
			"correlation_key": inst.CorrelationKey,
			"exclusive_key":   inst.ExclusiveKey,
			"revision":        inst.Revision + 1,
			"updated_at":      inst.UpdatedAt.UnixNano(),
			"body":            body,
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		n, err := s.instances.CountDocuments(ctx, bson.M{"_id": inst.ID})
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrInstanceNotFound
		}
		return ErrRevisionMismatch
	}
	inst.Revision++

	if inst.Terminal() && inst.ExclusiveKey != "" {
		if _, err := s.claims.DeleteOne(ctx, bson.M{"_id": inst.ExclusiveKey, "instance_id": inst.ID}); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.ProcessInstance, error) {
	q := bson.M{}
	if filter.DefinitionID != "" {
		q["definition_id"] = filter.DefinitionID
	}
	if filter.State != "" {
		q["state"] = string(filter.State)
	}
	if filter.CorrelationKey != "" {
		q["correlation_key"] = filter.CorrelationKey
	}
	return s.findInstances(ctx, q)
}

func (s *MongoStore) FindByCorrelationKey(ctx context.Context, key string) ([]*api.ProcessInstance, error) {
	return s.findInstances(ctx, bson.M{
		"correlation_key": key,
		"state":           bson.M{"$nin": []string{string(api.StateCompleted), string(api.StateTerminated)}},
	})
}

func (s *MongoStore) findInstances(ctx context.Context, q bson.M) ([]*api.ProcessInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	cur, err := s.instances.Find(ctx, q, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.ProcessInstance
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		inst, err := doc.instance()
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, cur.Err()
}

type mongoTimerDoc struct {
	ID               string `bson:"_id"`
	InstanceID       string `bson:"instance_id"`
	NodeID           string `bson:"node_id"`
	TokenID          string `bson:"token_id"`
	Kind             string `bson:"kind"`
	FireAt           int64  `bson:"fire_at"`
	Priority         int    `bson:"priority"`
	Retries          int    `bson:"retries"`
	Calendar         string `bson:"calendar,omitempty"`
	OverrideBlackout bool   `bson:"override_blackout"`
	Shard            int    `bson:"shard"`
	Payload          []byte `bson:"payload,omitempty"`
}

func (s *MongoStore) InsertTimer(ctx context.Context, e api.TimerEntry) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	_, err := s.timers.InsertOne(ctx, mongoTimerDoc{
		ID:               e.ID,
		InstanceID:       e.InstanceID,
		NodeID:           e.NodeID,
		TokenID:          e.TokenID,
		Kind:             string(e.Kind),
		FireAt:           e.FireAt.UnixNano(),
		Priority:         e.Priority,
		Retries:          e.Retries,
		Calendar:         e.Calendar,
		OverrideBlackout: e.OverrideBlackout,
		Shard:            e.Shard,
		Payload:          e.Payload,
	})
	return err
}

func (s *MongoStore) DeleteTimer(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	res, err := s.timers.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, err
	}
	return res.DeletedCount == 1, nil
}

func (s *MongoStore) RescheduleTimer(ctx context.Context, id string, fireAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	res, err := s.timers.UpdateByID(ctx, id, bson.M{"$set": bson.M{"fire_at": fireAt.UnixNano()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrTimerNotFound
	}
	return nil
}

func (s *MongoStore) DueTimers(ctx context.Context, until time.Time, shards []int, limit int) ([]api.TimerEntry, error) {
	if shards != nil && len(shards) == 0 {
		return nil, nil
	}
	q := bson.M{"fire_at": bson.M{"$lte": until.UnixNano()}}
	if shards != nil {
		q["shard"] = bson.M{"$in": shards}
	}
	opts := options.Find().SetSort(bson.D{
		{Key: "fire_at", Value: 1},
		{Key: "priority", Value: -1},
		{Key: "_id", Value: 1},
	})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.findTimers(ctx, q, opts)
}

func (s *MongoStore) ListInstanceTimers(ctx context.Context, instanceID string) ([]api.TimerEntry, error) {
	return s.findTimers(ctx, bson.M{"instance_id": instanceID}, options.Find().SetSort(bson.D{
		{Key: "fire_at", Value: 1},
		{Key: "priority", Value: -1},
		{Key: "_id", Value: 1},
	}))
}

func (s *MongoStore) DeleteInstanceTimers(ctx context.Context, instanceID string) ([]string, error) {
	entries, err := s.ListInstanceTimers(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, e := range entries {
		ok, err := s.DeleteTimer(ctx, e.ID)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted = append(deleted, e.ID)
		}
	}
	return deleted, nil
}

func (s *MongoStore) findTimers(ctx context.Context, q bson.M, opts *options.FindOptions) ([]api.TimerEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	cur, err := s.timers.Find(ctx, q, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.TimerEntry
	for cur.Next(ctx) {
		var d mongoTimerDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, api.TimerEntry{
			ID:               d.ID,
			InstanceID:       d.InstanceID,
			NodeID:           d.NodeID,
			TokenID:          d.TokenID,
			Kind:             api.TimerKind(d.Kind),
			FireAt:           time.Unix(0, d.FireAt).UTC(),
			Priority:         d.Priority,
			Retries:          d.Retries,
			Calendar:         d.Calendar,
			OverrideBlackout: d.OverrideBlackout,
			Shard:            d.Shard,
			Payload:          d.Payload,
		})
	}
	return out, cur.Err()
}
