package persistence

import (
	"bytes"
	"context"
	"encoding/binary"
	"slices"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/petrijr/tokenflow/pkg/api"
)

var (
	// boltScheduleBucketKey holds the entries. Keys are the fire time in
	// nanoseconds as an 8-byte big-endian value followed by the entry id, so
	// a cursor walks entries in fire order. Values are gob-encoded entries.
	boltScheduleBucketKey = []byte("timer_schedule")

	// boltIDsBucketKey maps entry ids to their schedule key.
	boltIDsBucketKey = []byte("timer_ids")

	// boltInstanceBucketKey indexes entries by instance. Keys are
	// "<instance id>\x00<entry id>", values are empty.
	boltInstanceBucketKey = []byte("timer_instances")
)

// BoltTimerStore is a TimerStore backed by a bbolt file. It suits a single
// node that wants durable timers without a database server.
type BoltTimerStore struct {
	db *bbolt.DB
}

var _ TimerStore = (*BoltTimerStore)(nil)

// OpenBoltTimerStore opens (or creates) a bbolt database at path.
func OpenBoltTimerStore(path string) (*BoltTimerStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	s, err := NewBoltTimerStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewBoltTimerStore creates the buckets in db and returns a store using it.
func NewBoltTimerStore(db *bbolt.DB) (*BoltTimerStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, k := range [][]byte{boltScheduleBucketKey, boltIDsBucketKey, boltInstanceBucketKey} {
			if _, err := tx.CreateBucketIfNotExists(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltTimerStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltTimerStore) Close() error {
	return s.db.Close()
}

func scheduleKey(fireAt time.Time, id string) []byte {
	k := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(k, uint64(fireAt.UnixNano()))
	return append(k, id...)
}

func instanceKey(instanceID, id string) []byte {
	return []byte(instanceID + "\x00" + id)
}

func (s *BoltTimerStore) InsertTimer(ctx context.Context, e api.TimerEntry) error {
	data, err := EncodeValue(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(boltIDsBucketKey)
		sched := tx.Bucket(boltScheduleBucketKey)

		if old := ids.Get([]byte(e.ID)); old != nil {
			if err := sched.Delete(old); err != nil {
				return err
			}
		}
		key := scheduleKey(e.FireAt, e.ID)
		if err := sched.Put(key, data); err != nil {
			return err
		}
		if err := ids.Put([]byte(e.ID), key); err != nil {
			return err
		}
		return tx.Bucket(boltInstanceBucketKey).Put(instanceKey(e.InstanceID, e.ID), nil)
	})
}

func (s *BoltTimerStore) DeleteTimer(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		deleted, err = deleteBoltTimer(tx, id)
		return err
	})
	return deleted, err
}

func deleteBoltTimer(tx *bbolt.Tx, id string) (bool, error) {
	ids := tx.Bucket(boltIDsBucketKey)
	sched := tx.Bucket(boltScheduleBucketKey)

	key := ids.Get([]byte(id))
	if key == nil {
		return false, nil
	}
	key = slices.Clone(key)

	data := sched.Get(key)
	if data != nil {
		e, err := DecodeValue[api.TimerEntry](data)
		if err != nil {
			return false, err
		}
		if err := tx.Bucket(boltInstanceBucketKey).Delete(instanceKey(e.InstanceID, id)); err != nil {
			return false, err
		}
	}
	if err := sched.Delete(key); err != nil {
		return false, err
	}
	if err := ids.Delete([]byte(id)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *BoltTimerStore) RescheduleTimer(ctx context.Context, id string, fireAt time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(boltIDsBucketKey)
		sched := tx.Bucket(boltScheduleBucketKey)

		key := ids.Get([]byte(id))
		if key == nil {
			return ErrTimerNotFound
		}
		key = slices.Clone(key)
		e, err := DecodeValue[api.TimerEntry](sched.Get(key))
		if err != nil {
			return err
		}
		e.FireAt = fireAt
		data, err := EncodeValue(e)
		if err != nil {
			return err
		}
		if err := sched.Delete(key); err != nil {
			return err
		}
		newKey := scheduleKey(fireAt, id)
		if err := sched.Put(newKey, data); err != nil {
			return err
		}
		return ids.Put([]byte(id), newKey)
	})
}

func (s *BoltTimerStore) DueTimers(ctx context.Context, until time.Time, shards []int, limit int) ([]api.TimerEntry, error) {
	if shards != nil && len(shards) == 0 {
		return nil, nil
	}
	bound := make([]byte, 8)
	binary.BigEndian.PutUint64(bound, uint64(until.UnixNano()))

	var out []api.TimerEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(boltScheduleBucketKey).Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k[:8], bound) <= 0; k, v = c.Next() {
			e, err := DecodeValue[api.TimerEntry](v)
			if err != nil {
				return err
			}
			if shards != nil && !slices.Contains(shards, e.Shard) {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return api.TimerLess(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *BoltTimerStore) ListInstanceTimers(ctx context.Context, instanceID string) ([]api.TimerEntry, error) {
	var out []api.TimerEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(boltIDsBucketKey)
		sched := tx.Bucket(boltScheduleBucketKey)
		prefix := []byte(instanceID + "\x00")

		c := tx.Bucket(boltInstanceBucketKey).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			key := ids.Get(k[len(prefix):])
			if key == nil {
				continue
			}
			e, err := DecodeValue[api.TimerEntry](sched.Get(key))
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return api.TimerLess(out[i], out[j]) })
	return out, nil
}

func (s *BoltTimerStore) DeleteInstanceTimers(ctx context.Context, instanceID string) ([]string, error) {
	var deleted []string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		prefix := []byte(instanceID + "\x00")

		var ids []string
		c := tx.Bucket(boltInstanceBucketKey).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, string(k[len(prefix):]))
		}
		for _, id := range ids {
			ok, err := deleteBoltTimer(tx, id)
			if err != nil {
				return err
			}
			if ok {
				deleted = append(deleted, id)
			}
		}
		return nil
	})
	return deleted, err
}
