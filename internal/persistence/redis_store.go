package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/tokenflow/pkg/api"
)

// RedisStore implements InstanceStore, TimerStore and LockProvider on Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<id>             => HASH {rev, data}; data is a gob-encoded redisInstancePayload
//	<prefix>idx:all               => SET of all instance IDs
//	<prefix>idx:def:<definition>  => SET of instance IDs for a given definition
//	<prefix>idx:corr:<key>        => SET of instance IDs with a given correlation key
//	<prefix>claim:<key>           => id of the instance holding an exclusive key
//	<prefix>timers                => ZSET of timer IDs scored by fire time (ms)
//	<prefix>timer:<id>            => HASH {inst, data}; data is a gob-encoded TimerEntry
//	<prefix>itimers:<instance>    => SET of timer IDs of an instance
//	<prefix>lease:<key>           => lease owner, with a TTL
//
// Revision checks, key claims and timer claims run as Lua scripts so they
// are atomic. The indexes are best-effort; readers re-check the payload.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var (
	_ InstanceStore = (*RedisStore)(nil)
	_ TimerStore    = (*RedisStore)(nil)
	_ LockProvider  = (*RedisStore)(nil)
)

type redisInstancePayload struct {
	ID                string
	DefinitionID      string
	DefinitionVersion int
	State             string
	CorrelationKey    string
	ExclusiveKey      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Body              []byte
}

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "tokenflow:").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "tokenflow:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) keyInstance(id string) string         { return r.prefix + "inst:" + id }
func (r *RedisStore) keyAll() string                       { return r.prefix + "idx:all" }
func (r *RedisStore) keyDefinition(def string) string      { return r.prefix + "idx:def:" + def }
func (r *RedisStore) keyCorrelation(key string) string     { return r.prefix + "idx:corr:" + key }
func (r *RedisStore) keyClaim(key string) string           { return r.prefix + "claim:" + key }
func (r *RedisStore) keyTimers() string                    { return r.prefix + "timers" }
func (r *RedisStore) keyTimer(id string) string            { return r.prefix + "timer:" + id }
func (r *RedisStore) keyInstanceTimers(inst string) string { return r.prefix + "itimers:" + inst }
func (r *RedisStore) keyLease(key string) string           { return r.prefix + "lease:" + key }

var (
	// Creates the instance hash unless it exists, optionally claiming the
	// exclusive key first. Returns 1 on success, 0 when the key is claimed,
	// -1 when the instance exists.
	redisCreateLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then
	return -1
end
if ARGV[2] == '1' then
	if redis.call('SETNX', KEYS[2], ARGV[3]) == 0 then
		return 0
	end
end
redis.call('HSET', KEYS[1], 'rev', '1', 'data', ARGV[1])
return 1
`

	// Compare-and-swap on the revision. Returns 1 on success, 0 on revision
	// mismatch, -1 when the instance does not exist. When ARGV[4] is '1'
	// the exclusive key claim held by ARGV[5] is released.
	redisCASLua = `
local rev = redis.call('HGET', KEYS[1], 'rev')
if not rev then
	return -1
end
if tonumber(rev) ~= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'rev', ARGV[2], 'data', ARGV[3])
if ARGV[4] == '1' then
	if redis.call('GET', KEYS[2]) == ARGV[5] then
		redis.call('DEL', KEYS[2])
	end
end
return 1
`

	// Deletes a timer and its index entries. Returns 1 if this call removed
	// it, 0 if it was already gone.
	redisDeleteTimerLua = `
local inst = redis.call('HGET', KEYS[1], 'inst')
if not inst then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('SREM', ARGV[2] .. inst, ARGV[1])
return 1
`

	// Updates a timer payload and score if the timer still exists.
	redisRescheduleTimerLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`

	// Lua script for acquiring a lease with re-entrant behavior for the same owner.
	// Returns 1 if acquired/refreshed, 0 otherwise.
	redisLeaseAcquireLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	// Lua script for renewing a lease. Returns 1 if renewed, 0 otherwise.
	redisLeaseRenewLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	// Lua script for releasing a lease. Returns 1 if released, 0 otherwise.
	redisLeaseReleaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`
)

func (r *RedisStore) eval(ctx context.Context, script string, keys []string, args ...any) (int64, error) {
	res, err := r.client.Eval(ctx, script, keys, args...).Result()
	if err != nil {
		return 0, err
	}
	switch v := res.(type) {
	case int64:
		return v, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("redis: unexpected script result %T", res)
	}
}

func encodeRedisInstance(inst *api.ProcessInstance) ([]byte, error) {
	body, err := encodeBody(inst)
	if err != nil {
		return nil, err
	}
	return EncodeValue(redisInstancePayload{
		ID:                inst.ID,
		DefinitionID:      inst.DefinitionID,
		DefinitionVersion: inst.DefinitionVersion,
		State:             string(inst.State),
		CorrelationKey:    inst.CorrelationKey,
		ExclusiveKey:      inst.ExclusiveKey,
		CreatedAt:         inst.CreatedAt,
		UpdatedAt:         inst.UpdatedAt,
		Body:              body,
	})
}

func decodeRedisInstance(data []byte, rev int64) (*api.ProcessInstance, error) {
	if len(data) == 0 {
		return nil, ErrInstanceNotFound
	}
	p, err := DecodeValue[redisInstancePayload](data)
	if err != nil {
		return nil, err
	}
	inst := &api.ProcessInstance{
		ID:                p.ID,
		DefinitionID:      p.DefinitionID,
		DefinitionVersion: p.DefinitionVersion,
		State:             api.State(p.State),
		CorrelationKey:    p.CorrelationKey,
		ExclusiveKey:      p.ExclusiveKey,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
		Revision:          rev,
	}
	if err := decodeBody(p.Body, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func (r *RedisStore) CreateInstance(ctx context.Context, inst *api.ProcessInstance) error {
	data, err := encodeRedisInstance(inst)
	if err != nil {
		return err
	}

	claim, claimKey := "0", r.keyClaim("")
	if inst.ExclusiveKey != "" {
		claim, claimKey = "1", r.keyClaim(inst.ExclusiveKey)
	}

	res, err := r.eval(ctx, redisCreateLua, []string{r.keyInstance(inst.ID), claimKey}, data, claim, inst.ID)
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return ErrInstanceExists
	case 0:
		return ErrKeyClaimed
	}
	inst.Revision = 1

	// Update indexes (best-effort; we don't treat index failures as fatal)
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.keyAll(), inst.ID)
	pipe.SAdd(ctx, r.keyDefinition(inst.DefinitionID), inst.ID)
	if inst.CorrelationKey != "" {
		pipe.SAdd(ctx, r.keyCorrelation(inst.CorrelationKey), inst.ID)
	}
	_, _ = pipe.Exec(ctx)
	return nil
}

func (r *RedisStore) GetInstance(ctx context.Context, id string) (*api.ProcessInstance, error) {
	vals, err := r.client.HMGet(ctx, r.keyInstance(id), "rev", "data").Result()
	if err != nil {
		return nil, err
	}
	return instanceFromHash(vals)
}

func instanceFromHash(vals []any) (*api.ProcessInstance, error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return nil, ErrInstanceNotFound
	}
	revStr, _ := vals[0].(string)
	data, _ := vals[1].(string)
	rev, err := strconv.ParseInt(revStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis: bad revision %q: %w", revStr, err)
	}
	return decodeRedisInstance([]byte(data), rev)
}

func (r *RedisStore) CompareAndSwap(ctx context.Context, inst *api.ProcessInstance) error {
	data, err := encodeRedisInstance(inst)
	if err != nil {
		return err
	}

	release, claimKey := "0", r.keyClaim("")
	if inst.Terminal() && inst.ExclusiveKey != "" {
		release, claimKey = "1", r.keyClaim(inst.ExclusiveKey)
	}

	res, err := r.eval(ctx, redisCASLua, []string{r.keyInstance(inst.ID), claimKey},
		inst.Revision, inst.Revision+1, data, release, inst.ID)
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return ErrInstanceNotFound
	case 0:
		return ErrRevisionMismatch
	}
	inst.Revision++

	if inst.CorrelationKey != "" {
		_ = r.client.SAdd(ctx, r.keyCorrelation(inst.CorrelationKey), inst.ID).Err()
	}
	return nil
}

func (r *RedisStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.ProcessInstance, error) {
	var ids []string
	var err error

	switch {
	case filter.DefinitionID != "" && filter.CorrelationKey != "":
		ids, err = r.client.SInter(ctx, r.keyDefinition(filter.DefinitionID), r.keyCorrelation(filter.CorrelationKey)).Result()
	case filter.DefinitionID != "":
		ids, err = r.client.SMembers(ctx, r.keyDefinition(filter.DefinitionID)).Result()
	case filter.CorrelationKey != "":
		ids, err = r.client.SMembers(ctx, r.keyCorrelation(filter.CorrelationKey)).Result()
	default:
		ids, err = r.client.SMembers(ctx, r.keyAll()).Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.ProcessInstance{}, nil
		}
		return nil, err
	}

	insts, err := r.loadInstances(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := insts[:0]
	for _, inst := range insts {
		if filterMatches(filter, inst) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (r *RedisStore) FindByCorrelationKey(ctx context.Context, key string) ([]*api.ProcessInstance, error) {
	ids, err := r.client.SMembers(ctx, r.keyCorrelation(key)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	insts, err := r.loadInstances(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := insts[:0]
	for _, inst := range insts {
		if inst.CorrelationKey == key && !inst.Terminal() {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (r *RedisStore) loadInstances(ctx context.Context, ids []string) ([]*api.ProcessInstance, error) {
	if len(ids) == 0 {
		return []*api.ProcessInstance{}, nil
	}
	sort.Strings(ids)

	pipe := r.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, r.keyInstance(id), "rev", "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	instances := make([]*api.ProcessInstance, 0, len(ids))
	for _, cmd := range cmds {
		inst, err := instanceFromHash(cmd.Val())
		if err != nil {
			if errors.Is(err, ErrInstanceNotFound) {
				continue
			}
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func (r *RedisStore) InsertTimer(ctx context.Context, e api.TimerEntry) error {
	data, err := EncodeValue(e)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.keyTimer(e.ID), "inst", e.InstanceID, "data", data)
	pipe.ZAdd(ctx, r.keyTimers(), redis.Z{Score: float64(e.FireAt.UnixMilli()), Member: e.ID})
	pipe.SAdd(ctx, r.keyInstanceTimers(e.InstanceID), e.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) DeleteTimer(ctx context.Context, id string) (bool, error) {
	res, err := r.eval(ctx, redisDeleteTimerLua, []string{r.keyTimer(id), r.keyTimers()}, id, r.prefix+"itimers:")
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (r *RedisStore) RescheduleTimer(ctx context.Context, id string, fireAt time.Time) error {
	e, err := r.getTimer(ctx, id)
	if err != nil {
		return err
	}
	e.FireAt = fireAt
	data, err := EncodeValue(e)
	if err != nil {
		return err
	}
	res, err := r.eval(ctx, redisRescheduleTimerLua, []string{r.keyTimer(id), r.keyTimers()}, id, data, fireAt.UnixMilli())
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrTimerNotFound
	}
	return nil
}

func (r *RedisStore) getTimer(ctx context.Context, id string) (api.TimerEntry, error) {
	data, err := r.client.HGet(ctx, r.keyTimer(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return api.TimerEntry{}, ErrTimerNotFound
		}
		return api.TimerEntry{}, err
	}
	return DecodeValue[api.TimerEntry](data)
}

// redisDuePageFactor sizes the pages DueTimers reads when a limit is set.
// The shard filter discards part of every page.
const redisDuePageFactor = 4

// DueTimers reads the due range of the timer index page by page. With a
// limit it stops once the limit is met and the page has moved past the fire
// time of the last entry kept, since entries sharing that millisecond may
// still outrank it.
func (r *RedisStore) DueTimers(ctx context.Context, until time.Time, shards []int, limit int) ([]api.TimerEntry, error) {
	if shards != nil && len(shards) == 0 {
		return nil, nil
	}
	allowed := make(map[int]bool, len(shards))
	for _, s := range shards {
		allowed[s] = true
	}

	var page int64
	if limit > 0 {
		page = int64(limit * redisDuePageFactor)
	}
	maxScore := strconv.FormatInt(until.UnixMilli(), 10)

	var out []api.TimerEntry
	for offset := int64(0); ; offset += page {
		zs, err := r.client.ZRangeByScoreWithScores(ctx, r.keyTimers(), &redis.ZRangeBy{
			Min:    "-inf",
			Max:    maxScore,
			Offset: offset,
			Count:  page,
		}).Result()
		if err != nil {
			return nil, err
		}

		ids := make([]string, 0, len(zs))
		for _, z := range zs {
			if id, ok := z.Member.(string); ok {
				ids = append(ids, id)
			}
		}
		entries, err := r.loadTimers(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.FireAt.After(until) {
				continue
			}
			if shards != nil && !allowed[e.Shard] {
				continue
			}
			out = append(out, e)
		}

		if page == 0 || int64(len(zs)) < page {
			break
		}
		if len(out) >= limit {
			sort.Slice(out, func(i, j int) bool { return api.TimerLess(out[i], out[j]) })
			cutoff := float64(out[limit-1].FireAt.UnixMilli())
			if zs[len(zs)-1].Score > cutoff {
				break
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return api.TimerLess(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *RedisStore) ListInstanceTimers(ctx context.Context, instanceID string) ([]api.TimerEntry, error) {
	ids, err := r.client.SMembers(ctx, r.keyInstanceTimers(instanceID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	entries, err := r.loadTimers(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return api.TimerLess(entries[i], entries[j]) })
	return entries, nil
}

func (r *RedisStore) DeleteInstanceTimers(ctx context.Context, instanceID string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.keyInstanceTimers(instanceID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	sort.Strings(ids)

	var deleted []string
	for _, id := range ids {
		ok, err := r.DeleteTimer(ctx, id)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}

func (r *RedisStore) loadTimers(ctx context.Context, ids []string) ([]api.TimerEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, r.keyTimer(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]api.TimerEntry, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		e, err := DecodeValue[api.TimerEntry](data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *RedisStore) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	res, err := r.eval(ctx, redisLeaseAcquireLua, []string{r.keyLease(key)}, owner, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (r *RedisStore) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	res, err := r.eval(ctx, redisLeaseRenewLua, []string{r.keyLease(key)}, owner, ttl.Milliseconds())
	if err != nil {
		return err
	}
	if res != 1 {
		return ErrLockHeld
	}
	return nil
}

func (r *RedisStore) Release(ctx context.Context, key, owner string) error {
	// Idempotent: a missing lease or one held by someone else is left alone.
	_, err := r.eval(ctx, redisLeaseReleaseLua, []string{r.keyLease(key)}, owner)
	return err
}
