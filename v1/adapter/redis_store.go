package adapter

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
	"github.com/mirkobrombin/go-taskwarp/v1/task"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultRedisPrefix    = "task:"
	redisIndexSuffix      = "index"
	maxWatchRetries       = 16
)

// Lock state lives in the locked_by/locked_at hash fields next to the task
// document, so every transition is a single script over one key.
var acquireScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return {-1}
end
local holder = redis.call("HGET", KEYS[1], "locked_by")
if holder and holder ~= ARGV[1] then
    return {0, redis.call("HGET", KEYS[1], "doc"), holder, redis.call("HGET", KEYS[1], "locked_at")}
end
redis.call("HSET", KEYS[1], "locked_by", ARGV[1], "locked_at", ARGV[2])
return {1, redis.call("HGET", KEYS[1], "doc"), ARGV[1], ARGV[2]}
`)

var releaseScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return {-1}
end
local holder = redis.call("HGET", KEYS[1], "locked_by")
if not holder then
    return {0, redis.call("HGET", KEYS[1], "doc")}
end
if ARGV[1] ~= "" and holder ~= ARGV[1] then
    return {0, redis.call("HGET", KEYS[1], "doc"), holder, redis.call("HGET", KEYS[1], "locked_at")}
end
redis.call("HDEL", KEYS[1], "locked_by", "locked_at")
return {1, redis.call("HGET", KEYS[1], "doc")}
`)

var expireScript = redis.NewScript(`
local at = redis.call("HGET", KEYS[1], "locked_at")
if not at then
    return 0
end
if tonumber(at) >= tonumber(ARGV[1]) then
    return 0
end
redis.call("HDEL", KEYS[1], "locked_by", "locked_at")
return 1
`)

// RedisStore implements Store using one Redis hash per task.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
	prefix  string
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
	prefix  string
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// WithKeyPrefix namespaces every key written by the store.
func WithKeyPrefix(p string) RedisOption {
	return func(o *redisStoreOptions) {
		o.prefix = p
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout, prefix: o.prefix}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }
func (s *RedisStore) index() string       { return s.prefix + redisIndexSuffix }

func mapRedisErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return warperrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return warperrors.ErrConnectionClosed
	}
	return warperrors.Store(op, err)
}

func (s *RedisStore) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, nil, warperrors.ErrTimeout
		}
		return nil, nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

func encodeDoc(t *task.Task) ([]byte, error) {
	cp := t.Clone()
	cp.Lock = task.Lock{}
	return json.Marshal(cp)
}

func decodeDoc(doc, lockedBy, lockedAt any) (*task.Task, error) {
	raw, ok := doc.(string)
	if !ok {
		return nil, warperrors.ErrNotFound
	}
	var t task.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, warperrors.Store("decode task", err)
	}
	t.Lock = task.Lock{}
	by, _ := lockedBy.(string)
	at, _ := lockedAt.(string)
	if by != "" && at != "" {
		ms, err := strconv.ParseInt(at, 10, 64)
		if err != nil {
			return nil, warperrors.Store("decode lock", err)
		}
		when := time.UnixMilli(ms).UTC()
		t.Lock = task.Lock{IsLocked: true, LockedBy: &by, LockedAt: &when}
	}
	return &t, nil
}

func (s *RedisStore) read(ctx context.Context, c redis.Cmdable, id string) (*task.Task, error) {
	vals, err := c.HMGet(ctx, s.key(id), "doc", "locked_by", "locked_at").Result()
	if err != nil {
		return nil, mapRedisErr("get", err)
	}
	return decodeDoc(vals[0], vals[1], vals[2])
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, id string) (*task.Task, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return s.read(cctx, s.client, id)
}

// List implements Store.List by scanning the task index.
func (s *RedisStore) List(ctx context.Context, f task.Filter) ([]task.Task, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	ids, err := s.client.SMembers(cctx, s.index()).Result()
	if err != nil {
		return nil, mapRedisErr("list", err)
	}
	out := make([]task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.read(cctx, s.client, id)
		if stdErrors.Is(err, warperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.Matches(t) {
			out = append(out, *t)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// Create implements Store.Create.
func (s *RedisStore) Create(ctx context.Context, t *task.Task) (*task.Task, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	cp := t.Clone()
	cp.ID = newID()
	now := stamp()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.Lock = task.Lock{}
	data, err := encodeDoc(cp)
	if err != nil {
		return nil, err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(cctx, s.key(cp.ID), "doc", data)
	pipe.SAdd(cctx, s.index(), cp.ID)
	if _, err := pipe.Exec(cctx); err != nil {
		return nil, mapRedisErr("create", err)
	}
	return cp, nil
}

// Update implements Store.Update with an optimistic WATCH/MULTI transaction,
// so a concurrent lock transition on the same key forces a retry instead of
// being overwritten.
func (s *RedisStore) Update(ctx context.Context, id string, p task.Patch, userID string) (*task.Task, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	key := s.key(id)
	var out *task.Task
	txf := func(tx *redis.Tx) error {
		t, err := s.read(cctx, tx, id)
		if err != nil {
			return err
		}
		p.Apply(t)
		t.UpdatedBy = userID
		t.UpdatedAt = stamp()
		data, err := encodeDoc(t)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(cctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(cctx, key, "doc", data)
			return nil
		})
		if err == nil {
			out = t
		}
		return err
	}
	if err := s.watch(cctx, txf, key); err != nil {
		return nil, err
	}
	return out, nil
}

// ToggleStatus implements Store.ToggleStatus. The lock fields share the
// watched key, so the holder check and the flip commit together.
func (s *RedisStore) ToggleStatus(ctx context.Context, id, userID string) (*task.Task, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	key := s.key(id)
	var out *task.Task
	txf := func(tx *redis.Tx) error {
		t, err := s.read(cctx, tx, id)
		if err != nil {
			return err
		}
		if holder := t.Lock.Holder(); holder != "" && holder != userID {
			return &warperrors.LockConflictError{TaskID: id, LockedBy: holder}
		}
		t.Status = task.Toggle(t.Status)
		t.UpdatedBy = userID
		t.UpdatedAt = stamp()
		data, err := encodeDoc(t)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(cctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(cctx, key, "doc", data)
			return nil
		})
		if err == nil {
			out = t
		}
		return err
	}
	if err := s.watch(cctx, txf, key); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, id string) (*task.Task, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	key := s.key(id)
	var out *task.Task
	txf := func(tx *redis.Tx) error {
		t, err := s.read(cctx, tx, id)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(cctx, func(pipe redis.Pipeliner) error {
			pipe.Del(cctx, key)
			pipe.SRem(cctx, s.index(), id)
			return nil
		})
		if err == nil {
			out = t
		}
		return err
	}
	if err := s.watch(cctx, txf, key); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, key string) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if stdErrors.Is(err, redis.TxFailedErr) {
			continue
		}
		if stdErrors.Is(err, warperrors.ErrNotFound) || stdErrors.Is(err, warperrors.ErrStoreFailure) ||
			stdErrors.Is(err, warperrors.ErrLockConflict) {
			return err
		}
		return mapRedisErr("transaction", err)
	}
	return warperrors.Store("transaction", fmt.Errorf("key %s: too much contention", key))
}

// scriptResult decodes {status, doc, locked_by, locked_at} replies.
func scriptResult(res any) (int64, *task.Task, error) {
	arr, ok := res.([]any)
	if !ok || len(arr) == 0 {
		return 0, nil, warperrors.Store("lock script", fmt.Errorf("unexpected reply %v", res))
	}
	status, _ := arr[0].(int64)
	if status < 0 {
		return status, nil, warperrors.ErrNotFound
	}
	var doc, by, at any
	if len(arr) > 1 {
		doc = arr[1]
	}
	if len(arr) > 3 {
		by, at = arr[2], arr[3]
	}
	t, err := decodeDoc(doc, by, at)
	return status, t, err
}

// AcquireLock implements Store.AcquireLock with a single Lua script.
func (s *RedisStore) AcquireLock(ctx context.Context, id, userID string, now time.Time) (*task.Task, bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer cancel()
	res, err := acquireScript.Run(cctx, s.client, []string{s.key(id)}, userID, strconv.FormatInt(now.UnixMilli(), 10)).Result()
	if err != nil {
		return nil, false, mapRedisErr("acquire lock", err)
	}
	status, t, err := scriptResult(res)
	if err != nil {
		return nil, false, err
	}
	return t, status == 1, nil
}

// ReleaseLock implements Store.ReleaseLock with a single Lua script.
func (s *RedisStore) ReleaseLock(ctx context.Context, id, userID string) (*task.Task, bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer cancel()
	res, err := releaseScript.Run(cctx, s.client, []string{s.key(id)}, userID).Result()
	if err != nil {
		return nil, false, mapRedisErr("release lock", err)
	}
	status, t, err := scriptResult(res)
	if err != nil {
		return nil, false, err
	}
	return t, status == 1, nil
}

// ReleaseExpiredLocks implements Store.ReleaseExpiredLocks. The index is
// scanned with SSCAN and each candidate is released by a conditional script.
// Every call gets its own timeout, so a long index does not starve the tail
// of the scan. On error the ids released so far are returned with it.
func (s *RedisStore) ReleaseExpiredLocks(ctx context.Context, before time.Time) ([]string, error) {
	cutoff := strconv.FormatInt(before.UnixMilli(), 10)
	var released []string
	var cursor uint64
	for {
		cctx, cancel, err := s.begin(ctx)
		if err != nil {
			return released, err
		}
		ids, next, err := s.client.SScan(cctx, s.index(), cursor, "*", 100).Result()
		cancel()
		if err != nil {
			return released, mapRedisErr("scan locks", err)
		}
		for _, id := range ids {
			ok, err := s.expire(ctx, id, cutoff)
			if err != nil {
				return released, err
			}
			if ok {
				released = append(released, id)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return released, nil
}

func (s *RedisStore) expire(ctx context.Context, id, cutoff string) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := expireScript.Run(cctx, s.client, []string{s.key(id)}, cutoff).Int()
	if err != nil {
		return false, mapRedisErr("expire lock", err)
	}
	return n == 1, nil
}
