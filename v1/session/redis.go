package session

import (
	"context"
	stdErrors "errors"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
)

const (
	redisOpTimeout  = 5 * time.Second
	redisIndexKey   = "index"
	defaultRedisPfx = "session:"
)

// validateScript checks the idle window and either evicts or refreshes the
// session in one step.
//
// KEYS[1] session hash, KEYS[2] index set
// ARGV[1] now (ms), ARGV[2] idle window (ms), ARGV[3] token, ARGV[4] retention (ms), ARGV[5] mode
var validateScript = redis.NewScript(`
local last = redis.call("HGET", KEYS[1], "last")
if not last then
  redis.call("SREM", KEYS[2], ARGV[3])
  return {0}
end
if ARGV[5] ~= "peek" and tonumber(ARGV[1]) - tonumber(last) > tonumber(ARGV[2]) then
  redis.call("DEL", KEYS[1])
  redis.call("SREM", KEYS[2], ARGV[3])
  return {-1}
end
if ARGV[5] == "refresh" then
  redis.call("HSET", KEYS[1], "last", ARGV[1])
  redis.call("PEXPIRE", KEYS[1], ARGV[4])
  last = ARGV[1]
end
local v = redis.call("HMGET", KEYS[1], "user_id", "email", "name")
return {1, v[1] or "", v[2] or "", v[3] or "", last}
`)

// RedisStore keeps sessions in Redis so several server instances can share
// them. Each session is a hash whose key expiry trails the idle window, so
// sessions nobody presents again are reclaimed by Redis itself.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	opts    options
	metrics *storeMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisStore returns a Redis-backed store and starts its sweeper.
func NewRedisStore(client *redis.Client, prefix string, opts ...Option) *RedisStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if prefix == "" {
		prefix = defaultRedisPfx
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &RedisStore{client: client, prefix: prefix, opts: o, ctx: ctx, cancel: cancel, metrics: newStoreMetrics(o.registry)}
	if o.sweep > 0 {
		s.wg.Add(1)
		go s.sweeper()
	}
	return s
}

func (s *RedisStore) key(token string) string { return s.prefix + token }
func (s *RedisStore) index() string           { return s.prefix + redisIndexKey }

// retention keeps an idle hash around for one extra sweep period so the
// holder can still be told the session expired.
func (s *RedisStore) retention() time.Duration {
	if s.opts.sweep > 0 {
		return s.opts.idle + s.opts.sweep
	}
	return s.opts.idle
}

func mapRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return warperrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return warperrors.ErrConnectionClosed
	}
	return warperrors.Store("session", err)
}

// Create implements Store.Create.
func (s *RedisStore) Create(ctx context.Context, id Identity) (string, error) {
	now := s.opts.clock()
	token, err := s.opts.signer.Mint(id, now)
	if err != nil {
		return "", err
	}
	cctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	_, err = s.client.TxPipelined(cctx, func(p redis.Pipeliner) error {
		p.HSet(cctx, s.key(token), map[string]any{
			"user_id": id.UserID,
			"email":   id.Email,
			"name":    id.Name,
			"last":    now.UnixMilli(),
		})
		p.PExpire(cctx, s.key(token), s.retention())
		p.SAdd(cctx, s.index(), token)
		return nil
	})
	if err != nil {
		return "", mapRedisErr(err)
	}
	s.metrics.onCreate()
	return token, nil
}

// run modes for validateScript.
const (
	modeRefresh = "refresh"
	modeCheck   = "check"
	modePeek    = "peek"
)

func (s *RedisStore) run(ctx context.Context, token, mode string) (Session, error) {
	if err := validToken(token); err != nil {
		return Session{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	res, err := validateScript.Run(cctx, s.client, []string{s.key(token), s.index()},
		s.opts.clock().UnixMilli(), s.opts.idle.Milliseconds(), token, s.retention().Milliseconds(), mode).Slice()
	if err != nil {
		return Session{}, mapRedisErr(err)
	}
	status, _ := res[0].(int64)
	switch status {
	case 0:
		return Session{}, warperrors.ErrUnauthenticated
	case -1:
		s.metrics.onExpire(1)
		return Session{}, warperrors.ErrSessionExpired
	}
	sess := Session{Token: token}
	sess.UserID, _ = res[1].(string)
	sess.Email, _ = res[2].(string)
	sess.Name, _ = res[3].(string)
	last, _ := res[4].(string)
	if ms, err := strconv.ParseInt(last, 10, 64); err == nil {
		sess.LastActivity = time.UnixMilli(ms)
	}
	return sess, nil
}

// ValidateAndRefresh implements Store.ValidateAndRefresh.
func (s *RedisStore) ValidateAndRefresh(ctx context.Context, token string) (Session, error) {
	if err := s.opts.verify(token); err != nil {
		return Session{}, err
	}
	return s.run(ctx, token, modeRefresh)
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, token string) (Session, error) {
	return s.run(ctx, token, modePeek)
}

// Invalidate implements Store.Invalidate.
func (s *RedisStore) Invalidate(ctx context.Context, token string) error {
	cctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	_, err := s.client.TxPipelined(cctx, func(p redis.Pipeliner) error {
		p.Del(cctx, s.key(token))
		p.SRem(cctx, s.index(), token)
		return nil
	})
	return mapRedisErr(err)
}

// Sweep implements Store.Sweep by walking the index with SSCAN.
func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	cctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	removed := 0
	var cursor uint64
	for {
		tokens, next, err := s.client.SScan(cctx, s.index(), cursor, "*", 100).Result()
		if err != nil {
			return removed, mapRedisErr(err)
		}
		for _, token := range tokens {
			_, err := s.run(cctx, token, modeCheck)
			switch {
			case stdErrors.Is(err, warperrors.ErrSessionExpired):
				removed++
			case err != nil && !stdErrors.Is(err, warperrors.ErrUnauthenticated):
				return removed, err
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Stats implements Store.Stats. The count may include sessions Redis already
// expired but the next sweep has not yet dropped from the index.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	cctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	n, err := s.client.SCard(cctx, s.index()).Result()
	if err != nil {
		return Stats{}, mapRedisErr(err)
	}
	return Stats{Active: int(n)}, nil
}

// Clear implements Store.Clear.
func (s *RedisStore) Clear(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	tokens, err := s.client.SMembers(cctx, s.index()).Result()
	if err != nil {
		return mapRedisErr(err)
	}
	keys := make([]string, 0, len(tokens)+1)
	for _, t := range tokens {
		keys = append(keys, s.key(t))
	}
	keys = append(keys, s.index())
	if err := s.client.Del(cctx, keys...).Err(); err != nil {
		return mapRedisErr(err)
	}
	s.metrics.set(0)
	return nil
}

// Close stops the sweeper. The client is owned by the caller.
func (s *RedisStore) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *RedisStore) sweeper() {
	defer s.wg.Done()
	runSweeper(s.ctx, s.opts.sweep, s.Sweep, s.opts.logger)
}
