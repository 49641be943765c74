package users

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
)

const (
	defaultRedisPrefix = "taskwarp:"
	redisOpTimeout     = 5 * time.Second
)

// createScript claims the email and writes the user hash in one step.
//
// KEYS[1] email key, KEYS[2] user hash
// ARGV[1] id, ARGV[2] email, ARGV[3] name, ARGV[4] password hash, ARGV[5] created at
var createScript = redis.NewScript(`
if redis.call("SETNX", KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[2], "id", ARGV[1], "email", ARGV[2], "name", ARGV[3],
  "password_hash", ARGV[4], "created_at", ARGV[5])
return 1
`)

var touchScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "last_login", ARGV[1])
return 1
`)

// RedisStore keeps users in Redis so every instance sharing the server sees
// the same accounts. Each user is a hash; an email key points at its id.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore returns a RedisStore. An empty prefix selects "taskwarp:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) userKey(id string) string     { return s.prefix + "user:" + id }
func (s *RedisStore) emailKey(email string) string { return s.prefix + "email:" + email }

func mapRedisErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, redis.Nil):
		return warperrors.ErrNotFound
	case stdErrors.Is(err, context.DeadlineExceeded):
		return warperrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return warperrors.ErrConnectionClosed
	}
	return warperrors.Store(op, err)
}

// Create implements Store.Create.
func (s *RedisStore) Create(ctx context.Context, u *User) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	out := *u
	out.ID = uuid.NewString()
	out.Email = NormalizeEmail(u.Email)
	out.CreatedAt = time.Now().UTC()
	out.LastLogin = nil
	ok, err := createScript.Run(ctx, s.client,
		[]string{s.emailKey(out.Email), s.userKey(out.ID)},
		out.ID, out.Email, out.Name, out.PasswordHash, out.CreatedAt.Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return nil, mapRedisErr("create user", err)
	}
	if ok == 0 {
		return nil, warperrors.ErrAlreadyExists
	}
	return &out, nil
}

// FindByEmail implements Store.FindByEmail.
func (s *RedisStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	id, err := s.client.Get(ctx, s.emailKey(NormalizeEmail(email))).Result()
	if err != nil {
		return nil, mapRedisErr("find user by email", err)
	}
	return s.load(ctx, id)
}

// FindByID implements Store.FindByID.
func (s *RedisStore) FindByID(ctx context.Context, id string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	return s.load(ctx, id)
}

func (s *RedisStore) load(ctx context.Context, id string) (*User, error) {
	fields, err := s.client.HGetAll(ctx, s.userKey(id)).Result()
	if err != nil {
		return nil, mapRedisErr("find user", err)
	}
	if len(fields) == 0 {
		return nil, warperrors.ErrNotFound
	}
	u := &User{
		ID:           fields["id"],
		Email:        fields["email"],
		Name:         fields["name"],
		PasswordHash: fields["password_hash"],
	}
	if u.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, warperrors.Store("decode user", err)
	}
	if raw := fields["last_login"]; raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, warperrors.Store("decode user", err)
		}
		u.LastLogin = &at
	}
	return u, nil
}

// UpdateLastLogin implements Store.UpdateLastLogin.
func (s *RedisStore) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	ok, err := touchScript.Run(ctx, s.client, []string{s.userKey(id)}, at.UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return mapRedisErr("update last login", err)
	}
	if ok == 0 {
		return warperrors.ErrNotFound
	}
	return nil
}
