package users_test

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-taskwarp/v1/cache"
	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
	"github.com/mirkobrombin/go-taskwarp/v1/users"
)

func runStoreSuite(t *testing.T, s users.Store) {
	ctx := context.Background()

	u, err := s.Create(ctx, &users.User{Email: " Alice@Example.com ", Name: "Alice", PasswordHash: "hash"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if u.ID == "" || u.Email != "alice@example.com" || u.CreatedAt.IsZero() || u.LastLogin != nil {
		t.Fatalf("unexpected user %+v", u)
	}
	if _, err := s.Create(ctx, &users.User{Email: "ALICE@example.com", Name: "Other", PasswordHash: "x"}); !errors.Is(err, warperrors.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}

	byEmail, err := s.FindByEmail(ctx, "alice@EXAMPLE.com")
	if err != nil || byEmail.ID != u.ID || byEmail.PasswordHash != "hash" {
		t.Fatalf("find by email: %+v %v", byEmail, err)
	}
	if _, err := s.FindByEmail(ctx, "nobody@example.com"); !errors.Is(err, warperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	at := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.UpdateLastLogin(ctx, u.ID, at); err != nil {
		t.Fatalf("update last login: %v", err)
	}
	byID, err := s.FindByID(ctx, u.ID)
	if err != nil || byID.LastLogin == nil || !byID.LastLogin.Equal(at) {
		t.Fatalf("find by id: %+v %v", byID, err)
	}
	if err := s.UpdateLastLogin(ctx, "missing", at); !errors.Is(err, warperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.FindByID(ctx, "missing"); !errors.Is(err, warperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInMemoryStore(t *testing.T) {
	runStoreSuite(t, users.NewInMemoryStore())
}

func newRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore(t *testing.T) {
	_, client := newRedisClient(t)
	runStoreSuite(t, users.NewRedisStore(client, ""))
}

func TestRedisStoreSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	_, client := newRedisClient(t)
	a := users.NewRedisStore(client, "app:")
	b := users.NewRedisStore(client, "app:")

	u, err := a.Create(ctx, &users.User{Email: "carol@example.com", Name: "Carol", PasswordHash: "h"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := b.FindByEmail(ctx, "carol@example.com")
	if err != nil || got.ID != u.ID || got.Name != "Carol" {
		t.Fatalf("second instance lookup: %+v %v", got, err)
	}
	if _, err := b.Create(ctx, &users.User{Email: "Carol@example.com", Name: "Dup", PasswordHash: "h"}); !errors.Is(err, warperrors.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	other := users.NewRedisStore(client, "other:")
	if _, err := other.FindByEmail(ctx, "carol@example.com"); !errors.Is(err, warperrors.ErrNotFound) {
		t.Fatalf("prefixes must not share users, got %v", err)
	}
}

func TestRedisStoreServerDown(t *testing.T) {
	mr, client := newRedisClient(t)
	s := users.NewRedisStore(client, "")
	mr.Close()
	if _, err := s.FindByID(context.Background(), "any"); !errors.Is(err, warperrors.ErrStoreFailure) {
		t.Fatalf("expected store failure, got %v", err)
	}
}

func TestPgStore(t *testing.T) {
	dsn := os.Getenv("TASKWARP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TASKWARP_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()
	s := users.NewPgStore(pool)
	if err := s.EnsureTable(ctx); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	if _, err := pool.Exec(ctx, "TRUNCATE users"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	runStoreSuite(t, s)
}

type countingStore struct {
	users.Store
	lookups atomic.Int32
}

func (c *countingStore) FindByID(ctx context.Context, id string) (*users.User, error) {
	c.lookups.Add(1)
	return c.Store.FindByID(ctx, id)
}

func TestDirectoryCachesNames(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: users.NewInMemoryStore()}
	u, _ := store.Create(ctx, &users.User{Email: "bob@example.com", Name: "Bob", PasswordHash: "x"})
	names, err := cache.NewRistretto[string]()
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	defer names.Close()
	dir := users.NewDirectory(store, names, time.Minute, nil)

	for i := 0; i < 3; i++ {
		if got := dir.Name(ctx, u.ID); got != "Bob" {
			t.Fatalf("expected Bob, got %q", got)
		}
	}
	if n := store.lookups.Load(); n != 1 {
		t.Fatalf("expected one store lookup, got %d", n)
	}
	_ = names.Invalidate(ctx, u.ID)
	dir.Name(ctx, u.ID)
	if n := store.lookups.Load(); n != 2 {
		t.Fatalf("expected a lookup after invalidation, got %d", n)
	}
	if got := dir.Name(ctx, "missing"); got != "" {
		t.Fatalf("expected empty name, got %q", got)
	}
	if got := dir.Name(ctx, ""); got != "" {
		t.Fatalf("expected empty name, got %q", got)
	}
}
