package session

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
)

const shardCount = 32

type shard struct {
	mu    sync.Mutex
	items map[string]*Session
}

// InMemoryStore keeps sessions in process memory. Tokens are spread over
// independently locked shards; operations on the same token always meet on
// the same shard mutex and are therefore serialized.
type InMemoryStore struct {
	opts    options
	shards  [shardCount]*shard
	metrics *storeMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInMemoryStore returns a store and starts its sweeper.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &InMemoryStore{opts: o, ctx: ctx, cancel: cancel, metrics: newStoreMetrics(o.registry)}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[string]*Session)}
	}
	if o.sweep > 0 {
		s.wg.Add(1)
		go s.sweeper()
	}
	return s
}

func (s *InMemoryStore) shardFor(token string) *shard {
	return s.shards[xxhash.Sum64String(token)%shardCount]
}

func (s *InMemoryStore) idle(sess *Session, now time.Time) bool {
	return now.Sub(sess.LastActivity) > s.opts.idle
}

// Create implements Store.Create.
func (s *InMemoryStore) Create(ctx context.Context, id Identity) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := s.opts.clock()
	token, err := s.opts.signer.Mint(id, now)
	if err != nil {
		return "", err
	}
	sh := s.shardFor(token)
	sh.mu.Lock()
	sh.items[token] = &Session{Token: token, UserID: id.UserID, Email: id.Email, Name: id.Name, LastActivity: now}
	sh.mu.Unlock()
	s.metrics.onCreate()
	return token, nil
}

// ValidateAndRefresh implements Store.ValidateAndRefresh.
func (s *InMemoryStore) ValidateAndRefresh(ctx context.Context, token string) (Session, error) {
	if err := s.opts.verify(token); err != nil {
		return Session{}, err
	}
	sh := s.shardFor(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.items[token]
	if !ok {
		return Session{}, warperrors.ErrUnauthenticated
	}
	now := s.opts.clock()
	if s.idle(sess, now) {
		delete(sh.items, token)
		s.metrics.onExpire(1)
		return Session{}, warperrors.ErrSessionExpired
	}
	sess.LastActivity = now
	return *sess, nil
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context, token string) (Session, error) {
	if err := validToken(token); err != nil {
		return Session{}, err
	}
	sh := s.shardFor(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.items[token]
	if !ok {
		return Session{}, warperrors.ErrUnauthenticated
	}
	return *sess, nil
}

// Invalidate implements Store.Invalidate.
func (s *InMemoryStore) Invalidate(ctx context.Context, token string) error {
	sh := s.shardFor(token)
	sh.mu.Lock()
	_, ok := sh.items[token]
	delete(sh.items, token)
	sh.mu.Unlock()
	if ok {
		s.metrics.onRemove(1)
	}
	return nil
}

// Sweep implements Store.Sweep. Each shard is swept under its own lock, so a
// concurrent refresh either lands before the check and keeps the session or
// finds it already gone.
func (s *InMemoryStore) Sweep(ctx context.Context) (int, error) {
	now := s.opts.clock()
	removed := 0
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			s.metrics.onExpire(removed)
			return removed, err
		}
		sh.mu.Lock()
		for token, sess := range sh.items {
			if s.idle(sess, now) {
				delete(sh.items, token)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	s.metrics.onExpire(removed)
	return removed, nil
}

// Stats implements Store.Stats.
func (s *InMemoryStore) Stats(ctx context.Context) (Stats, error) {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.items)
		sh.mu.Unlock()
	}
	return Stats{Active: n}, nil
}

// Clear implements Store.Clear.
func (s *InMemoryStore) Clear(ctx context.Context) error {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.items = make(map[string]*Session)
		sh.mu.Unlock()
	}
	s.metrics.set(0)
	return nil
}

// Close stops the sweeper. Sessions are kept.
func (s *InMemoryStore) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *InMemoryStore) sweeper() {
	defer s.wg.Done()
	runSweeper(s.ctx, s.opts.sweep, s.Sweep, s.opts.logger)
}
