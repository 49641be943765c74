package adapter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
	"github.com/mirkobrombin/go-taskwarp/v1/task"
)

// Store abstracts the authoritative record store for tasks.
//
// Lock transitions are performed by AcquireLock, ReleaseLock and
// ReleaseExpiredLocks, each of which must evaluate its predicate and write
// the new lock state as one indivisible operation.
type Store interface {
	// Get returns the task with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*task.Task, error)
	// List returns the tasks matching f, newest first.
	List(ctx context.Context, f task.Filter) ([]task.Task, error)
	// Create persists t, assigning its id and timestamps. The lock starts released.
	Create(ctx context.Context, t *task.Task) (*task.Task, error)
	// Update applies p to the task and records userID as the last editor.
	// Lock fields are left untouched.
	Update(ctx context.Context, id string, p task.Patch, userID string) (*task.Task, error)
	// ToggleStatus flips the task between open and done in one atomic step
	// and records userID as the last editor. A task locked by another user
	// is left untouched and yields a *LockConflictError.
	ToggleStatus(ctx context.Context, id, userID string) (*task.Task, error)
	// Delete removes the task and returns its last state.
	Delete(ctx context.Context, id string) (*task.Task, error)
	// AcquireLock locks the task for userID if it is unlocked or already
	// held by userID. On a predicate miss it returns the current task and false.
	AcquireLock(ctx context.Context, id, userID string, now time.Time) (*task.Task, bool, error)
	// ReleaseLock clears the lock. A non-empty userID restricts the release to
	// that holder; an empty one releases unconditionally. Releasing an
	// unlocked task returns false.
	ReleaseLock(ctx context.Context, id, userID string) (*task.Task, bool, error)
	// ReleaseExpiredLocks clears every lock taken before the cutoff and
	// returns the affected task ids.
	ReleaseExpiredLocks(ctx context.Context, before time.Time) ([]string, error)
}

// Ensure is implemented by stores that need their schema created up front.
type Ensure interface {
	EnsureTable(ctx context.Context) error
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func stamp() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func sortNewestFirst(tasks []task.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}

// InMemoryStore is a Store backed by a map. Every operation runs inside a
// single critical section, which makes each lock transition atomic.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]*task.Task
	fail  func(op string) error
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]*task.Task)}
}

// FailWith installs a hook consulted before every operation; a non-nil
// result is returned as a store failure. Passing nil removes the hook.
func (s *InMemoryStore) FailWith(hook func(op string) error) {
	s.mu.Lock()
	s.fail = hook
	s.mu.Unlock()
}

func (s *InMemoryStore) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.fail != nil {
		if err := s.fail(op); err != nil {
			return warperrors.Store(op, err)
		}
	}
	return nil
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "get"); err != nil {
		return nil, err
	}
	t, ok := s.items[id]
	if !ok {
		return nil, warperrors.ErrNotFound
	}
	return t.Clone(), nil
}

// List implements Store.List.
func (s *InMemoryStore) List(ctx context.Context, f task.Filter) ([]task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "list"); err != nil {
		return nil, err
	}
	out := make([]task.Task, 0, len(s.items))
	for _, t := range s.items {
		if f.Matches(t) {
			out = append(out, *t.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// Create implements Store.Create.
func (s *InMemoryStore) Create(ctx context.Context, t *task.Task) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "create"); err != nil {
		return nil, err
	}
	cp := t.Clone()
	cp.ID = newID()
	now := stamp()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.Lock = task.Lock{}
	s.items[cp.ID] = cp
	return cp.Clone(), nil
}

// Update implements Store.Update.
func (s *InMemoryStore) Update(ctx context.Context, id string, p task.Patch, userID string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "update"); err != nil {
		return nil, err
	}
	t, ok := s.items[id]
	if !ok {
		return nil, warperrors.ErrNotFound
	}
	p.Apply(t)
	t.UpdatedBy = userID
	t.UpdatedAt = stamp()
	return t.Clone(), nil
}

// ToggleStatus implements Store.ToggleStatus.
func (s *InMemoryStore) ToggleStatus(ctx context.Context, id, userID string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "toggle"); err != nil {
		return nil, err
	}
	t, ok := s.items[id]
	if !ok {
		return nil, warperrors.ErrNotFound
	}
	if holder := t.Lock.Holder(); holder != "" && holder != userID {
		return nil, &warperrors.LockConflictError{TaskID: id, LockedBy: holder}
	}
	t.Status = task.Toggle(t.Status)
	t.UpdatedBy = userID
	t.UpdatedAt = stamp()
	return t.Clone(), nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(ctx context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "delete"); err != nil {
		return nil, err
	}
	t, ok := s.items[id]
	if !ok {
		return nil, warperrors.ErrNotFound
	}
	delete(s.items, id)
	return t, nil
}

// AcquireLock implements Store.AcquireLock.
func (s *InMemoryStore) AcquireLock(ctx context.Context, id, userID string, now time.Time) (*task.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "acquire lock"); err != nil {
		return nil, false, err
	}
	t, ok := s.items[id]
	if !ok {
		return nil, false, warperrors.ErrNotFound
	}
	if holder := t.Lock.Holder(); holder != "" && holder != userID {
		return t.Clone(), false, nil
	}
	by := userID
	at := now
	t.Lock = task.Lock{IsLocked: true, LockedBy: &by, LockedAt: &at}
	return t.Clone(), true, nil
}

// ReleaseLock implements Store.ReleaseLock.
func (s *InMemoryStore) ReleaseLock(ctx context.Context, id, userID string) (*task.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "release lock"); err != nil {
		return nil, false, err
	}
	t, ok := s.items[id]
	if !ok {
		return nil, false, warperrors.ErrNotFound
	}
	holder := t.Lock.Holder()
	if holder == "" || (userID != "" && holder != userID) {
		return t.Clone(), false, nil
	}
	t.Lock = task.Lock{}
	return t.Clone(), true, nil
}

// ReleaseExpiredLocks implements Store.ReleaseExpiredLocks.
func (s *InMemoryStore) ReleaseExpiredLocks(ctx context.Context, before time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "release expired locks"); err != nil {
		return nil, err
	}
	var ids []string
	for id, t := range s.items {
		if t.Lock.IsLocked && t.Lock.LockedAt != nil && t.Lock.LockedAt.Before(before) {
			t.Lock = task.Lock{}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
