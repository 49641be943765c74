package adapter_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirkobrombin/go-taskwarp/v1/adapter"
	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
	"github.com/mirkobrombin/go-taskwarp/v1/task"
)

// runStoreSuite exercises the behaviour every Store implementation must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) adapter.Store) {
	t.Run("CreateGetList", func(t *testing.T) { testCreateGetList(t, newStore(t)) })
	t.Run("UpdateKeepsLock", func(t *testing.T) { testUpdateKeepsLock(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("AcquireRelease", func(t *testing.T) { testAcquireRelease(t, newStore(t)) })
	t.Run("ReleaseExpired", func(t *testing.T) { testReleaseExpired(t, newStore(t)) })
	t.Run("AcquireMutualExclusion", func(t *testing.T) { testAcquireMutualExclusion(t, newStore(t)) })
	t.Run("ToggleStatus", func(t *testing.T) { testToggleStatus(t, newStore(t)) })
	t.Run("ConcurrentToggles", func(t *testing.T) { testConcurrentToggles(t, newStore(t)) })
}

func mustCreate(t *testing.T, s adapter.Store, title string) *task.Task {
	t.Helper()
	in, err := task.NewTask{Title: title}.Build("creator")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	out, err := s.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return out
}

func testCreateGetList(t *testing.T, s adapter.Store) {
	ctx := context.Background()
	a := mustCreate(t, s, "first")
	time.Sleep(2 * time.Millisecond)
	b := mustCreate(t, s, "second")
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("expected distinct ids, got %q and %q", a.ID, b.ID)
	}
	if a.Lock.IsLocked {
		t.Fatal("new task must be unlocked")
	}
	got, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "first" || got.CreatedBy != "creator" {
		t.Fatalf("unexpected task %+v", got)
	}
	list, err := s.List(ctx, task.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != b.ID {
		t.Fatalf("expected newest first, got %+v", list)
	}
	done := task.StatusDone
	if _, err := s.Update(ctx, a.ID, task.Patch{Status: &done}, "u1"); err != nil {
		t.Fatalf("update: %v", err)
	}
	list, err = s.List(ctx, task.Filter{Status: task.StatusDone})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(list) != 1 || list[0].ID != a.ID {
		t.Fatalf("expected only %s, got %+v", a.ID, list)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, warperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testUpdateKeepsLock(t *testing.T, s adapter.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, "locked")
	if _, ok, err := s.AcquireLock(ctx, tk.ID, "u1", time.Now()); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	title := "renamed"
	up, err := s.Update(ctx, tk.ID, task.Patch{Title: &title}, "u1")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if up.Title != "renamed" || up.UpdatedBy != "u1" {
		t.Fatalf("patch not applied: %+v", up)
	}
	if up.Lock.Holder() != "u1" {
		t.Fatalf("update dropped lock: %+v", up.Lock)
	}
	if _, err := s.Update(ctx, "missing", task.Patch{Title: &title}, "u1"); !errors.Is(err, warperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testDelete(t *testing.T, s adapter.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, "doomed")
	last, err := s.Delete(ctx, tk.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if last.ID != tk.ID {
		t.Fatalf("unexpected deleted task %+v", last)
	}
	if _, err := s.Get(ctx, tk.ID); !errors.Is(err, warperrors.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if _, err := s.Delete(ctx, tk.ID); !errors.Is(err, warperrors.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func testAcquireRelease(t *testing.T, s adapter.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, "shared")

	got, ok, err := s.AcquireLock(ctx, tk.ID, "u1", time.Now())
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if got.Lock.Holder() != "u1" || got.Lock.LockedAt == nil {
		t.Fatalf("unexpected lock %+v", got.Lock)
	}
	if _, ok, err := s.AcquireLock(ctx, tk.ID, "u1", time.Now()); err != nil || !ok {
		t.Fatalf("re-acquire by holder: ok=%v err=%v", ok, err)
	}
	cur, ok, err := s.AcquireLock(ctx, tk.ID, "u2", time.Now())
	if err != nil || ok {
		t.Fatalf("acquire by other: expected miss, ok=%v err=%v", ok, err)
	}
	if cur.Lock.Holder() != "u1" {
		t.Fatalf("miss should report holder, got %+v", cur.Lock)
	}
	if _, ok, err := s.ReleaseLock(ctx, tk.ID, "u2"); err != nil || ok {
		t.Fatalf("release by non-holder: expected miss, ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.ReleaseLock(ctx, tk.ID, "u1"); err != nil || !ok {
		t.Fatalf("release by holder: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.ReleaseLock(ctx, tk.ID, ""); err != nil || ok {
		t.Fatalf("release of unlocked task: expected miss, ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.AcquireLock(ctx, tk.ID, "u2", time.Now()); err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.ReleaseLock(ctx, tk.ID, ""); err != nil || !ok {
		t.Fatalf("unconditional release: ok=%v err=%v", ok, err)
	}
	if _, _, err := s.AcquireLock(ctx, "missing", "u1", time.Now()); !errors.Is(err, warperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testReleaseExpired(t *testing.T, s adapter.Store) {
	ctx := context.Background()
	now := time.Now()
	old := mustCreate(t, s, "old")
	fresh := mustCreate(t, s, "fresh")
	free := mustCreate(t, s, "free")
	if _, ok, err := s.AcquireLock(ctx, old.ID, "u1", now.Add(-2*time.Minute)); err != nil || !ok {
		t.Fatalf("acquire old: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.AcquireLock(ctx, fresh.ID, "u2", now); err != nil || !ok {
		t.Fatalf("acquire fresh: ok=%v err=%v", ok, err)
	}
	ids, err := s.ReleaseExpiredLocks(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("release expired: %v", err)
	}
	sort.Strings(ids)
	if len(ids) != 1 || ids[0] != old.ID {
		t.Fatalf("expected only %s released, got %v", old.ID, ids)
	}
	got, _ := s.Get(ctx, old.ID)
	if got.Lock.IsLocked || got.Lock.LockedBy != nil || got.Lock.LockedAt != nil {
		t.Fatalf("expired lock not cleared: %+v", got.Lock)
	}
	got, _ = s.Get(ctx, fresh.ID)
	if got.Lock.Holder() != "u2" {
		t.Fatalf("fresh lock released: %+v", got.Lock)
	}
	got, _ = s.Get(ctx, free.ID)
	if got.Lock.IsLocked {
		t.Fatalf("free task became locked: %+v", got.Lock)
	}
}

func testAcquireMutualExclusion(t *testing.T, s adapter.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, "contended")
	var wins atomic.Int32
	var wg sync.WaitGroup
	users := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			_, ok, err := s.AcquireLock(ctx, tk.ID, u, time.Now())
			if err != nil {
				t.Errorf("acquire %s: %v", u, err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}(u)
	}
	wg.Wait()
	if n := wins.Load(); n != 1 {
		t.Fatalf("expected exactly one winner, got %d", n)
	}
}

func testToggleStatus(t *testing.T, s adapter.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, "toggle")
	got, err := s.ToggleStatus(ctx, tk.ID, "u1")
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if got.Status != task.StatusDone || got.UpdatedBy != "u1" {
		t.Fatalf("unexpected toggled task %+v", got)
	}
	if _, ok, err := s.AcquireLock(ctx, tk.ID, "u2", time.Now()); !ok || err != nil {
		t.Fatalf("acquire: %v %v", ok, err)
	}
	_, err = s.ToggleStatus(ctx, tk.ID, "u1")
	var conflict *warperrors.LockConflictError
	if !errors.As(err, &conflict) || conflict.LockedBy != "u2" {
		t.Fatalf("expected conflict with u2, got %v", err)
	}
	got, err = s.ToggleStatus(ctx, tk.ID, "u2")
	if err != nil {
		t.Fatalf("holder toggle: %v", err)
	}
	if got.Status != task.StatusOpen || got.Lock.Holder() != "u2" {
		t.Fatalf("holder toggle changed lock or status wrong: %+v", got)
	}
	if _, err := s.ToggleStatus(ctx, "missing", "u1"); !errors.Is(err, warperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testConcurrentToggles(t *testing.T, s adapter.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, "flipped")
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ToggleStatus(ctx, tk.ID, "u1"); err != nil {
				t.Errorf("toggle: %v", err)
			}
		}()
	}
	wg.Wait()
	got, err := s.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusOpen {
		t.Fatalf("six toggles must return to open, got %s", got.Status)
	}
}

func TestInMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) adapter.Store { return adapter.NewInMemoryStore() })
}

func TestInMemoryStoreFailureInjection(t *testing.T) {
	s := adapter.NewInMemoryStore()
	tk := mustCreate(t, s, "x")
	boom := errors.New("disk on fire")
	s.FailWith(func(op string) error {
		if op == "update" {
			return boom
		}
		return nil
	})
	title := "y"
	_, err := s.Update(context.Background(), tk.ID, task.Patch{Title: &title}, "u1")
	if !errors.Is(err, warperrors.ErrStoreFailure) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store failure, got %v", err)
	}
	if _, err := s.Get(context.Background(), tk.ID); err != nil {
		t.Fatalf("get should still work: %v", err)
	}
	s.FailWith(nil)
	if _, err := s.Update(context.Background(), tk.ID, task.Patch{Title: &title}, "u1"); err != nil {
		t.Fatalf("update after clearing hook: %v", err)
	}
}

func TestInMemoryStoreHonoursContext(t *testing.T) {
	s := adapter.NewInMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.List(ctx, task.Filter{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}
