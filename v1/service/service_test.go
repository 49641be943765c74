package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mirkobrombin/go-taskwarp/v1/adapter"
	"github.com/mirkobrombin/go-taskwarp/v1/broadcast"
	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
	"github.com/mirkobrombin/go-taskwarp/v1/lock"
	"github.com/mirkobrombin/go-taskwarp/v1/metrics"
	"github.com/mirkobrombin/go-taskwarp/v1/service"
	"github.com/mirkobrombin/go-taskwarp/v1/session"
	"github.com/mirkobrombin/go-taskwarp/v1/task"
)

type event struct {
	kind string
	data any
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) Publish(_ context.Context, kind string, data any) error {
	r.mu.Lock()
	r.events = append(r.events, event{kind, data})
	r.mu.Unlock()
	return nil
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.kind
	}
	return out
}

func (r *recorder) last() event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return event{}
	}
	return r.events[len(r.events)-1]
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type names map[string]string

func (n names) Name(_ context.Context, id string) string { return n[id] }

var (
	alice = session.Identity{UserID: "A", Name: "Alice"}
	bob   = session.Identity{UserID: "B", Name: "Bob"}
)

type fixture struct {
	store  *adapter.InMemoryStore
	locks  *lock.Coordinator
	events *recorder
	svc    *service.TaskService
}

func setup(t *testing.T, lockOpts ...lock.Option) *fixture {
	t.Helper()
	f := &fixture{store: adapter.NewInMemoryStore(), events: &recorder{}}
	opts := append([]lock.Option{
		lock.WithSweepInterval(0),
		lock.WithOnExpire(func(ctx context.Context, ids []string) { f.svc.LocksExpired(ctx, ids) }),
	}, lockOpts...)
	f.locks = lock.NewCoordinator(f.store, opts...)
	t.Cleanup(f.locks.Close)
	f.svc = service.New(f.store, f.locks, f.events, service.WithNames(names{"A": "Alice", "B": "Bob"}))
	return f
}

func (f *fixture) create(t *testing.T, title string) *task.Task {
	t.Helper()
	tk, err := f.svc.Create(context.Background(), task.NewTask{Title: title}, "A")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.events.reset()
	return tk
}

func strp(s string) *string { return &s }

func TestCreateBroadcasts(t *testing.T) {
	f := setup(t)
	tk, err := f.svc.Create(context.Background(), task.NewTask{Title: "  Write report ", Priority: "med"}, "A")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tk.Title != "Write report" || tk.Priority != task.PriorityMedium || tk.CreatedBy != "A" {
		t.Fatalf("unexpected task %+v", tk)
	}
	if got := f.events.kinds(); len(got) != 1 || got[0] != broadcast.TaskCreated {
		t.Fatalf("unexpected events %v", got)
	}
	if _, err := f.svc.Create(context.Background(), task.NewTask{}, "A"); !errors.Is(err, warperrors.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestUpdateReleasesAndBroadcasts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tk := f.create(t, "R123")

	if res := f.svc.Lock(ctx, tk.ID, alice); !res.Success {
		t.Fatalf("lock: %+v", res)
	}
	updated, err := f.svc.Update(ctx, tk.ID, task.Patch{Title: strp("R124")}, "A")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "R124" || updated.UpdatedBy != "A" || updated.Lock.IsLocked {
		t.Fatalf("unexpected task %+v", updated)
	}
	if f.locks.IsLocked(ctx, tk.ID) {
		t.Fatal("lock not released after update")
	}
	got := f.events.kinds()
	if len(got) != 2 || got[0] != broadcast.TaskLocked || got[1] != broadcast.TaskUpdated {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestUpdateConflictLeavesRecordUntouched(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tk := f.create(t, "R123")
	f.svc.Lock(ctx, tk.ID, bob)
	f.events.reset()

	_, err := f.svc.Update(ctx, tk.ID, task.Patch{Title: strp("R124")}, "A")
	var conflict *warperrors.LockConflictError
	if !errors.As(err, &conflict) || conflict.LockedBy != "B" {
		t.Fatalf("expected conflict held by B, got %v", err)
	}
	cur, _ := f.svc.Get(ctx, tk.ID)
	if cur.Title != "R123" || cur.Lock.Holder() != "B" || cur.Lock.LockedByName != "Bob" {
		t.Fatalf("record changed: %+v", cur)
	}
	if len(f.events.kinds()) != 0 {
		t.Fatalf("conflict must not broadcast: %v", f.events.kinds())
	}
}

func TestUpdateValidatesBeforeLocking(t *testing.T) {
	f := setup(t)
	tk := f.create(t, "R123")
	_, err := f.svc.Update(context.Background(), tk.ID, task.Patch{Title: strp("  ")}, "A")
	if !errors.Is(err, warperrors.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if f.locks.IsLocked(context.Background(), tk.ID) {
		t.Fatal("invalid patch took the lock")
	}
}

func TestUpdateMissingTask(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Update(context.Background(), "missing", task.Patch{Title: strp("x")}, "A")
	if !errors.Is(err, warperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCompensatingRelease(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tk := f.create(t, "R123")
	f.store.FailWith(func(op string) error {
		if op == "update" {
			return errors.New("disk full")
		}
		return nil
	})

	_, err := f.svc.Update(ctx, tk.ID, task.Patch{Title: strp("R124")}, "A")
	if !errors.Is(err, warperrors.ErrStoreFailure) || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected the original store failure, got %v", err)
	}
	f.store.FailWith(nil)
	if f.locks.IsLocked(ctx, tk.ID) {
		t.Fatal("lock left held after failed mutation")
	}
	if res := f.svc.Lock(ctx, tk.ID, bob); !res.Success {
		t.Fatalf("B should acquire after compensation: %+v", res)
	}
	if got := f.events.kinds(); len(got) != 1 || got[0] != broadcast.TaskLocked {
		t.Fatalf("failed mutation must not broadcast an update: %v", got)
	}
}

func TestCompensationFailureDoesNotMaskCause(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tk := f.create(t, "R123")
	before := testutil.ToFloat64(metrics.CompensationFailures)
	f.store.FailWith(func(op string) error {
		switch op {
		case "update":
			return errors.New("disk full")
		case "release lock":
			return errors.New("connection reset")
		}
		return nil
	})

	_, err := f.svc.Update(ctx, tk.ID, task.Patch{Title: strp("R124")}, "A")
	if err == nil || !strings.Contains(err.Error(), "disk full") || strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected the update failure, got %v", err)
	}
	if got := testutil.ToFloat64(metrics.CompensationFailures) - before; got != 1 {
		t.Fatalf("expected one compensation failure, got %v", got)
	}
}

func TestToggleStatus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tk := f.create(t, "R123")

	done, err := f.svc.ToggleStatus(ctx, tk.ID, "A")
	if err != nil || done.Status != task.StatusDone {
		t.Fatalf("toggle: %+v %v", done, err)
	}
	f.svc.Lock(ctx, tk.ID, bob)
	if _, err := f.svc.ToggleStatus(ctx, tk.ID, "A"); !errors.Is(err, warperrors.ErrLockConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	open, err := f.svc.ToggleStatus(ctx, tk.ID, "B")
	if err != nil || open.Status != task.StatusOpen {
		t.Fatalf("holder toggle: %+v %v", open, err)
	}
	if f.locks.HolderOf(ctx, tk.ID) != "B" {
		t.Fatal("toggle must not release the holder's lock")
	}
	if _, err := f.svc.ToggleStatus(ctx, "missing", "A"); !errors.Is(err, warperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentTogglesAllApply(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tk := f.create(t, "R123")

	var wg sync.WaitGroup
	for _, u := range []string{"A", "B", "A", "B"} {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			if _, err := f.svc.ToggleStatus(ctx, tk.ID, u); err != nil {
				t.Errorf("toggle by %s: %v", u, err)
			}
		}(u)
	}
	wg.Wait()
	got, err := f.svc.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusOpen {
		t.Fatalf("four toggles must return to open, got %s", got.Status)
	}
	if n := len(f.events.kinds()); n != 4 {
		t.Fatalf("expected four update events, got %d", n)
	}
}

func TestDelete(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tk := f.create(t, "R123")

	f.svc.Lock(ctx, tk.ID, bob)
	if err := f.svc.Delete(ctx, tk.ID, "A"); !errors.Is(err, warperrors.ErrLockConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	f.svc.Unlock(ctx, tk.ID, bob)
	f.events.reset()

	if err := f.svc.Delete(ctx, tk.ID, "A"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ev := f.events.last()
	if ev.kind != broadcast.TaskDeleted || ev.data.(service.DeletedEvent).ID != tk.ID {
		t.Fatalf("unexpected event %+v", ev)
	}
	if _, err := f.svc.Get(ctx, tk.ID); !errors.Is(err, warperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := f.svc.Delete(ctx, tk.ID, "A"); !errors.Is(err, warperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteFailureCompensates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tk := f.create(t, "R123")
	f.store.FailWith(func(op string) error {
		if op == "delete" {
			return errors.New("timeout")
		}
		return nil
	})
	if err := f.svc.Delete(ctx, tk.ID, "A"); !errors.Is(err, warperrors.ErrStoreFailure) {
		t.Fatalf("expected store failure, got %v", err)
	}
	f.store.FailWith(nil)
	if f.locks.IsLocked(ctx, tk.ID) {
		t.Fatal("lock left held after failed delete")
	}
}

func TestLockUnlockEvents(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tk := f.create(t, "R123")

	if res := f.svc.Lock(ctx, tk.ID, alice); !res.Success {
		t.Fatalf("lock: %+v", res)
	}
	locked := f.events.last().data.(service.LockedEvent)
	if locked.TaskID != tk.ID || locked.UserID != "A" || locked.LockedBy != "A" || locked.LockedByName != "Alice" {
		t.Fatalf("unexpected payload %+v", locked)
	}
	if res := f.svc.Lock(ctx, tk.ID, bob); res.Success {
		t.Fatal("B acquired a held lock")
	}
	if res := f.svc.Unlock(ctx, tk.ID, bob); res.Success {
		t.Fatal("B released A's lock")
	}
	if res := f.svc.Unlock(ctx, tk.ID, alice); !res.Success {
		t.Fatalf("unlock: %+v", res)
	}
	got := f.events.kinds()
	if len(got) != 2 || got[1] != broadcast.TaskUnlocked {
		t.Fatalf("unexpected events %v", got)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestExpiredLocksBroadcastSystemUnlock(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	f := setup(t, lock.WithClock(clock.Now), lock.WithTTL(5*time.Second))
	ctx := context.Background()
	tk := f.create(t, "R123")
	f.svc.Lock(ctx, tk.ID, alice)
	f.events.reset()

	clock.Advance(6 * time.Second)
	if _, err := f.locks.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	ev := f.events.last()
	unlocked, ok := ev.data.(service.UnlockedEvent)
	if ev.kind != broadcast.TaskUnlocked || !ok || unlocked.TaskID != tk.ID || unlocked.UserID != lock.SystemUser {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestFindByStatusAndPriority(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.create(t, "one")
	f.create(t, "two")
	if _, err := f.svc.ToggleStatus(ctx, a.ID, "A"); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	done, err := f.svc.FindByStatus(ctx, "done")
	if err != nil || len(done) != 1 || done[0].ID != a.ID {
		t.Fatalf("unexpected done list %v %v", done, err)
	}
	med, err := f.svc.FindByPriority(ctx, "med")
	if err != nil || len(med) != 2 {
		t.Fatalf("unexpected medium list %v %v", med, err)
	}
	if _, err := f.svc.FindByStatus(ctx, "closed"); !errors.Is(err, warperrors.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	all, err := f.svc.List(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("unexpected list %v %v", all, err)
	}
}

func TestHubDeliversServiceEvents(t *testing.T) {
	hub, err := broadcast.NewHub()
	if err != nil {
		t.Fatalf("hub: %v", err)
	}
	defer hub.Close()
	store := adapter.NewInMemoryStore()
	locks := lock.NewCoordinator(store, lock.WithSweepInterval(0))
	defer locks.Close()
	svc := service.New(store, locks, hub)
	c, _ := hub.Register(alice)

	if _, err := svc.Create(context.Background(), task.NewTask{Title: "R123"}, "A"); err != nil {
		t.Fatalf("create: %v", err)
	}
	select {
	case frame := <-c.Send():
		if !strings.Contains(string(frame), `"event":"task:created"`) {
			t.Fatalf("unexpected frame %s", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}
}
