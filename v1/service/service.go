// Package service orchestrates task mutations: every edit runs under the
// record's lock, the lock is released afterwards, and the outcome is
// broadcast to connected clients only once it is persisted.
package service

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-taskwarp/v1/adapter"
	"github.com/mirkobrombin/go-taskwarp/v1/broadcast"
	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
	"github.com/mirkobrombin/go-taskwarp/v1/lock"
	"github.com/mirkobrombin/go-taskwarp/v1/metrics"
	"github.com/mirkobrombin/go-taskwarp/v1/session"
	"github.com/mirkobrombin/go-taskwarp/v1/task"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-taskwarp/v1/service")

// compensateTimeout bounds the compensating release, which runs even when
// the request context is already cancelled.
const compensateTimeout = 5 * time.Second

// Publisher delivers events to connected clients. *broadcast.Hub implements it.
type Publisher interface {
	Publish(ctx context.Context, kind string, data any) error
}

// NameResolver maps a user id to a display name.
type NameResolver interface {
	Name(ctx context.Context, userID string) string
}

// LockedEvent is the payload of task:locked.
type LockedEvent struct {
	TaskID       string `json:"taskId"`
	UserID       string `json:"userId"`
	LockedBy     string `json:"lockedBy,omitempty"`
	LockedByName string `json:"lockedByName,omitempty"`
}

// UnlockedEvent is the payload of task:unlocked.
type UnlockedEvent struct {
	TaskID string `json:"taskId"`
	UserID string `json:"userId"`
}

// DeletedEvent is the payload of task:deleted.
type DeletedEvent struct {
	ID string `json:"id"`
}

// TaskService is the mutation orchestrator exposed to the transports.
type TaskService struct {
	store  adapter.Store
	locks  *lock.Coordinator
	events Publisher
	names  NameResolver
	logger *slog.Logger

	traceEnabled bool
}

// Option configures a TaskService.
type Option func(*TaskService)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *TaskService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithNames resolves lock holder display names on returned tasks.
func WithNames(r NameResolver) Option {
	return func(s *TaskService) { s.names = r }
}

// WithTracing enables OpenTelemetry spans around every mutation.
func WithTracing() Option {
	return func(s *TaskService) { s.traceEnabled = true }
}

// New returns a TaskService. events may be nil, in which case nothing is
// broadcast.
func New(store adapter.Store, locks *lock.Coordinator, events Publisher, opts ...Option) *TaskService {
	s := &TaskService{
		store:  store,
		locks:  locks,
		events: events,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns every task, newest first.
func (s *TaskService) List(ctx context.Context) ([]task.Task, error) {
	return s.list(ctx, task.Filter{})
}

// FindByStatus returns the tasks with the given status.
func (s *TaskService) FindByStatus(ctx context.Context, status string) ([]task.Task, error) {
	st, err := task.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	return s.list(ctx, task.Filter{Status: st})
}

// FindByPriority returns the tasks with the given priority.
func (s *TaskService) FindByPriority(ctx context.Context, priority string) ([]task.Task, error) {
	p, err := task.ParsePriority(priority)
	if err != nil {
		return nil, err
	}
	return s.list(ctx, task.Filter{Priority: p})
}

func (s *TaskService) list(ctx context.Context, f task.Filter) ([]task.Task, error) {
	tasks, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		s.decorate(ctx, &tasks[i])
	}
	return tasks, nil
}

// Get returns one task or ErrNotFound.
func (s *TaskService) Get(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.decorate(ctx, t)
	return t, nil
}

// Create validates in, persists it and broadcasts task:created.
func (s *TaskService) Create(ctx context.Context, in task.NewTask, userID string) (t *task.Task, err error) {
	ctx, span := s.span(ctx, "Task.Create", "", userID)
	defer func() { s.finish(span, "create", err) }()

	t, err = in.Build(userID)
	if err != nil {
		return nil, err
	}
	if t, err = s.store.Create(ctx, t); err != nil {
		return nil, err
	}
	s.publish(ctx, broadcast.TaskCreated, t)
	return t, nil
}

// Update applies p to the task under userID's lock and broadcasts
// task:updated. A record held by someone else yields a *LockConflictError
// and is left untouched.
func (s *TaskService) Update(ctx context.Context, id string, p task.Patch, userID string) (*task.Task, error) {
	p, err := p.Normalize()
	if err != nil {
		s.finish(nil, "update", err)
		return nil, err
	}
	return s.mutate(ctx, mutation{
		op:          "update",
		taskID:      id,
		userID:      userID,
		requireLock: true,
		apply: func(ctx context.Context) (*task.Task, error) {
			return s.store.Update(ctx, id, p, userID)
		},
	})
}

// ToggleStatus flips the task between open and done. It does not take the
// lock; the store refuses records locked by another user and flips the
// status atomically, so concurrent toggles never collapse into one.
func (s *TaskService) ToggleStatus(ctx context.Context, id, userID string) (*task.Task, error) {
	return s.mutate(ctx, mutation{
		op:     "toggle",
		taskID: id,
		userID: userID,
		apply: func(ctx context.Context) (*task.Task, error) {
			return s.store.ToggleStatus(ctx, id, userID)
		},
	})
}

// Delete removes the task under userID's lock and broadcasts task:deleted.
func (s *TaskService) Delete(ctx context.Context, id, userID string) error {
	_, err := s.mutate(ctx, mutation{
		op:          "delete",
		taskID:      id,
		userID:      userID,
		requireLock: true,
		deletes:     true,
		apply: func(ctx context.Context) (*task.Task, error) {
			return s.store.Delete(ctx, id)
		},
	})
	return err
}

// Lock acquires the task lock for who and broadcasts task:locked.
func (s *TaskService) Lock(ctx context.Context, id string, who session.Identity) lock.LockResult {
	res := s.locks.Acquire(ctx, id, who.UserID)
	if res.Success {
		s.publish(ctx, broadcast.TaskLocked, LockedEvent{
			TaskID:       id,
			UserID:       who.UserID,
			LockedBy:     res.LockedBy,
			LockedByName: who.Name,
		})
	}
	return res
}

// Unlock releases who's lock on the task and broadcasts task:unlocked.
func (s *TaskService) Unlock(ctx context.Context, id string, who session.Identity) lock.LockResult {
	res := s.locks.Release(ctx, id, who.UserID)
	if res.Success {
		s.publish(ctx, broadcast.TaskUnlocked, UnlockedEvent{TaskID: id, UserID: who.UserID})
	}
	return res
}

// LocksExpired broadcasts task:unlocked for locks cleared by the expiry
// sweep. It matches lock.ExpireFunc.
func (s *TaskService) LocksExpired(ctx context.Context, ids []string) {
	for _, id := range ids {
		s.publish(ctx, broadcast.TaskUnlocked, UnlockedEvent{TaskID: id, UserID: lock.SystemUser})
	}
}

type mutation struct {
	op          string
	taskID      string
	userID      string
	requireLock bool
	deletes     bool
	apply       func(ctx context.Context) (*task.Task, error)
}

func (s *TaskService) mutate(ctx context.Context, m mutation) (t *task.Task, err error) {
	ctx, span := s.span(ctx, "Task."+m.op, m.taskID, m.userID)
	defer func() { s.finish(span, m.op, err) }()

	if m.requireLock {
		res := s.locks.Acquire(ctx, m.taskID, m.userID)
		if !res.Success {
			return nil, res.Err
		}
	}

	t, err = m.apply(ctx)
	if err != nil {
		if m.requireLock {
			s.compensate(ctx, m, err)
		}
		return nil, err
	}

	if m.deletes {
		s.publish(ctx, broadcast.TaskDeleted, DeletedEvent{ID: m.taskID})
		return t, nil
	}
	if m.requireLock {
		res := s.locks.Release(ctx, m.taskID, m.userID)
		switch {
		case res.Success && res.Task != nil:
			t = res.Task
		case !res.Success:
			s.logger.Warn("service: release after mutation failed", "op", m.op, "task", m.taskID, "user", m.userID, "message", res.Message)
		}
	}
	s.decorate(ctx, t)
	s.publish(ctx, broadcast.TaskUpdated, t)
	return t, nil
}

// compensate undoes the acquire of a failed mutation. Its own failure is
// logged and never replaces cause.
func (s *TaskService) compensate(ctx context.Context, m mutation, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()
	res := s.locks.Release(ctx, m.taskID, m.userID)
	if res.Success {
		s.logger.Info("service: compensating release", "op", m.op, "task", m.taskID, "user", m.userID, "cause", cause)
		return
	}
	if res.Err == nil {
		// Nothing to release, e.g. the record vanished.
		return
	}
	metrics.CompensationFailures.Inc()
	s.logger.Error("service: compensating release failed",
		"op", m.op, "task", m.taskID, "user", m.userID, "cause", cause, "error", res.Err)
}

func (s *TaskService) decorate(ctx context.Context, t *task.Task) {
	if t == nil || s.names == nil {
		return
	}
	if holder := t.Lock.Holder(); holder != "" {
		t.Lock.LockedByName = s.names.Name(ctx, holder)
	}
}

func (s *TaskService) publish(ctx context.Context, kind string, data any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, kind, data); err != nil {
		s.logger.Warn("service: publish failed", "event", kind, "error", err)
	}
}

func (s *TaskService) span(ctx context.Context, name, taskID, userID string) (context.Context, trace.Span) {
	if !s.traceEnabled {
		return ctx, nil
	}
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("user.id", userID),
	))
}

func (s *TaskService) finish(span trace.Span, op string, err error) {
	metrics.Mutations.WithLabelValues(op, outcome(err)).Inc()
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case stdErrors.Is(err, warperrors.ErrLockConflict):
		return "conflict"
	case stdErrors.Is(err, warperrors.ErrNotFound):
		return "not_found"
	case stdErrors.Is(err, warperrors.ErrInvalidInput):
		return "invalid"
	}
	return "error"
}
