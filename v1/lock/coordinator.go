package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-taskwarp/v1/adapter"
	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
	"github.com/mirkobrombin/go-taskwarp/v1/task"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-taskwarp/v1/lock")

const (
	// DefaultTTL is how long a lock may be held before the sweep clears it.
	DefaultTTL = 5 * time.Minute
	// DefaultSweepInterval is the period of the expiry sweep.
	DefaultSweepInterval = time.Minute
	// SystemUser identifies releases not performed by a lock holder.
	SystemUser = "system"
)

const (
	MsgAcquired       = "Lock acquired successfully"
	MsgAlreadyLocked  = "Task is already locked by another user"
	MsgNotFound       = "Task not found"
	MsgReleased       = "Lock released successfully"
	MsgReleaseRefused = "Failed to release lock - task not found or not locked by user"
)

// LockResult is the outcome of a lock operation. It is a plain value and is
// never persisted.
type LockResult struct {
	Success  bool   `json:"success"`
	TaskID   string `json:"taskId"`
	UserID   string `json:"userId"`
	LockedBy string `json:"lockedBy,omitempty"`
	Message  string `json:"message"`

	// Task is the task state observed by the operation, when available.
	Task *task.Task `json:"-"`
	// Err classifies a failed result: a *LockConflictError, ErrNotFound or a
	// store failure. It is nil on success and for a refused release.
	Err error `json:"-"`
}

// ExpireFunc is notified with the ids of tasks whose locks were cleared by
// the expiry sweep.
type ExpireFunc func(ctx context.Context, taskIDs []string)

// Coordinator owns the acquire, release and expire protocol.
type Coordinator struct {
	store    adapter.Store
	ttl      atomic.Int64
	interval time.Duration
	clock    func() time.Time
	logger   *slog.Logger
	onExpire ExpireFunc

	opsCounter     *prometheus.CounterVec
	expiredCounter prometheus.Counter
	traceEnabled   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTTL sets the maximum age of a lock.
func WithTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.ttl.Store(int64(d))
		}
	}
}

// WithSweepInterval sets the expiry sweep period. A zero or negative
// duration disables the background sweep; Sweep can still be called.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.interval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.clock = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithOnExpire registers a callback for locks cleared by the sweep.
func WithOnExpire(fn ExpireFunc) Option {
	return func(c *Coordinator) { c.onExpire = fn }
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Coordinator) {
		c.opsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskwarp_lock_operations_total",
			Help: "Lock operations by kind and outcome",
		}, []string{"op", "result"})
		c.expiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwarp_lock_expired_total",
			Help: "Total number of locks cleared by the expiry sweep",
		})
		reg.MustRegister(c.opsCounter, c.expiredCounter)
	}
}

// WithTracing enables OpenTelemetry spans around lock operations.
func WithTracing() Option {
	return func(c *Coordinator) { c.traceEnabled = true }
}

// NewCoordinator returns a Coordinator over store and starts its expiry sweep.
func NewCoordinator(store adapter.Store, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:    store,
		interval: DefaultSweepInterval,
		clock:    time.Now,
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.ttl.Store(int64(DefaultTTL))
	for _, opt := range opts {
		opt(c)
	}
	if c.interval > 0 {
		c.wg.Add(1)
		go c.sweeper()
	}
	return c
}

// TTL returns the current lock time limit.
func (c *Coordinator) TTL() time.Duration { return time.Duration(c.ttl.Load()) }

// SetTTL changes the lock time limit. It applies from the next sweep on.
func (c *Coordinator) SetTTL(d time.Duration) {
	if d > 0 {
		c.ttl.Store(int64(d))
	}
}

func (c *Coordinator) count(op, result string) {
	if c.opsCounter != nil {
		c.opsCounter.WithLabelValues(op, result).Inc()
	}
}

func (c *Coordinator) span(ctx context.Context, name, taskID, userID string) (context.Context, trace.Span) {
	if !c.traceEnabled {
		return ctx, nil
	}
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("user.id", userID),
	))
}

func endSpan(span trace.Span, res LockResult) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.Bool("lock.success", res.Success))
	if res.Err != nil && !stdErrors.Is(res.Err, warperrors.ErrLockConflict) {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	span.End()
}

// Acquire locks taskID for userID. It succeeds when the task is unlocked or
// already held by userID; a re-acquire refreshes the lock timestamp.
// Contention and store errors are reported in the result, never returned.
func (c *Coordinator) Acquire(ctx context.Context, taskID, userID string) (res LockResult) {
	ctx, span := c.span(ctx, "Lock.Acquire", taskID, userID)
	defer func() { endSpan(span, res) }()

	res = LockResult{TaskID: taskID, UserID: userID}
	t, ok, err := c.store.AcquireLock(ctx, taskID, userID, c.clock().UTC())
	switch {
	case stdErrors.Is(err, warperrors.ErrNotFound):
		res.Message = MsgNotFound
		res.Err = warperrors.ErrNotFound
		c.count("acquire", "not_found")
	case err != nil:
		res.Message = fmt.Sprintf("Failed to acquire lock: %v", err)
		res.Err = err
		c.count("acquire", "error")
		c.logger.Error("lock: acquire failed", "task", taskID, "user", userID, "error", err)
	case !ok:
		res.Task = t
		res.LockedBy = t.Lock.Holder()
		res.Message = MsgAlreadyLocked
		res.Err = &warperrors.LockConflictError{TaskID: taskID, LockedBy: res.LockedBy}
		c.count("acquire", "conflict")
	default:
		res.Success = true
		res.Task = t
		res.LockedBy = userID
		res.Message = MsgAcquired
		c.count("acquire", "ok")
	}
	return res
}

// Release clears the lock on taskID if it is held by userID.
func (c *Coordinator) Release(ctx context.Context, taskID, userID string) LockResult {
	return c.release(ctx, taskID, userID)
}

// ForceRelease clears the lock on taskID whoever holds it.
func (c *Coordinator) ForceRelease(ctx context.Context, taskID string) LockResult {
	return c.release(ctx, taskID, "")
}

func (c *Coordinator) release(ctx context.Context, taskID, userID string) (res LockResult) {
	actor := userID
	if actor == "" {
		actor = SystemUser
	}
	ctx, span := c.span(ctx, "Lock.Release", taskID, actor)
	defer func() { endSpan(span, res) }()

	res = LockResult{TaskID: taskID, UserID: actor}
	t, ok, err := c.store.ReleaseLock(ctx, taskID, userID)
	switch {
	case stdErrors.Is(err, warperrors.ErrNotFound):
		res.Message = MsgReleaseRefused
		res.Err = warperrors.ErrNotFound
		c.count("release", "not_found")
	case err != nil:
		res.Message = fmt.Sprintf("Failed to release lock: %v", err)
		res.Err = err
		c.count("release", "error")
		c.logger.Error("lock: release failed", "task", taskID, "user", actor, "error", err)
	case !ok:
		res.Task = t
		res.LockedBy = t.Lock.Holder()
		res.Message = MsgReleaseRefused
		c.count("release", "refused")
	default:
		res.Success = true
		res.Task = t
		res.Message = MsgReleased
		c.count("release", "ok")
	}
	return res
}

// IsLocked reports whether taskID is currently locked. It is advisory only
// and returns false when the store cannot be read.
func (c *Coordinator) IsLocked(ctx context.Context, taskID string) bool {
	return c.HolderOf(ctx, taskID) != ""
}

// HolderOf returns the current holder of taskID or "". Advisory only.
func (c *Coordinator) HolderOf(ctx context.Context, taskID string) string {
	t, err := c.store.Get(ctx, taskID)
	if err != nil {
		if !stdErrors.Is(err, warperrors.ErrNotFound) {
			c.logger.Warn("lock: status read failed", "task", taskID, "error", err)
		}
		return ""
	}
	return t.Lock.Holder()
}

// Sweep runs one expiry cycle: every lock taken more than TTL ago is
// released and the ids of the affected tasks are returned. Ids released
// before a store error are still reported to the expiry hook.
func (c *Coordinator) Sweep(ctx context.Context) ([]string, error) {
	cutoff := c.clock().Add(-c.TTL())
	ids, err := c.store.ReleaseExpiredLocks(ctx, cutoff)
	if len(ids) > 0 {
		if c.expiredCounter != nil {
			c.expiredCounter.Add(float64(len(ids)))
		}
		c.logger.Info("lock: released expired locks", "count", len(ids), "ttl", c.TTL())
		if c.onExpire != nil {
			c.onExpire(ctx, ids)
		}
	}
	if err != nil {
		return ids, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}

// Close stops the expiry sweep.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) sweeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := c.Sweep(c.ctx); err != nil && c.ctx.Err() == nil {
				c.logger.Error("lock: expiry sweep failed", "error", err)
			}
		case <-c.ctx.Done():
			return
		}
	}
}
