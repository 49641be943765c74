package adapter

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
	"github.com/mirkobrombin/go-taskwarp/v1/task"
)

const taskColumns = `id, title, description, status, priority, due_date, is_locked, locked_by, locked_at, created_by, updated_by, created_at, updated_at`

// PgStore is a PostgreSQL-backed task store. Lock transitions are single
// UPDATE statements whose WHERE clause carries the lock predicate, so the
// row lock taken by PostgreSQL serializes concurrent acquirers.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the tasks table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'open',
			priority    TEXT NOT NULL DEFAULT 'medium',
			due_date    TIMESTAMPTZ,
			is_locked   BOOLEAN NOT NULL DEFAULT FALSE,
			locked_by   TEXT,
			locked_at   TIMESTAMPTZ,
			created_by  TEXT NOT NULL,
			updated_by  TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT tasks_lock_consistent CHECK (is_locked = (locked_by IS NOT NULL AND locked_at IS NOT NULL))
		)`)
	if err != nil {
		return warperrors.Store("ensure tasks table", err)
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lock ON tasks(locked_at) WHERE is_locked`,
	} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return warperrors.Store("ensure tasks index", err)
		}
	}
	return nil
}

func mapPgErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, pgx.ErrNoRows):
		return warperrors.ErrNotFound
	case stdErrors.Is(err, context.DeadlineExceeded):
		return warperrors.ErrTimeout
	}
	return warperrors.Store(op, err)
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	var status, priority string
	var lockedBy *string
	var lockedAt *time.Time
	err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &priority, &t.DueDate,
		&t.Lock.IsLocked, &lockedBy, &lockedAt, &t.CreatedBy, &t.UpdatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.Priority = task.Priority(priority)
	if t.Lock.IsLocked {
		t.Lock.LockedBy = lockedBy
		t.Lock.LockedAt = lockedAt
	}
	return &t, nil
}

// Get implements Store.Get.
func (s *PgStore) Get(ctx context.Context, id string) (*task.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return nil, mapPgErr("get task "+id, err)
	}
	return t, nil
}

// List implements Store.List.
func (s *PgStore) List(ctx context.Context, f task.Filter) ([]task.Task, error) {
	var where []string
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Priority != "" {
		args = append(args, string(f.Priority))
		where = append(where, fmt.Sprintf("priority = $%d", len(args)))
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgErr("list tasks", err)
	}
	defer rows.Close()
	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, mapPgErr("scan task", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgErr("row iteration", err)
	}
	return tasks, nil
}

// Create implements Store.Create.
func (s *PgStore) Create(ctx context.Context, t *task.Task) (*task.Task, error) {
	cp := t.Clone()
	cp.ID = newID()
	now := stamp()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.Lock = task.Lock{}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, title, description, status, priority, due_date, created_by, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		cp.ID, cp.Title, cp.Description, string(cp.Status), string(cp.Priority), cp.DueDate, cp.CreatedBy, cp.UpdatedBy, cp.CreatedAt, cp.UpdatedAt)
	if err != nil {
		return nil, mapPgErr("create task", err)
	}
	return cp, nil
}

// Update implements Store.Update. Only the patched columns are written.
func (s *PgStore) Update(ctx context.Context, id string, p task.Patch, userID string) (*task.Task, error) {
	setClauses := "updated_at = $1, updated_by = $2"
	args := []any{stamp(), userID}
	add := func(col string, v any) {
		args = append(args, v)
		setClauses += fmt.Sprintf(", %s = $%d", col, len(args))
	}
	if p.Title != nil {
		add("title", *p.Title)
	}
	if p.Description != nil {
		add("description", *p.Description)
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.Priority != nil {
		add("priority", string(*p.Priority))
	}
	if p.ClearDueDate {
		setClauses += ", due_date = NULL"
	} else if p.DueDate != nil {
		add("due_date", *p.DueDate)
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = $%d RETURNING %s", setClauses, len(args), taskColumns)

	t, err := scanTask(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, mapPgErr("update task "+id, err)
	}
	return t, nil
}

// ToggleStatus implements Store.ToggleStatus as one conditional UPDATE.
func (s *PgStore) ToggleStatus(ctx context.Context, id, userID string) (*task.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `
		UPDATE tasks SET
			status = CASE WHEN status = 'done' THEN 'open' ELSE 'done' END,
			updated_by = $2, updated_at = $3
		WHERE id = $1 AND (is_locked = FALSE OR locked_by IS NULL OR locked_by = $2)
		RETURNING `+taskColumns, id, userID, stamp()))
	if err == nil {
		return t, nil
	}
	if !stdErrors.Is(err, pgx.ErrNoRows) {
		return nil, mapPgErr("toggle task "+id, err)
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, &warperrors.LockConflictError{TaskID: id, LockedBy: cur.Lock.Holder()}
}

// Delete implements Store.Delete.
func (s *PgStore) Delete(ctx context.Context, id string) (*task.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `DELETE FROM tasks WHERE id = $1 RETURNING `+taskColumns, id))
	if err != nil {
		return nil, mapPgErr("delete task "+id, err)
	}
	return t, nil
}

// AcquireLock implements Store.AcquireLock as one conditional UPDATE.
func (s *PgStore) AcquireLock(ctx context.Context, id, userID string, now time.Time) (*task.Task, bool, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `
		UPDATE tasks SET is_locked = TRUE, locked_by = $2, locked_at = $3
		WHERE id = $1 AND (is_locked = FALSE OR locked_by IS NULL OR locked_by = $2)
		RETURNING `+taskColumns, id, userID, now.UTC().Truncate(time.Microsecond)))
	if err == nil {
		return t, true, nil
	}
	if !stdErrors.Is(err, pgx.ErrNoRows) {
		return nil, false, mapPgErr("acquire lock "+id, err)
	}
	// Predicate miss: report the current holder. The decision is already made.
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return cur, false, nil
}

// ReleaseLock implements Store.ReleaseLock as one conditional UPDATE.
func (s *PgStore) ReleaseLock(ctx context.Context, id, userID string) (*task.Task, bool, error) {
	query := `UPDATE tasks SET is_locked = FALSE, locked_by = NULL, locked_at = NULL
		WHERE id = $1 AND is_locked`
	args := []any{id}
	if userID != "" {
		query += ` AND locked_by = $2`
		args = append(args, userID)
	}
	t, err := scanTask(s.pool.QueryRow(ctx, query+` RETURNING `+taskColumns, args...))
	if err == nil {
		return t, true, nil
	}
	if !stdErrors.Is(err, pgx.ErrNoRows) {
		return nil, false, mapPgErr("release lock "+id, err)
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return cur, false, nil
}

// ReleaseExpiredLocks implements Store.ReleaseExpiredLocks.
func (s *PgStore) ReleaseExpiredLocks(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE tasks SET is_locked = FALSE, locked_by = NULL, locked_at = NULL
		WHERE is_locked AND locked_at < $1
		RETURNING id`, before.UTC())
	if err != nil {
		return nil, mapPgErr("release expired locks", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapPgErr("scan expired lock", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgErr("row iteration", err)
	}
	return ids, nil
}
