package users

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
)

const uniqueViolation = "23505"

// PgStore is a PostgreSQL-backed user store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the users table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			name          TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_login    TIMESTAMPTZ
		)`)
	return warperrors.Store("ensure users table", err)
}

func mapPgErr(op string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, pgx.ErrNoRows):
		return warperrors.ErrNotFound
	case stdErrors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
		return warperrors.ErrAlreadyExists
	case stdErrors.Is(err, context.DeadlineExceeded):
		return warperrors.ErrTimeout
	}
	return warperrors.Store(op, err)
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt, &u.LastLogin); err != nil {
		return nil, err
	}
	return &u, nil
}

// Create implements Store.Create.
func (s *PgStore) Create(ctx context.Context, u *User) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, name, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, email, name, password_hash, created_at, last_login`,
		uuid.NewString(), NormalizeEmail(u.Email), u.Name, u.PasswordHash, time.Now().UTC())
	out, err := scanUser(row)
	if err != nil {
		return nil, mapPgErr("create user", err)
	}
	return out, nil
}

// FindByEmail implements Store.FindByEmail.
func (s *PgStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, name, password_hash, created_at, last_login
		FROM users WHERE email = $1`, NormalizeEmail(email))
	u, err := scanUser(row)
	if err != nil {
		return nil, mapPgErr("find user by email", err)
	}
	return u, nil
}

// FindByID implements Store.FindByID.
func (s *PgStore) FindByID(ctx context.Context, id string) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, name, password_hash, created_at, last_login
		FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, mapPgErr("find user", err)
	}
	return u, nil
}

// UpdateLastLogin implements Store.UpdateLastLogin.
func (s *PgStore) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET last_login = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return mapPgErr("update last login", err)
	}
	if tag.RowsAffected() == 0 {
		return warperrors.ErrNotFound
	}
	return nil
}
