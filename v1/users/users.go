// Package users stores the identities that sign in and edit tasks.
package users

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
)

// User is a registered account. PasswordHash never leaves the server.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastLogin    *time.Time `json:"lastLogin,omitempty"`
}

// Store persists users. Emails are unique and compared lower-cased.
type Store interface {
	// Create assigns an id and creation time. A taken email yields ErrAlreadyExists.
	Create(ctx context.Context, u *User) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// InMemoryStore is a Store backed by maps.
type InMemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*User
	byEmail map[string]string
}

// NewInMemoryStore returns an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:    make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

// Create implements Store.Create.
func (s *InMemoryStore) Create(ctx context.Context, u *User) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cp := *u
	cp.Email = NormalizeEmail(u.Email)
	cp.ID = uuid.NewString()
	cp.CreatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byEmail[cp.Email]; taken {
		return nil, warperrors.ErrAlreadyExists
	}
	s.byID[cp.ID] = &cp
	s.byEmail[cp.Email] = cp.ID
	out := cp
	return &out, nil
}

// FindByEmail implements Store.FindByEmail.
func (s *InMemoryStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, warperrors.ErrNotFound
	}
	out := *s.byID[id]
	return &out, nil
}

// FindByID implements Store.FindByID.
func (s *InMemoryStore) FindByID(ctx context.Context, id string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, warperrors.ErrNotFound
	}
	out := *u
	return &out, nil
}

// UpdateLastLogin implements Store.UpdateLastLogin.
func (s *InMemoryStore) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return warperrors.ErrNotFound
	}
	at = at.UTC()
	u.LastLogin = &at
	return nil
}
