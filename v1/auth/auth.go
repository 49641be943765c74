// Package auth registers users and turns credentials into sessions.
package auth

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
	"github.com/mirkobrombin/go-taskwarp/v1/session"
	"github.com/mirkobrombin/go-taskwarp/v1/users"
)

// MinPasswordLen is the shortest accepted password.
const MinPasswordLen = 6

// DefaultBcryptCost is the work factor used when none is configured.
const DefaultBcryptCost = 12

var (
	ErrMissingFields = warperrors.Invalid("email, name, and password are required")
	ErrWeakPassword  = warperrors.Invalid(fmt.Sprintf("password must be at least %d characters long", MinPasswordLen))
	ErrInvalidEmail  = warperrors.Invalid("invalid email format")
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Hasher hashes and verifies passwords.
type Hasher interface {
	Hash(password string) (string, error)
	// Compare returns nil when password matches hash.
	Compare(hash, password string) error
}

// BcryptHasher implements Hasher with golang.org/x/crypto/bcrypt.
type BcryptHasher struct {
	Cost int
}

// Hash implements Hasher.Hash.
func (h BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare implements Hasher.Compare.
func (BcryptHasher) Compare(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	User  users.User `json:"user"`
	Token string     `json:"token"`
}

// Service implements registration, login and logout.
type Service struct {
	users    users.Store
	sessions session.Store
	hasher   Hasher
	clock    func() time.Time
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithHasher replaces the default bcrypt hasher.
func WithHasher(h Hasher) Option {
	return func(s *Service) {
		if h != nil {
			s.hasher = h
		}
	}
}

// WithClock overrides the time source used for last-login stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.clock = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService returns a Service over the given stores.
func NewService(us users.Store, sessions session.Store, opts ...Option) *Service {
	s := &Service{
		users:    us,
		sessions: sessions,
		hasher:   BcryptHasher{Cost: DefaultBcryptCost},
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register validates the input and creates a user. The email is stored
// lower-cased; a taken email yields ErrAlreadyExists.
func (s *Service) Register(ctx context.Context, email, name, password string) (*users.User, error) {
	email = users.NormalizeEmail(email)
	name = strings.TrimSpace(name)
	if email == "" || name == "" || password == "" {
		return nil, ErrMissingFields
	}
	if len(password) < MinPasswordLen {
		return nil, ErrWeakPassword
	}
	if !emailPattern.MatchString(email) {
		return nil, ErrInvalidEmail
	}
	if _, err := s.users.FindByEmail(ctx, email); err == nil {
		return nil, warperrors.ErrAlreadyExists
	} else if !stdErrors.Is(err, warperrors.ErrNotFound) {
		return nil, err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}
	u, err := s.users.Create(ctx, &users.User{Email: email, Name: name, PasswordHash: hash})
	if err != nil {
		return nil, err
	}
	s.logger.Info("auth: user registered", "user", u.ID)
	return u, nil
}

// Login verifies the credentials, records the login and opens a session.
// Unknown emails and wrong passwords both yield ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, warperrors.Invalid("email and password are required")
	}
	u, err := s.users.FindByEmail(ctx, email)
	if stdErrors.Is(err, warperrors.ErrNotFound) {
		return nil, warperrors.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := s.hasher.Compare(u.PasswordHash, password); err != nil {
		return nil, warperrors.ErrInvalidCredentials
	}
	now := s.clock().UTC()
	if err := s.users.UpdateLastLogin(ctx, u.ID, now); err != nil {
		return nil, err
	}
	u.LastLogin = &now
	token, err := s.sessions.Create(ctx, session.Identity{UserID: u.ID, Email: u.Email, Name: u.Name})
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: *u, Token: token}, nil
}

// Logout ends the session behind token. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Invalidate(ctx, token)
}
