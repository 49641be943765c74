// Package session keeps the server-side record of authenticated sessions.
//
// A session stays valid for as long as its holder keeps using it: every
// successful validation slides the idle window forward. Sessions idle for
// longer than the window are rejected once with ErrSessionExpired and then
// forgotten. A background sweep removes idle sessions that are never
// presented again.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
)

const (
	// DefaultIdleWindow is how long a session survives without activity.
	DefaultIdleWindow = 20 * time.Minute
	// DefaultSweepInterval is the period of the background expiry sweep.
	DefaultSweepInterval = 5 * time.Minute
)

// Identity is the user a session belongs to.
type Identity struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// Session is a validated bearer token with its identity and last activity.
type Session struct {
	Token        string    `json:"-"`
	UserID       string    `json:"userId"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	LastActivity time.Time `json:"lastActivity"`
}

// Identity returns the identity carried by s.
func (s Session) Identity() Identity {
	return Identity{UserID: s.UserID, Email: s.Email, Name: s.Name}
}

// Stats reports the number of sessions currently held.
type Stats struct {
	Active int `json:"activeSessions"`
}

// Store is the session registry.
type Store interface {
	// Create mints a token for id and records a fresh session.
	Create(ctx context.Context, id Identity) (string, error)
	// ValidateAndRefresh returns the session for token and slides its idle
	// window. Unknown tokens yield ErrUnauthenticated; idle ones are evicted
	// and yield ErrSessionExpired.
	ValidateAndRefresh(ctx context.Context, token string) (Session, error)
	// Get returns the session without refreshing it.
	Get(ctx context.Context, token string) (Session, error)
	// Invalidate removes the session. Unknown tokens are ignored.
	Invalidate(ctx context.Context, token string) error
	// Sweep removes every idle session and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
	// Stats reports the current number of sessions.
	Stats(ctx context.Context) (Stats, error)
	// Clear removes all sessions.
	Clear(ctx context.Context) error
	// Close stops background work.
	Close() error
}

// Option configures a session store.
type Option func(*options)

type options struct {
	idle     time.Duration
	sweep    time.Duration
	clock    func() time.Time
	signer   Signer
	logger   *slog.Logger
	registry prometheus.Registerer
}

func defaultOptions() options {
	return options{
		idle:   DefaultIdleWindow,
		sweep:  DefaultSweepInterval,
		clock:  time.Now,
		signer: OpaqueSigner{},
		logger: slog.Default(),
	}
}

// WithIdleWindow sets how long a session may stay unused.
func WithIdleWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idle = d
		}
	}
}

// WithSweepInterval sets the background sweep period. A zero or negative
// duration disables the sweeper.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweep = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}

// WithSigner sets the token minter. The default mints opaque UUID tokens.
func WithSigner(s Signer) Option {
	return func(o *options) {
		if s != nil {
			o.signer = s
		}
	}
}

// WithLogger sets the logger used for sweep reports.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

type storeMetrics struct {
	created prometheus.Counter
	expired prometheus.Counter
	active  prometheus.Gauge
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	if reg == nil {
		return nil
	}
	m := &storeMetrics{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwarp_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwarp_sessions_expired_total",
			Help: "Total number of sessions evicted for inactivity",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskwarp_sessions_active",
			Help: "Current number of sessions",
		}),
	}
	reg.MustRegister(m.created, m.expired, m.active)
	return m
}

func (m *storeMetrics) onCreate() {
	if m != nil {
		m.created.Inc()
		m.active.Inc()
	}
}

func (m *storeMetrics) onExpire(n int) {
	if m != nil && n > 0 {
		m.expired.Add(float64(n))
		m.active.Sub(float64(n))
	}
}

func (m *storeMetrics) onRemove(n int) {
	if m != nil && n > 0 {
		m.active.Sub(float64(n))
	}
}

func (m *storeMetrics) set(n int) {
	if m != nil {
		m.active.Set(float64(n))
	}
}

func validToken(token string) error {
	if token == "" {
		return warperrors.ErrUnauthenticated
	}
	return nil
}

// verify rejects empty tokens and, for self-describing tokens, forged or
// expired ones.
func (o options) verify(token string) error {
	if err := validToken(token); err != nil {
		return err
	}
	if v, ok := o.signer.(Verifier); ok {
		if _, err := v.Verify(token, o.clock()); err != nil {
			return warperrors.ErrUnauthenticated
		}
	}
	return nil
}

// runSweeper calls sweep every interval until ctx is done. Failures are
// logged and retried on the next tick.
func runSweeper(ctx context.Context, interval time.Duration, sweep func(context.Context) (int, error), logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("session: sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("session: swept idle sessions", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
