// Package stream carries broadcast events to browsers over WebSocket and
// Server-Sent Events. Both transports authenticate before the stream is
// opened: a request without a live session never reaches the hub.
package stream

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
	"github.com/mirkobrombin/go-taskwarp/v1/lock"
	"github.com/mirkobrombin/go-taskwarp/v1/session"
)

const (
	writeWait           = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	maxMessageSize      = 4096
)

// Locker performs lock requests on behalf of a connection.
// *service.TaskService implements it.
type Locker interface {
	Lock(ctx context.Context, taskID string, who session.Identity) lock.LockResult
	Unlock(ctx context.Context, taskID string, who session.Identity) lock.LockResult
}

type options struct {
	pingInterval time.Duration
	checkOrigin  func(*http.Request) bool
	logger       *slog.Logger
}

// Option configures a handler.
type Option func(*options)

// WithPingInterval sets the keepalive period. Peers that stay silent for
// twice the interval are dropped.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pingInterval = d
		}
	}
}

// WithCheckOrigin sets the WebSocket origin check. The default accepts any
// origin, since admission is decided by the session token.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(o *options) { o.checkOrigin = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		pingInterval: defaultPingInterval,
		checkOrigin:  func(*http.Request) bool { return true },
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Token extracts the session token from the "token" query parameter or a
// bearer Authorization header.
func Token(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return ""
}

// authenticate validates the request's session and writes the rejection
// itself when it fails.
func authenticate(w http.ResponseWriter, r *http.Request, sessions session.Store, logger *slog.Logger) (string, session.Session, bool) {
	token := Token(r)
	if token == "" {
		reject(w, http.StatusUnauthorized, "Authentication error: No token provided", "NO_TOKEN")
		return "", session.Session{}, false
	}
	sess, err := sessions.ValidateAndRefresh(r.Context(), token)
	switch {
	case err == nil:
		return token, sess, true
	case stdErrors.Is(err, warperrors.ErrUnauthenticated):
		reject(w, http.StatusUnauthorized, "Authentication error: Invalid or expired token", "INVALID_TOKEN")
	default:
		logger.Error("stream: session lookup failed", "error", err)
		reject(w, http.StatusInternalServerError, "Authentication error", "AUTH_ERROR")
	}
	return "", session.Session{}, false
}

func reject(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}

func tokenPrefix(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
