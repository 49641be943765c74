// Package api exposes the task service, authentication and the event
// streams over HTTP.
package api

import (
	"bufio"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mirkobrombin/go-taskwarp/v1/auth"
	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
	"github.com/mirkobrombin/go-taskwarp/v1/metrics"
	"github.com/mirkobrombin/go-taskwarp/v1/service"
	"github.com/mirkobrombin/go-taskwarp/v1/session"
)

const maxBodyBytes = 1 << 20

// Server is the HTTP API server.
type Server struct {
	tasks    *service.TaskService
	auth     *auth.Service
	sessions session.Store
	mux      *http.ServeMux
	logger   *slog.Logger

	corsOrigin string
	ws         http.Handler
	sse        http.Handler
	metrics    http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithStreams mounts the WebSocket handler on /ws and the SSE handler on /events.
func WithStreams(ws, sse http.Handler) Option {
	return func(s *Server) {
		s.ws = ws
		s.sse = sse
	}
}

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithCORS allows cross-origin requests from origin.
func WithCORS(origin string) Option {
	return func(s *Server) { s.corsOrigin = origin }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a new Server.
func New(tasks *service.TaskService, authSvc *auth.Service, sessions session.Store, opts ...Option) *Server {
	s := &Server{
		tasks:    tasks,
		auth:     authSvc,
		sessions: sessions,
		mux:      http.NewServeMux(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.corsOrigin != "" {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.corsOrigin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// Auth
	s.handle("POST /api/auth/register", s.handleRegister)
	s.handle("POST /api/auth/login", s.handleLogin)
	s.handle("POST /api/auth/logout", s.authed(s.handleLogout))

	// Tasks
	s.handle("GET /api/tasks", s.authed(s.handleTaskList))
	s.handle("POST /api/tasks", s.authed(s.handleTaskCreate))
	s.handle("GET /api/tasks/{id}", s.authed(s.handleTaskGet))
	s.handle("PUT /api/tasks/{id}", s.authed(s.handleTaskUpdate))
	s.handle("DELETE /api/tasks/{id}", s.authed(s.handleTaskDelete))
	s.handle("PATCH /api/tasks/{id}/toggle", s.authed(s.handleTaskToggle))
	s.handle("GET /api/tasks/status/{status}", s.authed(s.handleTaskByStatus))
	s.handle("GET /api/tasks/priority/{priority}", s.authed(s.handleTaskByPriority))

	// Streams
	if s.ws != nil {
		s.mux.Handle("GET /ws", s.ws)
	}
	if s.sse != nil {
		s.mux.Handle("GET /events", s.sse)
	}

	// System
	s.handle("GET /health", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

// handle registers fn under pattern and records its request count and latency.
func (s *Server) handle(pattern string, fn http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		metrics.HTTPRequests.WithLabelValues(pattern, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPLatency.WithLabelValues(pattern).Observe(time.Since(start).Seconds())
	})
}

// authed admits requests that carry a bearer token of a live session and
// refreshes that session.
func (s *Server) authed(fn func(http.ResponseWriter, *http.Request, string, session.Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		token := ""
		if strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimSpace(h[len("Bearer "):])
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Access denied. No token provided.", "NO_TOKEN")
			return
		}
		sess, err := s.sessions.ValidateAndRefresh(r.Context(), token)
		if err != nil {
			if stdErrors.Is(err, warperrors.ErrUnauthenticated) {
				writeError(w, http.StatusUnauthorized, "Access denied. Invalid or expired token.", "INVALID_TOKEN")
				return
			}
			s.logger.Error("api: session lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error during authentication", "AUTH_ERROR")
			return
		}
		fn(w, r, token, sess)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sessions.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"activeSessions": stats.Active,
		"time":           time.Now().UTC(),
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), "INVALID_JSON")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: write json failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// writeErr maps a service error to its HTTP form.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var conflict *warperrors.LockConflictError
	switch {
	case stdErrors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":    warperrors.ErrLockConflict.Error(),
			"code":     "TASK_LOCKED",
			"lockedBy": conflict.LockedBy,
		})
	case stdErrors.Is(err, warperrors.ErrLockConflict):
		writeError(w, http.StatusConflict, err.Error(), "TASK_LOCKED")
	case stdErrors.Is(err, warperrors.ErrNotFound):
		writeError(w, http.StatusNotFound, "Task not found", "NOT_FOUND")
	case stdErrors.Is(err, auth.ErrMissingFields):
		writeError(w, http.StatusBadRequest, err.Error(), "MISSING_FIELDS")
	case stdErrors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error(), "WEAK_PASSWORD")
	case stdErrors.Is(err, auth.ErrInvalidEmail):
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_EMAIL")
	case stdErrors.Is(err, warperrors.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_INPUT")
	case stdErrors.Is(err, warperrors.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "User already exists with this email", "USER_EXISTS")
	case stdErrors.Is(err, warperrors.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error(), "INVALID_CREDENTIALS")
	case stdErrors.Is(err, warperrors.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "Access denied. Invalid or expired token.", "INVALID_TOKEN")
	default:
		s.logger.Error("api: request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL_ERROR")
	}
}

// statusRecorder captures the response status. It passes Flush and Hijack
// through so streaming handlers keep working behind it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
