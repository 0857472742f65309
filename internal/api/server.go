package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/opwatch/internal/metrics"
	"github.com/JakeFAU/opwatch/internal/monitor"
	"github.com/JakeFAU/opwatch/internal/operation"
	"github.com/JakeFAU/opwatch/internal/registry"
	"github.com/JakeFAU/opwatch/internal/store"
)

// Monitors is the subset of the registry the API drives.
type Monitors interface {
	Start(requestID string, kind registry.Kind) (registry.Snapshot, error)
	Get(id uuid.UUID) (registry.Snapshot, error)
	List() []registry.Snapshot
	Cancel(id uuid.UUID) (registry.Snapshot, error)
	Active() int
}

// ReadinessCheck reports whether a downstream dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Server wires HTTP handlers to the monitor registry and run history.
type Server struct {
	router   chi.Router
	monitors Monitors
	history  *HistoryHandler
	checks   map[string]ReadinessCheck
	logger   *zap.Logger
}

const (
	requestTimeout   = 30 * time.Second
	readinessTimeout = 2 * time.Second
	maxBodyBytes     = 1 << 20
)

// Option customizes a Server.
type Option func(*Server)

// WithReadinessCheck adds a named check run by /readyz.
func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(s *Server) {
		if check != nil {
			s.checks[name] = check
		}
	}
}

// NewServer constructs a Server with middleware and routes. repo may be nil when no history
// backend is configured; the history routes then answer 503.
func NewServer(monitors Monitors, repo store.OperationRepository, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		monitors: monitors,
		history:  NewHistoryHandler(repo, logger.Named("history")),
		checks:   make(map[string]ReadinessCheck),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/operations", func(r chi.Router) {
			r.Post("/", s.startOperation)
			r.Get("/", s.listOperations)
			r.Route("/{monitor_id}", func(r chi.Router) {
				r.Get("/", s.getOperation)
				r.Post("/cancel", s.cancelOperation)
			})
		})
		r.Route("/history", func(r chi.Router) {
			r.Get("/", s.history.ListRuns)
			r.Get("/runs/{monitor_id}", s.history.GetRun)
			r.Get("/{request_id}", s.history.ListRunsByRequest)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_monitors": s.monitors.Active(),
	})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	failures := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failures", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) startOperation(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	requestID := strings.TrimSpace(string(req.RequestID))
	if requestID == "" {
		writeError(w, http.StatusBadRequest, "request_id required")
		return
	}
	requestID, err := operation.ParseRequestID(requestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := registry.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := s.monitors.Start(requestID, kind)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, registry.ErrDuplicate):
			status = http.StatusConflict
		case errors.Is(err, registry.ErrCapacity):
			status = http.StatusTooManyRequests
		case errors.Is(err, registry.ErrClosed):
			status = http.StatusServiceUnavailable
		case errors.Is(err, monitor.ErrEmptyRequestID):
			status = http.StatusBadRequest
		}
		if status == http.StatusInternalServerError {
			s.logger.Error("start monitor failed", zap.String("request_id", requestID), zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}
	w.Header().Set("Location", "/v1/operations/"+snap.ID.String())
	writeJSON(w, http.StatusAccepted, map[string]any{"operation": toOperationDTO(snap, true)})
}

func (s *Server) listOperations(w http.ResponseWriter, _ *http.Request) {
	snaps := s.monitors.List()
	out := make([]operationDTO, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, toOperationDTO(snap, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": out})
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	id, err := parseMonitorID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := s.monitors.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operation": toOperationDTO(snap, true)})
}

func (s *Server) cancelOperation(w http.ResponseWriter, r *http.Request) {
	id, err := parseMonitorID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := s.monitors.Cancel(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operation": toOperationDTO(snap, false)})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("http_request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
