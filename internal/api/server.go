// Package api exposes the HTTP interface for the ingestion service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sitekraft/presence/internal/ingest"
	"github.com/sitekraft/presence/internal/progress"
)

// Config controls HTTP behavior.
type Config struct {
	// RequestTimeout bounds regular request handling. Event streams are
	// exempt; they run until the task finishes or the client disconnects.
	RequestTimeout time.Duration
	// SyncTimeout bounds the synchronous reviews path end to end.
	SyncTimeout time.Duration
}

// TaskService is the slice of the orchestrator the HTTP layer needs.
type TaskService interface {
	Submit(ctx context.Context, tenantID string, kind ingest.TaskKind, input ingest.TaskInput) (string, error)
	Get(ctx context.Context, taskID string) (ingest.Task, error)
	List(ctx context.Context, tenantID string, limit, offset int) ([]ingest.Task, error)
	Await(ctx context.Context, taskID string) (ingest.Task, error)
	Subscribe(taskID string) (<-chan progress.Event, func())
}

// Server wires HTTP handlers to the orchestrator and record store.
type Server struct {
	router     chi.Router
	tasks      TaskService
	records    ingest.RecordStore
	authorizer ingest.Authorizer
	registry   *prometheus.Registry
	cfg        Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	tasks TaskService,
	records ingest.RecordStore,
	authorizer ingest.Authorizer,
	registry *prometheus.Registry,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 6 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		tasks:      tasks,
		records:    records,
		authorizer: authorizer,
		registry:   registry,
		cfg:        cfg,
		logger:     logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", s.metricsHandler())

	// The SSE stream stays outside the timeout handler so it can run for the
	// life of the task. The reviews submit sits outside too: its synchronous
	// form waits up to SyncTimeout, which exceeds RequestTimeout, and degrades
	// to 202 on its own deadline.
	r.Get("/ingestion/tasks/{task_id}/events", s.streamTaskEvents)
	r.Post("/ingestion/reviews", s.submitReviews)

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))

		r.Route("/ingestion", func(r chi.Router) {
			r.Post("/domain-scrape", s.submitDomainScrape)
			r.Post("/instagram", s.submitInstagram)
			r.Get("/tasks", s.listTasks)
			r.Get("/tasks/{task_id}", s.getTask)
		})

		r.Get("/reviews", s.listReviews)
		r.Get("/social-posts", s.listSocialPosts)
		r.Delete("/social-posts/{record_id}", s.deleteSocialPost)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) metricsHandler() http.Handler {
	if s.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// authorize resolves the bearer token and checks tenant ownership. It writes
// the error response itself and reports whether the caller may proceed.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenantId is required")
		return false
	}
	if s.authorizer == nil {
		return true
	}
	ok, err := s.authorizer.Authorize(r.Context(), bearerToken(r), tenantID)
	if err != nil {
		s.logger.Error("authorization check failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "authorization check failed")
		return false
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return r.Header.Get("X-Session-Token")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

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
