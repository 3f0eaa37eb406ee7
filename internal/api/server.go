// Package api exposes the operator REST interface under /api/v2.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/fqdn-intel/internal/assistant"
	"github.com/JakeFAU/fqdn-intel/internal/health"
	"github.com/JakeFAU/fqdn-intel/internal/intake"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
	"github.com/JakeFAU/fqdn-intel/internal/metrics"
	"github.com/JakeFAU/fqdn-intel/internal/policy"
)

// Admitter admits manually submitted FQDNs.
type Admitter interface {
	Admit(ctx context.Context, raw, source string, priority int) (intake.Result, error)
}

// Monitor serves the stats, health and bottleneck views.
type Monitor interface {
	Stats(ctx context.Context) (health.Stats, error)
	Health(ctx context.Context) health.Report
	Bottlenecks(ctx context.Context) (health.Bottlenecks, error)
}

// Requeuer moves failed items back to their stage.
type Requeuer interface {
	RequeueFailed(ctx context.Context, age time.Duration) ([]intel.Requeue, error)
}

// FeedRunner owns fetch state for feeds.
type FeedRunner interface {
	FetchNow(ctx context.Context, id string) (intel.Feed, error)
	Delete(ctx context.Context, id string) error
}

// PolicyReloader recompiles rules after a policy change.
type PolicyReloader interface {
	Reload(ctx context.Context) error
}

// Rechecker re-applies the current rules to admitted items.
type Rechecker interface {
	Run(ctx context.Context) (policy.RecheckResult, error)
}

// Categories manages categories and their cascades.
type Categories interface {
	Create(ctx context.Context, name, description string) (intel.Category, error)
	List(ctx context.Context) ([]intel.Category, error)
	Update(ctx context.Context, id, name, description string) (intel.Category, error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) ([]intel.CategoryStat, error)
}

// Knowledge edits KB rows and serves semantic search.
type Knowledge interface {
	Edit(ctx context.Context, fqdn string, patch intel.KBPatch) (intel.KBItem, error)
	Delete(ctx context.Context, fqdn string) error
	Rebuild(ctx context.Context, fqdn string) (intel.KBItem, error)
	RebuildAll(ctx context.Context) (int, error)
	Search(ctx context.Context, query string, k int) ([]intel.Match, error)
}

// Assistant answers analyst questions from the knowledge base.
type Assistant interface {
	Ask(ctx context.Context, q assistant.Question) (assistant.Answer, error)
}

// Deps are the collaborators behind the handlers.
type Deps struct {
	Store      intel.Store
	Admitter   Admitter
	Monitor    Monitor
	Requeuer   Requeuer
	Feeds      FeedRunner
	Policies   PolicyReloader
	Rechecker  Rechecker
	Categories Categories
	Knowledge  Knowledge
	Assistant  Assistant
}

// Options configures middleware.
type Options struct {
	RequestTimeout time.Duration
	APIKey         string
	// ManualPriority is applied to POST /pipeline/items without a priority.
	ManualPriority int
}

// Server wires HTTP handlers to the pipeline components.
type Server struct {
	router chi.Router
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.ManualPriority == 0 {
		opts.ManualPriority = intel.PriorityHigh
	}
	s := &Server{deps: deps, opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v2", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/pipeline", func(r chi.Router) {
			r.Get("/items", s.listItems)
			r.Post("/items", s.createItem)
			r.Get("/items/{id}", s.getItem)
			r.Get("/stats", s.stats)
			r.Get("/stats/bottlenecks", s.bottlenecks)
			r.Get("/health", s.health)
			r.Get("/logs", s.listLogs)
			r.Post("/control/flush_failed", s.flushFailed)
		})
		r.Route("/feeds", func(r chi.Router) {
			r.Get("/", s.listFeeds)
			r.Post("/", s.createFeed)
			r.Put("/{id}", s.updateFeed)
			r.Delete("/{id}", s.deleteFeed)
			r.Put("/{id}/toggle", s.toggleFeed)
			r.Post("/{id}/fetch_now", s.fetchNow)
		})
		r.Route("/policies", func(r chi.Router) {
			r.Get("/", s.listPolicies)
			r.Post("/", s.createPolicy)
			r.Delete("/{id}", s.deletePolicy)
			r.Post("/recheck", s.recheckPolicies)
		})
		r.Route("/categories", func(r chi.Router) {
			r.Get("/", s.listCategories)
			r.Post("/", s.createCategory)
			r.Get("/stats", s.categoryStats)
			r.Put("/{id}", s.updateCategory)
			r.Delete("/{id}", s.deleteCategory)
		})
		r.Route("/kb", func(r chi.Router) {
			r.Get("/items", s.listKB)
			r.Get("/stats", s.kbStats)
			r.Get("/search", s.searchKB)
			r.Patch("/items/{fqdn}", s.patchKB)
			r.Delete("/items/{fqdn}", s.deleteKB)
			r.Post("/items/{fqdn}/rebuild", s.rebuildKB)
			r.Post("/rebuild", s.rebuildAllKB)
		})
		r.Post("/intelligence/chat", s.chat)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "detail": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
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
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: string(intel.KindInternal), Detail: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"timeout","detail":"request timed out"}`)
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","detail":"missing or invalid api key"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
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
