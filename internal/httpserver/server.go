// Package httpserver exposes review triggers, progress streams and read
// endpoints over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/food-review/internal/auth"
	"github.com/sells-group/food-review/internal/metrics"
	"github.com/sells-group/food-review/internal/monitoring"
	"github.com/sells-group/food-review/internal/review"
	"github.com/sells-group/food-review/internal/store"
)

// Options configures the HTTP layer.
type Options struct {
	// ClassifierReady is false when no classifier credentials are configured;
	// triggers then answer 503.
	ClassifierReady bool
	CORSOrigins     []string
	// ReadTimeout bounds the non-streaming endpoints.
	ReadTimeout time.Duration
}

// Server wires handlers to the store, controller and authenticator.
type Server struct {
	store      store.Store
	controller *review.Controller
	auth       *auth.Authenticator
	collector  *monitoring.Collector
	opts       Options
}

// New creates a Server.
func New(st store.Store, controller *review.Controller, authn *auth.Authenticator, opts Options) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	return &Server{
		store:      st,
		controller: controller,
		auth:       authn,
		collector:  monitoring.NewCollector(st),
		opts:       opts,
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.opts.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", auth.CronSecretHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/review", func(r chi.Router) {
		r.Use(s.auth.Middleware(respondError))

		// Streaming and detached triggers are not bounded by ReadTimeout.
		r.Post("/runs", s.handleStartRun)
		r.Get("/runs/stream", s.handleStreamSSE)
		r.Post("/runs/stream", s.handleStreamSSE)
		r.Get("/runs/ws", s.handleStreamWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.opts.ReadTimeout))
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Get("/runs/{id}/suggestions", s.handleListSuggestions)
			r.Get("/stats", s.handleStats)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]any{
		"ok":         true,
		"time":       time.Now().UTC().Format(time.RFC3339Nano),
		"classifier": s.opts.ClassifierReady,
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = "down"
		status["error"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["db"] = "up"
	respondJSON(w, http.StatusOK, status)
}

func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordHTTPRequest(r.Method, route, status)
	})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Debug("httpserver: write response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
