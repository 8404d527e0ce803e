// Package api serves the read-mostly HTTP status surface of a running
// orchestration core.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/orchestrator"
)

// Server exposes component, circuit, admission, context and operation state.
type Server struct {
	router      chi.Router
	rt          *orchestrator.Runtime
	logger      *slog.Logger
	corsOrigins []string
	timeout     time.Duration
	// allowCommands permits tasks carrying a shell command.
	allowCommands bool
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCORSOrigins sets the allowed origins. Empty disables CORS, so
// browsers on other origins cannot read responses or send JSON.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// WithCommandExecution lets submitted tasks carry a shell command.
func WithCommandExecution(enabled bool) ServerOption {
	return func(s *Server) {
		s.allowCommands = enabled
	}
}

// WithRequestTimeout bounds each request.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewServer creates a server over rt.
func NewServer(rt *orchestrator.Runtime, opts ...ServerOption) *Server {
	s := &Server{
		rt:      rt,
		logger:  slog.Default(),
		timeout: 60 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	if len(s.corsOrigins) > 0 {
		corsHandler := cors.New(cors.Options{
			AllowedOrigins:   s.corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
			AllowCredentials: false,
			MaxAge:           300,
		})
		r.Use(corsHandler.Handler)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.timeout))
		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.rt.Prometheus.Registry(), promhttp.HandlerOpts{}))
	})

	r.Route("/api/v1", func(r chi.Router) {
		// The event stream lives as long as the client stays connected.
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.timeout))
			r.Get("/components", s.handleComponents)

			r.Route("/circuits", func(r chi.Router) {
				r.Get("/", s.handleListCircuits)
				r.With(requireJSON).Post("/reset", s.handleResetCircuits)
				r.Get("/{name}", s.handleGetCircuit)
			})

			r.Get("/admission", s.handleAdmission)
			r.Get("/contexts", s.handleContexts)

			r.Route("/operations", func(r chi.Router) {
				r.Get("/", s.handleListOperations)
				r.With(requireJSON).Post("/", s.handleStartOperation)
				r.Route("/{operationID}", func(r chi.Router) {
					r.Get("/", s.handleGetOperation)
					r.Get("/aggregate", s.handleAggregate)
					r.With(requireJSON).Post("/cancel", s.handleCancelOperation)
				})
			})
		})
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// requireJSON rejects requests not declaring an application/json body.
// Bodiless requests must declare it too, so a cross-site form post cannot
// trigger a state change.
func requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mt != "application/json" {
			respondError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// ListenAndServe serves until ctx ends, then shuts the listener down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
