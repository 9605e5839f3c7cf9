// Package healthsrv exposes the ambient health/metrics HTTP surface every
// process runs alongside its bus consumers, independent of any dashboard or
// CLI surface. Built around a chi router with Recoverer/RequestID/RealIP
// middleware, a logging middleware, and cors.Handler.
package healthsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Checker reports whether a dependency the process relies on (bus, DB,
// exchange connectivity) is currently healthy. Components register one
// Checker each; Server OR's across them for /healthz.
type Checker func() error

// Server is the minimal HTTP surface: /healthz and /metrics.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger

	component string
	checks    map[string]Checker
}

// New builds a Server for the given component name (e.g. "engine",
// "connector"), used to tag its /healthz response and log lines.
func New(component string, port int, log zerolog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       log.With().Str("component", "healthsrv").Str("process", component).Logger(),
		component: component,
		checks:    make(map[string]Checker),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// RegisterCheck adds a named dependency check; a failing check flips
// /healthz to 503 and reports the name and error.
func (s *Server) RegisterCheck(name string, c Checker) {
	s.checks[name] = c
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(10 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Msg("HTTP request")
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for name, check := range s.checks {
		if err := check(); err != nil {
			failures[name] = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if len(failures) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "unhealthy",
			"component": s.component,
			"failures":  failures,
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"component": s.component,
	})
}

// Start runs the HTTP server in the background; ListenAndServe errors other
// than http.ErrServerClosed are logged.
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("health server stopped unexpectedly")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
