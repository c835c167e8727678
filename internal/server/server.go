// Package server assembles the HTTP API: health probes, version, and the
// usage/report/user endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/hpcmeter/internal/errors"
	"github.com/3leaps/hpcmeter/internal/server/handlers"
	"github.com/3leaps/hpcmeter/internal/server/middleware"
)

// Timeouts configures the HTTP server's connection handling.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

// DefaultTimeouts returns production-safe connection timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Read:     30 * time.Second,
		Write:    30 * time.Second,
		Idle:     120 * time.Second,
		Shutdown: 10 * time.Second,
	}
}

// Server is the HTTP API server.
type Server struct {
	host     string
	port     int
	timeouts Timeouts
	router   chi.Router
	log      *zap.Logger
}

// New builds the server and its routes. api may be nil, in which case
// only the health and version endpoints are registered; version is the
// build metadata served on /version.
func New(host string, port int, api *handlers.UsageAPI, version handlers.VersionInfo, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		host:     host,
		port:     port,
		timeouts: DefaultTimeouts(),
		log:      log,
	}
	s.router = s.buildRouter(api, version)
	return s
}

// WithTimeouts overrides the connection timeouts.
func (s *Server) WithTimeouts(t Timeouts) *Server {
	s.timeouts = t
	return s
}

func (s *Server) buildRouter(api *handlers.UsageAPI, version handlers.VersionInfo) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.RequestLogger(s.log))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteJSON(w, http.StatusNotFound,
			apperrors.CodeNotFound, "resource not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteJSON(w, http.StatusMethodNotAllowed,
			apperrors.CodeMethodNotAllowed, "method not allowed", nil)
	})

	if hm := handlers.Manager(); hm != nil {
		r.Get("/health", hm.HealthHandler)
		r.Get("/health/live", hm.LivenessHandler)
		r.Get("/health/ready", hm.ReadinessHandler)
		r.Get("/health/startup", hm.StartupHandler)
	}
	r.Get("/version", handlers.VersionHandler(version))

	if api != nil {
		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/usage", api.Usage)
			r.Get("/reports", api.ReportMonths)
			r.Get("/reports/{month}", api.Report)
			r.Get("/users", api.Users)
		})
	}

	return r
}

// Handler returns the assembled router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the configured listen port.
func (s *Server) Port() int { return s.port }

// Addr returns the listen address.
func (s *Server) Addr() string { return fmt.Sprintf("%s:%d", s.host, s.port) }

// Start serves until ctx is cancelled, then shuts down gracefully within
// the shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.timeouts.Read,
		WriteTimeout: s.timeouts.Write,
		IdleTimeout:  s.timeouts.Idle,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.Addr()))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.timeouts.Shutdown)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
