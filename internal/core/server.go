// Package core provides the API chassis for the Notifly platform.
// It creates a chi router compatible with both standard HTTP (for local dev)
// and AWS Lambda Proxy Integration (via chiadapter). It enforces cross-cutting
// concerns such as logging, observability, and error handling before requests
// reach domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"notifly/internal/config"
)

// MetricsCollector defines the interface for recording API telemetry.
// Implementations record request latency and count metrics to CloudWatch
// or equivalent backends.
type MetricsCollector interface {
	// RecordRequest records API request metrics including latency and count.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// Server encapsulates all dependencies for the Notifly API, allowing for
// easy injection during testing and distinct configuration for different
// environments.
//
// Optional collaborators (Metrics, RateLimitStore, HealthProbes) may be left
// unset; the corresponding middleware and endpoints degrade gracefully.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector

	// RateLimitStore backs the per-client rate limiting middleware.
	// When nil, rate limiting is disabled.
	RateLimitStore RateLimitStore

	// HealthProbes are executed concurrently by GET /health.
	HealthProbes []HealthProbe

	// V1RouteRegistrars register feature routes under /v1. Each registrar is
	// invoked with the /v1 sub-router during MountRoutes, keeping the chassis
	// free of domain imports.
	V1RouteRegistrars []func(chi.Router)

	// closers are resources released during Shutdown, in registration order.
	closers []func() error

	// Internal router
	router *chi.Mux
}

// NewServer initializes dependencies, sets up the router, and prepares the
// server for route mounting. It performs a "fail-fast" check on critical
// configuration.
//
// The caller is responsible for mounting routes (via MountRoutes or equivalent)
// after construction. This separation allows tests to customize route
// registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}

	return s, nil
}

// Handler returns the http.Handler interface for the router.
// Used by http.ListenAndServe (local) and chiadapter.New (Lambda).
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
// This is used internally by route-mounting methods and tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// RegisterCloser records a resource to release during Shutdown (database
// pools, cache clients). Closers run in registration order.
func (s *Server) RegisterCloser(close func() error) {
	s.closers = append(s.closers, close)
}

// Shutdown performs a graceful termination of server resources. Every
// registered closer runs even if an earlier one fails; the first error is
// returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var firstErr error
	for _, close := range s.closers {
		if err := close(); err != nil {
			s.Logger.Error("error closing server resource", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("closing server resources: %w", firstErr)
	}

	s.Logger.Info("server shutdown complete")
	return nil
}
