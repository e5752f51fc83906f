// Package server exposes the public Open Badges documents over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/badgehub/badgehub-core/pkg/issuance"
	"github.com/badgehub/badgehub-core/pkg/version"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Config holds the dependencies of a Server. Service is required.
type Config struct {
	Service  *issuance.Service
	Versions *version.Table

	// Gatherer serves /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Metrics  *Metrics

	Health map[string]HealthCheck
	Logger *zap.Logger
}

// Server routes the public endpoints.
type Server struct {
	svc      *issuance.Service
	versions *version.Table
	metrics  *Metrics
	health   map[string]HealthCheck
	logger   *zap.Logger
	router   chi.Router
}

// New creates a Server and mounts its routes.
func New(cfg Config) *Server {
	s := &Server{
		svc:      cfg.Service,
		versions: cfg.Versions,
		metrics:  cfg.Metrics,
		health:   cfg.Health,
		logger:   cfg.Logger,
	}
	if s.versions == nil {
		s.versions = version.NewTable()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/public", func(r chi.Router) {
		r.Get("/issuers/{id}", s.handleIssuer)
		r.Get("/issuers/{id}/revocations", s.handleRevocations)
		r.Get("/badges/{id}", s.handleBadgeClass)
		r.Get("/badges/{id}/image", s.handleBadgeImage)
		r.Get("/badges/{id}/criteria", s.handleCriteria)
		r.Get("/assertions/{id}", s.handleAssertion)
		r.Get("/assertions/{id}/image", s.handleAssertionImage)
		r.Get("/keys/{key}", s.handleKey)
		r.Get("/keys/{key}/assertions/{id}", s.handleSignedAssertion)
		r.Get("/keys/{key}/assertions/{id}/image", s.handleAssertionImage)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// observe logs and counts every request under its route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
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
		s.metrics.ObserveRequest(r.Method, route, status, time.Since(start))
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
