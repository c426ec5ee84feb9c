// Package server implements the HTTP transport layer for the relay gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/relaymux/relay/internal"
	"github.com/relaymux/relay/internal/auth"
	"github.com/relaymux/relay/internal/pipeline"
	"github.com/relaymux/relay/internal/provider"
	"github.com/relaymux/relay/internal/ratelimit"
	"github.com/relaymux/relay/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// HealthReporter provides the latest provider probe results.
type HealthReporter interface {
	Snapshot() []gateway.ProviderHealth
}

// LogRecorder records request audit rows asynchronously.
type LogRecorder interface {
	RecordLog(gateway.RequestLog)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth       auth.Authenticator
	Pipeline   *pipeline.Pipeline
	Registry   *provider.Registry
	Health     HealthReporter      // nil = always healthy
	ReadyCheck ReadyChecker        // nil = always ready (for tests)
	Limiter    *ratelimit.Registry // nil = no rate limiting
	Limits     ratelimit.Limits    // per-credential bucket parameters
	Metrics    *telemetry.Metrics  // nil = no prometheus middleware
	Registerer prometheus.Gatherer // backing registry for /metrics; nil = no endpoint
	Logs       LogRecorder         // nil = no request log persistence
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Registerer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Registerer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Client-facing API (auth required)
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Use(s.rateLimit)
			r.Post("/completions", s.handleCompletion)
			r.Post("/completions/stream", s.handleCompletionStream)
			r.Post("/embeddings", s.handleEmbeddings)
			r.Get("/models", s.handleListModels)
			r.Get("/models/{id}", s.handleModelDetail)
			r.Get("/models/provider/{name}", s.handleModelsByProvider)
		})
	})

	return r
}

type server struct {
	deps Deps
}
