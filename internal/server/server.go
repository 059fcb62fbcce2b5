// Package server implements the HTTP transport layer (C8): a thin
// chi-router adapter in front of the key lifecycle and admin
// orchestrators and the route/limits projector.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	controlplane "github.com/eumetnet/apikey-controlplane/internal"
	"github.com/eumetnet/apikey-controlplane/internal/limits"
	"github.com/eumetnet/apikey-controlplane/internal/orchestrator"
	"github.com/eumetnet/apikey-controlplane/internal/telemetry"
	"github.com/eumetnet/apikey-controlplane/internal/tokenvalidator"
)

const adminGroup = controlplane.GroupAdmin

// HealthCheck is one backend ping folded into the /health summary.
type HealthCheck struct {
	Name  string
	Check func(context.Context) error
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Keys           *orchestrator.KeyLifecycle
	Admin          *orchestrator.Admin
	Limits         *limits.Projector
	Validator      *tokenvalidator.Validator
	HealthChecks   []HealthCheck
	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	r.Get("/health", s.handleHealth)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/apikey", s.handleGetAPIKey)
		r.Delete("/apikey", s.handleDeleteAPIKey)
		r.Get("/routes", s.handleGetRoutes)

		r.Group(func(r chi.Router) {
			r.Use(s.requireGroup(adminGroup))
			r.Delete("/admin/users/{uuid}", s.handleAdminDelete)
			r.Put("/admin/users/{uuid}/disable", s.handleAdminDisable)
			r.Put("/admin/users/{uuid}/enable", s.handleAdminEnable)
			r.Put("/admin/users/{uuid}/update-group", s.handleAdminUpdateGroup)
			r.Put("/admin/users/{uuid}/remove-group", s.handleAdminRemoveGroup)
		})
	})

	return r
}

type server struct {
	deps Deps
}
