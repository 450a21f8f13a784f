// Package httpapi is the HTTP external interface (spec §6): merchant and
// session CRUD, analytics and webhook-log endpoints, health checks, and the
// /ws upgrade to the Subscription Hub. Routing, request validation, and
// outer-surface concerns live here by design (spec §1 lists the HTTP routing
// framework and request validation as external collaborators the core only
// consumes a narrow contract from); the Engine underneath owns every
// lifecycle decision.
package httpapi

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"kasgate/internal/config"
	"kasgate/internal/engine"
)

// Server holds everything the HTTP handlers need.
type Server struct {
	engine  *engine.Engine
	cfg     config.Config
	logger  *slog.Logger
	devMode bool
	obs     *observability
}

// NewRouter builds the full chi router: CORS split by surface, observability,
// rate limiting, auth, and every route in spec §6's table.
func NewRouter(e *engine.Engine, cfg config.Config, logger *slog.Logger) *chi.Mux {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:  e,
		cfg:     cfg,
		logger:  logger,
		devMode: cfg.Env != "production",
		obs:     newObservability(),
	}

	cors := corsConfig{allowedOrigins: cfg.CORSAllowedOrigins}
	general := newRateLimiter(1000, time.Minute)
	merchantCreate := newRateLimiter(10, time.Hour)
	sessionCreate := newRateLimiter(100, time.Minute)
	auth := requireAPIKey(e.Merchants)

	r := chi.NewRouter()
	r.Use(limitBody)
	r.Use(s.obs.middleware)

	r.Route("/health", func(hr chi.Router) {
		hr.Use(cors.anyOrigin)
		hr.Get("/", s.handleHealth)
		hr.Get("/detailed", s.handleHealthDetailed)
		hr.Get("/ready", s.handleHealthReady)
		hr.Get("/live", s.handleHealthLive)
	})

	r.Get("/ws", e.Hub.ServeHTTP)

	r.Route("/api/v1", func(ar chi.Router) {
		ar.Use(cors.allowlisted)
		ar.Use(general.middleware)

		ar.With(merchantCreate.middleware).Post("/merchants", s.handleCreateMerchant)

		ar.Route("/merchants/me", func(mr chi.Router) {
			mr.Use(auth)
			mr.Get("/", s.handleGetMerchant)
			mr.Patch("/", s.handleUpdateMerchant)
			mr.Post("/regenerate-api-key", s.handleRegenerateAPIKey)
			mr.Post("/regenerate-webhook-secret", s.handleRegenerateWebhookSecret)
			mr.Get("/sessions", s.handleListSessions)
			mr.Get("/stats", s.handleStats)
			mr.Get("/analytics", s.handleAnalytics)
			mr.Get("/webhook-logs", s.handleListWebhookLogs)
			mr.Post("/webhook-logs/{id}/retry", s.handleRetryWebhook)
		})

		ar.With(sessionCreate.middleware, auth).Post("/sessions", s.handleCreateSession)
		ar.Get("/sessions/{id}", s.handleGetSession)
		ar.Get("/sessions/{id}/status", s.handleSessionStatus)
		ar.With(auth).Post("/sessions/{id}/cancel", s.handleCancelSession)
	})

	r.Get("/metrics", s.obs.metricsHandler().ServeHTTP)

	return r
}

// WithTelemetry wraps the router with otelhttp instrumentation for the
// listening server, matching the teacher's own main.go wiring.
func WithTelemetry(handler *chi.Mux, serviceName string) *otelhttp.Handler {
	return otelhttp.NewHandler(handler, serviceName)
}
