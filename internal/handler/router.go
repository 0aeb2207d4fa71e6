package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/metrics"
)

// NewRouter wires the API routes and middleware
func NewRouter(
	campaigns *CampaignHandler,
	webhook *WebhookHandler,
	health *HealthHandler,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggingMiddleware(logger))
	r.Use(CORSMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/health", health.Health)
	r.Get("/crm/health", health.CRMHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/campaigns", campaigns.Routes)

	r.Get("/webhook", webhook.Verify)
	r.Post("/webhook", webhook.Receive)

	return r
}
