package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/crm"
)

// Pinger is a dependency whose reachability is reported by /health
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger
type PingerFunc func(ctx context.Context) error

// Ping calls f
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// CRMHealthChecker reports CRM token state
type CRMHealthChecker interface {
	Health(ctx context.Context) (*crm.Health, error)
}

// HealthHandler handles health check requests
type HealthHandler struct {
	db     Pinger
	redis  Pinger
	crm    CRMHealthChecker
	logger *slog.Logger
}

// NewHealthHandler creates a new health handler; redis and crm may be nil
func NewHealthHandler(db Pinger, redis Pinger, crmChecker CRMHealthChecker, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		db:     db,
		redis:  redis,
		crm:    crmChecker,
		logger: logger,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:   "healthy",
		Services: make(map[string]string),
	}

	check := func(name string, p Pinger) {
		if p == nil {
			response.Services[name] = "not_configured"
			return
		}
		if err := p.Ping(ctx); err != nil {
			h.logger.Error(name+" health check failed", slog.String("error", err.Error()))
			response.Status = "unhealthy"
			response.Services[name] = "unhealthy"
			return
		}
		response.Services[name] = "healthy"
	}

	check("database", h.db)
	check("redis", h.redis)

	if response.Status == "healthy" {
		respondSuccess(w, response)
	} else {
		respondJSON(w, http.StatusServiceUnavailable, response)
	}
}

// CRMHealth handles GET /crm/health
func (h *HealthHandler) CRMHealth(w http.ResponseWriter, r *http.Request) {
	if h.crm == nil {
		respondError(w, http.StatusNotFound, "NOT_CONFIGURED", "CRM is not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	health, err := h.crm.Health(ctx)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	if health.Error != "" {
		respondJSON(w, http.StatusBadGateway, health)
		return
	}
	respondSuccess(w, health)
}
