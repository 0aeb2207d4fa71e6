package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/service"
)

// CampaignHandler handles campaign HTTP requests
type CampaignHandler struct {
	campaignService service.CampaignService
	logger          *slog.Logger
}

// NewCampaignHandler creates a new campaign handler
func NewCampaignHandler(campaignService service.CampaignService, logger *slog.Logger) *CampaignHandler {
	return &CampaignHandler{
		campaignService: campaignService,
		logger:          logger,
	}
}

// Routes mounts the campaign endpoints
func (h *CampaignHandler) Routes(r chi.Router) {
	r.Post("/", h.CreateCampaign)
	r.Get("/", h.ListCampaigns)
	r.Post("/dry-run", h.DryRun)
	r.Get("/{id}", h.GetCampaign)
	r.Post("/{id}/targets", h.AddTargets)
	r.Post("/{id}/start", h.transition(h.campaignService.Start))
	r.Post("/{id}/pause", h.transition(h.campaignService.Pause))
	r.Post("/{id}/resume", h.transition(h.campaignService.Resume))
	r.Post("/{id}/cancel", h.transition(h.campaignService.Cancel))
}

// CreateCampaign handles POST /campaigns
func (h *CampaignHandler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req service.CreateCampaignRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.campaignService.Create(r.Context(), &req)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondCreated(w, result)
}

// DryRun handles POST /campaigns/dry-run
func (h *CampaignHandler) DryRun(w http.ResponseWriter, r *http.Request) {
	var req service.DryRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.campaignService.DryRun(r.Context(), &req)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondSuccess(w, result)
}

// ListCampaigns handles GET /campaigns
func (h *CampaignHandler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page, _ := strconv.Atoi(query.Get("page"))
	pageSize, _ := strconv.Atoi(query.Get("page_size"))

	filter := models.CampaignFilter{
		Status:   query.Get("status"),
		Page:     page,
		PageSize: pageSize,
	}

	result, err := h.campaignService.List(r.Context(), filter)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondSuccess(w, result)
}

// GetCampaign handles GET /campaigns/{id}
func (h *CampaignHandler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	campaign, err := h.campaignService.GetByID(r.Context(), id)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondSuccess(w, campaign)
}

// AddTargets handles POST /campaigns/{id}/targets
func (h *CampaignHandler) AddTargets(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	var req service.AddTargetsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.campaignService.AddTargets(r.Context(), id, &req)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondSuccess(w, result)
}

// transition adapts a lifecycle operation to POST /campaigns/{id}/{action}
func (h *CampaignHandler) transition(op func(ctx context.Context, id int64) (*service.TransitionResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := campaignID(w, r)
		if !ok {
			return
		}

		result, err := op(r.Context(), id)
		if err != nil {
			handleError(w, err, h.logger)
			return
		}

		respondSuccess(w, result)
	}
}

func campaignID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid campaign ID")
		return 0, false
	}
	return id, true
}
