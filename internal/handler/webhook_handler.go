package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/service"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/whatsapp"
)

// maxWebhookBytes bounds a single provider callback
const maxWebhookBytes = 1 << 20

// WebhookHandler receives provider callbacks
type WebhookHandler struct {
	reconciler  service.ReconcileService
	appSecret   string
	verifyToken string
	logger      *slog.Logger
}

// NewWebhookHandler creates a new webhook handler. An empty appSecret disables
// signature verification.
func NewWebhookHandler(reconciler service.ReconcileService, appSecret, verifyToken string, logger *slog.Logger) *WebhookHandler {
	if appSecret == "" {
		logger.Warn("webhook signature verification disabled: no app secret configured")
	}
	return &WebhookHandler{
		reconciler:  reconciler,
		appSecret:   appSecret,
		verifyToken: verifyToken,
		logger:      logger,
	}
}

// Verify handles GET /webhook, the subscription handshake
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if query.Get("hub.mode") != "subscribe" || h.verifyToken == "" || query.Get("hub.verify_token") != h.verifyToken {
		respondError(w, http.StatusForbidden, "FORBIDDEN", "Verification failed")
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, query.Get("hub.challenge"))
}

// Receive handles POST /webhook. Once the signature checks out the provider always
// gets a fast 200 unless the event log itself could not be written.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Request body too large")
		return
	}

	if !whatsapp.ValidSignature(body, r.Header.Get(whatsapp.SignatureHeader), h.appSecret) {
		h.logger.Warn("webhook signature rejected", slog.String("remote_addr", r.RemoteAddr))
		respondError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "Invalid signature")
		return
	}

	var payload whatsapp.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Warn("ignoring malformed webhook payload", slog.String("error", err.Error()))
		respondSuccess(w, map[string]string{"status": "ignored"})
		return
	}

	summary, err := h.reconciler.HandleWebhook(r.Context(), &payload)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	h.logger.Debug("webhook handled",
		slog.Int("statuses", summary.Statuses),
		slog.Int("messages", summary.Messages),
		slog.Int("matched", summary.Matched),
	)

	respondSuccess(w, summary)
}
