package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/events"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/metrics"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/phone"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/repository"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/whatsapp"
)

// seenTTL is how long a handled callback is remembered for duplicate suppression
const seenTTL = 24 * time.Hour

// providerStatuses maps provider delivery vocabulary onto target statuses
var providerStatuses = map[string]string{
	"sent":      models.TargetStatusSent,
	"delivered": models.TargetStatusDelivered,
	"read":      models.TargetStatusRead,
	"failed":    models.TargetStatusFailed,
}

// ReconcileSummary counts what one webhook delivery did
type ReconcileSummary struct {
	Statuses  int `json:"statuses"`
	Messages  int `json:"messages"`
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
}

// ReconcileService applies provider callbacks to targets
type ReconcileService interface {
	HandleWebhook(ctx context.Context, payload *whatsapp.WebhookPayload) (*ReconcileSummary, error)
}

type reconcileService struct {
	targetRepo    repository.TargetRepository
	messageRepo   repository.MessageRepository
	crm           CRMClient
	publisher     events.Publisher
	normalizer    *phone.Normalizer
	seen          *cache.Cache
	phoneFallback bool
	now           func() time.Time
	logger        *slog.Logger
}

// ReconcileOptions tunes reply correlation
type ReconcileOptions struct {
	// ReplyPhoneFallback matches replies without a context ID to the most recently
	// updated target with the sender's phone. It can attach a reply to the wrong
	// campaign when several campaigns message the same number.
	ReplyPhoneFallback bool
	Now                func() time.Time
}

// NewReconcileService creates a new status reconciler; crmClient may be nil
func NewReconcileService(
	targetRepo repository.TargetRepository,
	messageRepo repository.MessageRepository,
	crmClient CRMClient,
	publisher events.Publisher,
	normalizer *phone.Normalizer,
	opts ReconcileOptions,
	logger *slog.Logger,
) ReconcileService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &reconcileService{
		targetRepo:    targetRepo,
		messageRepo:   messageRepo,
		crm:           crmClient,
		publisher:     publisher,
		normalizer:    normalizer,
		seen:          cache.New(seenTTL, time.Hour),
		phoneFallback: opts.ReplyPhoneFallback,
		now:           opts.Now,
		logger:        logger,
	}
}

// HandleWebhook records and applies every status and message in the delivery.
// Per-item failures are logged; only event-log write failures are returned.
func (s *reconcileService) HandleWebhook(ctx context.Context, payload *whatsapp.WebhookPayload) (*ReconcileSummary, error) {
	summary := &ReconcileSummary{}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, st := range change.Value.Statuses {
				summary.Statuses++
				matched, err := s.handleStatus(ctx, st)
				if err != nil {
					return summary, err
				}
				s.count(summary, models.EventTypeStatus, matched)
			}
			for _, msg := range change.Value.Messages {
				summary.Messages++
				matched, err := s.handleMessage(ctx, msg, change.Value.Contacts)
				if err != nil {
					return summary, err
				}
				s.count(summary, models.EventTypeMessage, matched)
			}
		}
	}

	return summary, nil
}

func (s *reconcileService) count(summary *ReconcileSummary, eventType string, matched bool) {
	result := "unmatched"
	if matched {
		result = "matched"
		summary.Matched++
	} else {
		summary.Unmatched++
	}
	metrics.WebhookEventsTotal.WithLabelValues(eventType, result).Inc()
}

func (s *reconcileService) record(ctx context.Context, eventType, providerMessageID string, item any) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	return s.messageRepo.CreateEvent(ctx, &models.EventRecord{
		Type:              eventType,
		ProviderMessageID: providerMessageID,
		Payload:           raw,
	})
}

func (s *reconcileService) handleStatus(ctx context.Context, st whatsapp.Status) (bool, error) {
	if err := s.record(ctx, models.EventTypeStatus, st.ID, st); err != nil {
		return false, err
	}

	target, err := s.targetRepo.GetByProviderMessageID(ctx, st.ID)
	if models.IsNotFound(err) {
		s.logger.Debug("status for unknown message", slog.String("message_id", st.ID))
		return false, nil
	}
	if err != nil {
		s.logWarn("failed to look up target", err, slog.String("message_id", st.ID))
		return false, nil
	}

	next, known := providerStatuses[strings.ToLower(st.Status)]
	if !known || next == target.Status || !models.AdvancesFrom(target.Status, next) {
		if err := s.targetRepo.Touch(ctx, target.ID); err != nil {
			s.logWarn("failed to touch target", err, slog.Int64("target_id", target.ID))
		}
		return true, nil
	}

	var lastError *string
	if next == models.TargetStatusFailed {
		reason := failureReason(st.Errors)
		lastError = &reason
	}

	if err := s.targetRepo.UpdateStatus(ctx, target.ID, next, lastError); err != nil {
		s.logWarn("failed to update target status", err, slog.Int64("target_id", target.ID))
		return true, nil
	}

	s.logger.Info("target status reconciled",
		slog.Int64("campaign_id", target.CampaignID),
		slog.Int64("target_id", target.ID),
		slog.String("from", target.Status),
		slog.String("to", next),
	)

	event := events.TargetStatusChanged{
		CampaignID:        target.CampaignID,
		TargetID:          target.ID,
		Phone:             target.Phone,
		Status:            next,
		ProviderMessageID: st.ID,
		OccurredAt:        s.now(),
	}
	if lastError != nil {
		event.Error = *lastError
	}
	if err := s.publisher.Publish(ctx, events.RoutingTargetStatus, event); err != nil {
		s.logWarn("failed to publish status change", err, slog.Int64("target_id", target.ID))
	}

	if s.firstTime("status|" + st.ID + "|" + next) {
		s.notifyCRM(ctx, target, statusComment(target, next, lastError))
	}

	return true, nil
}

func (s *reconcileService) handleMessage(ctx context.Context, msg whatsapp.Message, contacts []whatsapp.Contact) (bool, error) {
	contextID := ""
	if msg.Context != nil {
		contextID = msg.Context.ID
	}

	if err := s.record(ctx, models.EventTypeMessage, msg.ID, msg); err != nil {
		return false, err
	}

	target := s.replyTarget(ctx, contextID, msg.From)
	if target == nil {
		s.logger.Debug("reply not correlated",
			slog.String("message_id", msg.ID),
			slog.String("context_id", contextID),
		)
		return false, nil
	}

	if err := s.targetRepo.Touch(ctx, target.ID); err != nil {
		s.logWarn("failed to touch target", err, slog.Int64("target_id", target.ID))
	}

	name := ""
	for _, c := range contacts {
		if c.WaID == msg.From {
			name = c.Profile.Name
		}
	}

	if err := s.publisher.Publish(ctx, events.RoutingTargetReply, events.TargetStatusChanged{
		CampaignID:        target.CampaignID,
		TargetID:          target.ID,
		Phone:             target.Phone,
		Status:            target.Status,
		ProviderMessageID: msg.ID,
		OccurredAt:        s.now(),
	}); err != nil {
		s.logWarn("failed to publish reply", err, slog.Int64("target_id", target.ID))
	}

	if s.firstTime("message|" + msg.ID) {
		s.notifyCRM(ctx, target, replyComment(msg, name))
	}

	return true, nil
}

// replyTarget correlates by the replied-to message first, then by phone when enabled
func (s *reconcileService) replyTarget(ctx context.Context, contextID, from string) *models.Target {
	if contextID != "" {
		target, err := s.targetRepo.GetByProviderMessageID(ctx, contextID)
		if err == nil {
			return target
		}
		if !models.IsNotFound(err) {
			s.logWarn("failed to look up target", err, slog.String("message_id", contextID))
			return nil
		}
	}

	if !s.phoneFallback {
		return nil
	}

	normalized, ok := s.normalizer.NormalizeValid(from)
	if !ok {
		return nil
	}
	target, err := s.targetRepo.GetLatestByPhone(ctx, normalized)
	if err != nil {
		if !models.IsNotFound(err) {
			s.logWarn("failed to look up target by phone", err, slog.String("phone", normalized))
		}
		return nil
	}
	return target
}

// firstTime reports whether key has not been seen within seenTTL
func (s *reconcileService) firstTime(key string) bool {
	return s.seen.Add(key, struct{}{}, cache.DefaultExpiration) == nil
}

// notifyCRM pushes a timeline comment; failures never reach the webhook response
func (s *reconcileService) notifyCRM(ctx context.Context, target *models.Target, comment string) {
	if s.crm == nil {
		return
	}
	entity, id, ok := target.CRMRef()
	if !ok {
		return
	}
	if err := s.crm.PushTimelineComment(ctx, entity, id, comment); err != nil {
		s.logWarn("crm notification failed", err,
			slog.Int64("target_id", target.ID),
			slog.String("entity_type", entity),
			slog.String("entity_id", id),
		)
	}
}

func (s *reconcileService) logWarn(msg string, err error, attrs ...any) {
	attrs = append(attrs, slog.String("error", err.Error()))
	s.logger.Warn(msg, attrs...)
}

func failureReason(errs []whatsapp.StatusError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		part := e.Title
		if part == "" {
			part = e.Message
		}
		if e.Code != 0 {
			part = fmt.Sprintf("%s (%d)", part, e.Code)
		}
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return "failed"
	}
	return models.Truncate(strings.Join(parts, "; "))
}

func statusComment(target *models.Target, status string, lastError *string) string {
	comment := fmt.Sprintf("WhatsApp campaign #%d: message to +%s %s", target.CampaignID, target.Phone, status)
	if lastError != nil {
		comment += ": " + *lastError
	}
	return comment
}

func replyComment(msg whatsapp.Message, name string) string {
	from := "+" + msg.From
	if name != "" {
		from = name + " (" + from + ")"
	}
	return fmt.Sprintf("WhatsApp reply from %s: %s", from, msg.Body())
}
