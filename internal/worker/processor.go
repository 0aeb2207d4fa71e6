package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/metrics"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/phone"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/queue"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/repository"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/service"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/whatsapp"
)

// Dispatch outcomes recorded in metrics.SendsTotal
const (
	outcomeSent         = "sent"
	outcomeFailed       = "failed"
	outcomeDead         = "dead"
	outcomeInvalidPhone = "invalid_phone"
	outcomeInvalidParam = "invalid_params"
	outcomeDropped      = "dropped"
)

// errorPrefixParams marks targets whose template parameters could never be rendered
const errorPrefixParams = "template_params: "

// senderCacheTTL bounds how long sender rows are reused between lookups
const senderCacheTTL = time.Minute

// ProcessorConfig holds retry settings for the processor
type ProcessorConfig struct {
	BackoffBase time.Duration
	MaxAttempts int
}

// MessageProcessor sends the message behind one claimed queue entry
type MessageProcessor struct {
	campaignRepo repository.CampaignRepository
	targetRepo   repository.TargetRepository
	senderRepo   repository.SenderRepository
	messageRepo  repository.MessageRepository
	queueClient  queue.Client
	templates    service.TemplateService
	sender       MessageSender
	cfg          ProcessorConfig
	senders      *cache.Cache
	sleep        func(ctx context.Context, d time.Duration) error
	logger       *slog.Logger
}

// NewMessageProcessor creates a new message processor
func NewMessageProcessor(
	campaignRepo repository.CampaignRepository,
	targetRepo repository.TargetRepository,
	senderRepo repository.SenderRepository,
	messageRepo repository.MessageRepository,
	queueClient queue.Client,
	templates service.TemplateService,
	sender MessageSender,
	cfg ProcessorConfig,
	logger *slog.Logger,
) *MessageProcessor {
	return &MessageProcessor{
		campaignRepo: campaignRepo,
		targetRepo:   targetRepo,
		senderRepo:   senderRepo,
		messageRepo:  messageRepo,
		queueClient:  queueClient,
		templates:    templates,
		sender:       sender,
		cfg:          cfg,
		senders:      cache.New(senderCacheTTL, 2*senderCacheTTL),
		sleep:        sleepContext,
		logger:       logger,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process handles a single claimed entry. Returned errors are store failures; the
// entry then stays claimed until the stale reclaim puts it back.
func (p *MessageProcessor) Process(ctx context.Context, entry *models.QueueEntry) error {
	campaign, err := p.campaignRepo.GetByID(ctx, entry.CampaignID)
	if models.IsNotFound(err) {
		return p.drop(ctx, entry, "campaign not found")
	}
	if err != nil {
		return fmt.Errorf("failed to fetch campaign: %w", err)
	}
	if campaign.IsHalted() {
		return p.drop(ctx, entry, "campaign "+campaign.Status)
	}

	target, err := p.targetRepo.GetByID(ctx, entry.TargetID)
	if models.IsNotFound(err) {
		return p.drop(ctx, entry, "target not found")
	}
	if err != nil {
		return fmt.Errorf("failed to fetch target: %w", err)
	}
	switch target.Status {
	case models.TargetStatusQueued, models.TargetStatusFailed, models.TargetStatusSending:
	default:
		return p.drop(ctx, entry, "target "+target.Status)
	}

	if !phone.Valid(target.Phone) {
		return p.fail(ctx, entry, target, models.ReasonInvalidPhone, outcomeInvalidPhone)
	}

	sender, err := p.senderFor(ctx, entry.SenderID)
	if err != nil {
		return err
	}

	req, err := p.sender.BuildRequest(ctx, whatsapp.TemplateMessage{
		To:       target.Phone,
		Template: campaign.TemplateName,
		Language: campaign.Language,
		Params:   p.templates.Params(target),
	})
	if errors.Is(err, whatsapp.ErrMissingParameters) || errors.Is(err, whatsapp.ErrTemplateNotFound) {
		return p.park(ctx, entry, target, errorPrefixParams+err.Error())
	}
	if err != nil {
		return p.retry(ctx, entry, target, err)
	}

	if err := p.targetRepo.UpdateStatus(ctx, target.ID, models.TargetStatusSending, nil); err != nil {
		return fmt.Errorf("failed to mark target sending: %w", err)
	}

	p.logger.Info("sending message",
		slog.Int64("campaign_id", campaign.ID),
		slog.Int64("target_id", target.ID),
		slog.String("phone", target.Phone),
		slog.Int("attempts", entry.Attempts),
	)

	// the call runs to completion and its outcome is recorded even during shutdown
	sendCtx := context.WithoutCancel(ctx)

	start := time.Now()
	result, err := p.sender.Send(sendCtx, sender.PhoneNumberID, req)
	metrics.SendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return p.retry(sendCtx, entry, target, err)
	}

	if err := p.handleSuccess(sendCtx, entry, target, result); err != nil {
		return err
	}

	// rate budget of the sender; an interrupted pause only shortens the last gap
	_ = p.sleep(ctx, sender.SendInterval())
	return nil
}

func (p *MessageProcessor) handleSuccess(ctx context.Context, entry *models.QueueEntry, target *models.Target, result *whatsapp.SendResult) error {
	if err := p.messageRepo.CreateMessage(ctx, &models.MessageRecord{
		CampaignID:        entry.CampaignID,
		TargetID:          target.ID,
		ProviderMessageID: result.MessageID,
		Payload:           result.Payload,
		Response:          result.Response,
	}); err != nil {
		p.logger.Error("failed to record message",
			slog.Int64("target_id", target.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := p.targetRepo.MarkSent(ctx, target.ID, result.MessageID); err != nil {
		return fmt.Errorf("failed to mark target sent: %w", err)
	}
	if err := p.queueClient.MarkDone(ctx, entry.ID); err != nil {
		return fmt.Errorf("failed to complete queue entry: %w", err)
	}

	metrics.SendsTotal.WithLabelValues(outcomeSent).Inc()
	p.logger.Info("message sent",
		slog.Int64("campaign_id", entry.CampaignID),
		slog.Int64("target_id", target.ID),
		slog.String("message_id", result.MessageID),
	)
	return nil
}

// drop completes an entry that must not be sent
func (p *MessageProcessor) drop(ctx context.Context, entry *models.QueueEntry, reason string) error {
	p.logger.Debug("dropping queue entry",
		slog.Int64("entry_id", entry.ID),
		slog.Int64("campaign_id", entry.CampaignID),
		slog.Int64("target_id", entry.TargetID),
		slog.String("reason", reason),
	)
	metrics.SendsTotal.WithLabelValues(outcomeDropped).Inc()
	return p.queueClient.MarkDone(ctx, entry.ID)
}

// fail records a permanent failure; the entry is completed and never retried
func (p *MessageProcessor) fail(ctx context.Context, entry *models.QueueEntry, target *models.Target, reason, outcome string) error {
	p.logger.Warn("target failed permanently",
		slog.Int64("campaign_id", entry.CampaignID),
		slog.Int64("target_id", target.ID),
		slog.String("reason", reason),
	)

	if _, err := p.targetRepo.MarkFailed(ctx, target.ID, reason); err != nil {
		return err
	}
	metrics.SendsTotal.WithLabelValues(outcome).Inc()
	return p.queueClient.MarkDone(ctx, entry.ID)
}

// park keeps a target whose message cannot be rendered in its current status with
// the error recorded, and parks the entry so it is neither retried nor sent. Starting
// the campaign again enqueues the target anew.
func (p *MessageProcessor) park(ctx context.Context, entry *models.QueueEntry, target *models.Target, reason string) error {
	p.logger.Warn("message cannot be rendered",
		slog.Int64("campaign_id", entry.CampaignID),
		slog.Int64("target_id", target.ID),
		slog.String("reason", reason),
	)

	if err := p.targetRepo.RecordError(ctx, target.ID, reason); err != nil {
		return err
	}
	metrics.SendsTotal.WithLabelValues(outcomeInvalidParam).Inc()
	return p.queueClient.MarkDead(ctx, entry.ID)
}

// retry records a transient failure and requeues the entry with backoff
func (p *MessageProcessor) retry(ctx context.Context, entry *models.QueueEntry, target *models.Target, sendErr error) error {
	errMsg := models.Truncate(sendErr.Error())
	updated, err := p.targetRepo.MarkFailed(ctx, target.ID, errMsg)
	if err != nil {
		return err
	}
	if !updated {
		// canceled while the call was in flight
		return p.drop(ctx, entry, "target canceled")
	}

	attempts, err := p.queueClient.MarkFailed(ctx, entry.ID, p.cfg.BackoffBase)
	if err != nil {
		return fmt.Errorf("failed to requeue entry: %w", err)
	}

	if p.cfg.MaxAttempts > 0 && attempts >= p.cfg.MaxAttempts {
		p.logger.Error("message permanently failed after max attempts",
			slog.Int64("target_id", target.ID),
			slog.Int("attempts", attempts),
			slog.String("error", errMsg),
		)
		metrics.SendsTotal.WithLabelValues(outcomeDead).Inc()
		return p.queueClient.MarkDead(ctx, entry.ID)
	}

	p.logger.Warn("message send failed, will retry",
		slog.Int64("target_id", target.ID),
		slog.Int("attempts", attempts),
		slog.Duration("backoff", models.BackoffDelay(p.cfg.BackoffBase, attempts)),
		slog.String("error", errMsg),
	)
	metrics.SendsTotal.WithLabelValues(outcomeFailed).Inc()
	return nil
}

func (p *MessageProcessor) senderFor(ctx context.Context, id int64) (*models.Sender, error) {
	key := fmt.Sprint(id)
	if cached, ok := p.senders.Get(key); ok {
		return cached.(*models.Sender), nil
	}

	sender, err := p.senderRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sender: %w", err)
	}
	p.senders.SetDefault(key, sender)
	return sender, nil
}
