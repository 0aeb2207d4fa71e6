package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/db"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/metrics"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/queue"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/repository"
)

// SenderDefaults is the sender used when a campaign names none
type SenderDefaults struct {
	PhoneNumberID string
	Label         string
	QPS           int
}

// CampaignService is the campaign lifecycle controller
type CampaignService interface {
	Create(ctx context.Context, req *CreateCampaignRequest) (*CreateCampaignResult, error)
	AddTargets(ctx context.Context, campaignID int64, req *AddTargetsRequest) (*TargetsResult, error)
	DryRun(ctx context.Context, req *DryRunRequest) (*DryRunResult, error)
	GetByID(ctx context.Context, id int64) (*models.CampaignWithStats, error)
	List(ctx context.Context, filter models.CampaignFilter) (*CampaignListResult, error)
	Start(ctx context.Context, id int64) (*TransitionResult, error)
	Pause(ctx context.Context, id int64) (*TransitionResult, error)
	Resume(ctx context.Context, id int64) (*TransitionResult, error)
	Cancel(ctx context.Context, id int64) (*TransitionResult, error)
	StartDue(ctx context.Context, now time.Time) (int, error)
}

type campaignService struct {
	tx           db.Transactor
	campaignRepo repository.CampaignRepository
	targetRepo   repository.TargetRepository
	senderRepo   repository.SenderRepository
	targetSvc    TargetService
	queueClient  queue.Client
	sender       SenderDefaults
	logger       *slog.Logger
}

// NewCampaignService creates a new campaign service
func NewCampaignService(
	tx db.Transactor,
	campaignRepo repository.CampaignRepository,
	targetRepo repository.TargetRepository,
	senderRepo repository.SenderRepository,
	targetSvc TargetService,
	queueClient queue.Client,
	sender SenderDefaults,
	logger *slog.Logger,
) CampaignService {
	return &campaignService{
		tx:           tx,
		campaignRepo: campaignRepo,
		targetRepo:   targetRepo,
		senderRepo:   senderRepo,
		targetSvc:    targetSvc,
		queueClient:  queueClient,
		sender:       sender,
		logger:       logger,
	}
}

// Create validates and dedups the targets, then stores the campaign, its sender and
// targets in one transaction. With Start the targets are enqueued in that same
// transaction. Zero valid targets rejects the whole request.
func (s *campaignService) Create(ctx context.Context, req *CreateCampaignRequest) (*CreateCampaignResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	res, err := s.targetSvc.Resolve(ctx, req.TargetSource)
	if err != nil {
		return nil, err
	}
	if len(res.Targets) == 0 {
		return nil, models.ErrInvalidInput(fmt.Sprintf("no valid targets (%d invalid)", res.Invalid))
	}

	sender, err := s.senderFor(req.Sender)
	if err != nil {
		return nil, err
	}

	status := models.CampaignStatusDraft
	switch {
	case req.Start:
		status = models.CampaignStatusRunning
	case req.ScheduledAt != nil:
		status = models.CampaignStatusScheduled
	}

	metadata := models.JSONMap{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	for k, v := range res.Provenance {
		metadata[k] = v
	}

	campaign := &models.Campaign{
		Name:         req.Name,
		TemplateName: req.TemplateName,
		Language:     req.Language,
		Status:       status,
		Metadata:     metadata,
		ScheduledAt:  req.ScheduledAt,
	}

	var inserted, enqueued int
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.senderRepo.GetOrCreate(ctx, sender); err != nil {
			return err
		}
		campaign.SenderID = sender.ID

		if err := s.campaignRepo.Create(ctx, campaign); err != nil {
			return err
		}

		inserted, err = s.targetRepo.InsertBatch(ctx, campaign.ID, res.Targets)
		if err != nil {
			return err
		}

		campaign.TotalTargets = inserted
		if err := s.campaignRepo.AddTotalTargets(ctx, campaign.ID, inserted); err != nil {
			return err
		}

		if req.Start {
			enqueued, err = s.enqueueOpen(ctx, campaign)
			return err
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to create campaign",
			slog.String("error", err.Error()),
			slog.String("name", req.Name),
		)
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}

	result := &CreateCampaignResult{
		Campaign: campaign,
		TargetsResult: TargetsResult{
			Inserted:       inserted,
			Duplicates:     res.Duplicates + len(res.Targets) - inserted,
			SkippedInvalid: res.Invalid,
		},
		Enqueued: enqueued,
	}
	if req.Start {
		metrics.CampaignTransitionsTotal.WithLabelValues(models.CampaignStatusRunning).Inc()
	}

	s.logger.Info("campaign created",
		slog.Int64("campaign_id", campaign.ID),
		slog.String("name", campaign.Name),
		slog.String("status", campaign.Status),
		slog.Int("inserted", result.Inserted),
		slog.Int("duplicates", result.Duplicates),
		slog.Int("skipped_invalid", result.SkippedInvalid),
		slog.Int("enqueued", result.Enqueued),
	)

	return result, nil
}

func (s *campaignService) senderFor(in *SenderInput) (*models.Sender, error) {
	sender := &models.Sender{
		PhoneNumberID: s.sender.PhoneNumberID,
		Label:         s.sender.Label,
		QPS:           s.sender.QPS,
	}
	if in != nil {
		sender.PhoneNumberID = in.PhoneNumberID
		if in.Label != "" {
			sender.Label = in.Label
		}
		if in.QPS > 0 {
			sender.QPS = in.QPS
		}
	}
	if sender.PhoneNumberID == "" {
		return nil, models.ErrInvalidInput("sender.phone_number_id is required when no default sender is configured")
	}
	return sender, nil
}

// AddTargets appends recipients to an existing campaign. Targets added to a running
// campaign are enqueued right away.
func (s *campaignService) AddTargets(ctx context.Context, campaignID int64, req *AddTargetsRequest) (*TargetsResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	campaign, err := s.campaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status == models.CampaignStatusCanceled {
		return nil, models.ErrConflictWithMsg("cannot add targets to a canceled campaign")
	}

	res, err := s.targetSvc.Resolve(ctx, req.TargetSource)
	if err != nil {
		return nil, err
	}

	var inserted, enqueued int
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		inserted, err = s.targetRepo.InsertBatch(ctx, campaignID, res.Targets)
		if err != nil {
			return err
		}
		if err := s.campaignRepo.AddTotalTargets(ctx, campaignID, inserted); err != nil {
			return err
		}

		if campaign.Status != models.CampaignStatusRunning {
			return nil
		}
		for _, t := range res.Targets {
			if t.ID == 0 {
				continue
			}
			if _, err := s.queueClient.Enqueue(ctx, campaignID, t.ID, campaign.SenderID); err != nil {
				return err
			}
			enqueued++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add targets: %w", err)
	}

	s.logger.Info("targets added",
		slog.Int64("campaign_id", campaignID),
		slog.Int("inserted", inserted),
		slog.Int("enqueued", enqueued),
	)

	return &TargetsResult{
		Inserted:       inserted,
		Duplicates:     res.Duplicates + len(res.Targets) - inserted,
		SkippedInvalid: res.Invalid,
	}, nil
}

// DryRun reports phone validity counts without writing anything
func (s *campaignService) DryRun(ctx context.Context, req *DryRunRequest) (*DryRunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	res, err := s.targetSvc.Resolve(ctx, req.TargetSource)
	if err != nil {
		return nil, err
	}

	return &DryRunResult{
		Total:         res.Submitted,
		Valid:         len(res.Targets),
		Invalid:       res.Invalid,
		Duplicates:    res.Duplicates,
		SampleInvalid: res.SampleInvalid,
	}, nil
}

// GetByID retrieves a campaign with statistics
func (s *campaignService) GetByID(ctx context.Context, id int64) (*models.CampaignWithStats, error) {
	return s.campaignRepo.GetWithStats(ctx, id)
}

// List retrieves campaigns with pagination
func (s *campaignService) List(ctx context.Context, filter models.CampaignFilter) (*CampaignListResult, error) {
	if filter.Status != "" && !models.IsValidCampaignStatus(filter.Status) {
		return nil, models.ErrInvalidInput(fmt.Sprintf("invalid status: %s", filter.Status))
	}

	campaigns, totalCount, err := s.campaignRepo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}

	models.ValidateAndSetDefaults(&filter.Page, &filter.PageSize)

	return &CampaignListResult{
		Data:       campaigns,
		Pagination: models.NewPaginationResult(filter.Page, filter.PageSize, totalCount),
	}, nil
}

// Start enqueues every queued or failed target without an open queue entry and marks
// the campaign running. Calling it again retries only what is unfinished.
func (s *campaignService) Start(ctx context.Context, id int64) (*TransitionResult, error) {
	return s.transition(ctx, id, models.CampaignStatusRunning, (*models.Campaign).CanStart, true)
}

// Pause stops the worker from sending; queued entries are dropped as they come up
func (s *campaignService) Pause(ctx context.Context, id int64) (*TransitionResult, error) {
	return s.transition(ctx, id, models.CampaignStatusPaused, (*models.Campaign).CanPause, false)
}

// Resume marks a paused campaign running and re-enqueues its unfinished targets
func (s *campaignService) Resume(ctx context.Context, id int64) (*TransitionResult, error) {
	return s.transition(ctx, id, models.CampaignStatusRunning, (*models.Campaign).CanResume, true)
}

// Cancel stops the campaign and cancels its queued and sending targets. A send already
// in flight completes; its entry is dropped afterwards by the campaign gate.
func (s *campaignService) Cancel(ctx context.Context, id int64) (*TransitionResult, error) {
	var result *TransitionResult
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		campaign, err := s.campaignRepo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !campaign.CanCancel() {
			return models.ErrConflictWithMsg(fmt.Sprintf("campaign with status '%s' cannot be canceled", campaign.Status))
		}

		if err := s.campaignRepo.UpdateStatus(ctx, id, models.CampaignStatusCanceled); err != nil {
			return err
		}
		canceled, err := s.targetRepo.CancelOpen(ctx, id)
		if err != nil {
			return err
		}

		result = &TransitionResult{CampaignID: id, Status: models.CampaignStatusCanceled, Canceled: canceled}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.CampaignTransitionsTotal.WithLabelValues(models.CampaignStatusCanceled).Inc()
	s.logger.Info("campaign canceled",
		slog.Int64("campaign_id", id),
		slog.Int64("targets_canceled", result.Canceled),
	)

	return result, nil
}

func (s *campaignService) transition(
	ctx context.Context,
	id int64,
	status string,
	allowed func(*models.Campaign) bool,
	enqueue bool,
) (*TransitionResult, error) {
	var result *TransitionResult
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		campaign, err := s.campaignRepo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !allowed(campaign) {
			return models.ErrConflictWithMsg(
				fmt.Sprintf("campaign with status '%s' cannot move to '%s'", campaign.Status, status),
			)
		}

		result = &TransitionResult{CampaignID: id, Status: status}
		if enqueue {
			if result.Enqueued, err = s.enqueueOpen(ctx, campaign); err != nil {
				return err
			}
		}

		return s.campaignRepo.UpdateStatus(ctx, id, status)
	})
	if err != nil {
		return nil, err
	}

	metrics.CampaignTransitionsTotal.WithLabelValues(status).Inc()
	s.logger.Info("campaign status changed",
		slog.Int64("campaign_id", id),
		slog.String("status", status),
		slog.Int("enqueued", result.Enqueued),
	)

	return result, nil
}

// enqueueOpen queues every queued or failed target without an open entry
func (s *campaignService) enqueueOpen(ctx context.Context, campaign *models.Campaign) (int, error) {
	ids, err := s.targetRepo.ListEnqueueable(ctx, campaign.ID)
	if err != nil {
		return 0, err
	}
	if err := s.targetRepo.RequeueFailed(ctx, ids); err != nil {
		return 0, err
	}

	for _, targetID := range ids {
		if _, err := s.queueClient.Enqueue(ctx, campaign.ID, targetID, campaign.SenderID); err != nil {
			return 0, err
		}
	}

	return len(ids), nil
}

// StartDue starts scheduled campaigns whose time has come
func (s *campaignService) StartDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.campaignRepo.ListDueScheduled(ctx, now)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, id := range ids {
		if _, err := s.Start(ctx, id); err != nil {
			s.logger.Error("failed to start scheduled campaign",
				slog.Int64("campaign_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		started++
	}

	return started, nil
}
