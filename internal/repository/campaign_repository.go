package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/db"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
)

// RecentTargetsLimit bounds the target updates returned with campaign stats
const RecentTargetsLimit = 20

// CampaignRepository defines the interface for campaign data access
type CampaignRepository interface {
	Create(ctx context.Context, campaign *models.Campaign) error
	GetByID(ctx context.Context, id int64) (*models.Campaign, error)
	GetWithStats(ctx context.Context, id int64) (*models.CampaignWithStats, error)
	List(ctx context.Context, filter models.CampaignFilter) ([]*models.Campaign, int64, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	AddTotalTargets(ctx context.Context, id int64, delta int) error
	ListDueScheduled(ctx context.Context, now time.Time) ([]int64, error)
	CompleteIdle(ctx context.Context) (done []int64, failed []int64, err error)
}

// campaignRepository implements CampaignRepository using PostgreSQL
type campaignRepository struct {
	db *sql.DB
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db *sql.DB) CampaignRepository {
	return &campaignRepository{db: db}
}

const campaignColumns = `id, name, template_name, language, sender_id, status, total_targets, metadata, scheduled_at, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (*models.Campaign, error) {
	campaign := &models.Campaign{}
	err := row.Scan(
		&campaign.ID,
		&campaign.Name,
		&campaign.TemplateName,
		&campaign.Language,
		&campaign.SenderID,
		&campaign.Status,
		&campaign.TotalTargets,
		&campaign.Metadata,
		&campaign.ScheduledAt,
		&campaign.CreatedAt,
		&campaign.UpdatedAt,
	)
	return campaign, err
}

// Create inserts a new campaign
func (r *campaignRepository) Create(ctx context.Context, campaign *models.Campaign) error {
	query := `
		INSERT INTO campaigns (name, template_name, language, sender_id, status, total_targets, metadata, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`

	err := db.From(ctx, r.db).QueryRowContext(
		ctx,
		query,
		campaign.Name,
		campaign.TemplateName,
		campaign.Language,
		campaign.SenderID,
		campaign.Status,
		campaign.TotalTargets,
		campaign.Metadata,
		campaign.ScheduledAt,
	).Scan(&campaign.ID, &campaign.CreatedAt, &campaign.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	return nil
}

// GetByID retrieves a campaign by ID
func (r *campaignRepository) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	campaign, err := scanCampaign(db.From(ctx, r.db).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("campaign with ID %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}

	return campaign, nil
}

// GetWithStats retrieves a campaign with per-status target counts and its latest target updates
func (r *campaignRepository) GetWithStats(ctx context.Context, id int64) (*models.CampaignWithStats, error) {
	campaign, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	statsQuery := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'queued') AS queued,
			COUNT(*) FILTER (WHERE status = 'sending') AS sending,
			COUNT(*) FILTER (WHERE status = 'sent') AS sent,
			COUNT(*) FILTER (WHERE status = 'delivered') AS delivered,
			COUNT(*) FILTER (WHERE status = 'read') AS read,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'canceled') AS canceled
		FROM campaign_targets
		WHERE campaign_id = $1`

	var stats models.CampaignStats
	err = r.db.QueryRowContext(ctx, statsQuery, id).Scan(
		&stats.Total,
		&stats.Queued,
		&stats.Sending,
		&stats.Sent,
		&stats.Delivered,
		&stats.Read,
		&stats.Failed,
		&stats.Canceled,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign stats: %w", err)
	}

	recentQuery := `SELECT ` + targetColumns + `
		FROM campaign_targets
		WHERE campaign_id = $1
		ORDER BY updated_at DESC, id DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, recentQuery, id, RecentTargetsLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent targets: %w", err)
	}
	defer rows.Close()

	recent := []*models.Target{}
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		recent = append(recent, target)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating targets: %w", err)
	}

	return &models.CampaignWithStats{
		Campaign:      *campaign,
		Stats:         stats,
		RecentTargets: recent,
	}, nil
}

// List retrieves campaigns with pagination and filtering
func (r *campaignRepository) List(ctx context.Context, filter models.CampaignFilter) ([]*models.Campaign, int64, error) {
	models.ValidateAndSetDefaults(&filter.Page, &filter.PageSize)

	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		countQuery += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, filter.Status)
		argPos++
	}

	var totalCount int64
	err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&totalCount)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count campaigns: %w", err)
	}

	// Stable ordering (id DESC) keeps pages consistent
	offset := models.CalculateOffset(filter.Page, filter.PageSize)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, filter.PageSize, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := []*models.Campaign{}
	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, campaign)
	}

	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating campaigns: %w", err)
	}

	return campaigns, totalCount, nil
}

// UpdateStatus updates only the status of a campaign
func (r *campaignRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	query := `
		UPDATE campaigns
		SET status = $1, updated_at = NOW()
		WHERE id = $2`

	result, err := db.From(ctx, r.db).ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return models.ErrNotFoundWithMsg(fmt.Sprintf("campaign with ID %d not found", id))
	}

	return nil
}

// AddTotalTargets adjusts the stored target count
func (r *campaignRepository) AddTotalTargets(ctx context.Context, id int64, delta int) error {
	if delta == 0 {
		return nil
	}
	query := `UPDATE campaigns SET total_targets = total_targets + $1, updated_at = NOW() WHERE id = $2`
	if _, err := db.From(ctx, r.db).ExecContext(ctx, query, delta, id); err != nil {
		return fmt.Errorf("failed to update total targets: %w", err)
	}
	return nil
}

// ListDueScheduled returns scheduled campaigns whose start time has passed
func (r *campaignRepository) ListDueScheduled(ctx context.Context, now time.Time) ([]int64, error) {
	query := `
		SELECT id FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at, id`

	return r.queryIDs(ctx, query, now)
}

// unsettledTargets matches targets of campaign c that may still be sent. A queued
// target whose entry was parked as failed is settled.
const unsettledTargets = `
	SELECT 1 FROM campaign_targets t
	WHERE t.campaign_id = c.id
	  AND (t.status = 'sending'
	       OR (t.status = 'queued' AND NOT EXISTS (
	           SELECT 1 FROM queue pq WHERE pq.target_id = t.id AND pq.status = 'failed')))`

// CompleteIdle settles running campaigns that have no open queue entries and no
// unsettled targets. Campaigns without a single successful send become error; the
// rest become done.
func (r *campaignRepository) CompleteIdle(ctx context.Context) ([]int64, []int64, error) {
	errorQuery := `
		UPDATE campaigns c
		SET status = 'error', updated_at = NOW()
		WHERE c.status = 'running'
		  AND NOT EXISTS (
			SELECT 1 FROM queue q
			WHERE q.campaign_id = c.id AND q.status IN ('queued', 'processing'))
		  AND NOT EXISTS (` + unsettledTargets + `)
		  AND NOT EXISTS (
			SELECT 1 FROM campaign_targets t
			WHERE t.campaign_id = c.id AND t.status IN ('sent', 'delivered', 'read'))
		  AND EXISTS (
			SELECT 1 FROM campaign_targets t
			WHERE t.campaign_id = c.id AND t.status IN ('failed', 'queued'))
		RETURNING c.id`

	failed, err := r.queryIDs(ctx, errorQuery)
	if err != nil {
		return nil, nil, err
	}

	doneQuery := `
		UPDATE campaigns c
		SET status = 'done', updated_at = NOW()
		WHERE c.status = 'running'
		  AND NOT EXISTS (
			SELECT 1 FROM queue q
			WHERE q.campaign_id = c.id AND q.status IN ('queued', 'processing'))
		  AND NOT EXISTS (` + unsettledTargets + `)
		RETURNING c.id`

	done, err := r.queryIDs(ctx, doneQuery)
	if err != nil {
		return nil, nil, err
	}

	return done, failed, nil
}

func (r *campaignRepository) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := db.From(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaign ids: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan campaign id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating campaign ids: %w", err)
	}
	return ids, nil
}
