package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/db"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
	"github.com/lib/pq"
)

// TargetRepository defines the interface for campaign target data access
type TargetRepository interface {
	InsertBatch(ctx context.Context, campaignID int64, targets []*models.Target) (inserted int, err error)
	GetByID(ctx context.Context, id int64) (*models.Target, error)
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*models.Target, error)
	GetLatestByPhone(ctx context.Context, phone string) (*models.Target, error)
	ListEnqueueable(ctx context.Context, campaignID int64) ([]int64, error)
	RequeueFailed(ctx context.Context, ids []int64) error
	UpdateStatus(ctx context.Context, id int64, status string, lastError *string) error
	MarkFailed(ctx context.Context, id int64, lastError string) (bool, error)
	RecordError(ctx context.Context, id int64, lastError string) error
	MarkSent(ctx context.Context, id int64, providerMessageID string) error
	Touch(ctx context.Context, id int64) error
	CancelOpen(ctx context.Context, campaignID int64) (int64, error)
}

// targetRepository implements TargetRepository using PostgreSQL
type targetRepository struct {
	db *sql.DB
}

// NewTargetRepository creates a new target repository
func NewTargetRepository(db *sql.DB) TargetRepository {
	return &targetRepository{db: db}
}

const targetColumns = `id, campaign_id, phone, variables, params, status, last_error, provider_message_id, sent_at, created_at, updated_at`

func scanTarget(row interface{ Scan(...any) error }) (*models.Target, error) {
	target := &models.Target{}
	var params models.TemplateParams
	var rawParams []byte
	err := row.Scan(
		&target.ID,
		&target.CampaignID,
		&target.Phone,
		&target.Variables,
		&rawParams,
		&target.Status,
		&target.LastError,
		&target.ProviderMessageID,
		&target.SentAt,
		&target.CreatedAt,
		&target.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(rawParams) > 0 {
		if err := params.Scan(rawParams); err != nil {
			return nil, fmt.Errorf("failed to decode params: %w", err)
		}
		target.Params = &params
	}
	return target, nil
}

// InsertBatch inserts targets, skipping phones already present in the campaign.
// Inserted targets get their ID and timestamps populated; skipped ones keep ID 0.
func (r *targetRepository) InsertBatch(ctx context.Context, campaignID int64, targets []*models.Target) (int, error) {
	if len(targets) == 0 {
		return 0, nil
	}

	inserted := 0
	err := db.WithTx(ctx, r.db, func(ctx context.Context) error {
		query := `
			INSERT INTO campaign_targets (campaign_id, phone, variables, params, status)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (campaign_id, phone) DO NOTHING
			RETURNING id, created_at, updated_at`

		conn := db.From(ctx, r.db)
		for _, target := range targets {
			target.CampaignID = campaignID
			if target.Status == "" {
				target.Status = models.TargetStatusQueued
			}

			err := conn.QueryRowContext(
				ctx,
				query,
				campaignID,
				target.Phone,
				target.Variables,
				target.Params,
				target.Status,
			).Scan(&target.ID, &target.CreatedAt, &target.UpdatedAt)

			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to insert target: %w", err)
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

// GetByID retrieves a target by ID
func (r *targetRepository) GetByID(ctx context.Context, id int64) (*models.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM campaign_targets WHERE id = $1`
	return r.getOne(ctx, query, fmt.Sprintf("target with ID %d not found", id), id)
}

// GetByProviderMessageID retrieves the target a provider message was sent to
func (r *targetRepository) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*models.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM campaign_targets WHERE provider_message_id = $1 ORDER BY id DESC LIMIT 1`
	return r.getOne(ctx, query, fmt.Sprintf("target for message %s not found", providerMessageID), providerMessageID)
}

// GetLatestByPhone retrieves the most recently updated target with the given phone
func (r *targetRepository) GetLatestByPhone(ctx context.Context, phone string) (*models.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM campaign_targets WHERE phone = $1 ORDER BY updated_at DESC, id DESC LIMIT 1`
	return r.getOne(ctx, query, fmt.Sprintf("target for phone %s not found", phone), phone)
}

func (r *targetRepository) getOne(ctx context.Context, query, notFound string, args ...any) (*models.Target, error) {
	target, err := scanTarget(db.From(ctx, r.db).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFoundWithMsg(notFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target: %w", err)
	}
	return target, nil
}

// ListEnqueueable returns queued or failed targets of a campaign that have no open queue entry
func (r *targetRepository) ListEnqueueable(ctx context.Context, campaignID int64) ([]int64, error) {
	query := `
		SELECT t.id
		FROM campaign_targets t
		WHERE t.campaign_id = $1
		  AND t.status IN ('queued', 'failed')
		  AND NOT EXISTS (
			SELECT 1 FROM queue q
			WHERE q.target_id = t.id AND q.status IN ('queued', 'processing'))
		ORDER BY t.id`

	rows, err := db.From(ctx, r.db).QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list enqueueable targets: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan target id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating targets: %w", err)
	}
	return ids, nil
}

// RequeueFailed moves failed targets back to queued ahead of a retry
func (r *targetRepository) RequeueFailed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE campaign_targets
		SET status = 'queued', updated_at = NOW()
		WHERE id = ANY($1) AND status = 'failed'`

	if _, err := db.From(ctx, r.db).ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to requeue targets: %w", err)
	}
	return nil
}

// UpdateStatus updates the status and error text of a target
func (r *targetRepository) UpdateStatus(ctx context.Context, id int64, status string, lastError *string) error {
	query := `
		UPDATE campaign_targets
		SET status = $1, last_error = COALESCE($2, last_error), updated_at = NOW()
		WHERE id = $3`

	if lastError != nil {
		truncated := models.Truncate(*lastError)
		lastError = &truncated
	}

	result, err := db.From(ctx, r.db).ExecContext(ctx, query, status, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to update target status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return models.ErrNotFoundWithMsg(fmt.Sprintf("target with ID %d not found", id))
	}

	return nil
}

// MarkFailed sets a target failed unless it was canceled meanwhile. It reports
// whether the target was updated.
func (r *targetRepository) MarkFailed(ctx context.Context, id int64, lastError string) (bool, error) {
	query := `
		UPDATE campaign_targets
		SET status = 'failed', last_error = $1, updated_at = NOW()
		WHERE id = $2 AND status <> 'canceled'`

	result, err := db.From(ctx, r.db).ExecContext(ctx, query, models.Truncate(lastError), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark target failed: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// RecordError stores last_error without failing the target. A target left in sending
// goes back to queued; other statuses are kept.
func (r *targetRepository) RecordError(ctx context.Context, id int64, lastError string) error {
	query := `
		UPDATE campaign_targets
		SET last_error = $1,
		    status = CASE WHEN status = 'sending' THEN 'queued' ELSE status END,
		    updated_at = NOW()
		WHERE id = $2`

	if _, err := db.From(ctx, r.db).ExecContext(ctx, query, models.Truncate(lastError), id); err != nil {
		return fmt.Errorf("failed to record target error: %w", err)
	}
	return nil
}

// MarkSent records a successful send
func (r *targetRepository) MarkSent(ctx context.Context, id int64, providerMessageID string) error {
	query := `
		UPDATE campaign_targets
		SET status = 'sent', provider_message_id = $1, last_error = NULL, sent_at = NOW(), updated_at = NOW()
		WHERE id = $2`

	if _, err := db.From(ctx, r.db).ExecContext(ctx, query, providerMessageID, id); err != nil {
		return fmt.Errorf("failed to mark target sent: %w", err)
	}
	return nil
}

// Touch bumps updated_at without changing the status
func (r *targetRepository) Touch(ctx context.Context, id int64) error {
	query := `UPDATE campaign_targets SET updated_at = NOW() WHERE id = $1`
	if _, err := db.From(ctx, r.db).ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to touch target: %w", err)
	}
	return nil
}

// CancelOpen cancels every queued or sending target of a campaign
func (r *targetRepository) CancelOpen(ctx context.Context, campaignID int64) (int64, error) {
	query := `
		UPDATE campaign_targets
		SET status = 'canceled', updated_at = NOW()
		WHERE campaign_id = $1 AND status IN ('queued', 'sending')`

	result, err := db.From(ctx, r.db).ExecContext(ctx, query, campaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel targets: %w", err)
	}
	return result.RowsAffected()
}
