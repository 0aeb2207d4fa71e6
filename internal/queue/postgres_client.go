package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/db"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
)

// postgresClient implements Client on the queue table
type postgresClient struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// Option configures the postgres queue client
type Option func(*postgresClient)

// WithClock overrides the clock used for availability timestamps
func WithClock(now func() time.Time) Option {
	return func(c *postgresClient) {
		c.now = now
	}
}

// NewPostgresClient creates a queue client backed by PostgreSQL
func NewPostgresClient(sqlDB *sql.DB, logger *slog.Logger, opts ...Option) Client {
	c := &postgresClient{
		db:     sqlDB,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

const entryColumns = `id, campaign_id, target_id, sender_id, available_at, attempts, status, claimed_at, created_at, updated_at`

func scanEntry(row interface{ Scan(...any) error }) (*models.QueueEntry, error) {
	entry := &models.QueueEntry{}
	err := row.Scan(
		&entry.ID,
		&entry.CampaignID,
		&entry.TargetID,
		&entry.SenderID,
		&entry.AvailableAt,
		&entry.Attempts,
		&entry.Status,
		&entry.ClaimedAt,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	return entry, err
}

// Enqueue inserts one entry that becomes visible immediately
func (c *postgresClient) Enqueue(ctx context.Context, campaignID, targetID, senderID int64) (*models.QueueEntry, error) {
	query := `
		INSERT INTO queue (campaign_id, target_id, sender_id, available_at, attempts, status)
		VALUES ($1, $2, $3, $4, 0, 'queued')
		RETURNING ` + entryColumns

	entry, err := scanEntry(db.From(ctx, c.db).QueryRowContext(
		ctx, query, campaignID, targetID, senderID, c.now().UnixMilli(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue target %d: %w", targetID, err)
	}

	return entry, nil
}

// FetchBatch claims visible entries inside one transaction. Rows locked by another
// worker's claim are skipped rather than waited on.
func (c *postgresClient) FetchBatch(ctx context.Context, limit int) ([]*models.QueueEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	var entries []*models.QueueEntry
	err := db.WithTx(ctx, c.db, func(ctx context.Context) error {
		conn := db.From(ctx, c.db)

		rows, err := conn.QueryContext(ctx, `
			SELECT id FROM queue
			WHERE status = 'queued' AND available_at <= $1
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED`, c.now().UnixMilli(), limit)
		if err != nil {
			return fmt.Errorf("failed to select queue entries: %w", err)
		}

		ids := []int64{}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan queue id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating queue ids: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		claimed, err := conn.QueryContext(ctx, `
			UPDATE queue
			SET status = 'processing', claimed_at = NOW(), updated_at = NOW()
			WHERE id = ANY($1)
			RETURNING `+entryColumns, pq.Array(ids))
		if err != nil {
			return fmt.Errorf("failed to claim queue entries: %w", err)
		}
		defer claimed.Close()

		for claimed.Next() {
			entry, err := scanEntry(claimed)
			if err != nil {
				return fmt.Errorf("failed to scan queue entry: %w", err)
			}
			entries = append(entries, entry)
		}
		return claimed.Err()
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	if len(entries) > 0 {
		c.logger.Debug("claimed queue entries", slog.Int("count", len(entries)))
	}

	return entries, nil
}

// MarkDone is the terminal success transition
func (c *postgresClient) MarkDone(ctx context.Context, id int64) error {
	return c.setStatus(ctx, id, models.QueueStatusDone)
}

// MarkDead parks an entry that exhausted its attempts
func (c *postgresClient) MarkDead(ctx context.Context, id int64) error {
	return c.setStatus(ctx, id, models.QueueStatusFailed)
}

func (c *postgresClient) setStatus(ctx context.Context, id int64, status string) error {
	query := `UPDATE queue SET status = $1, claimed_at = NULL, updated_at = NOW() WHERE id = $2`

	result, err := db.From(ctx, c.db).ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to mark queue entry %s: %w", status, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrNotFoundWithMsg(fmt.Sprintf("queue entry with ID %d not found", id))
	}

	return nil
}

// MarkFailed requeues the entry with one more attempt. The entry row is locked while
// available_at is computed from models.BackoffDelay.
func (c *postgresClient) MarkFailed(ctx context.Context, id int64, backoff time.Duration) (int, error) {
	var attempts int
	err := db.WithTx(ctx, c.db, func(ctx context.Context) error {
		conn := db.From(ctx, c.db)

		err := conn.QueryRowContext(ctx, `SELECT attempts FROM queue WHERE id = $1 FOR UPDATE`, id).Scan(&attempts)
		if err == sql.ErrNoRows {
			return models.ErrNotFoundWithMsg(fmt.Sprintf("queue entry with ID %d not found", id))
		}
		if err != nil {
			return fmt.Errorf("failed to lock queue entry: %w", err)
		}

		attempts++
		availableAt := c.now().Add(models.BackoffDelay(backoff, attempts)).UnixMilli()

		query := `
			UPDATE queue
			SET attempts = $1, status = 'queued', available_at = $2, claimed_at = NULL, updated_at = NOW()
			WHERE id = $3`
		if _, err := conn.ExecContext(ctx, query, attempts, availableAt, id); err != nil {
			return fmt.Errorf("failed to mark queue entry failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return attempts, nil
}

// Release returns claimed entries to the queue without counting an attempt
func (c *postgresClient) Release(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE queue
		SET status = 'queued', claimed_at = NULL, updated_at = NOW()
		WHERE id = ANY($1) AND status = 'processing'`

	if _, err := db.From(ctx, c.db).ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to release queue entries: %w", err)
	}
	return nil
}

// ReclaimStale requeues entries claimed longer ago than olderThan
func (c *postgresClient) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE queue
		SET status = 'queued', claimed_at = NULL, updated_at = NOW()
		WHERE status = 'processing' AND claimed_at < $1`

	result, err := db.From(ctx, c.db).ExecContext(ctx, query, c.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale queue entries: %w", err)
	}

	reclaimed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if reclaimed > 0 {
		c.logger.Warn("reclaimed stale queue entries", slog.Int64("count", reclaimed))
	}

	return reclaimed, nil
}

// OpenCount counts queued and processing entries
func (c *postgresClient) OpenCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.From(ctx, c.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue WHERE status IN ('queued', 'processing')`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open queue entries: %w", err)
	}
	return count, nil
}
