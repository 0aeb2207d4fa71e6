package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/db"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
)

// SenderRepository defines the interface for sender data access
type SenderRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Sender, error)
	GetOrCreate(ctx context.Context, sender *models.Sender) error
}

type senderRepository struct {
	db *sql.DB
}

// NewSenderRepository creates a new sender repository
func NewSenderRepository(db *sql.DB) SenderRepository {
	return &senderRepository{db: db}
}

// GetByID retrieves a sender by ID
func (r *senderRepository) GetByID(ctx context.Context, id int64) (*models.Sender, error) {
	query := `SELECT id, phone_number_id, label, qps, created_at FROM senders WHERE id = $1`

	sender := &models.Sender{}
	err := db.From(ctx, r.db).QueryRowContext(ctx, query, id).Scan(
		&sender.ID,
		&sender.PhoneNumberID,
		&sender.Label,
		&sender.QPS,
		&sender.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("sender with ID %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sender: %w", err)
	}

	return sender, nil
}

// GetOrCreate looks the sender up by phone number ID and inserts it when missing.
// The stored row wins: an existing sender keeps its label and QPS.
func (r *senderRepository) GetOrCreate(ctx context.Context, sender *models.Sender) error {
	query := `
		INSERT INTO senders (phone_number_id, label, qps)
		VALUES ($1, $2, $3)
		ON CONFLICT (phone_number_id) DO UPDATE SET phone_number_id = EXCLUDED.phone_number_id
		RETURNING id, label, qps, created_at`

	err := db.From(ctx, r.db).QueryRowContext(ctx, query, sender.PhoneNumberID, sender.Label, sender.QPS).Scan(
		&sender.ID,
		&sender.Label,
		&sender.QPS,
		&sender.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to get or create sender: %w", err)
	}

	return nil
}
