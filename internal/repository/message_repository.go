package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/db"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
)

// MessageRepository appends send and webhook audit records
type MessageRepository interface {
	CreateMessage(ctx context.Context, record *models.MessageRecord) error
	CreateEvent(ctx context.Context, record *models.EventRecord) error
}

type messageRepository struct {
	db *sql.DB
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *sql.DB) MessageRepository {
	return &messageRepository{db: db}
}

// CreateMessage stores the rendered payload and raw provider response of one send
func (r *messageRepository) CreateMessage(ctx context.Context, record *models.MessageRecord) error {
	query := `
		INSERT INTO messages (campaign_id, target_id, provider_message_id, payload, response)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	err := db.From(ctx, r.db).QueryRowContext(
		ctx,
		query,
		record.CampaignID,
		record.TargetID,
		record.ProviderMessageID,
		jsonOrEmpty(record.Payload),
		jsonOrEmpty(record.Response),
	).Scan(&record.ID, &record.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create message record: %w", err)
	}

	return nil
}

// CreateEvent stores one raw inbound webhook event
func (r *messageRepository) CreateEvent(ctx context.Context, record *models.EventRecord) error {
	query := `
		INSERT INTO events (type, provider_message_id, payload)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	err := db.From(ctx, r.db).QueryRowContext(
		ctx,
		query,
		record.Type,
		record.ProviderMessageID,
		jsonOrEmpty(record.Payload),
	).Scan(&record.ID, &record.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create event record: %w", err)
	}

	return nil
}

func jsonOrEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}
