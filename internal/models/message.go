package models

import (
	"encoding/json"
	"time"
)

// Event record types
const (
	EventTypeStatus  = "status"
	EventTypeMessage = "message"
)

// MessageRecord is the append-only log of one successful send's payload and provider response
type MessageRecord struct {
	ID                int64           `json:"id"`
	CampaignID        int64           `json:"campaign_id"`
	TargetID          int64           `json:"target_id"`
	ProviderMessageID string          `json:"provider_message_id"`
	Payload           json.RawMessage `json:"payload"`
	Response          json.RawMessage `json:"response"`
	CreatedAt         time.Time       `json:"created_at"`
}

// EventRecord is the append-only log of one inbound webhook event
type EventRecord struct {
	ID                int64           `json:"id"`
	Type              string          `json:"type"`
	ProviderMessageID string          `json:"provider_message_id"`
	Payload           json.RawMessage `json:"payload"`
	CreatedAt         time.Time       `json:"created_at"`
}
