package models

import "time"

// Queue entry status constants
const (
	QueueStatusQueued     = "queued"
	QueueStatusProcessing = "processing"
	QueueStatusDone       = "done"
	QueueStatusFailed     = "failed"
)

// QueueEntry is one unit of dispatch work linking a target to a sender
type QueueEntry struct {
	ID          int64      `json:"id"`
	CampaignID  int64      `json:"campaign_id"`
	TargetID    int64      `json:"target_id"`
	SenderID    int64      `json:"sender_id"`
	AvailableAt int64      `json:"available_at"` // epoch milliseconds
	Attempts    int        `json:"attempts"`
	Status      string     `json:"status"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// BackoffDelay returns the capped linear delay applied after the given number of attempts
func BackoffDelay(base time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	return base * time.Duration(attempts)
}
