package models

import (
	"fmt"
	"time"
)

// Campaign status constants
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusScheduled = "scheduled"
	CampaignStatusRunning   = "running"
	CampaignStatusPaused    = "paused"
	CampaignStatusDone      = "done"
	CampaignStatusError     = "error"
	CampaignStatusCanceled  = "canceled"
)

// Campaign represents a batch of templated WhatsApp messages sent from one sender
type Campaign struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	TemplateName string     `json:"template_name"`
	Language     string     `json:"language"`
	SenderID     int64      `json:"sender_id"`
	Status       string     `json:"status"`
	TotalTargets int        `json:"total_targets"`
	Metadata     JSONMap    `json:"metadata,omitempty"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// CampaignFilter holds filtering options for listing campaigns
type CampaignFilter struct {
	Status   string
	Page     int
	PageSize int
}

// CampaignStats holds per-status target counts for a campaign
type CampaignStats struct {
	Total     int64 `json:"total"`
	Queued    int64 `json:"queued"`
	Sending   int64 `json:"sending"`
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Read      int64 `json:"read"`
	Failed    int64 `json:"failed"`
	Canceled  int64 `json:"canceled"`
}

// Successful returns the number of targets the provider accepted
func (s CampaignStats) Successful() int64 {
	return s.Sent + s.Delivered + s.Read
}

// CampaignWithStats combines campaign details with statistics and the latest target updates
type CampaignWithStats struct {
	Campaign
	Stats         CampaignStats `json:"stats"`
	RecentTargets []*Target     `json:"recent_targets"`
}

// Validate performs validation on campaign data
func (c *Campaign) Validate() error {
	if c.Name == "" {
		return ErrInvalidInput("name is required")
	}
	if c.TemplateName == "" {
		return ErrInvalidInput("template_name is required")
	}
	if c.Language == "" {
		return ErrInvalidInput("language is required")
	}
	if c.Status != "" && !IsValidCampaignStatus(c.Status) {
		return ErrInvalidInput(fmt.Sprintf("invalid status: %s", c.Status))
	}
	return nil
}

// IsValidCampaignStatus checks if the campaign status is valid
func IsValidCampaignStatus(status string) bool {
	switch status {
	case CampaignStatusDraft, CampaignStatusScheduled, CampaignStatusRunning, CampaignStatusPaused,
		CampaignStatusDone, CampaignStatusError, CampaignStatusCanceled:
		return true
	default:
		return false
	}
}

// IsHalted reports whether the worker must drop queued work for this campaign
func (c *Campaign) IsHalted() bool {
	switch c.Status {
	case CampaignStatusPaused, CampaignStatusCanceled, CampaignStatusDone, CampaignStatusError:
		return true
	default:
		return false
	}
}

// CanStart checks if the campaign may (re)enqueue its unfinished targets.
// Done and error campaigns may be started again to retry failed targets.
func (c *Campaign) CanStart() bool {
	return c.Status != CampaignStatusCanceled && c.Status != CampaignStatusPaused
}

// CanPause checks if the campaign can be paused
func (c *Campaign) CanPause() bool {
	return c.Status == CampaignStatusRunning || c.Status == CampaignStatusScheduled
}

// CanResume checks if the campaign can be resumed
func (c *Campaign) CanResume() bool {
	return c.Status == CampaignStatusPaused
}

// CanCancel checks if the campaign can be canceled
func (c *Campaign) CanCancel() bool {
	return c.Status != CampaignStatusCanceled && c.Status != CampaignStatusDone
}
