package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateStruct runs the validate tags and reports the first failures as invalid input
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return models.ErrInvalidInput(err.Error())
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed '%s=%s'", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed '%s'", fe.Namespace(), fe.Tag()))
		}
	}
	return models.ErrInvalidInput(strings.Join(msgs, "; "))
}

// TargetInput is one directly supplied recipient
type TargetInput struct {
	Phone     string                 `json:"phone" validate:"required"`
	Variables models.Variables       `json:"variables,omitempty"`
	Params    *models.TemplateParams `json:"params,omitempty"`
}

// CRMSource asks for recipients to be resolved from CRM records
type CRMSource struct {
	EntityType string            `json:"entity_type" validate:"required,oneof=contact lead deal company"`
	IDs        []string          `json:"ids" validate:"required,min=1,dive,required"`
	PhoneField string            `json:"phone_field,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
}

// SenderInput overrides the default sender of a campaign
type SenderInput struct {
	PhoneNumberID string `json:"phone_number_id" validate:"required"`
	Label         string `json:"label,omitempty"`
	QPS           int    `json:"qps,omitempty" validate:"gte=0,lte=1000"`
}

// TargetSource is the recipient part shared by create, add-targets and dry-run
type TargetSource struct {
	Targets []TargetInput `json:"targets,omitempty" validate:"dive"`
	CRM     *CRMSource    `json:"crm,omitempty"`
}

// Validate requires at least one source of recipients
func (s *TargetSource) Validate() error {
	if err := validateStruct(s); err != nil {
		return err
	}
	if len(s.Targets) == 0 && s.CRM == nil {
		return models.ErrInvalidInput("targets or crm is required")
	}
	return nil
}

// CreateCampaignRequest represents a request to create a campaign
type CreateCampaignRequest struct {
	Name         string         `json:"name" validate:"required,max=200"`
	TemplateName string         `json:"template_name" validate:"required,max=512"`
	Language     string         `json:"language" validate:"required,max=15"`
	Sender       *SenderInput   `json:"sender,omitempty"`
	Metadata     models.JSONMap `json:"metadata,omitempty"`
	ScheduledAt  *time.Time     `json:"scheduled_at,omitempty"`
	Start        bool           `json:"start,omitempty"`
	TargetSource
}

// Validate performs validation on the create campaign request
func (r *CreateCampaignRequest) Validate() error {
	if err := validateStruct(r); err != nil {
		return err
	}
	if r.Start && r.ScheduledAt != nil {
		return models.ErrInvalidInput("start and scheduled_at are mutually exclusive")
	}
	return r.TargetSource.Validate()
}

// AddTargetsRequest adds recipients to an existing campaign
type AddTargetsRequest struct {
	TargetSource
}

// DryRunRequest counts phone validity without writing anything
type DryRunRequest struct {
	TargetSource
}

// TargetsResult reports how submitted recipients were handled
type TargetsResult struct {
	Inserted       int `json:"inserted"`
	Duplicates     int `json:"duplicates"`
	SkippedInvalid int `json:"skipped_invalid"`
}

// CreateCampaignResult is the created campaign with target counts
type CreateCampaignResult struct {
	Campaign *models.Campaign `json:"campaign"`
	TargetsResult
	Enqueued int `json:"enqueued,omitempty"`
}

// DryRunResult represents phone validity counts
type DryRunResult struct {
	Total         int      `json:"total"`
	Valid         int      `json:"valid"`
	Invalid       int      `json:"invalid"`
	Duplicates    int      `json:"duplicates"`
	SampleInvalid []string `json:"sample_invalid"`
}

// TransitionResult represents the outcome of a lifecycle transition
type TransitionResult struct {
	CampaignID int64  `json:"campaign_id"`
	Status     string `json:"status"`
	Enqueued   int    `json:"enqueued,omitempty"`
	Canceled   int64  `json:"canceled,omitempty"`
}

// CampaignListResult represents paginated campaign list results
type CampaignListResult struct {
	Data       []*models.Campaign      `json:"data"`
	Pagination models.PaginationResult `json:"pagination"`
}
