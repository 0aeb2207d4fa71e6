package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/crm"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/phone"
)

// maxSampleInvalid bounds the invalid phones echoed back to callers
const maxSampleInvalid = 10

// CRMClient is the CRM collaborator used for target resolution and notifications
type CRMClient interface {
	FetchTargets(ctx context.Context, req crm.FetchRequest) ([]crm.Resolved, error)
	PushTimelineComment(ctx context.Context, entityType, entityID, text string) error
}

// Resolution is a submission reduced to valid, unique targets
type Resolution struct {
	Targets       []*models.Target
	Submitted     int
	Invalid       int
	Duplicates    int
	SampleInvalid []string
	Provenance    models.JSONMap
}

// TargetService normalizes, validates and dedups recipients from direct input or the CRM
type TargetService interface {
	Resolve(ctx context.Context, src TargetSource) (*Resolution, error)
}

type targetService struct {
	crm        CRMClient
	normalizer *phone.Normalizer
	logger     *slog.Logger
}

// NewTargetService creates a new target service; crmClient may be nil when no CRM is configured
func NewTargetService(crmClient CRMClient, normalizer *phone.Normalizer, logger *slog.Logger) TargetService {
	return &targetService{
		crm:        crmClient,
		normalizer: normalizer,
		logger:     logger,
	}
}

// Resolve keeps the first occurrence of each normalized phone
func (s *targetService) Resolve(ctx context.Context, src TargetSource) (*Resolution, error) {
	inputs := append([]TargetInput(nil), src.Targets...)

	res := &Resolution{SampleInvalid: []string{}}

	if src.CRM != nil {
		if s.crm == nil {
			return nil, models.ErrInvalidInput("crm is not configured")
		}

		resolved, err := s.crm.FetchTargets(ctx, crm.FetchRequest{
			EntityType: src.CRM.EntityType,
			IDs:        src.CRM.IDs,
			PhoneField: src.CRM.PhoneField,
			Variables:  src.CRM.Variables,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve crm targets: %w", err)
		}

		for _, r := range resolved {
			inputs = append(inputs, TargetInput{Phone: r.Phone, Variables: r.Variables})
		}

		res.Provenance = models.JSONMap{
			"crm": map[string]any{
				"entity_type": src.CRM.EntityType,
				"ids":         src.CRM.IDs,
				"variables":   src.CRM.Variables,
			},
		}

		s.logger.Info("crm targets resolved",
			slog.String("entity_type", src.CRM.EntityType),
			slog.Int("requested", len(src.CRM.IDs)),
			slog.Int("resolved", len(resolved)),
		)
	}

	res.Submitted = len(inputs)
	seen := make(map[string]struct{}, len(inputs))

	for _, in := range inputs {
		normalized, ok := s.normalizer.NormalizeValid(in.Phone)
		if !ok {
			res.Invalid++
			if len(res.SampleInvalid) < maxSampleInvalid {
				res.SampleInvalid = append(res.SampleInvalid, in.Phone)
			}
			continue
		}

		if _, dup := seen[normalized]; dup {
			res.Duplicates++
			continue
		}
		seen[normalized] = struct{}{}

		res.Targets = append(res.Targets, &models.Target{
			Phone:     normalized,
			Variables: in.Variables,
			Params:    in.Params,
			Status:    models.TargetStatusQueued,
		})
	}

	return res, nil
}
