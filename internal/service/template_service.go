package service

import (
	"sort"
	"strconv"
	"strings"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
)

// TemplateService turns a target's stored values into ordered template parameters
type TemplateService interface {
	Params(target *models.Target) models.TemplateParams
	OrderedKeys(vars models.Variables) []string
}

type templateService struct{}

// NewTemplateService creates a new template service
func NewTemplateService() TemplateService {
	return &templateService{}
}

// Params returns the explicit parameter list when the target has one. Otherwise the
// body parameters come from the variables in OrderedKeys order.
func (s *templateService) Params(target *models.Target) models.TemplateParams {
	if target == nil {
		return models.TemplateParams{}
	}
	if p := target.Params; p != nil && (len(p.Body) > 0 || p.Header != nil || len(p.Buttons) > 0) {
		return *p
	}

	keys := s.OrderedKeys(target.Variables)
	body := make([]string, 0, len(keys))
	for _, k := range keys {
		body = append(body, target.Variables[k])
	}
	return models.TemplateParams{Body: body}
}

// OrderedKeys sorts variable names deterministically: numeric names first in numeric
// order ("1" < "2" < "10"), then the rest lexicographically. Reserved names starting
// with "_" are left out.
func (s *templateService) OrderedKeys(vars models.Variables) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		if strings.HasPrefix(k, "_") {
			continue
		}
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		ni, errI := strconv.Atoi(keys[i])
		nj, errJ := strconv.Atoi(keys[j])
		switch {
		case errI == nil && errJ == nil:
			return ni < nj
		case errI == nil:
			return true
		case errJ == nil:
			return false
		default:
			return keys[i] < keys[j]
		}
	})

	return keys
}
