package models

import "time"

// Target status constants
const (
	TargetStatusQueued    = "queued"
	TargetStatusSending   = "sending"
	TargetStatusSent      = "sent"
	TargetStatusDelivered = "delivered"
	TargetStatusRead      = "read"
	TargetStatusFailed    = "failed"
	TargetStatusCanceled  = "canceled"
)

// ReasonInvalidPhone is stored in last_error when a phone fails validation at dispatch time
const ReasonInvalidPhone = "telefono_invalido"

// Reserved variable keys linking a target back to its CRM record
const (
	VarCRMEntity = "_crm_entity"
	VarCRMID     = "_crm_id"
)

// MaxErrorLength bounds last_error text
const MaxErrorLength = 500

// Target is one recipient phone number within one campaign
type Target struct {
	ID                int64           `json:"id"`
	CampaignID        int64           `json:"campaign_id"`
	Phone             string          `json:"phone"`
	Variables         Variables       `json:"variables,omitempty"`
	Params            *TemplateParams `json:"params,omitempty"`
	Status            string          `json:"status"`
	LastError         *string         `json:"last_error,omitempty"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// TemplateParams is the explicit, ordered parameter list for a template send
type TemplateParams struct {
	Body    []string     `json:"body,omitempty"`
	Header  *HeaderParam `json:"header,omitempty"`
	Buttons []string     `json:"buttons,omitempty"`
}

// HeaderParam fills a template header: text or a media link
type HeaderParam struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Link string `json:"link,omitempty"`
}

// CRMRef returns the CRM entity back-reference embedded in the variables, if any
func (t *Target) CRMRef() (entity, id string, ok bool) {
	entity = t.Variables[VarCRMEntity]
	id = t.Variables[VarCRMID]
	return entity, id, entity != "" && id != ""
}

// IsValidTargetStatus checks if the target status is valid
func IsValidTargetStatus(status string) bool {
	switch status {
	case TargetStatusQueued, TargetStatusSending, TargetStatusSent, TargetStatusDelivered,
		TargetStatusRead, TargetStatusFailed, TargetStatusCanceled:
		return true
	default:
		return false
	}
}

// deliveryRank orders provider-reported progress; higher ranks never regress to lower ones
var deliveryRank = map[string]int{
	TargetStatusQueued:    0,
	TargetStatusSending:   1,
	TargetStatusSent:      2,
	TargetStatusDelivered: 3,
	TargetStatusRead:      4,
}

// AdvancesFrom reports whether moving from current to next is forward progress.
// Failed always applies; canceled targets are never revived by callbacks.
func AdvancesFrom(current, next string) bool {
	if current == TargetStatusCanceled {
		return false
	}
	if next == TargetStatusFailed {
		return true
	}
	cur, ok := deliveryRank[current]
	if !ok {
		return true
	}
	return deliveryRank[next] >= cur
}

// Truncate shortens error text to MaxErrorLength runes
func Truncate(s string) string {
	r := []rune(s)
	if len(r) <= MaxErrorLength {
		return s
	}
	return string(r[:MaxErrorLength])
}
