package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
)

// DefaultPhoneField is the phone path used when a request names none
const DefaultPhoneField = "PHONE[0].VALUE"

// contactPrefix marks deal variable paths that resolve on the linked contact
const contactPrefix = "contact."

// Supported entity types
const (
	EntityContact = "contact"
	EntityLead    = "lead"
	EntityDeal    = "deal"
	EntityCompany = "company"
)

// TokenSource supplies OAuth access tokens
type TokenSource interface {
	ValidToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
	Current(ctx context.Context) (*Token, error)
}

// Error is an error reported by the CRM REST API
type Error struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *Error) Error() string {
	return fmt.Sprintf("crm error (status %d): %s %s", e.StatusCode, e.Code, e.Description)
}

// FetchRequest asks for the phones and variables of CRM records
type FetchRequest struct {
	EntityType string
	IDs        []string
	PhoneField string
	Variables  map[string]string // template variable name -> field path
}

// Resolved is one CRM record mapped to a phone and template variables
type Resolved struct {
	EntityType string
	EntityID   string
	Phone      string
	Variables  models.Variables
}

// Health reports the token state and the authorized profile
type Health struct {
	HasToken  bool           `json:"hasToken"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
	Profile   map[string]any `json:"profile,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Client calls the CRM REST API
type Client struct {
	http   *resty.Client
	tokens TokenSource
	logger *slog.Logger
}

// NewClient creates a new CRM client for the portal at portalURL
func NewClient(portalURL string, timeout time.Duration, tokens TokenSource, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(portalURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)

	return &Client{
		http:   httpClient,
		tokens: tokens,
		logger: logger,
	}
}

type envelope struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// call invokes a REST method, refreshing the token once when the CRM rejects it
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.ValidToken(ctx)
		if err != nil {
			return err
		}

		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("auth", token).
			SetBody(params).
			Post("/rest/" + method + ".json")
		if err != nil {
			return fmt.Errorf("crm %s request failed: %w", method, err)
		}

		var env envelope
		_ = json.Unmarshal(resp.Body(), &env)

		expired := env.Error == "expired_token" || env.Error == "invalid_token" || resp.StatusCode() == http.StatusUnauthorized
		if expired && attempt == 0 {
			if _, err := c.tokens.Refresh(ctx); err != nil {
				return err
			}
			continue
		}

		if resp.IsError() || env.Error != "" {
			return &Error{StatusCode: resp.StatusCode(), Code: env.Error, Description: env.ErrorDescription}
		}

		if out != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, out); err != nil {
				return fmt.Errorf("failed to decode crm %s result: %w", method, err)
			}
		}
		return nil
	}
}

func (c *Client) getEntity(ctx context.Context, entityType, id string) (map[string]any, error) {
	var record map[string]any
	if err := c.call(ctx, "crm."+entityType+".get", map[string]string{"id": id}, &record); err != nil {
		return nil, err
	}
	return record, nil
}

// FetchTargets resolves records to phones and declared variable bindings.
// Records the CRM cannot return are reported with an empty phone.
func (c *Client) FetchTargets(ctx context.Context, req FetchRequest) ([]Resolved, error) {
	entityType := strings.ToLower(req.EntityType)
	switch entityType {
	case EntityContact, EntityLead, EntityDeal, EntityCompany:
	default:
		return nil, models.ErrInvalidInput(fmt.Sprintf("unsupported crm entity type: %s", req.EntityType))
	}

	phoneField := req.PhoneField
	if phoneField == "" {
		phoneField = DefaultPhoneField
	}

	resolved := make([]Resolved, 0, len(req.IDs))
	for _, id := range req.IDs {
		r := Resolved{
			EntityType: entityType,
			EntityID:   id,
			Variables: models.Variables{
				models.VarCRMEntity: entityType,
				models.VarCRMID:     id,
			},
		}

		record, contact, err := c.loadRecord(ctx, entityType, id)
		var crmErr *Error
		if errors.As(err, &crmErr) {
			c.logger.Warn("crm record not resolved",
				slog.String("entity_type", entityType),
				slog.String("entity_id", id),
				slog.String("error", err.Error()),
			)
			resolved = append(resolved, r)
			continue
		}
		if err != nil {
			return nil, err
		}

		phoneSource := record
		if entityType == EntityDeal {
			phoneSource = contact
		}
		if phoneSource != nil {
			r.Phone, _ = Lookup(phoneSource, phoneField)
		}

		for name, path := range req.Variables {
			source := record
			if strings.HasPrefix(path, contactPrefix) {
				source, path = contact, strings.TrimPrefix(path, contactPrefix)
			}
			if source == nil {
				continue
			}
			if value, ok := Lookup(source, path); ok {
				r.Variables[name] = value
			}
		}

		resolved = append(resolved, r)
	}

	return resolved, nil
}

// loadRecord fetches the record and, for deals and records with a linked contact, the contact
func (c *Client) loadRecord(ctx context.Context, entityType, id string) (map[string]any, map[string]any, error) {
	record, err := c.getEntity(ctx, entityType, id)
	if err != nil {
		return nil, nil, err
	}
	if entityType == EntityContact {
		return record, record, nil
	}

	contactID, ok := Lookup(record, "CONTACT_ID")
	if !ok || contactID == "" || contactID == "0" {
		return record, nil, nil
	}

	contact, err := c.getEntity(ctx, EntityContact, contactID)
	if err != nil {
		return nil, nil, err
	}
	return record, contact, nil
}

// PushTimelineComment adds a comment to the record's timeline
func (c *Client) PushTimelineComment(ctx context.Context, entityType, entityID, text string) error {
	params := map[string]any{
		"fields": map[string]string{
			"ENTITY_ID":   entityID,
			"ENTITY_TYPE": strings.ToLower(entityType),
			"COMMENT":     text,
		},
	}
	if err := c.call(ctx, "crm.timeline.comment.add", params, nil); err != nil {
		return fmt.Errorf("failed to push timeline comment: %w", err)
	}
	return nil
}

// Health reports whether a token is held and which profile it authorizes
func (c *Client) Health(ctx context.Context) (*Health, error) {
	health := &Health{}

	token, err := c.tokens.Current(ctx)
	if err != nil {
		return nil, err
	}
	if token != nil && token.AccessToken != "" {
		health.HasToken = true
		expiresAt := token.ExpiresAt
		health.ExpiresAt = &expiresAt
	}

	var profile map[string]any
	if err := c.call(ctx, "profile", map[string]any{}, &profile); err != nil {
		health.Error = err.Error()
		return health, nil
	}
	health.Profile = profile

	// a successful call may have refreshed the token
	if token, err := c.tokens.Current(ctx); err == nil && token != nil {
		health.HasToken = true
		expiresAt := token.ExpiresAt
		health.ExpiresAt = &expiresAt
	}

	return health, nil
}
