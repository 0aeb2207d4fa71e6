package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
)

// TemplateCacheTTL is how long fetched template definitions are reused
const TemplateCacheTTL = 10 * time.Minute

// ErrTemplateNotFound is returned when the business account has no such template/language
var ErrTemplateNotFound = errors.New("template not found")

// Config holds Graph API client settings
type Config struct {
	BaseURL     string
	APIVersion  string
	AccessToken string
	WABAID      string
	Timeout     time.Duration
}

// Client talks to the WhatsApp Cloud API
type Client struct {
	http      *resty.Client
	wabaID    string
	templates *cache.Cache
	logger    *slog.Logger
}

// TemplateMessage is one templated send before rendering
type TemplateMessage struct {
	To       string
	Template string
	Language string
	Params   models.TemplateParams
}

// SendResult carries the provider message ID and the raw exchange for the audit log
type SendResult struct {
	MessageID string
	Payload   json.RawMessage
	Response  json.RawMessage
}

// NewClient creates a new Graph API client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIVersion != "" {
		baseURL += "/" + cfg.APIVersion
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(cfg.AccessToken).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout)

	return &Client{
		http:      httpClient,
		wabaID:    cfg.WABAID,
		templates: cache.New(TemplateCacheTTL, 2*TemplateCacheTTL),
		logger:    logger,
	}
}

// BuildRequest renders the send payload. Missing placeholders fail here with
// ErrMissingParameters, before anything is sent.
func (c *Client) BuildRequest(ctx context.Context, msg TemplateMessage) (*SendRequest, error) {
	def, err := c.Template(ctx, msg.Template, msg.Language)
	if err != nil {
		return nil, err
	}

	components, err := BuildComponents(msg.Params, def)
	if err != nil {
		return nil, err
	}

	return &SendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               msg.To,
		Type:             "template",
		Template: TemplateRef{
			Name:       msg.Template,
			Language:   Language{Code: msg.Language},
			Components: components,
		},
	}, nil
}

// Send posts a rendered request from the given sender phone number
func (c *Client) Send(ctx context.Context, phoneNumberID string, req *SendRequest) (*SendResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal send request: %w", err)
	}

	var out SendResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&out).
		Post("/" + phoneNumberID + "/messages")
	if err != nil {
		return nil, fmt.Errorf("whatsapp send request failed: %w", err)
	}

	if resp.IsError() {
		return nil, apiError(resp)
	}

	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return nil, &APIError{StatusCode: resp.StatusCode(), Message: "response carries no message id"}
	}

	c.logger.Debug("template message accepted",
		slog.String("to", req.To),
		slog.String("message_id", out.Messages[0].ID),
	)

	return &SendResult{
		MessageID: out.Messages[0].ID,
		Payload:   payload,
		Response:  resp.Body(),
	}, nil
}

// Template returns the cached definition for name/language. It returns nil, nil
// when no business account is configured.
func (c *Client) Template(ctx context.Context, name, language string) (*TemplateDefinition, error) {
	if c.wabaID == "" {
		return nil, nil
	}

	key := name + "|" + language
	if def, ok := c.templates.Get(key); ok {
		return def.(*TemplateDefinition), nil
	}

	var out struct {
		Data []TemplateDefinition `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"name":   name,
			"fields": "name,language,status,category,components",
			"limit":  "100",
		}).
		SetResult(&out).
		Get("/" + c.wabaID + "/message_templates")
	if err != nil {
		return nil, fmt.Errorf("template lookup failed: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}

	for i := range out.Data {
		def := &out.Data[i]
		if def.Name == name && def.Language == language {
			c.templates.Set(key, def, cache.DefaultExpiration)
			return def, nil
		}
	}

	return nil, fmt.Errorf("%w: %s (%s)", ErrTemplateNotFound, name, language)
}

func apiError(resp *resty.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode(), Message: resp.Status()}

	var env errorEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err == nil && env.Error.Message != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	} else if body := strings.TrimSpace(resp.String()); body != "" {
		apiErr.Message = body
	}

	return apiErr
}
