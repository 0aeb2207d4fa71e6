package crm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrNoToken is returned when no token is stored and no refresh token is configured
var ErrNoToken = errors.New("crm: no oauth token available")

// refreshSkew renews tokens slightly before they expire
const refreshSkew = time.Minute

// Token is an OAuth access/refresh token pair
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// TokenStore persists the current token. Load returns nil, nil when nothing is stored.
type TokenStore interface {
	Load(ctx context.Context) (*Token, error)
	Save(ctx context.Context, token *Token) error
}

// RefreshLocker is implemented by stores shared between processes. LockRefresh blocks
// until the caller holds the refresh lock; unlock releases it.
type RefreshLocker interface {
	LockRefresh(ctx context.Context) (unlock func(), err error)
}

// OAuthConfig holds the refresh endpoint and client credentials
type OAuthConfig struct {
	URL          string
	ClientID     string
	ClientSecret string
	RefreshToken string // used when the store is empty
	Timeout      time.Duration
}

// TokenProvider hands out valid access tokens, refreshing them on expiry
type TokenProvider struct {
	store  TokenStore
	cfg    OAuthConfig
	http   *resty.Client
	now    func() time.Time
	logger *slog.Logger

	mu sync.Mutex
}

// NewTokenProvider creates a token provider; now defaults to time.Now
func NewTokenProvider(cfg OAuthConfig, store TokenStore, now func() time.Time, logger *slog.Logger) *TokenProvider {
	if now == nil {
		now = time.Now
	}
	return &TokenProvider{
		store:  store,
		cfg:    cfg,
		http:   resty.New().SetTimeout(cfg.Timeout),
		now:    now,
		logger: logger,
	}
}

// ValidToken returns an access token that is not about to expire
func (p *TokenProvider) ValidToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	token, err := p.store.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load token: %w", err)
	}

	if p.usable(token) {
		return token.AccessToken, nil
	}

	token, err = p.refreshLocked(ctx, token)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// Refresh forces a token renewal, e.g. after the CRM reports expired_token
func (p *TokenProvider) Refresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, err := p.store.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load token: %w", err)
	}

	token, err := p.refreshLocked(ctx, current)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// Current returns the stored token without refreshing it
func (p *TokenProvider) Current(ctx context.Context) (*Token, error) {
	return p.store.Load(ctx)
}

func (p *TokenProvider) usable(token *Token) bool {
	return token != nil && token.AccessToken != "" && p.now().Add(refreshSkew).Before(token.ExpiresAt)
}

// refreshLocked renews the token. With a shared store only one process refreshes at
// a time; a process that waited on the lock picks up the token the other one saved.
func (p *TokenProvider) refreshLocked(ctx context.Context, current *Token) (*Token, error) {
	if locker, ok := p.store.(RefreshLocker); ok {
		unlock, err := locker.LockRefresh(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to lock token refresh: %w", err)
		}
		defer unlock()

		latest, err := p.store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load token: %w", err)
		}
		if p.usable(latest) && (current == nil || latest.AccessToken != current.AccessToken) {
			return latest, nil
		}
		if latest != nil {
			current = latest
		}
	}

	refreshToken := p.cfg.RefreshToken
	if current != nil && current.RefreshToken != "" {
		refreshToken = current.RefreshToken
	}
	if refreshToken == "" {
		return nil, ErrNoToken
	}

	var out struct {
		AccessToken      string `json:"access_token"`
		RefreshToken     string `json:"refresh_token"`
		ExpiresIn        int64  `json:"expires_in"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}

	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"grant_type":    "refresh_token",
			"client_id":     p.cfg.ClientID,
			"client_secret": p.cfg.ClientSecret,
			"refresh_token": refreshToken,
		}).
		SetResult(&out).
		SetError(&out).
		Get(p.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("oauth refresh request failed: %w", err)
	}
	if resp.IsError() || out.AccessToken == "" {
		return nil, fmt.Errorf("oauth refresh failed: status %s, error %s: %s", resp.Status(), out.Error, out.ErrorDescription)
	}

	token := &Token{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    p.now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}

	if err := p.store.Save(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}

	p.logger.Info("crm oauth token refreshed", slog.Time("expires_at", token.ExpiresAt))

	return token, nil
}
