package crm

import (
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/config"
)

// Setup builds the CRM client from configuration. It returns a nil client when no
// portal is configured. The redis client is non-nil only when REDIS_URL is set and
// must be closed by the caller.
func Setup(cfg config.CRMConfig, redisCfg config.RedisConfig, logger *slog.Logger) (*Client, *redis.Client, error) {
	if cfg.PortalURL == "" {
		logger.Info("crm not configured")
		return nil, nil, nil
	}

	var (
		store TokenStore
		rdb   *redis.Client
	)
	if redisCfg.URL != "" {
		var err error
		if rdb, err = ConnectRedis(redisCfg.URL, logger); err != nil {
			return nil, nil, err
		}
		store = NewRedisTokenStore(rdb, redisCfg.TokenKey)
	} else {
		logger.Warn("crm tokens kept in memory: refreshed tokens are not shared between processes")
		store = NewMemoryTokenStore()
	}

	tokens := NewTokenProvider(OAuthConfig{
		URL:          cfg.OAuthURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RefreshToken: cfg.RefreshToken,
		Timeout:      cfg.Timeout,
	}, store, nil, logger)

	return NewClient(cfg.PortalURL, cfg.Timeout, tokens, logger), rdb, nil
}
