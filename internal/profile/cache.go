package profile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/septivank/device-usage-worker/internal/logging"
	"github.com/septivank/device-usage-worker/internal/usage"
	"go.uber.org/zap"
)

var _ usage.ProfileInvalidator = (*CachedProvider)(nil)

// CachedProvider serves limitation profiles from Redis and falls back to the
// wrapped provider on a miss. Redis failures never fail a lookup.
type CachedProvider struct {
	next      usage.ProfileProvider
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewCachedProvider creates a Redis backed profile cache in front of next
func NewCachedProvider(next usage.ProfileProvider, client *redis.Client, keyPrefix string, ttl time.Duration, logger *zap.Logger) *CachedProvider {
	if keyPrefix == "" {
		keyPrefix = "device-usage:profile:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedProvider{
		next:      next,
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger,
	}
}

// GetLimitation returns the cached profile or fetches and caches it
func (p *CachedProvider) GetLimitation(ctx context.Context, deviceID string) (usage.LimitationProfile, error) {
	logger := logging.WithDeviceID(logging.FromContext(ctx, p.logger), deviceID)
	key := p.keyPrefix + deviceID

	cached, err := p.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var profile usage.LimitationProfile
		if err := json.Unmarshal(cached, &profile); err == nil {
			logger.Debug("limitation profile served from cache")
			return profile, nil
		}
		logger.Warn("dropping undecodable cached limitation profile", zap.Error(err))
	case !errors.Is(err, redis.Nil):
		logger.Warn("failed to read limitation profile cache", zap.Error(err))
	}

	profile, err := p.next.GetLimitation(ctx, deviceID)
	if err != nil {
		return usage.LimitationProfile{}, err
	}

	encoded, err := json.Marshal(profile)
	if err != nil {
		return profile, nil
	}
	if err := p.client.Set(ctx, key, encoded, p.ttl).Err(); err != nil {
		logger.Warn("failed to cache limitation profile", zap.Error(err))
	}
	return profile, nil
}

// Invalidate drops the cached profile of the device
func (p *CachedProvider) Invalidate(ctx context.Context, deviceID string) error {
	return p.client.Del(ctx, p.keyPrefix+deviceID).Err()
}
