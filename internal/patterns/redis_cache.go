package patterns

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const blacklistKeyPrefix = "sentinel:blacklist:"

// absentMarker caches a negative lookup.
const absentMarker = "-"

// maxNegativeTTL bounds how long a miss can hide a report made elsewhere
// when nothing invalidates it first.
const maxNegativeTTL = 15 * time.Second

var _ CacheInvalidator = (*RedisBlacklistCache)(nil)

// RedisBlacklistCache is a read-through cache in front of a central Store.
// Pattern matching passes straight through. A cache failure falls back to
// the store and is never surfaced.
type RedisBlacklistCache struct {
	Store
	client      *redis.Client
	ttl         time.Duration
	negativeTTL time.Duration
	logger      *slog.Logger
}

// NewRedisBlacklistCache wraps store with a blacklist cache.
func NewRedisBlacklistCache(store Store, client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisBlacklistCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBlacklistCache{
		Store:       store,
		client:      client,
		ttl:         ttl,
		negativeTTL: min(ttl/10, maxNegativeTTL),
		logger:      logger.With("component", "patterns.redis"),
	}
}

func (c *RedisBlacklistCache) IsBlacklisted(ctx context.Context, identifier string) (*BlacklistEntry, error) {
	key := blacklistKeyPrefix + NormalizeIdentifier(identifier)

	val, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil && val == absentMarker:
		return nil, nil
	case err == nil:
		var e BlacklistEntry
		if jerr := json.Unmarshal([]byte(val), &e); jerr == nil {
			return &e, nil
		}
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("blacklist cache read failed", "error", err)
	}

	e, err := c.Store.IsBlacklisted(ctx, identifier)
	if err != nil {
		return nil, err
	}
	c.put(ctx, key, e)
	return e, nil
}

func (c *RedisBlacklistCache) ReportIdentifier(ctx context.Context, identifier, category string) (*BlacklistEntry, error) {
	e, err := c.Store.ReportIdentifier(ctx, identifier, category)
	if err != nil {
		return nil, err
	}
	c.put(ctx, blacklistKeyPrefix+NormalizeIdentifier(identifier), e)
	return e, nil
}

func (c *RedisBlacklistCache) put(ctx context.Context, key string, e *BlacklistEntry) {
	var err error
	if e == nil {
		err = c.client.Set(ctx, key, absentMarker, c.negativeTTL).Err()
	} else {
		data, _ := json.Marshal(e)
		err = c.client.Set(ctx, key, data, c.ttl).Err()
	}
	if err != nil {
		c.logger.Warn("blacklist cache write failed", "error", err)
	}
}

// Invalidate drops cached lookups, positive or negative, for identifiers.
func (c *RedisBlacklistCache) Invalidate(ctx context.Context, identifiers ...string) {
	if len(identifiers) == 0 {
		return
	}
	keys := make([]string, len(identifiers))
	for i, id := range identifiers {
		keys[i] = blacklistKeyPrefix + NormalizeIdentifier(id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("blacklist cache invalidate failed", "error", err)
	}
}
