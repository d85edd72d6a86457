package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/questhub-engine/internal/domain"
	"github.com/redis/go-redis/v9"
)

// VerificationCache stores recent claim check results with a TTL
type VerificationCache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewVerificationCache creates a cache on an existing client
func NewVerificationCache(client *redis.Client, logger *slog.Logger) *VerificationCache {
	return &VerificationCache{client: client, logger: logger}
}

// Get implements verify.Cache. A corrupt entry counts as a miss.
func (c *VerificationCache) Get(ctx context.Context, participantID, taskID, claimType string) (domain.CacheEntry, bool, error) {
	key := verifyKey(participantID, taskID, claimType)
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.CacheEntry{}, false, nil
	}
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("getting cache entry: %w", err)
	}

	var entry domain.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("dropping corrupt cache entry", "key", key, "error", err)
		c.client.Del(ctx, key)
		return domain.CacheEntry{}, false, nil
	}
	return entry, true, nil
}

// Put implements verify.Cache.
func (c *VerificationCache) Put(ctx context.Context, participantID, taskID, claimType string, entry domain.CacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	if err := c.client.Set(ctx, verifyKey(participantID, taskID, claimType), raw, ttl).Err(); err != nil {
		return fmt.Errorf("setting cache entry: %w", err)
	}
	return nil
}
