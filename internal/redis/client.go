// Package redis holds the Redis-backed shared state: the verification cache,
// single-use wallet challenges and the XP ranking sorted set.
package redis

import (
	"context"
	"fmt"

	"github.com/questhub-engine/internal/config"
	"github.com/redis/go-redis/v9"
)

// NewClient creates a Redis client and checks the connection
func NewClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

func verifyKey(participantID, taskID, claimType string) string {
	return fmt.Sprintf("verify:%s:%s:%s", participantID, taskID, claimType)
}

func challengeKey(key string) string {
	return fmt.Sprintf("challenge:%s", key)
}

const rankingKey = "xp:ranking"
