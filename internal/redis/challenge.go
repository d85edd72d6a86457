package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/questhub-engine/internal/domain"
	"github.com/redis/go-redis/v9"
)

// ChallengeStore keeps wallet challenge messages until first use or expiry
type ChallengeStore struct {
	client *redis.Client
}

// NewChallengeStore creates a challenge store on an existing client
func NewChallengeStore(client *redis.Client) *ChallengeStore {
	return &ChallengeStore{client: client}
}

// PutChallenge implements identity.ChallengeStore. A new challenge for the
// same key replaces the previous one.
func (s *ChallengeStore) PutChallenge(ctx context.Context, key, message string, ttl time.Duration) error {
	if err := s.client.Set(ctx, challengeKey(key), message, ttl).Err(); err != nil {
		return fmt.Errorf("storing challenge: %w", err)
	}
	return nil
}

// TakeChallenge implements identity.ChallengeStore. GETDEL makes the read and
// the delete one step, so two racing logins cannot both succeed.
func (s *ChallengeStore) TakeChallenge(ctx context.Context, key string) (string, error) {
	msg, err := s.client.GetDel(ctx, challengeKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrInvalidChallenge
	}
	if err != nil {
		return "", fmt.Errorf("taking challenge: %w", err)
	}
	return msg, nil
}
