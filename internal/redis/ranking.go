package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/questhub-engine/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Ranking mirrors participant XP totals into a sorted set. The durable
// ledger stays the source of truth; this is a read model.
type Ranking struct {
	client *redis.Client
}

// NewRanking creates a ranking on an existing client
func NewRanking(client *redis.Client) *Ranking {
	return &Ranking{client: client}
}

// SetTotal records a participant's current total.
func (r *Ranking) SetTotal(ctx context.Context, participantID string, total int64) error {
	err := r.client.ZAdd(ctx, rankingKey, redis.Z{
		Score:  float64(total),
		Member: participantID,
	}).Err()
	if err != nil {
		return fmt.Errorf("setting ranking total: %w", err)
	}
	return nil
}

// BatchSetTotals records many totals in one pipeline.
func (r *Ranking) BatchSetTotals(ctx context.Context, totals map[string]int64) error {
	if len(totals) == 0 {
		return nil
	}
	members := make([]redis.Z, 0, len(totals))
	for id, total := range totals {
		members = append(members, redis.Z{Score: float64(total), Member: id})
	}

	pipe := r.client.Pipeline()
	pipe.ZAdd(ctx, rankingKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch setting ranking totals: %w", err)
	}
	return nil
}

// Top returns the n highest totals in descending order.
func (r *Ranking) Top(ctx context.Context, n int) ([]domain.RankEntry, error) {
	if n <= 0 {
		return []domain.RankEntry{}, nil
	}
	results, err := r.client.ZRevRangeWithScores(ctx, rankingKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top n: %w", err)
	}

	entries := make([]domain.RankEntry, len(results))
	for i, result := range results {
		entries[i] = domain.RankEntry{
			Rank:          int64(i + 1),
			ParticipantID: result.Member.(string),
			TotalXP:       int64(result.Score),
		}
	}
	return entries, nil
}

// Rank returns one participant's position.
func (r *Ranking) Rank(ctx context.Context, participantID string) (*domain.RankEntry, error) {
	pipe := r.client.Pipeline()
	rankCmd := pipe.ZRevRank(ctx, rankingKey, participantID)
	scoreCmd := pipe.ZScore(ctx, rankingKey, participantID)
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrParticipantNotFound
		}
		return nil, fmt.Errorf("getting rank: %w", err)
	}

	return &domain.RankEntry{
		Rank:          rankCmd.Val() + 1,
		ParticipantID: participantID,
		TotalXP:       int64(scoreCmd.Val()),
	}, nil
}
