package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/questhub-engine/internal/config"
	"github.com/questhub-engine/internal/domain"
)

// RankingReader is the XP ranking read model
type RankingReader interface {
	Top(ctx context.Context, n int) ([]domain.RankEntry, error)
	Rank(ctx context.Context, participantID string) (*domain.RankEntry, error)
}

// LevelFunc derives a level from total XP
type LevelFunc func(totalXP int64) int

// LeaderboardEntry is a ranking row with the derived level
type LeaderboardEntry struct {
	domain.RankEntry
	Level int `json:"level"`
}

// LeaderboardService provides ranking reads over the XP totals
type LeaderboardService struct {
	ranking RankingReader
	levels  LevelFunc
	config  *config.LeaderboardConfig
	logger  *slog.Logger
}

// NewLeaderboardService creates a new leaderboard service
func NewLeaderboardService(
	ranking RankingReader,
	levels LevelFunc,
	cfg *config.LeaderboardConfig,
	logger *slog.Logger,
) *LeaderboardService {
	return &LeaderboardService{
		ranking: ranking,
		levels:  levels,
		config:  cfg,
		logger:  logger,
	}
}

// GetTopN returns the top n participants by XP
func (s *LeaderboardService) GetTopN(ctx context.Context, n int) ([]LeaderboardEntry, error) {
	// Validate limit
	if n <= 0 {
		n = s.config.DefaultLimit
	}
	if n > s.config.MaxLimit {
		n = s.config.MaxLimit
	}

	entries, err := s.ranking.Top(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("getting top n: %w", err)
	}

	out := make([]LeaderboardEntry, len(entries))
	for i, e := range entries {
		out[i] = s.entry(e)
	}
	return out, nil
}

// GetParticipantRank returns one participant's rank and total
func (s *LeaderboardService) GetParticipantRank(ctx context.Context, participantID string) (*LeaderboardEntry, error) {
	entry, err := s.ranking.Rank(ctx, participantID)
	if err != nil {
		return nil, err
	}
	out := s.entry(*entry)
	return &out, nil
}

func (s *LeaderboardService) entry(e domain.RankEntry) LeaderboardEntry {
	out := LeaderboardEntry{RankEntry: e}
	if s.levels != nil {
		out.Level = s.levels(e.TotalXP)
	}
	return out
}
