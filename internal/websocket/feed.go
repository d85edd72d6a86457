package websocket

import (
	"context"
	"log/slog"
	"time"

	"github.com/questhub-engine/internal/domain"
)

// TopReader reads the head of the XP ranking
type TopReader interface {
	Top(ctx context.Context, n int) ([]domain.RankEntry, error)
}

// LeaderboardFeed returns an event listener that pushes the top of the
// ranking to leaderboard subscribers after every XP change. It must run
// after the ranking itself was updated for the same event.
func LeaderboardFeed(hub *Hub, ranking TopReader, size int, logger *slog.Logger) func(domain.Event) {
	return func(event domain.Event) {
		if event.Type != domain.EventXPAwarded && event.Type != domain.EventXPRevoked {
			return
		}
		if hub.GetSubscriberCount(TopicLeaderboard) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		entries, err := ranking.Top(ctx, size)
		if err != nil {
			logger.Error("failed to read ranking for broadcast", "error", err)
			return
		}
		hub.BroadcastLeaderboardUpdate(entries)
	}
}
