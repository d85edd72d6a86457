package xp

import (
	"context"
	"log/slog"
	"time"

	"github.com/questhub-engine/internal/domain"
)

// RankingWriter is the read model updated from XP events
type RankingWriter interface {
	SetTotal(ctx context.Context, participantID string, total int64) error
}

// RankingListener returns an event listener that mirrors XP totals into the
// ranking. Failures are logged; the ledger is unaffected.
func RankingListener(ranking RankingWriter, logger *slog.Logger) func(domain.Event) {
	return func(event domain.Event) {
		if event.Type != domain.EventXPAwarded && event.Type != domain.EventXPRevoked {
			return
		}
		change, ok := event.Data.(domain.XPChange)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := ranking.SetTotal(ctx, event.ParticipantID, change.TotalXP); err != nil {
			logger.Error("failed to update ranking", "participant_id", event.ParticipantID, "error", err)
		}
	}
}
