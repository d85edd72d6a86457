package xp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/questhub-engine/internal/domain"
)

// Store is the durable side of the ledger
type Store interface {
	// ApplyAward credits amount once per key. A repeated key is a no-op that
	// returns the current total and applied=false.
	ApplyAward(ctx context.Context, participantID string, amount int64, key string, at time.Time) (int64, bool, error)
	// RevokeSubmissionXP reverses a submission's award and records the audit
	// row. The stored amount is what was actually awarded.
	RevokeSubmissionXP(ctx context.Context, rev *domain.XPRevocation) (*domain.XPRevocation, error)
}

// Notifier receives participant change events
type Notifier interface {
	Notify(event domain.Event)
}

// Ledger awards and revokes XP
type Ledger struct {
	store    Store
	levels   *LevelTable
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewLedger creates a new XP ledger
func NewLedger(store Store, levels *LevelTable, notifier Notifier, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:    store,
		levels:   levels,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Levels exposes the table used to derive levels.
func (l *Ledger) Levels() *LevelTable {
	return l.levels
}

// AwardXP credits amount to the participant. Calling it again with the same
// idempotency key does not credit twice.
func (l *Ledger) AwardXP(ctx context.Context, participantID string, amount int64, idempotencyKey string) (int64, error) {
	if amount <= 0 {
		return 0, domain.Invalid("amount", "must be positive")
	}
	if idempotencyKey == "" {
		return 0, domain.Invalid("idempotency_key", "required")
	}

	total, applied, err := l.store.ApplyAward(ctx, participantID, amount, idempotencyKey, l.now())
	if err != nil {
		return 0, fmt.Errorf("applying award: %w", err)
	}
	level := l.levels.Level(total)

	if !applied {
		l.logger.Debug("award already applied", "participant_id", participantID, "key", idempotencyKey)
		return total, nil
	}

	l.logger.Info("xp awarded",
		"participant_id", participantID,
		"amount", amount,
		"total_xp", total,
		"level", level,
		"key", idempotencyKey,
	)
	l.notify(domain.Event{
		Type:          domain.EventXPAwarded,
		ParticipantID: participantID,
		Data:          domain.XPChange{Delta: amount, TotalXP: total, Level: level, Key: idempotencyKey},
	})
	return total, nil
}

// RevokeXP reverses a verified submission's award. The participant's total
// never goes below zero.
func (l *Ledger) RevokeXP(ctx context.Context, submissionID, reason, actorID string) (*domain.XPRevocation, error) {
	if submissionID == "" {
		return nil, domain.Invalid("submission_id", "required")
	}
	if reason == "" {
		return nil, domain.Invalid("reason", "required")
	}
	if actorID == "" {
		return nil, domain.Invalid("actor_id", "required")
	}

	rev, err := l.store.RevokeSubmissionXP(ctx, &domain.XPRevocation{
		ID:           uuid.New().String(),
		SubmissionID: submissionID,
		Reason:       reason,
		ActorID:      actorID,
		CreatedAt:    l.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("revoking xp: %w", err)
	}
	level := l.levels.Level(rev.NewTotal)

	l.logger.Warn("xp revoked",
		"revocation_id", rev.ID,
		"submission_id", submissionID,
		"participant_id", rev.ParticipantID,
		"amount", rev.Amount,
		"total_xp", rev.NewTotal,
		"reason", reason,
		"actor_id", actorID,
	)
	l.notify(domain.Event{
		Type:          domain.EventXPRevoked,
		ParticipantID: rev.ParticipantID,
		Data:          domain.XPChange{Delta: -rev.Amount, TotalXP: rev.NewTotal, Level: level, Key: submissionID, Reason: reason},
	})
	return rev, nil
}

func (l *Ledger) notify(event domain.Event) {
	if l.notifier == nil {
		return
	}
	event.Timestamp = l.now()
	l.notifier.Notify(event)
}
