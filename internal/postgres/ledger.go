package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/questhub-engine/internal/domain"
)

// ApplyAward implements xp.Store. The award row and the total move together;
// a replayed key changes nothing and reports applied=false.
func (r *Repository) ApplyAward(ctx context.Context, participantID string, amount int64, key string, at time.Time) (int64, bool, error) {
	var total int64
	var applied bool
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO xp_awards (idempotency_key, participant_id, amount, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (idempotency_key) DO NOTHING
		`, key, participantID, amount, at)
		if err != nil {
			return fmt.Errorf("recording award: %w", constraintError(err))
		}

		if tag.RowsAffected() == 0 {
			err = tx.QueryRow(ctx, `SELECT total_xp FROM participants WHERE id = $1`, participantID).Scan(&total)
		} else {
			applied = true
			err = tx.QueryRow(ctx, `
				UPDATE participants SET total_xp = total_xp + $2, updated_at = $3
				WHERE id = $1
				RETURNING total_xp
			`, participantID, amount, at).Scan(&total)
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrParticipantNotFound
		}
		if err != nil {
			return fmt.Errorf("updating total: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return total, applied, nil
}

// RevokeSubmissionXP implements xp.Store. Only XP that reached the ledger is
// taken back, and the total never drops below zero.
func (r *Repository) RevokeSubmissionXP(ctx context.Context, rev *domain.XPRevocation) (*domain.XPRevocation, error) {
	out := *rev
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var status domain.SubmissionStatus
		var removed bool
		err := tx.QueryRow(ctx, `
			SELECT participant_id, status, xp_removed FROM task_submissions
			WHERE id = $1 FOR UPDATE
		`, rev.SubmissionID).Scan(&out.ParticipantID, &status, &removed)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrSubmissionNotFound
			}
			return fmt.Errorf("locking submission: %w", err)
		}
		if status != domain.StatusVerified {
			return domain.ErrNotVerified
		}
		if removed {
			return domain.ErrAlreadyRevoked
		}

		// Claim the key before reading it. An award racing this revoke either
		// committed first and is counted, or finds the key taken.
		_, err = tx.Exec(ctx, `
			INSERT INTO xp_awards (idempotency_key, participant_id, amount, created_at)
			VALUES ($1, $2, 0, $3)
			ON CONFLICT (idempotency_key) DO NOTHING
		`, rev.SubmissionID, out.ParticipantID, rev.CreatedAt)
		if err != nil {
			return fmt.Errorf("claiming award key: %w", err)
		}

		err = tx.QueryRow(ctx,
			`SELECT amount FROM xp_awards WHERE idempotency_key = $1`,
			rev.SubmissionID).Scan(&out.Amount)
		if err != nil {
			return fmt.Errorf("reading award: %w", err)
		}

		err = tx.QueryRow(ctx, `
			UPDATE participants SET total_xp = GREATEST(total_xp - $2, 0), updated_at = $3
			WHERE id = $1
			RETURNING total_xp
		`, out.ParticipantID, out.Amount, rev.CreatedAt).Scan(&out.NewTotal)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrParticipantNotFound
			}
			return fmt.Errorf("reducing total: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE task_submissions
			SET xp_earned = 0, xp_removed = true, xp_removed_reason = $2, updated_at = $3
			WHERE id = $1
		`, rev.SubmissionID, rev.Reason, rev.CreatedAt)
		if err != nil {
			return fmt.Errorf("marking submission revoked: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO xp_revocations (id, submission_id, participant_id, amount, reason, actor_id, new_total, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, out.ID, out.SubmissionID, out.ParticipantID, out.Amount, out.Reason, out.ActorID, out.NewTotal, out.CreatedAt)
		if err != nil {
			return fmt.Errorf("recording revocation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRevocations returns the audit trail of one participant's reversals.
func (r *Repository) ListRevocations(ctx context.Context, participantID string) ([]domain.XPRevocation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, submission_id, participant_id, amount, reason, actor_id, new_total, created_at
		FROM xp_revocations WHERE participant_id = $1
		ORDER BY created_at DESC
	`, participantID)
	if err != nil {
		return nil, fmt.Errorf("listing revocations: %w", err)
	}
	defer rows.Close()

	var out []domain.XPRevocation
	for rows.Next() {
		var rev domain.XPRevocation
		err := rows.Scan(&rev.ID, &rev.SubmissionID, &rev.ParticipantID, &rev.Amount,
			&rev.Reason, &rev.ActorID, &rev.NewTotal, &rev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning revocation: %w", err)
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

// ListTotals implements worker.Store.
func (r *Repository) ListTotals(ctx context.Context) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, total_xp FROM participants`)
	if err != nil {
		return nil, fmt.Errorf("listing totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var id string
		var total int64
		if err := rows.Scan(&id, &total); err != nil {
			return nil, fmt.Errorf("scanning total: %w", err)
		}
		totals[id] = total
	}
	return totals, rows.Err()
}
