package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/questhub-engine/internal/domain"
)

const taskColumns = `id, quest_id, title, type, platform, target, expected_answer, xp_reward, required, created_at`

const submissionColumns = `id, participant_id, task_id, status, method, evidence, xp_earned, attempts,
	reject_reason, verified_at, xp_removed, xp_removed_reason, created_at, updated_at`

func scanTask(row pgx.Row) (*domain.Task, error) {
	var t domain.Task
	err := row.Scan(
		&t.ID,
		&t.QuestID,
		&t.Title,
		&t.Type,
		&t.Platform,
		&t.Target,
		&t.ExpectedAnswer,
		&t.XPReward,
		&t.Required,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanSubmission(row pgx.Row) (*domain.TaskSubmission, error) {
	var s domain.TaskSubmission
	var evidence []byte
	err := row.Scan(
		&s.ID,
		&s.ParticipantID,
		&s.TaskID,
		&s.Status,
		&s.Method,
		&evidence,
		&s.XPEarned,
		&s.Attempts,
		&s.RejectReason,
		&s.VerifiedAt,
		&s.XPRemoved,
		&s.XPRemovedReason,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(evidence) > 0 {
		s.Evidence = evidence
	}
	return &s, nil
}

// UpsertTask stores a task definition.
func (r *Repository) UpsertTask(ctx context.Context, task *domain.Task) error {
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			quest_id = $2, title = $3, type = $4, platform = $5, target = $6,
			expected_answer = $7, xp_reward = $8, required = $9
	`,
		task.ID,
		task.QuestID,
		task.Title,
		string(task.Type),
		string(task.Platform),
		task.Target,
		task.ExpectedAnswer,
		task.XPReward,
		task.Required,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("upserting task: %w", err)
	}
	return nil
}

// GetTask implements verify.Store.
func (r *Repository) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("getting task: %w", err)
	}
	return t, nil
}

// GetSubmission implements verify.Store.
func (r *Repository) GetSubmission(ctx context.Context, participantID, taskID string) (*domain.TaskSubmission, error) {
	s, err := scanSubmission(r.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM task_submissions WHERE participant_id = $1 AND task_id = $2`,
		participantID, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("getting submission: %w", err)
	}
	return s, nil
}

// GetSubmissionByID implements verify.Store.
func (r *Repository) GetSubmissionByID(ctx context.Context, id string) (*domain.TaskSubmission, error) {
	s, err := scanSubmission(r.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM task_submissions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("getting submission: %w", err)
	}
	return s, nil
}

// CreatePendingSubmission implements verify.Store. When a row already
// exists for (participant, task) it is returned with created=false.
func (r *Repository) CreatePendingSubmission(ctx context.Context, sub *domain.TaskSubmission) (*domain.TaskSubmission, bool, error) {
	id := sub.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now()
	createdAt, updatedAt := sub.CreatedAt, sub.UpdatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	s, err := scanSubmission(r.pool.QueryRow(ctx, `
		INSERT INTO task_submissions (id, participant_id, task_id, status, method, evidence, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT ON CONSTRAINT `+constraintSubmissionOwner+` DO NOTHING
		RETURNING `+submissionColumns,
		id,
		sub.ParticipantID,
		sub.TaskID,
		string(domain.StatusPending),
		sub.Method,
		nullJSON(sub.Evidence),
		createdAt,
		updatedAt,
	))
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("creating submission: %w", constraintError(err))
	}
	existing, err := r.GetSubmission(ctx, sub.ParticipantID, sub.TaskID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// TransitionSubmission implements verify.Store. The status guard makes the
// update a compare-and-set; losing it returns domain.ErrStaleSubmission.
func (r *Repository) TransitionSubmission(ctx context.Context, id string, tr domain.Transition) (*domain.TaskSubmission, error) {
	from := make([]string, len(tr.From))
	for i, f := range tr.From {
		from[i] = string(f)
	}
	verified := tr.To == domain.StatusVerified

	s, err := scanSubmission(r.pool.QueryRow(ctx, `
		UPDATE task_submissions SET
			status = $2,
			method = CASE WHEN $3 = '' THEN method ELSE $3 END,
			evidence = COALESCE($4, evidence),
			reject_reason = $5,
			attempts = attempts + CASE WHEN $6 THEN 1 ELSE 0 END,
			verified_at = CASE WHEN $7 THEN $8 ELSE verified_at END,
			xp_earned = CASE WHEN $7 THEN $9 ELSE xp_earned END,
			updated_at = $8
		WHERE id = $1 AND status = ANY($10)
		RETURNING `+submissionColumns,
		id,
		string(tr.To),
		tr.Method,
		nullJSON(tr.Evidence),
		tr.RejectReason,
		tr.IncrementAttempts,
		verified,
		tr.At,
		tr.XPEarned,
		from,
	))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transitioning submission: %w", err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM task_submissions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking submission existence: %w", err)
	}
	if !exists {
		return nil, domain.ErrSubmissionNotFound
	}
	return nil, domain.ErrStaleSubmission
}

func (r *Repository) listSubmissions(ctx context.Context, query string, args ...any) ([]domain.TaskSubmission, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TaskSubmission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning submission: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ListUnawardedVerified implements worker.Store. The award key of a
// submission is its id.
func (r *Repository) ListUnawardedVerified(ctx context.Context, limit int) ([]domain.TaskSubmission, error) {
	out, err := r.listSubmissions(ctx, `
		SELECT `+submissionColumns+` FROM task_submissions s
		WHERE s.status = 'verified' AND NOT s.xp_removed AND s.xp_earned > 0
			AND NOT EXISTS (SELECT 1 FROM xp_awards a WHERE a.idempotency_key = s.id)
		ORDER BY s.updated_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing unawarded submissions: %w", err)
	}
	return out, nil
}

// ListStalePending implements worker.Store.
func (r *Repository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.TaskSubmission, error) {
	out, err := r.listSubmissions(ctx, `
		SELECT `+submissionColumns+` FROM task_submissions
		WHERE status = 'pending' AND method <> $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, domain.MethodManualReview, before, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale submissions: %w", err)
	}
	return out, nil
}
