package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/questhub-engine/internal/domain"
)

// Status returns the current submission for (participant, task). It never
// writes.
func (e *Engine) Status(ctx context.Context, participantID, taskID string) (*Result, error) {
	if _, err := e.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	sub, err := e.store.GetSubmission(ctx, participantID, taskID)
	if err != nil {
		return nil, err
	}
	return resultFromSubmission(sub), nil
}

// ReviewSubmission settles a submission held for manual review.
func (e *Engine) ReviewSubmission(ctx context.Context, submissionID string, approve bool, actorID string) (*Result, error) {
	if actorID == "" {
		return nil, domain.Invalid("actor_id", "required")
	}
	sub, err := e.store.GetSubmissionByID(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != domain.StatusPending || sub.Method != domain.MethodManualReview {
		return nil, fmt.Errorf("%w: submission is %s, not awaiting review", domain.ErrStaleSubmission, sub.Status)
	}
	task, err := e.store.GetTask(ctx, sub.TaskID)
	if err != nil {
		return nil, err
	}

	e.logger.Info("reviewing submission",
		"submission_id", sub.ID,
		"participant_id", sub.ParticipantID,
		"approve", approve,
		"actor_id", actorID,
	)
	if approve {
		return e.markVerified(ctx, task, sub, domain.MethodManualReview, sub.Evidence, false)
	}

	out, err := e.transition(ctx, sub, domain.Transition{
		From:         []domain.SubmissionStatus{domain.StatusPending},
		To:           domain.StatusRejected,
		RejectReason: domain.ReasonReviewRejected,
		At:           e.now(),
	})
	if err != nil {
		return nil, err
	}
	r := resultFromSubmission(out)
	e.publish(out, r)
	return r, nil
}

// AwardPending pays a Verified submission whose award did not go through,
// using the submission id as the idempotency key.
func (e *Engine) AwardPending(ctx context.Context, sub *domain.TaskSubmission) (int64, error) {
	if sub.Status != domain.StatusVerified || sub.XPRemoved || sub.XPEarned <= 0 {
		return 0, fmt.Errorf("%w: submission %s has nothing to award", domain.ErrValidation, sub.ID)
	}
	return e.awarder.AwardXP(ctx, sub.ParticipantID, sub.XPEarned, sub.ID)
}

// ExpirePending releases a Pending row whose attempt never finished. Rows
// held for review are left alone.
func (e *Engine) ExpirePending(ctx context.Context, sub *domain.TaskSubmission) (bool, error) {
	if sub.Method == domain.MethodManualReview {
		return false, nil
	}
	_, err := e.store.TransitionSubmission(ctx, sub.ID, domain.Transition{
		From:         []domain.SubmissionStatus{domain.StatusPending},
		To:           domain.StatusFailed,
		RejectReason: domain.ReasonStale,
		At:           e.now(),
	})
	if errors.Is(err, domain.ErrStaleSubmission) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("expiring submission: %w", err)
	}
	return true, nil
}

// PollStatus waits for a submission to leave Pending, with bounded attempts
// and doubling backoff. It is advisory; the stored state is authoritative.
func (e *Engine) PollStatus(ctx context.Context, participantID, taskID string) (*Result, error) {
	attempts := e.cfg.PollMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := e.cfg.PollInitialBackoff

	var last *Result
	for i := 0; i < attempts; i++ {
		r, err := e.Status(ctx, participantID, taskID)
		if err != nil && !errors.Is(err, domain.ErrSubmissionNotFound) {
			return nil, err
		}
		if err == nil {
			last = r
			if r.Outcome != OutcomePending || r.Submission.Method == domain.MethodManualReview {
				return r, nil
			}
		}
		if i == attempts-1 {
			break
		}
		if err := e.sleep(ctx, backoff); err != nil {
			return last, err
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
	if last == nil {
		return nil, domain.ErrSubmissionNotFound
	}
	return last, nil
}
