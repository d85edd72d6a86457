// Package verify runs the task verification state machine:
//
//	NoSubmission -> Pending -> {Verified, Rejected, Failed}
//
// Verified and Rejected are terminal. Failed is re-entered on a client retry
// until the attempt budget runs out. Uniqueness of (participant, task) and the
// conditional transitions live in the store, so concurrent engines on several
// instances never award twice.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/questhub-engine/internal/config"
	"github.com/questhub-engine/internal/domain"
	"github.com/questhub-engine/internal/platform"
	"golang.org/x/sync/singleflight"
)

// Store is the durable submission state
type Store interface {
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	// GetSubmission returns domain.ErrSubmissionNotFound when absent.
	GetSubmission(ctx context.Context, participantID, taskID string) (*domain.TaskSubmission, error)
	GetSubmissionByID(ctx context.Context, id string) (*domain.TaskSubmission, error)
	// CreatePendingSubmission inserts a Pending row, or returns the existing
	// row for (participant, task) with created=false.
	CreatePendingSubmission(ctx context.Context, sub *domain.TaskSubmission) (*domain.TaskSubmission, bool, error)
	// TransitionSubmission applies tr only while the row is in one of tr.From,
	// else domain.ErrStaleSubmission.
	TransitionSubmission(ctx context.Context, id string, tr domain.Transition) (*domain.TaskSubmission, error)
}

// IdentityLookup finds a participant's linked account on a platform
type IdentityLookup interface {
	GetIdentity(ctx context.Context, participantID string, p domain.Platform) (*domain.LinkedIdentity, error)
}

// Cache memoizes claim checks. It is never the source of truth for awards.
type Cache interface {
	Get(ctx context.Context, participantID, taskID, claimType string) (domain.CacheEntry, bool, error)
	Put(ctx context.Context, participantID, taskID, claimType string, entry domain.CacheEntry, ttl time.Duration) error
}

// Awarder credits XP idempotently by key
type Awarder interface {
	AwardXP(ctx context.Context, participantID string, amount int64, idempotencyKey string) (int64, error)
}

// Adapters returns the claim checker for a platform
type Adapters interface {
	Get(p domain.Platform) (platform.Adapter, bool)
}

// Notifier receives participant change events
type Notifier interface {
	Notify(event domain.Event)
}

// Engine verifies task claims
type Engine struct {
	store      Store
	identities IdentityLookup
	adapters   Adapters
	cache      Cache
	awarder    Awarder
	notifier   Notifier
	cfg        config.VerificationConfig
	logger     *slog.Logger

	group singleflight.Group
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a new verification engine
func NewEngine(
	store Store,
	identities IdentityLookup,
	adapters Adapters,
	cache Cache,
	awarder Awarder,
	notifier Notifier,
	cfg *config.VerificationConfig,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:      store,
		identities: identities,
		adapters:   adapters,
		cache:      cache,
		awarder:    awarder,
		notifier:   notifier,
		cfg:        *cfg,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// evaluation is what one claim check concluded
type evaluation struct {
	outcome  platform.Outcome
	method   string
	evidence json.RawMessage
	err      error
	cached   bool
}

// RequestVerification runs one verification attempt for (participant, task).
// Concurrent identical requests in this process share one attempt.
func (e *Engine) RequestVerification(ctx context.Context, req domain.VerificationRequest) (*Result, error) {
	if req.ParticipantID == "" {
		return nil, domain.Invalid("participant_id", "required")
	}
	if req.TaskID == "" {
		return nil, domain.Invalid("task_id", "required")
	}

	key := req.ParticipantID + "\x00" + req.TaskID + "\x00" + req.Answer
	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		// The attempt must reach a settled state even if this caller leaves.
		return e.verify(context.WithoutCancel(ctx), req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result).clone(), nil
}

func (e *Engine) verify(ctx context.Context, req domain.VerificationRequest) (*Result, error) {
	task, err := e.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}

	existing, err := e.store.GetSubmission(ctx, req.ParticipantID, task.ID)
	if err != nil && !errors.Is(err, domain.ErrSubmissionNotFound) {
		return nil, fmt.Errorf("loading submission: %w", err)
	}
	if existing != nil && existing.Status == domain.StatusVerified {
		r := resultFromSubmission(existing)
		r.AlreadyVerified = true
		r.Message = "Task already verified."
		return r, nil
	}
	if err := validateEvidence(task, req); err != nil {
		return nil, err
	}

	// Social claims need a linked account; without one nothing is written.
	var identity *domain.LinkedIdentity
	var adapter platform.Adapter
	if task.Type.IsSocial() {
		identity, err = e.identities.GetIdentity(ctx, req.ParticipantID, task.Platform)
		if errors.Is(err, domain.ErrIdentityNotLinked) {
			return &Result{
				Outcome:  OutcomeIdentityNotLinked,
				Platform: task.Platform,
				Message:  fmt.Sprintf("Link your %s account to verify this task.", task.Platform),
			}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("loading identity: %w", err)
		}
		var ok bool
		if adapter, ok = e.adapters.Get(task.Platform); !ok {
			return nil, fmt.Errorf("%w: no adapter configured for %s", domain.ErrInternalError, task.Platform)
		}
	}

	sub, skipCache, settled, err := e.acquire(ctx, task, req, existing)
	if err != nil || settled != nil {
		return settled, err
	}

	if task.Type == domain.TaskManual {
		return e.holdForReview(ctx, task, sub, req.Evidence)
	}

	ev := e.evaluate(ctx, task, sub, req, identity, adapter, skipCache)
	return e.settle(ctx, task, sub, ev)
}

// acquire moves (participant, task) into Pending for this attempt. A non-nil
// settled result means there is nothing to check right now.
func (e *Engine) acquire(ctx context.Context, task *domain.Task, req domain.VerificationRequest, existing *domain.TaskSubmission) (sub *domain.TaskSubmission, skipCache bool, settled *Result, err error) {
	now := e.now()
	if existing == nil {
		created := false
		existing, created, err = e.store.CreatePendingSubmission(ctx, &domain.TaskSubmission{
			ParticipantID: req.ParticipantID,
			TaskID:        task.ID,
			Status:        domain.StatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			return nil, false, nil, fmt.Errorf("creating submission: %w", err)
		}
		if created {
			return existing, false, nil, nil
		}
		// Lost the insert race; continue from the winner's row.
	}

	switch existing.Status {
	case domain.StatusVerified, domain.StatusPending:
		r := resultFromSubmission(existing)
		r.AlreadyVerified = existing.Status == domain.StatusVerified
		return nil, false, r, nil

	case domain.StatusFailed:
		if existing.Attempts >= e.cfg.MaxAttempts {
			r := resultFromSubmission(existing)
			r.Retryable = false
			return nil, false, r, nil
		}
		sub, err := e.reopen(ctx, existing, domain.StatusFailed)
		if err != nil {
			return nil, false, nil, err
		}
		if sub.Status != domain.StatusPending {
			return nil, false, resultFromSubmission(sub), nil
		}
		return sub, false, nil, nil

	case domain.StatusRejected:
		if !e.recheckable(task, existing) {
			return nil, false, resultFromSubmission(existing), nil
		}
		// The negative result stays authoritative until its cache entry expires.
		if entry, hit := e.cacheGet(ctx, req.ParticipantID, task); hit && !entry.Satisfied {
			r := resultFromSubmission(existing)
			r.Cached = true
			r.Retryable = true
			r.RetryAfter = e.cfg.NegativeTTL - e.now().Sub(entry.CheckedAt)
			if r.RetryAfter < 0 {
				r.RetryAfter = 0
			}
			r.RetryAfterSeconds = int(r.RetryAfter.Seconds())
			return nil, false, r, nil
		}
		sub, err := e.reopen(ctx, existing, domain.StatusRejected)
		if err != nil {
			return nil, false, nil, err
		}
		if sub.Status != domain.StatusPending {
			return nil, false, resultFromSubmission(sub), nil
		}
		e.logger.Info("rechecking rejected submission", "submission_id", sub.ID, "task_id", task.ID)
		return sub, true, nil, nil
	}
	return nil, false, nil, fmt.Errorf("%w: unknown submission status %q", domain.ErrInternalError, existing.Status)
}

func (e *Engine) recheckable(task *domain.Task, sub *domain.TaskSubmission) bool {
	return e.cfg.RecheckEnabled() && task.Type.IsSocial() && sub.RejectReason == domain.ReasonNotSatisfied
}

// reopen moves a settled row back to Pending. If someone else moved it first,
// the current row is returned instead.
func (e *Engine) reopen(ctx context.Context, sub *domain.TaskSubmission, from domain.SubmissionStatus) (*domain.TaskSubmission, error) {
	out, err := e.store.TransitionSubmission(ctx, sub.ID, domain.Transition{
		From:         []domain.SubmissionStatus{from},
		To:           domain.StatusPending,
		RejectReason: "",
		At:           e.now(),
	})
	if errors.Is(err, domain.ErrStaleSubmission) {
		return e.store.GetSubmissionByID(ctx, sub.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("reopening submission: %w", err)
	}
	return out, nil
}

func (e *Engine) holdForReview(ctx context.Context, task *domain.Task, sub *domain.TaskSubmission, evidence json.RawMessage) (*Result, error) {
	out, err := e.transition(ctx, sub, domain.Transition{
		From:     []domain.SubmissionStatus{domain.StatusPending},
		To:       domain.StatusPending,
		Method:   domain.MethodManualReview,
		Evidence: evidence,
		At:       e.now(),
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("submission queued for review", "submission_id", out.ID, "task_id", task.ID)
	r := resultFromSubmission(out)
	e.publish(out, r)
	return r, nil
}

// settle applies an evaluation to the Pending row.
func (e *Engine) settle(ctx context.Context, task *domain.Task, sub *domain.TaskSubmission, ev evaluation) (*Result, error) {
	if ev.err != nil {
		return e.settleError(ctx, task, sub, ev.err)
	}

	switch ev.outcome {
	case platform.OutcomeSatisfied:
		return e.markVerified(ctx, task, sub, ev.method, ev.evidence, ev.cached)

	case platform.OutcomeNotFound:
		out, err := e.transition(ctx, sub, domain.Transition{
			From:         []domain.SubmissionStatus{domain.StatusPending},
			To:           domain.StatusRejected,
			Method:       ev.method,
			Evidence:     ev.evidence,
			RejectReason: domain.ReasonNotSatisfied,
			At:           e.now(),
		})
		if err != nil {
			return e.staleOr(ctx, sub, err)
		}
		e.logger.Info("claim not satisfied", "submission_id", out.ID, "task_id", task.ID, "method", ev.method)
		r := resultFromSubmission(out)
		r.Cached = ev.cached
		e.publish(out, r)
		return r, nil

	case platform.OutcomeManualFallback:
		return e.settleFallback(ctx, task, sub, ev)
	}
	return nil, fmt.Errorf("%w: unknown outcome %v", domain.ErrInternalError, ev.outcome)
}

func (e *Engine) settleFallback(ctx context.Context, task *domain.Task, sub *domain.TaskSubmission, ev evaluation) (*Result, error) {
	switch e.cfg.ManualFallback {
	case config.FallbackReview:
		return e.holdForReview(ctx, task, sub, ev.evidence)
	case config.FallbackReject:
		out, err := e.transition(ctx, sub, domain.Transition{
			From:         []domain.SubmissionStatus{domain.StatusPending},
			To:           domain.StatusRejected,
			Method:       domain.MethodManualFallback,
			Evidence:     ev.evidence,
			RejectReason: domain.ReasonUnverifiable,
			At:           e.now(),
		})
		if err != nil {
			return e.staleOr(ctx, sub, err)
		}
		r := resultFromSubmission(out)
		e.publish(out, r)
		return r, nil
	}
	e.logger.Warn("accepting claim the platform could not confirm",
		"submission_id", sub.ID, "task_id", task.ID, "participant_id", sub.ParticipantID)
	return e.markVerified(ctx, task, sub, domain.MethodManualFallback, ev.evidence, ev.cached)
}

func (e *Engine) settleError(ctx context.Context, task *domain.Task, sub *domain.TaskSubmission, cause error) (*Result, error) {
	switch {
	case platform.IsTransient(cause):
		attempts := sub.Attempts + 1
		to, reason := domain.StatusFailed, ""
		if attempts >= e.cfg.MaxAttempts {
			to, reason = domain.StatusRejected, domain.ReasonAttemptsExhausted
		}
		out, err := e.transition(ctx, sub, domain.Transition{
			From:              []domain.SubmissionStatus{domain.StatusPending},
			To:                to,
			RejectReason:      reason,
			IncrementAttempts: true,
			At:                e.now(),
		})
		if err != nil {
			return e.staleOr(ctx, sub, err)
		}
		e.logger.Warn("transient platform failure",
			"submission_id", out.ID,
			"task_id", task.ID,
			"attempts", out.Attempts,
			"status", out.Status,
			"error", cause,
		)
		r := resultFromSubmission(out)
		if out.Status == domain.StatusFailed {
			r.AttemptsRemaining = e.cfg.MaxAttempts - out.Attempts
			var pe *platform.Error
			if errors.As(cause, &pe) {
				r.RetryAfter = pe.RetryAfter
				r.RetryAfterSeconds = int(pe.RetryAfter.Seconds())
			}
		}
		e.publish(out, r)
		return r, nil

	case platform.IsPermanent(cause):
		out, err := e.transition(ctx, sub, domain.Transition{
			From:         []domain.SubmissionStatus{domain.StatusPending},
			To:           domain.StatusRejected,
			RejectReason: domain.ReasonPermanentError,
			At:           e.now(),
		})
		if err != nil {
			return e.staleOr(ctx, sub, err)
		}
		e.logger.Error("permanent platform failure", "submission_id", out.ID, "task_id", task.ID, "error", cause)
		r := resultFromSubmission(out)
		e.publish(out, r)
		return r, nil
	}

	// Engine-internal failure: release the row as retryable without spending
	// an attempt, and surface the error.
	if _, err := e.transition(ctx, sub, domain.Transition{
		From: []domain.SubmissionStatus{domain.StatusPending},
		To:   domain.StatusFailed,
		At:   e.now(),
	}); err != nil && !errors.Is(err, domain.ErrStaleSubmission) {
		e.logger.Error("failed to release submission", "submission_id", sub.ID, "error", err)
	}
	return nil, fmt.Errorf("verifying claim: %w", cause)
}

// markVerified records success, populates the cache and pays XP.
func (e *Engine) markVerified(ctx context.Context, task *domain.Task, sub *domain.TaskSubmission, method string, evidence json.RawMessage, cached bool) (*Result, error) {
	out, err := e.transition(ctx, sub, domain.Transition{
		From:     []domain.SubmissionStatus{domain.StatusPending},
		To:       domain.StatusVerified,
		Method:   method,
		Evidence: evidence,
		XPEarned: task.XPReward,
		At:       e.now(),
	})
	if err != nil {
		return e.staleOr(ctx, sub, err)
	}
	e.logger.Info("task verified",
		"submission_id", out.ID,
		"participant_id", out.ParticipantID,
		"task_id", task.ID,
		"method", method,
		"xp", task.XPReward,
	)

	r := resultFromSubmission(out)
	r.Cached = cached
	if total, ok := e.award(ctx, out); ok {
		r.TotalXP = &total
	} else if out.XPEarned > 0 {
		r.Message = "Task verified. XP will be credited shortly."
	}
	e.publish(out, r)
	return r, nil
}

// award pays the submission's XP with bounded retries. Leftovers are picked
// up by the reconciler using the same idempotency key.
func (e *Engine) award(ctx context.Context, sub *domain.TaskSubmission) (int64, bool) {
	if sub.XPEarned <= 0 {
		return 0, false
	}
	backoff := e.cfg.AwardBackoff
	for attempt := 0; ; attempt++ {
		total, err := e.awarder.AwardXP(ctx, sub.ParticipantID, sub.XPEarned, sub.ID)
		if err == nil {
			return total, true
		}
		if attempt >= e.cfg.AwardRetries || errors.Is(err, domain.ErrValidation) {
			e.logger.Error("xp award left for reconciliation",
				"submission_id", sub.ID,
				"participant_id", sub.ParticipantID,
				"amount", sub.XPEarned,
				"error", err,
			)
			return 0, false
		}
		if err := e.sleep(ctx, backoff); err != nil {
			return 0, false
		}
		backoff *= 2
	}
}

// transition applies tr to sub, logging unexpected store failures.
func (e *Engine) transition(ctx context.Context, sub *domain.TaskSubmission, tr domain.Transition) (*domain.TaskSubmission, error) {
	out, err := e.store.TransitionSubmission(ctx, sub.ID, tr)
	if err != nil {
		if errors.Is(err, domain.ErrStaleSubmission) {
			return nil, err
		}
		return nil, fmt.Errorf("updating submission: %w", err)
	}
	return out, nil
}

// staleOr reports the row's current state when another actor moved it.
func (e *Engine) staleOr(ctx context.Context, sub *domain.TaskSubmission, err error) (*Result, error) {
	if !errors.Is(err, domain.ErrStaleSubmission) {
		return nil, err
	}
	cur, gerr := e.store.GetSubmissionByID(ctx, sub.ID)
	if gerr != nil {
		return nil, fmt.Errorf("reloading submission: %w", gerr)
	}
	return resultFromSubmission(cur), nil
}

func (e *Engine) publish(sub *domain.TaskSubmission, r *Result) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(domain.Event{
		Type:          domain.EventVerification,
		ParticipantID: sub.ParticipantID,
		Data:          r.clone(),
		Timestamp:     e.now(),
	})
}

func validateEvidence(task *domain.Task, req domain.VerificationRequest) error {
	switch task.Type {
	case domain.TaskQuiz:
		if strings.TrimSpace(req.Answer) == "" {
			return domain.Invalid("answer", "required for quiz tasks")
		}
	case domain.TaskForm:
		if len(req.Evidence) == 0 || string(req.Evidence) == "null" {
			return domain.Invalid("evidence", "required for form tasks")
		}
	}
	if len(req.Evidence) > 0 && !json.Valid(req.Evidence) {
		return domain.Invalid("evidence", "must be valid JSON")
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
