package verify

import (
	"time"

	"github.com/questhub-engine/internal/domain"
)

// Outcome is the caller-visible result of one verification request
type Outcome string

const (
	OutcomeVerified          Outcome = "verified"
	OutcomeRejected          Outcome = "rejected"
	OutcomeFailed            Outcome = "failed"
	OutcomePending           Outcome = "pending"
	OutcomeIdentityNotLinked Outcome = "identity_not_linked"
)

// Result answers a verification request
type Result struct {
	Outcome    Outcome                `json:"outcome"`
	Submission *domain.TaskSubmission `json:"submission,omitempty"`
	XPEarned   int64                  `json:"xp_earned"`
	TotalXP    *int64                 `json:"total_xp,omitempty"`
	Retryable  bool                   `json:"retryable"`
	// AttemptsRemaining is set on transient failures so clients can back off.
	AttemptsRemaining int             `json:"attempts_remaining,omitempty"`
	RetryAfter        time.Duration   `json:"-"`
	RetryAfterSeconds int             `json:"retry_after_seconds,omitempty"`
	Platform          domain.Platform `json:"platform,omitempty"`
	Message           string          `json:"message"`
	// AlreadyVerified marks the idempotent echo of an earlier success.
	AlreadyVerified bool `json:"already_verified,omitempty"`
	Cached          bool `json:"cached,omitempty"`
}

func (r *Result) clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	if r.Submission != nil {
		s := *r.Submission
		c.Submission = &s
	}
	if r.TotalXP != nil {
		t := *r.TotalXP
		c.TotalXP = &t
	}
	return &c
}

func resultFromSubmission(sub *domain.TaskSubmission) *Result {
	r := &Result{Submission: sub, XPEarned: sub.XPEarned}
	switch sub.Status {
	case domain.StatusVerified:
		r.Outcome = OutcomeVerified
		r.Message = "Task verified."
	case domain.StatusRejected:
		r.Outcome = OutcomeRejected
		r.Message = rejectMessage(sub.RejectReason)
	case domain.StatusFailed:
		r.Outcome = OutcomeFailed
		r.Retryable = true
		r.Message = "Verification could not complete. Try again shortly."
	default:
		r.Outcome = OutcomePending
		if sub.Method == domain.MethodManualReview {
			r.Message = "Submission is waiting for review."
		} else {
			r.Retryable = true
			r.Message = "Verification is in progress."
		}
	}
	return r
}

func rejectMessage(reason string) string {
	switch reason {
	case domain.ReasonNotSatisfied:
		return "The task requirement is not met yet. Complete it and try again later."
	case domain.ReasonAttemptsExhausted:
		return "Verification failed too many times."
	case domain.ReasonPermanentError:
		return "This task cannot be verified automatically."
	case domain.ReasonUnverifiable:
		return "The platform could not confirm this task."
	case domain.ReasonReviewRejected:
		return "The submission was rejected by a reviewer."
	case domain.ReasonStale:
		return "The verification attempt expired."
	}
	return "The submission was rejected."
}
