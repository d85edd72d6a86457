package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// TaskType is what a task requires the participant to prove
type TaskType string

const (
	TaskSocialFollow  TaskType = "social_follow"
	TaskSocialLike    TaskType = "social_like"
	TaskSocialRetweet TaskType = "social_retweet"
	TaskSocialJoin    TaskType = "social_join"
	TaskVisit         TaskType = "visit"
	TaskDownload      TaskType = "download"
	TaskForm          TaskType = "form"
	TaskQuiz          TaskType = "quiz"
	TaskManual        TaskType = "manual"
)

// IsSocial reports whether the claim is checked against an external platform.
func (t TaskType) IsSocial() bool {
	return strings.HasPrefix(string(t), "social_")
}

// Action returns the platform action for social tasks ("follow", "join", ...).
func (t TaskType) Action() string {
	return strings.TrimPrefix(string(t), "social_")
}

// Task defines what must be proven. The verification engine only reads it.
type Task struct {
	ID             string    `json:"id" yaml:"id"`
	QuestID        string    `json:"quest_id" yaml:"quest_id"`
	Title          string    `json:"title" yaml:"title"`
	Type           TaskType  `json:"type" yaml:"type"`
	Platform       Platform  `json:"platform,omitempty" yaml:"platform"`
	Target         string    `json:"target,omitempty" yaml:"target"`
	ExpectedAnswer string    `json:"-" yaml:"expected_answer"`
	XPReward       int64     `json:"xp_reward" yaml:"xp_reward"`
	Required       bool      `json:"required" yaml:"required"`
	CreatedAt      time.Time `json:"created_at" yaml:"-"`
}

// ClaimType keys the verification cache: "twitter:follow", "quiz", ...
func (t *Task) ClaimType() string {
	if t.Type.IsSocial() {
		return string(t.Platform) + ":" + t.Type.Action()
	}
	return string(t.Type)
}

// Validate checks the task definition is internally consistent.
func (t *Task) Validate() error {
	if t.ID == "" {
		return Invalid("id", "required")
	}
	if t.XPReward < 0 {
		return Invalid("xp_reward", "must be non-negative")
	}
	switch t.Type {
	case TaskSocialFollow, TaskSocialLike, TaskSocialRetweet:
		if t.Platform != PlatformTwitter {
			return Invalid("platform", string(t.Type)+" requires twitter")
		}
	case TaskSocialJoin:
		if t.Platform != PlatformDiscord && t.Platform != PlatformTelegram {
			return Invalid("platform", "social_join requires discord or telegram")
		}
	case TaskQuiz:
		if strings.TrimSpace(t.ExpectedAnswer) == "" {
			return Invalid("expected_answer", "required for quiz")
		}
	case TaskVisit, TaskDownload, TaskForm, TaskManual:
	default:
		return Invalid("type", "unknown task type "+string(t.Type))
	}
	if t.Type.IsSocial() && t.Target == "" {
		return Invalid("target", "required for social tasks")
	}
	return nil
}

// SubmissionStatus is the state of a task submission
type SubmissionStatus string

const (
	StatusPending  SubmissionStatus = "pending"
	StatusVerified SubmissionStatus = "verified"
	StatusRejected SubmissionStatus = "rejected"
	StatusFailed   SubmissionStatus = "failed"
)

// Reasons recorded on rejected submissions
const (
	ReasonNotSatisfied      = "not_satisfied"
	ReasonPermanentError    = "permanent_error"
	ReasonAttemptsExhausted = "attempts_exhausted"
	ReasonUnverifiable      = "unverifiable"
	ReasonReviewRejected    = "review_rejected"
	ReasonStale             = "stale"
)

// Verification methods recorded on submissions
const (
	MethodTwitterAPI     = "twitter_api"
	MethodDiscordBot     = "discord_bot"
	MethodTelegramBot    = "telegram_bot"
	MethodManualFallback = "manual_fallback"
	MethodManualReview   = "manual_review"
	MethodQuizAnswer     = "quiz_answer"
	MethodSelfReport     = "self_report"
)

// TaskSubmission records one participant's claim on one task
type TaskSubmission struct {
	ID              string           `json:"id"`
	ParticipantID   string           `json:"participant_id"`
	TaskID          string           `json:"task_id"`
	Status          SubmissionStatus `json:"status"`
	Method          string           `json:"method,omitempty"`
	Evidence        json.RawMessage  `json:"evidence,omitempty"`
	XPEarned        int64            `json:"xp_earned"`
	Attempts        int              `json:"attempts"`
	RejectReason    string           `json:"reject_reason,omitempty"`
	VerifiedAt      *time.Time       `json:"verified_at,omitempty"`
	XPRemoved       bool             `json:"xp_removed"`
	XPRemovedReason string           `json:"xp_removed_reason,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Transition is a conditional status change applied to a submission.
// It only applies while the current status is one of From.
type Transition struct {
	From              []SubmissionStatus
	To                SubmissionStatus
	Method            string
	Evidence          json.RawMessage
	XPEarned          int64
	RejectReason      string
	IncrementAttempts bool
	At                time.Time
}

// Allows reports whether the transition may apply to a submission in status s.
func (t Transition) Allows(s SubmissionStatus) bool {
	for _, f := range t.From {
		if f == s {
			return true
		}
	}
	return false
}

// XPRevocation is the audit record of an admin XP reversal
type XPRevocation struct {
	ID            string    `json:"id"`
	SubmissionID  string    `json:"submission_id"`
	ParticipantID string    `json:"participant_id"`
	Amount        int64     `json:"amount"`
	Reason        string    `json:"reason"`
	ActorID       string    `json:"actor_id"`
	NewTotal      int64     `json:"new_total"`
	CreatedAt     time.Time `json:"created_at"`
}

// CacheEntry is the memoized outcome of one claim check
type CacheEntry struct {
	Satisfied bool            `json:"satisfied"`
	Method    string          `json:"method"`
	Evidence  json.RawMessage `json:"evidence,omitempty"`
	CheckedAt time.Time       `json:"checked_at"`
}
