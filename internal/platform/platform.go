// Package platform wraps the social platform REST calls used to link
// accounts and to check follow, like, retweet and membership claims.
//
// Every failure is classified as transient (retry later) or permanent
// (configuration or credentials), and "claim not satisfied" is a normal
// result, never an error.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/questhub-engine/internal/domain"
)

// Outcome is the definitive answer of a claim check
type Outcome int

const (
	// OutcomeSatisfied means the platform confirmed the claim.
	OutcomeSatisfied Outcome = iota + 1
	// OutcomeNotFound means the platform confirmed the claim does not hold.
	OutcomeNotFound
	// OutcomeManualFallback means the platform could not answer definitively.
	OutcomeManualFallback
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSatisfied:
		return "satisfied"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeManualFallback:
		return "manual_fallback"
	}
	return "unknown"
}

// CheckResult is the answer to one claim check
type CheckResult struct {
	Outcome  Outcome
	Method   string
	Evidence map[string]interface{}
}

// EvidenceJSON encodes the evidence for storage.
func (r CheckResult) EvidenceJSON() json.RawMessage {
	if len(r.Evidence) == 0 {
		return nil
	}
	b, err := json.Marshal(r.Evidence)
	if err != nil {
		return nil
	}
	return b
}

// ClaimRequest identifies the subject and object of a claim
type ClaimRequest struct {
	// Action is the task action: follow, like, retweet or join.
	Action string
	// Target is the task's object reference (handle, tweet url, guild, chat).
	Target string
	// Identity is the participant's linked account on this platform.
	Identity domain.LinkedIdentity
}

// ExchangeRequest carries an authorization callback
type ExchangeRequest struct {
	Code        string
	RedirectURI string
	Verifier    string
	// Params holds the raw callback query, used by login widgets that sign
	// the profile instead of issuing a code.
	Params url.Values
}

// ExchangeResult is the account proven by a callback
type ExchangeResult struct {
	Tokens     domain.TokenSet
	ExternalID string
	Username   string
}

// Adapter is implemented once per social platform
type Adapter interface {
	Platform() domain.Platform
	AuthCodeURL(state, verifier string) (string, error)
	ExchangeCode(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error)
	CheckClaim(ctx context.Context, req ClaimRequest) (CheckResult, error)
}

// Kind separates retryable from terminal failures
type Kind int

const (
	KindTransient Kind = iota + 1
	KindPermanent
)

func (k Kind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "permanent"
}

// Error is a classified platform failure
type Error struct {
	Platform   domain.Platform
	Kind       Kind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s error (status %d): %v", e.Platform, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Platform, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	sentinel := domain.ErrPermanentPlatform
	if e.Kind == KindTransient {
		sentinel = domain.ErrTransientPlatform
	}
	return []error{sentinel, e.Err}
}

// IsTransient reports whether err is a retryable platform failure.
func IsTransient(err error) bool {
	return errors.Is(err, domain.ErrTransientPlatform)
}

// IsPermanent reports whether err is a terminal platform failure.
func IsPermanent(err error) bool {
	return errors.Is(err, domain.ErrPermanentPlatform)
}

func transient(p domain.Platform, status int, err error) *Error {
	return &Error{Platform: p, Kind: KindTransient, StatusCode: status, Err: err}
}

func permanent(p domain.Platform, status int, err error) *Error {
	return &Error{Platform: p, Kind: KindPermanent, StatusCode: status, Err: err}
}

func satisfied(method string, evidence map[string]interface{}) CheckResult {
	return CheckResult{Outcome: OutcomeSatisfied, Method: method, Evidence: evidence}
}

func notFound(method string, evidence map[string]interface{}) CheckResult {
	return CheckResult{Outcome: OutcomeNotFound, Method: method, Evidence: evidence}
}

func manualFallback(reason string) CheckResult {
	return CheckResult{
		Outcome:  OutcomeManualFallback,
		Method:   domain.MethodManualFallback,
		Evidence: map[string]interface{}{"reason": reason},
	}
}

// Registry maps platforms to adapters
type Registry struct {
	adapters map[domain.Platform]Adapter
}

// NewRegistry creates a registry from the configured adapters
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Platform]Adapter)}
	for _, a := range adapters {
		r.adapters[a.Platform()] = a
	}
	return r
}

// Get returns the adapter for p.
func (r *Registry) Get(p domain.Platform) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}
