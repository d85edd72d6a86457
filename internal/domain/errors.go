package domain

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	ErrValidation            = errors.New("invalid request")
	ErrIdentityConflict      = errors.New("identity already bound to another participant")
	ErrAlreadyLinked         = errors.New("platform already linked for this participant")
	ErrExternalIdentityTaken = errors.New("external account already linked to another participant")
	ErrIdentityNotLinked     = errors.New("identity not linked")
	ErrLastIdentity          = errors.New("cannot remove the last identity of a participant")
	ErrInvalidOrExpiredState = errors.New("invalid or expired oauth state")
	ErrInvalidChallenge      = errors.New("invalid or expired wallet challenge")
	ErrInvalidSignature      = errors.New("signature does not prove control of address")
	ErrInvalidCredentials    = errors.New("invalid email or password")
	ErrUnauthenticated       = errors.New("authentication required")
	ErrForbidden             = errors.New("forbidden")
	ErrParticipantNotFound   = errors.New("participant not found")
	ErrTaskNotFound          = errors.New("task not found")
	ErrSubmissionNotFound    = errors.New("submission not found")
	ErrStaleSubmission       = errors.New("submission changed concurrently")
	ErrNotVerified           = errors.New("submission is not verified")
	ErrAlreadyRevoked        = errors.New("submission xp already revoked")
	ErrTransientPlatform     = errors.New("platform temporarily unavailable")
	ErrPermanentPlatform     = errors.New("platform rejected the request")
	ErrInternalError         = errors.New("internal server error")
)

// ValidationError describes malformed input for a single field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid returns a ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrParticipantNotFound) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrSubmissionNotFound)
}

// IsConflictError reports whether err is an identity binding conflict.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrIdentityConflict) ||
		errors.Is(err, ErrAlreadyLinked) ||
		errors.Is(err, ErrExternalIdentityTaken)
}
