package identity

import (
	"context"
	"time"

	"github.com/questhub-engine/internal/domain"
)

// Store is the durable identity mapping
type Store interface {
	// CreateParticipantWithIdentity inserts p together with its first identity
	// in one atomic write. When (platform, external id) is already bound, it
	// returns the existing participant and created=false instead.
	CreateParticipantWithIdentity(ctx context.Context, p *domain.Participant, identity *domain.LinkedIdentity) (*domain.Participant, bool, error)
	GetParticipant(ctx context.Context, id string) (*domain.Participant, error)
	// FindIdentity returns domain.ErrIdentityNotLinked when absent.
	FindIdentity(ctx context.Context, platform domain.Platform, externalID string) (*domain.LinkedIdentity, error)
	// GetIdentity returns domain.ErrIdentityNotLinked when absent.
	GetIdentity(ctx context.Context, participantID string, platform domain.Platform) (*domain.LinkedIdentity, error)
	ListIdentities(ctx context.Context, participantID string) ([]domain.LinkedIdentity, error)
	// InsertIdentity fails with domain.ErrAlreadyLinked or domain.ErrExternalIdentityTaken.
	InsertIdentity(ctx context.Context, identity *domain.LinkedIdentity) error
	// DeleteIdentity fails with domain.ErrLastIdentity if it would leave the
	// participant without any identity proof.
	DeleteIdentity(ctx context.Context, participantID string, platform domain.Platform) error
}

// ChallengeStore holds single-use wallet challenge messages
type ChallengeStore interface {
	PutChallenge(ctx context.Context, key, message string, ttl time.Duration) error
	// TakeChallenge returns and deletes the message, or domain.ErrInvalidChallenge.
	TakeChallenge(ctx context.Context, key string) (string, error)
}

// TokenVerifier maps a bearer token to a participant id
type TokenVerifier interface {
	ParticipantFromToken(token string) (string, error)
}
