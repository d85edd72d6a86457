package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/questhub-engine/internal/domain"
	"github.com/questhub-engine/internal/platform"
)

// StateIssuer is the OAuth state table as seen by the link flow
type StateIssuer interface {
	Begin(ctx context.Context, participantID string, p domain.Platform) (string, string, error)
	Consume(ctx context.Context, participantID, token string, p domain.Platform) (string, error)
}

// IdentityLinker binds a proven external account to a participant
type IdentityLinker interface {
	LinkSocialIdentity(ctx context.Context, participantID string, p domain.Platform, externalID, username string, tokens domain.TokenSet) error
}

// Adapters looks up the adapter for a platform
type Adapters interface {
	Get(p domain.Platform) (platform.Adapter, bool)
}

// LinkService runs the authorization code flow that links social accounts
type LinkService struct {
	states     StateIssuer
	adapters   Adapters
	identities IdentityLinker
	timeout    time.Duration
	logger     *slog.Logger
}

// NewLinkService creates a new link service. timeout bounds every code
// exchange with a platform.
func NewLinkService(
	states StateIssuer,
	adapters Adapters,
	identities IdentityLinker,
	timeout time.Duration,
	logger *slog.Logger,
) *LinkService {
	return &LinkService{
		states:     states,
		adapters:   adapters,
		identities: identities,
		timeout:    timeout,
		logger:     logger,
	}
}

// LinkStart is what the client needs to send the participant to the platform
type LinkStart struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
}

// BeginLink issues a state for participantID and returns the platform's
// authorization URL.
func (s *LinkService) BeginLink(ctx context.Context, participantID string, p domain.Platform) (*LinkStart, error) {
	adapter, err := s.adapter(p)
	if err != nil {
		return nil, err
	}
	state, verifier, err := s.states.Begin(ctx, participantID, p)
	if err != nil {
		return nil, err
	}
	authURL, err := adapter.AuthCodeURL(state, verifier)
	if err != nil {
		return nil, fmt.Errorf("building authorization url: %w", err)
	}
	return &LinkStart{AuthorizationURL: authURL, State: state}, nil
}

// CompleteLink handles the platform callback. The state is consumed before
// anything else so a callback can never be replayed, whatever its outcome.
func (s *LinkService) CompleteLink(ctx context.Context, participantID string, p domain.Platform, params url.Values) (*platform.ExchangeResult, error) {
	adapter, err := s.adapter(p)
	if err != nil {
		return nil, err
	}
	verifier, err := s.states.Consume(ctx, participantID, params.Get("state"), p)
	if err != nil {
		return nil, err
	}
	if reason := params.Get("error"); reason != "" {
		s.logger.Info("oauth authorization denied",
			"participant_id", participantID,
			"platform", p,
			"reason", reason,
		)
		return nil, domain.Invalid("authorization", "denied on "+string(p)+": "+reason)
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	result, err := adapter.ExchangeCode(exchangeCtx, platform.ExchangeRequest{
		Code:     params.Get("code"),
		Verifier: verifier,
		Params:   params,
	})
	if err != nil {
		s.logger.Warn("oauth code exchange failed",
			"participant_id", participantID,
			"platform", p,
			"error", err,
		)
		return nil, err
	}

	if err := s.identities.LinkSocialIdentity(ctx, participantID, p, result.ExternalID, result.Username, result.Tokens); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *LinkService) adapter(p domain.Platform) (platform.Adapter, error) {
	if !p.IsSocial() {
		return nil, domain.Invalid("platform", string(p)+" does not use oauth")
	}
	adapter, ok := s.adapters.Get(p)
	if !ok {
		return nil, domain.Invalid("platform", string(p)+" is not configured")
	}
	return adapter, nil
}
