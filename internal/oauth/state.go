// Package oauth issues and consumes single-use state tokens that bind a
// participant to an in-flight authorization code exchange.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/questhub-engine/internal/domain"
	"golang.org/x/oauth2"
)

// StateStore is the durable state table
type StateStore interface {
	// ReplaceState deletes any unconsumed state for the same participant and
	// platform and inserts st, atomically.
	ReplaceState(ctx context.Context, st *domain.OAuthState) error
	// ConsumeState deletes and returns the matching unexpired state in one
	// operation, or fails with domain.ErrInvalidOrExpiredState.
	ConsumeState(ctx context.Context, participantID string, platform domain.Platform, token string, now time.Time) (*domain.OAuthState, error)
	PurgeExpiredStates(ctx context.Context, now time.Time) (int64, error)
}

// StateManager guards OAuth callbacks against CSRF and replay
type StateManager struct {
	store  StateStore
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewStateManager creates a new state manager
func NewStateManager(store StateStore, ttl time.Duration, logger *slog.Logger) *StateManager {
	return &StateManager{store: store, ttl: ttl, logger: logger, now: time.Now}
}

// Begin issues a new state token and PKCE verifier for participantID on
// platform. Any earlier unconsumed state for the pair stops working.
func (m *StateManager) Begin(ctx context.Context, participantID string, platform domain.Platform) (string, string, error) {
	if participantID == "" {
		return "", "", domain.Invalid("participant_id", "required")
	}
	if !platform.IsSocial() {
		return "", "", domain.Invalid("platform", string(platform)+" does not use oauth")
	}
	token, err := randomToken()
	if err != nil {
		return "", "", err
	}
	now := m.now()
	st := &domain.OAuthState{
		Token:         token,
		ParticipantID: participantID,
		Platform:      platform,
		Verifier:      oauth2.GenerateVerifier(),
		ExpiresAt:     now.Add(m.ttl),
		CreatedAt:     now,
	}
	if err := m.store.ReplaceState(ctx, st); err != nil {
		return "", "", fmt.Errorf("storing oauth state: %w", err)
	}
	m.logger.Debug("oauth state issued", "participant_id", participantID, "platform", platform)
	return st.Token, st.Verifier, nil
}

// Consume validates and invalidates a state token, returning its verifier.
func (m *StateManager) Consume(ctx context.Context, participantID, token string, platform domain.Platform) (string, error) {
	if participantID == "" || token == "" {
		return "", domain.ErrInvalidOrExpiredState
	}
	st, err := m.store.ConsumeState(ctx, participantID, platform, token, m.now())
	if err != nil {
		return "", err
	}
	return st.Verifier, nil
}

// PurgeExpired deletes states past their expiry.
func (m *StateManager) PurgeExpired(ctx context.Context) (int64, error) {
	return m.store.PurgeExpiredStates(ctx, m.now())
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
