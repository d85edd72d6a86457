package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/questhub-engine/internal/auth"
	"github.com/questhub-engine/internal/domain"
	"github.com/questhub-engine/internal/signature"
)

// LevelFunc derives a level from total XP
type LevelFunc func(totalXP int64) int

// Listener receives participant change notifications
type Listener func(domain.Event)

// WalletProof is a signed challenge presented by a wallet
type WalletProof struct {
	Address   string             `json:"address" validate:"required"`
	Chain     domain.ChainFamily `json:"chain" validate:"required,oneof=evm ed25519"`
	Signature string             `json:"signature" validate:"required"`
	Message   string             `json:"message" validate:"required"`
}

// Credentials are whatever identity proofs accompany a request
type Credentials struct {
	SessionParticipantID string
	BearerToken          string
	Wallet               *WalletProof
	// Email is only honoured from trusted callers; it carries no proof.
	Email string
}

// Resolver is the single entry point that turns identity proofs into one
// canonical participant
type Resolver struct {
	store      Store
	verifier   signature.Verifier
	challenges *Challenges
	tokens     TokenVerifier
	levels     LevelFunc
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.RWMutex
	listeners map[int]Listener
	nextID    int
}

// NewResolver creates a new identity resolver
func NewResolver(
	store Store,
	verifier signature.Verifier,
	challenges *Challenges,
	tokens TokenVerifier,
	levels LevelFunc,
	logger *slog.Logger,
) *Resolver {
	return &Resolver{
		store:      store,
		verifier:   verifier,
		challenges: challenges,
		tokens:     tokens,
		levels:     levels,
		logger:     logger,
		now:        time.Now,
		listeners:  make(map[int]Listener),
	}
}

// Subscribe registers a listener for participant changes. The returned
// function removes it.
func (r *Resolver) Subscribe(l Listener) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Notify delivers an event to every listener.
func (r *Resolver) Notify(event domain.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	r.mu.RLock()
	listeners := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.mu.RUnlock()

	for _, l := range listeners {
		l(event)
	}
}

// Resolve produces the canonical participant for a request. Proofs are tried
// in a fixed order: session, bearer token, wallet signature, trusted email.
func (r *Resolver) Resolve(ctx context.Context, creds Credentials) (*domain.Participant, error) {
	if creds.SessionParticipantID != "" {
		p, err := r.GetCanonicalIdentity(ctx, creds.SessionParticipantID)
		if err == nil {
			return p, nil
		}
		// A session for a purged participant is stale, not fatal.
		if !errors.Is(err, domain.ErrParticipantNotFound) {
			return nil, err
		}
	}
	if creds.BearerToken != "" && r.tokens != nil {
		id, err := r.tokens.ParticipantFromToken(creds.BearerToken)
		if err != nil {
			return nil, err
		}
		return r.GetCanonicalIdentity(ctx, id)
	}
	if creds.Wallet != nil {
		return r.AuthenticateWallet(ctx, *creds.Wallet)
	}
	if creds.Email != "" {
		return r.ResolveOrCreateByEmail(ctx, creds.Email)
	}
	return nil, domain.ErrUnauthenticated
}

// GetCanonicalIdentity returns the participant with all linked identities.
func (r *Resolver) GetCanonicalIdentity(ctx context.Context, participantID string) (*domain.Participant, error) {
	if participantID == "" {
		return nil, domain.Invalid("participant_id", "required")
	}
	p, err := r.store.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	identities, err := r.store.ListIdentities(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("listing identities: %w", err)
	}
	p.Identities = identities
	for _, id := range identities {
		switch id.Platform {
		case domain.PlatformWallet:
			p.WalletAddress = id.ExternalID
			p.WalletChain = id.Chain
		case domain.PlatformEmail:
			p.Email = id.ExternalID
		}
	}
	if r.levels != nil {
		p.Level = r.levels(p.TotalXP)
	}
	return p, nil
}

// ResolveOrCreateByWallet returns the participant owning address, creating it
// on first contact. The address must already be proven by the caller.
func (r *Resolver) ResolveOrCreateByWallet(ctx context.Context, address string, chain domain.ChainFamily) (*domain.Participant, error) {
	if !signature.ValidAddress(chain, address) {
		return nil, domain.Invalid("address", "malformed "+string(chain)+" address")
	}
	externalID := domain.NormalizeAddress(chain, address)
	return r.resolveOrCreate(ctx, &domain.LinkedIdentity{
		Platform:   domain.PlatformWallet,
		ExternalID: externalID,
		Username:   shortAddress(externalID),
		Chain:      chain,
		Verified:   true,
	})
}

// ResolveOrCreateByEmail returns the participant owning email, creating it on
// first contact.
func (r *Resolver) ResolveOrCreateByEmail(ctx context.Context, email string) (*domain.Participant, error) {
	email, err := validEmail(email)
	if err != nil {
		return nil, err
	}
	return r.resolveOrCreate(ctx, &domain.LinkedIdentity{
		Platform:   domain.PlatformEmail,
		ExternalID: email,
		Username:   email,
	})
}

func (r *Resolver) resolveOrCreate(ctx context.Context, identity *domain.LinkedIdentity) (*domain.Participant, error) {
	existing, err := r.store.FindIdentity(ctx, identity.Platform, identity.ExternalID)
	if err == nil {
		return r.GetCanonicalIdentity(ctx, existing.ParticipantID)
	}
	if !errors.Is(err, domain.ErrIdentityNotLinked) {
		return nil, fmt.Errorf("looking up identity: %w", err)
	}

	// Concurrent first contact is settled by the store: the loser gets the
	// winner's participant back.
	p, _, err := r.createParticipant(ctx, identity)
	if err != nil {
		return nil, err
	}
	return r.GetCanonicalIdentity(ctx, p.ID)
}

func (r *Resolver) createParticipant(ctx context.Context, identity *domain.LinkedIdentity) (*domain.Participant, bool, error) {
	now := r.now()
	p := &domain.Participant{
		ID:          uuid.New().String(),
		DisplayName: displayName(identity),
		Role:        domain.RoleParticipant,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	identity.ParticipantID = p.ID
	identity.LinkedAt = now

	p, created, err := r.store.CreateParticipantWithIdentity(ctx, p, identity)
	if err != nil {
		return nil, false, fmt.Errorf("creating participant: %w", err)
	}
	if created {
		r.logger.Info("participant created",
			"participant_id", p.ID,
			"platform", identity.Platform,
		)
		r.Notify(domain.Event{Type: domain.EventParticipantCreated, ParticipantID: p.ID})
	}
	return p, created, nil
}

// AuthenticateWallet checks the signed challenge and resolves the wallet's
// participant, creating it on first contact.
func (r *Resolver) AuthenticateWallet(ctx context.Context, proof WalletProof) (*domain.Participant, error) {
	if err := r.checkWalletProof(ctx, proof); err != nil {
		return nil, err
	}
	return r.ResolveOrCreateByWallet(ctx, proof.Address, proof.Chain)
}

// LinkWallet binds a proven wallet to an existing participant.
func (r *Resolver) LinkWallet(ctx context.Context, participantID string, proof WalletProof) (*domain.Participant, error) {
	if err := r.checkWalletProof(ctx, proof); err != nil {
		return nil, err
	}
	externalID := domain.NormalizeAddress(proof.Chain, proof.Address)
	err := r.linkIdentity(ctx, &domain.LinkedIdentity{
		ParticipantID: participantID,
		Platform:      domain.PlatformWallet,
		ExternalID:    externalID,
		Username:      shortAddress(externalID),
		Chain:         proof.Chain,
		Verified:      true,
	})
	if err != nil {
		return nil, err
	}
	return r.GetCanonicalIdentity(ctx, participantID)
}

func (r *Resolver) checkWalletProof(ctx context.Context, proof WalletProof) error {
	if !signature.ValidAddress(proof.Chain, proof.Address) {
		return domain.Invalid("address", "malformed "+string(proof.Chain)+" address")
	}
	if err := r.challenges.Consume(ctx, proof.Chain, proof.Address, proof.Message); err != nil {
		return err
	}
	if !r.verifier.Verify(proof.Chain, proof.Message, proof.Signature, proof.Address) {
		r.logger.Info("wallet signature rejected", "address", proof.Address, "chain", proof.Chain)
		return domain.ErrInvalidSignature
	}
	return nil
}

// RegisterEmail creates a participant with an email/password credential.
func (r *Resolver) RegisterEmail(ctx context.Context, email, password string) (*domain.Participant, error) {
	email, err := validEmail(email)
	if err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	p, created, err := r.createParticipant(ctx, &domain.LinkedIdentity{
		Platform:       domain.PlatformEmail,
		ExternalID:     email,
		Username:       email,
		CredentialHash: hash,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, fmt.Errorf("email %s: %w", email, domain.ErrIdentityConflict)
	}
	return r.GetCanonicalIdentity(ctx, p.ID)
}

// LoginEmail checks an email/password credential.
func (r *Resolver) LoginEmail(ctx context.Context, email, password string) (*domain.Participant, error) {
	email = domain.NormalizeEmail(email)
	identity, err := r.store.FindIdentity(ctx, domain.PlatformEmail, email)
	if err != nil {
		if errors.Is(err, domain.ErrIdentityNotLinked) {
			return nil, domain.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("looking up email: %w", err)
	}
	if !auth.CheckPassword(identity.CredentialHash, password) {
		return nil, domain.ErrInvalidCredentials
	}
	return r.GetCanonicalIdentity(ctx, identity.ParticipantID)
}

// LinkSocialIdentity binds an external platform account to a participant.
func (r *Resolver) LinkSocialIdentity(ctx context.Context, participantID string, platform domain.Platform, externalID, username string, tokens domain.TokenSet) error {
	if !platform.IsSocial() {
		return domain.Invalid("platform", string(platform)+" is not a social platform")
	}
	if strings.TrimSpace(externalID) == "" {
		return domain.Invalid("external_id", "required")
	}
	return r.linkIdentity(ctx, &domain.LinkedIdentity{
		ParticipantID: participantID,
		Platform:      platform,
		ExternalID:    externalID,
		Username:      username,
		AccessToken:   tokens.AccessToken,
		RefreshToken:  tokens.RefreshToken,
		TokenExpiry:   tokens.Expiry,
		Verified:      true,
	})
}

func (r *Resolver) linkIdentity(ctx context.Context, identity *domain.LinkedIdentity) error {
	if identity.ParticipantID == "" {
		return domain.Invalid("participant_id", "required")
	}
	if _, err := r.store.GetParticipant(ctx, identity.ParticipantID); err != nil {
		return err
	}
	identity.LinkedAt = r.now()
	if err := r.store.InsertIdentity(ctx, identity); err != nil {
		if domain.IsConflictError(err) {
			r.logger.Info("identity link refused",
				"participant_id", identity.ParticipantID,
				"platform", identity.Platform,
				"reason", err,
			)
			return err
		}
		return fmt.Errorf("linking identity: %w", err)
	}
	r.logger.Info("identity linked",
		"participant_id", identity.ParticipantID,
		"platform", identity.Platform,
		"external_id", identity.ExternalID,
	)
	r.Notify(domain.Event{
		Type:          domain.EventIdentityLinked,
		ParticipantID: identity.ParticipantID,
		Data:          map[string]string{"platform": string(identity.Platform), "username": identity.Username},
	})
	return nil
}

// UnlinkSocialIdentity removes a social identity. The last remaining proof of
// identity can never be removed.
func (r *Resolver) UnlinkSocialIdentity(ctx context.Context, participantID string, platform domain.Platform) error {
	if !platform.IsSocial() {
		return domain.Invalid("platform", string(platform)+" is not a social platform")
	}
	if err := r.store.DeleteIdentity(ctx, participantID, platform); err != nil {
		return err
	}
	r.logger.Info("identity unlinked", "participant_id", participantID, "platform", platform)
	r.Notify(domain.Event{
		Type:          domain.EventIdentityUnlinked,
		ParticipantID: participantID,
		Data:          map[string]string{"platform": string(platform)},
	})
	return nil
}

func validEmail(email string) (string, error) {
	email = domain.NormalizeEmail(email)
	at := strings.LastIndex(email, "@")
	if at < 1 || at == len(email)-1 || strings.ContainsAny(email, " \t\n") {
		return "", domain.Invalid("email", "malformed address")
	}
	return email, nil
}

func shortAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

func displayName(identity *domain.LinkedIdentity) string {
	if identity.Platform == domain.PlatformEmail {
		if at := strings.Index(identity.ExternalID, "@"); at > 0 {
			return identity.ExternalID[:at]
		}
	}
	if identity.Username != "" {
		return identity.Username
	}
	return identity.ExternalID
}
