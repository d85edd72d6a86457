package identity

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/questhub-engine/internal/domain"
	"github.com/questhub-engine/internal/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	walletA = "0x52908400098527886E0F7030069857D2E4169EE7"
	walletB = "0x8617E340B3D01FA5F11F306F4090FD50E238070D"
)

// fakeVerifier accepts any signature equal to "ok".
type fakeVerifier struct{}

func (fakeVerifier) Verify(_ domain.ChainFamily, _, sig, _ string) bool { return sig == "ok" }

type fakeTokens map[string]string

func (f fakeTokens) ParticipantFromToken(token string) (string, error) {
	if id, ok := f[token]; ok {
		return id, nil
	}
	return "", domain.ErrUnauthenticated
}

func newTestResolver(t *testing.T) (*Resolver, *memstore.Store, fakeTokens) {
	t.Helper()
	store := memstore.New()
	tokens := fakeTokens{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewResolver(store, fakeVerifier{}, NewChallenges(store, "QuestHub", time.Minute), tokens,
		func(total int64) int { return int(total/100) + 1 }, logger)
	return r, store, tokens
}

func signedProof(t *testing.T, r *Resolver, address string) WalletProof {
	t.Helper()
	ch, err := r.challenges.Issue(context.Background(), domain.ChainEVM, address)
	require.NoError(t, err)
	return WalletProof{Address: address, Chain: domain.ChainEVM, Signature: "ok", Message: ch.Message}
}

func TestResolveOrCreateByWalletConcurrent(t *testing.T) {
	r, _, _ := newTestResolver(t)
	ctx := context.Background()

	const n = 25
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.ResolveOrCreateByWallet(ctx, walletA, domain.ChainEVM)
			if assert.NoError(t, err) {
				ids[i] = p.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	// case-insensitive for EVM
	p, err := r.ResolveOrCreateByWallet(ctx, "0x52908400098527886e0f7030069857d2e4169ee7", domain.ChainEVM)
	require.NoError(t, err)
	assert.Equal(t, ids[0], p.ID)
	assert.Equal(t, "0x52908400098527886e0f7030069857d2e4169ee7", p.WalletAddress)
	assert.Equal(t, 1, p.Level)
}

func TestResolveOrCreateByWalletRejectsMalformed(t *testing.T) {
	r, _, _ := newTestResolver(t)
	_, err := r.ResolveOrCreateByWallet(context.Background(), "0x123", domain.ChainEVM)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAuthenticateWalletConsumesChallenge(t *testing.T) {
	r, _, _ := newTestResolver(t)
	ctx := context.Background()

	proof := signedProof(t, r, walletA)
	p, err := r.AuthenticateWallet(ctx, proof)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)

	// replaying the same signed challenge fails
	_, err = r.AuthenticateWallet(ctx, proof)
	assert.ErrorIs(t, err, domain.ErrInvalidChallenge)

	bad := signedProof(t, r, walletA)
	bad.Signature = "forged"
	_, err = r.AuthenticateWallet(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	tampered := signedProof(t, r, walletA)
	tampered.Message += "x"
	_, err = r.AuthenticateWallet(ctx, tampered)
	assert.ErrorIs(t, err, domain.ErrInvalidChallenge)
}

func TestEmailRegistrationAndLogin(t *testing.T) {
	r, _, _ := newTestResolver(t)
	ctx := context.Background()

	p, err := r.RegisterEmail(ctx, " Alice@Example.com ", "long-password")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", p.Email)
	assert.Equal(t, "alice", p.DisplayName)

	_, err = r.RegisterEmail(ctx, "alice@example.com", "other-password")
	assert.ErrorIs(t, err, domain.ErrIdentityConflict)

	got, err := r.LoginEmail(ctx, "ALICE@example.com", "long-password")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = r.LoginEmail(ctx, "alice@example.com", "wrong-password")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
	_, err = r.LoginEmail(ctx, "nobody@example.com", "long-password")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)

	same, err := r.ResolveOrCreateByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, p.ID, same.ID)

	_, err = r.ResolveOrCreateByEmail(ctx, "not-an-email")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestLinkSocialIdentityConflicts(t *testing.T) {
	r, _, _ := newTestResolver(t)
	ctx := context.Background()

	alice, err := r.ResolveOrCreateByWallet(ctx, walletA, domain.ChainEVM)
	require.NoError(t, err)
	bob, err := r.ResolveOrCreateByWallet(ctx, walletB, domain.ChainEVM)
	require.NoError(t, err)

	require.NoError(t, r.LinkSocialIdentity(ctx, alice.ID, domain.PlatformTwitter, "tw-1", "alice", domain.TokenSet{AccessToken: "at"}))

	err = r.LinkSocialIdentity(ctx, bob.ID, domain.PlatformTwitter, "tw-1", "alice", domain.TokenSet{})
	assert.ErrorIs(t, err, domain.ErrExternalIdentityTaken)

	err = r.LinkSocialIdentity(ctx, alice.ID, domain.PlatformTwitter, "tw-2", "alice2", domain.TokenSet{})
	assert.ErrorIs(t, err, domain.ErrAlreadyLinked)

	err = r.LinkSocialIdentity(ctx, alice.ID, domain.PlatformEmail, "x", "x", domain.TokenSet{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	canonical, err := r.GetCanonicalIdentity(ctx, alice.ID)
	require.NoError(t, err)
	tw, ok := canonical.Identity(domain.PlatformTwitter)
	require.True(t, ok)
	assert.Equal(t, "tw-1", tw.ExternalID)
	assert.Equal(t, "at", tw.AccessToken)
}

func TestUnlinkSocialIdentity(t *testing.T) {
	r, store, _ := newTestResolver(t)
	ctx := context.Background()

	p, err := r.ResolveOrCreateByWallet(ctx, walletA, domain.ChainEVM)
	require.NoError(t, err)
	require.NoError(t, r.LinkSocialIdentity(ctx, p.ID, domain.PlatformDiscord, "d-1", "alice", domain.TokenSet{}))

	require.NoError(t, r.UnlinkSocialIdentity(ctx, p.ID, domain.PlatformDiscord))
	assert.ErrorIs(t, r.UnlinkSocialIdentity(ctx, p.ID, domain.PlatformDiscord), domain.ErrIdentityNotLinked)

	// a participant known only through a social identity keeps it
	solo := &domain.Participant{ID: "solo", Role: domain.RoleParticipant}
	_, _, err = store.CreateParticipantWithIdentity(ctx, solo, &domain.LinkedIdentity{Platform: domain.PlatformTelegram, ExternalID: "tg-1"})
	require.NoError(t, err)
	assert.ErrorIs(t, r.UnlinkSocialIdentity(ctx, "solo", domain.PlatformTelegram), domain.ErrLastIdentity)
}

func TestLinkWallet(t *testing.T) {
	r, _, _ := newTestResolver(t)
	ctx := context.Background()

	p, err := r.RegisterEmail(ctx, "bob@example.com", "long-password")
	require.NoError(t, err)

	linked, err := r.LinkWallet(ctx, p.ID, signedProof(t, r, walletB))
	require.NoError(t, err)
	assert.Equal(t, "0x8617e340b3d01fa5f11f306f4090fd50e238070d", linked.WalletAddress)

	// the wallet now resolves to the email participant
	same, err := r.ResolveOrCreateByWallet(ctx, walletB, domain.ChainEVM)
	require.NoError(t, err)
	assert.Equal(t, p.ID, same.ID)

	other, err := r.ResolveOrCreateByWallet(ctx, walletA, domain.ChainEVM)
	require.NoError(t, err)
	_, err = r.LinkWallet(ctx, other.ID, signedProof(t, r, walletB))
	assert.True(t, domain.IsConflictError(err))
}

func TestResolveOrder(t *testing.T) {
	r, _, tokens := newTestResolver(t)
	ctx := context.Background()

	sessionUser, err := r.ResolveOrCreateByEmail(ctx, "session@example.com")
	require.NoError(t, err)
	bearerUser, err := r.ResolveOrCreateByEmail(ctx, "bearer@example.com")
	require.NoError(t, err)
	tokens["tok"] = bearerUser.ID

	p, err := r.Resolve(ctx, Credentials{SessionParticipantID: sessionUser.ID, BearerToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, sessionUser.ID, p.ID)

	p, err = r.Resolve(ctx, Credentials{SessionParticipantID: "purged", BearerToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, bearerUser.ID, p.ID)

	_, err = r.Resolve(ctx, Credentials{BearerToken: "bad"})
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	proof := signedProof(t, r, walletA)
	p, err = r.Resolve(ctx, Credentials{Wallet: &proof})
	require.NoError(t, err)
	assert.NotEqual(t, bearerUser.ID, p.ID)

	_, err = r.Resolve(ctx, Credentials{})
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestSubscribe(t *testing.T) {
	r, _, _ := newTestResolver(t)
	ctx := context.Background()

	var mu sync.Mutex
	var events []string
	unsubscribe := r.Subscribe(func(e domain.Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	})

	p, err := r.ResolveOrCreateByWallet(ctx, walletA, domain.ChainEVM)
	require.NoError(t, err)
	require.NoError(t, r.LinkSocialIdentity(ctx, p.ID, domain.PlatformTwitter, "tw-1", "a", domain.TokenSet{}))

	unsubscribe()
	require.NoError(t, r.UnlinkSocialIdentity(ctx, p.ID, domain.PlatformTwitter))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{domain.EventParticipantCreated, domain.EventIdentityLinked}, events)
}
