package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/questhub-engine/internal/config"
	"github.com/questhub-engine/internal/domain"
	"github.com/questhub-engine/internal/identity"
	"github.com/questhub-engine/internal/memstore"
	"github.com/questhub-engine/internal/oauth"
	"github.com/questhub-engine/internal/platform"
	"github.com/questhub-engine/internal/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linkAdapter proves whatever account the test assigns to a code.
type linkAdapter struct {
	mu       sync.Mutex
	p        domain.Platform
	accounts map[string]string // code -> external id
	verifier string
	calls    int
}

func (a *linkAdapter) Platform() domain.Platform { return a.p }

func (a *linkAdapter) AuthCodeURL(state, verifier string) (string, error) {
	return "https://auth.example.test/authorize?" + url.Values{
		"state":          {state},
		"code_challenge": {verifier},
	}.Encode(), nil
}

func (a *linkAdapter) ExchangeCode(_ context.Context, req platform.ExchangeRequest) (*platform.ExchangeResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.verifier = req.Verifier
	id, ok := a.accounts[req.Code]
	if !ok {
		return nil, &platform.Error{Platform: a.p, Kind: platform.KindPermanent, StatusCode: 400, Err: errors.New("invalid_grant")}
	}
	return &platform.ExchangeResult{
		ExternalID: id,
		Username:   "user_" + id,
		Tokens:     domain.TokenSet{AccessToken: "at-" + id},
	}, nil
}

func (a *linkAdapter) CheckClaim(context.Context, platform.ClaimRequest) (platform.CheckResult, error) {
	return platform.CheckResult{}, nil
}

type linkHarness struct {
	store    *memstore.Store
	resolver *identity.Resolver
	adapter  *linkAdapter
	svc      *LinkService
}

func newLinkHarness(t *testing.T) *linkHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	resolver := identity.NewResolver(store, signature.Default{},
		identity.NewChallenges(store, "QuestHub", time.Minute), nil,
		func(total int64) int { return int(total/100) + 1 }, logger)
	adapter := &linkAdapter{p: domain.PlatformTwitter, accounts: map[string]string{
		"code-1": "tw-1",
		"code-2": "tw-2",
	}}
	svc := NewLinkService(oauth.NewStateManager(store, time.Minute, logger),
		platform.NewRegistry(adapter), resolver, time.Second, logger)
	return &linkHarness{store: store, resolver: resolver, adapter: adapter, svc: svc}
}

func (h *linkHarness) participant(t *testing.T, email string) string {
	t.Helper()
	p, err := h.resolver.ResolveOrCreateByEmail(context.Background(), email)
	require.NoError(t, err)
	return p.ID
}

func callback(state, code string) url.Values {
	return url.Values{"state": {state}, "code": {code}}
}

func TestLinkFlow(t *testing.T) {
	h := newLinkHarness(t)
	ctx := context.Background()
	pid := h.participant(t, "a@example.com")

	start, err := h.svc.BeginLink(ctx, pid, domain.PlatformTwitter)
	require.NoError(t, err)
	require.NotEmpty(t, start.State)

	authURL, err := url.Parse(start.AuthorizationURL)
	require.NoError(t, err)
	assert.Equal(t, start.State, authURL.Query().Get("state"))

	res, err := h.svc.CompleteLink(ctx, pid, domain.PlatformTwitter, callback(start.State, "code-1"))
	require.NoError(t, err)
	assert.Equal(t, "tw-1", res.ExternalID)
	// the verifier issued at begin reaches the exchange
	assert.Equal(t, authURL.Query().Get("code_challenge"), h.adapter.verifier)

	linked, err := h.store.GetIdentity(ctx, pid, domain.PlatformTwitter)
	require.NoError(t, err)
	assert.Equal(t, "tw-1", linked.ExternalID)
	assert.Equal(t, "at-tw-1", linked.AccessToken)
}

func TestLinkCallbackReplayRejected(t *testing.T) {
	h := newLinkHarness(t)
	ctx := context.Background()
	pid := h.participant(t, "a@example.com")

	start, err := h.svc.BeginLink(ctx, pid, domain.PlatformTwitter)
	require.NoError(t, err)
	_, err = h.svc.CompleteLink(ctx, pid, domain.PlatformTwitter, callback(start.State, "code-1"))
	require.NoError(t, err)

	_, err = h.svc.CompleteLink(ctx, pid, domain.PlatformTwitter, callback(start.State, "code-1"))
	assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredState)
	assert.Equal(t, 1, h.adapter.calls)
}

func TestLinkSupersededState(t *testing.T) {
	h := newLinkHarness(t)
	ctx := context.Background()
	pid := h.participant(t, "a@example.com")

	first, err := h.svc.BeginLink(ctx, pid, domain.PlatformTwitter)
	require.NoError(t, err)
	second, err := h.svc.BeginLink(ctx, pid, domain.PlatformTwitter)
	require.NoError(t, err)

	_, err = h.svc.CompleteLink(ctx, pid, domain.PlatformTwitter, callback(first.State, "code-1"))
	assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredState)

	_, err = h.svc.CompleteLink(ctx, pid, domain.PlatformTwitter, callback(second.State, "code-1"))
	assert.NoError(t, err)
}

func TestLinkStateBoundToParticipant(t *testing.T) {
	h := newLinkHarness(t)
	ctx := context.Background()
	alice := h.participant(t, "a@example.com")
	mallory := h.participant(t, "m@example.com")

	start, err := h.svc.BeginLink(ctx, alice, domain.PlatformTwitter)
	require.NoError(t, err)

	_, err = h.svc.CompleteLink(ctx, mallory, domain.PlatformTwitter, callback(start.State, "code-2"))
	assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredState)
	assert.Zero(t, h.adapter.calls)
}

func TestLinkDeniedConsumesState(t *testing.T) {
	h := newLinkHarness(t)
	ctx := context.Background()
	pid := h.participant(t, "a@example.com")

	start, err := h.svc.BeginLink(ctx, pid, domain.PlatformTwitter)
	require.NoError(t, err)

	denied := url.Values{"state": {start.State}, "error": {"access_denied"}}
	_, err = h.svc.CompleteLink(ctx, pid, domain.PlatformTwitter, denied)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.svc.CompleteLink(ctx, pid, domain.PlatformTwitter, callback(start.State, "code-1"))
	assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredState)
	assert.Zero(t, h.adapter.calls)
}

func TestLinkExternalAccountTaken(t *testing.T) {
	h := newLinkHarness(t)
	ctx := context.Background()
	alice := h.participant(t, "a@example.com")
	bob := h.participant(t, "b@example.com")

	start, err := h.svc.BeginLink(ctx, alice, domain.PlatformTwitter)
	require.NoError(t, err)
	_, err = h.svc.CompleteLink(ctx, alice, domain.PlatformTwitter, callback(start.State, "code-1"))
	require.NoError(t, err)

	start, err = h.svc.BeginLink(ctx, bob, domain.PlatformTwitter)
	require.NoError(t, err)
	_, err = h.svc.CompleteLink(ctx, bob, domain.PlatformTwitter, callback(start.State, "code-1"))
	assert.ErrorIs(t, err, domain.ErrExternalIdentityTaken)

	_, err = h.store.GetIdentity(ctx, bob, domain.PlatformTwitter)
	assert.ErrorIs(t, err, domain.ErrIdentityNotLinked)
}

func TestLinkExchangeFailure(t *testing.T) {
	h := newLinkHarness(t)
	ctx := context.Background()
	pid := h.participant(t, "a@example.com")

	start, err := h.svc.BeginLink(ctx, pid, domain.PlatformTwitter)
	require.NoError(t, err)
	_, err = h.svc.CompleteLink(ctx, pid, domain.PlatformTwitter, callback(start.State, "bogus"))
	assert.True(t, platform.IsPermanent(err))

	_, err = h.store.GetIdentity(ctx, pid, domain.PlatformTwitter)
	assert.ErrorIs(t, err, domain.ErrIdentityNotLinked)
}

func TestLinkUnsupportedPlatform(t *testing.T) {
	h := newLinkHarness(t)
	ctx := context.Background()
	pid := h.participant(t, "a@example.com")

	_, err := h.svc.BeginLink(ctx, pid, domain.PlatformWallet)
	assert.ErrorIs(t, err, domain.ErrValidation)

	// discord is social but has no adapter in this registry
	_, err = h.svc.BeginLink(ctx, pid, domain.PlatformDiscord)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestLeaderboardLimits(t *testing.T) {
	ctx := context.Background()
	ranking := memstore.NewRanking()
	totals := map[string]int64{}
	for i := 0; i < 30; i++ {
		totals[string(rune('a'+i%26))+string(rune('0'+i/26))] = int64(100 * (i + 1))
	}
	require.NoError(t, ranking.BatchSetTotals(ctx, totals))

	svc := NewLeaderboardService(ranking, func(total int64) int { return int(total/100) + 1 },
		&config.LeaderboardConfig{DefaultLimit: 5, MaxLimit: 20}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	top, err := svc.GetTopN(ctx, 0)
	require.NoError(t, err)
	require.Len(t, top, 5)
	assert.Equal(t, int64(1), top[0].Rank)
	assert.Equal(t, int64(3000), top[0].TotalXP)
	assert.Equal(t, 31, top[0].Level)

	top, err = svc.GetTopN(ctx, 500)
	require.NoError(t, err)
	assert.Len(t, top, 20)

	entry, err := svc.GetParticipantRank(ctx, "a0")
	require.NoError(t, err)
	assert.Equal(t, int64(30), entry.Rank)
	assert.Equal(t, 2, entry.Level)

	_, err = svc.GetParticipantRank(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
}
