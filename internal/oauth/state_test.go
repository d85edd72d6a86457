package oauth

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/questhub-engine/internal/domain"
	"github.com/questhub-engine/internal/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) (*StateManager, *time.Time) {
	t.Helper()
	now := time.Now()
	m := NewStateManager(memstore.New(), 10*time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.now = func() time.Time { return now }
	return m, &now
}

func TestBeginConsume(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	token, verifier, err := m.Begin(ctx, "p-1", domain.PlatformTwitter)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.GreaterOrEqual(t, len(verifier), 43)

	got, err := m.Consume(ctx, "p-1", token, domain.PlatformTwitter)
	require.NoError(t, err)
	assert.Equal(t, verifier, got)
}

func TestConsumeFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown token", func(t *testing.T) {
		m, _ := newManager(t)
		_, err := m.Consume(ctx, "p-1", "nope", domain.PlatformTwitter)
		assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredState)
	})

	t.Run("expired token", func(t *testing.T) {
		m, now := newManager(t)
		token, _, err := m.Begin(ctx, "p-1", domain.PlatformDiscord)
		require.NoError(t, err)
		*now = now.Add(11 * time.Minute)
		_, err = m.Consume(ctx, "p-1", token, domain.PlatformDiscord)
		assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredState)
	})

	t.Run("replay", func(t *testing.T) {
		m, _ := newManager(t)
		token, _, err := m.Begin(ctx, "p-1", domain.PlatformDiscord)
		require.NoError(t, err)
		_, err = m.Consume(ctx, "p-1", token, domain.PlatformDiscord)
		require.NoError(t, err)
		_, err = m.Consume(ctx, "p-1", token, domain.PlatformDiscord)
		assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredState)
	})

	t.Run("other participant or platform", func(t *testing.T) {
		m, _ := newManager(t)
		token, _, err := m.Begin(ctx, "p-1", domain.PlatformDiscord)
		require.NoError(t, err)
		_, err = m.Consume(ctx, "p-2", token, domain.PlatformDiscord)
		assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredState)
		_, err = m.Consume(ctx, "p-1", token, domain.PlatformTwitter)
		assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredState)
	})
}

func TestBeginInvalidatesPriorState(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	first, _, err := m.Begin(ctx, "p-1", domain.PlatformTwitter)
	require.NoError(t, err)
	second, _, err := m.Begin(ctx, "p-1", domain.PlatformTwitter)
	require.NoError(t, err)

	_, err = m.Consume(ctx, "p-1", first, domain.PlatformTwitter)
	assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredState)
	_, err = m.Consume(ctx, "p-1", second, domain.PlatformTwitter)
	assert.NoError(t, err)
}

func TestBeginRejectsNonSocial(t *testing.T) {
	m, _ := newManager(t)
	_, _, err := m.Begin(context.Background(), "p-1", domain.PlatformWallet)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestPurgeExpired(t *testing.T) {
	m, now := newManager(t)
	ctx := context.Background()
	_, _, err := m.Begin(ctx, "p-1", domain.PlatformTwitter)
	require.NoError(t, err)
	_, _, err = m.Begin(ctx, "p-2", domain.PlatformTwitter)
	require.NoError(t, err)

	*now = now.Add(time.Hour)
	n, err := m.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
