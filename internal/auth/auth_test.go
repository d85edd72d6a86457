package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/questhub-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123"

func TestTokenRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer(testSecret, "questhub", time.Hour)
	require.NoError(t, err)

	token, expires, err := issuer.Issue("p-1", domain.RoleAdmin)
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))

	claims, err := issuer.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "p-1", claims.ParticipantID)
	assert.Equal(t, domain.RoleAdmin, claims.Role)

	id, err := issuer.ParticipantFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, "p-1", id)
}

func TestTokenRejectsTamperedAndExpired(t *testing.T) {
	issuer, err := NewTokenIssuer(testSecret, "questhub", time.Minute)
	require.NoError(t, err)
	other, err := NewTokenIssuer("another-secret-value-xx", "questhub", time.Minute)
	require.NoError(t, err)

	token, _, err := other.Issue("p-1", domain.RoleParticipant)
	require.NoError(t, err)
	_, err = issuer.Validate(token)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	token, _, err = issuer.Issue("p-1", domain.RoleParticipant)
	require.NoError(t, err)
	issuer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = issuer.Validate(token)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestNewTokenIssuerRejectsShortSecret(t *testing.T) {
	_, err := NewTokenIssuer("short", "questhub", time.Minute)
	require.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, BearerToken(r))
	r.Header.Set("Authorization", "Bearer abc.def")
	assert.Equal(t, "abc.def", BearerToken(r))
	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, BearerToken(r))
}

func TestPasswordHashing(t *testing.T) {
	_, err := HashPassword("short")
	assert.ErrorIs(t, err, domain.ErrValidation)

	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.True(t, CheckPassword(hash, "correct horse"))
	assert.False(t, CheckPassword(hash, "wrong horse!"))
	assert.False(t, CheckPassword("", "correct horse"))
}

func TestSessionRoundTrip(t *testing.T) {
	m := NewSessionManager([]byte("0123456789abcdef0123456789abcdef"), "qs", time.Hour, false)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, m.Save(w, r, "p-42"))

	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	next := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range cookies {
		next.AddCookie(c)
	}
	assert.Equal(t, "p-42", m.ParticipantID(next))

	empty := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, m.ParticipantID(empty))
}
