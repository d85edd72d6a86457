package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/questhub-engine/internal/config"
	"github.com/questhub-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTwitter(t *testing.T, mux *http.ServeMux) *Twitter {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewTwitter(&config.TwitterConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/oauth/twitter/callback",
		BearerToken:  "app-bearer",
		APIBase:      srv.URL,
		AuthURL:      srv.URL + "/i/oauth2/authorize",
		TokenURL:     srv.URL + "/2/oauth2/token",
		MaxPages:     3,
	}, srv.Client(), discardLogger())
}

func twitterIdentity() domain.LinkedIdentity {
	return domain.LinkedIdentity{Platform: domain.PlatformTwitter, ExternalID: "42", AccessToken: "user-token"}
}

func TestTwitterAuthCodeURLUsesPKCE(t *testing.T) {
	tw := newTwitter(t, http.NewServeMux())
	raw, err := tw.AuthCodeURL("state-1", "verifier-verifier-verifier-verifier-verifier")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Contains(t, q.Get("scope"), "follows.read")
}

func TestTwitterExchangeCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/2/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		assert.Equal(t, "the-verifier", r.PostForm.Get("code_verifier"))
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client", user)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token": "at", "refresh_token": "rt", "token_type": "bearer", "expires_in": 7200,
		})
	})
	mux.HandleFunc("/2/users/me", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]string{"id": "42", "username": "alice"}})
	})
	tw := newTwitter(t, mux)

	res, err := tw.ExchangeCode(context.Background(), ExchangeRequest{Code: "the-code", Verifier: "the-verifier"})
	require.NoError(t, err)
	assert.Equal(t, "42", res.ExternalID)
	assert.Equal(t, "alice", res.Username)
	assert.Equal(t, "at", res.Tokens.AccessToken)
	assert.Equal(t, "rt", res.Tokens.RefreshToken)
	require.NotNil(t, res.Tokens.Expiry)
	assert.True(t, res.Tokens.Expiry.After(time.Now()))
}

func TestTwitterExchangeRejectedCodeIsPermanent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/2/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
	})
	tw := newTwitter(t, mux)

	_, err := tw.ExchangeCode(context.Background(), ExchangeRequest{Code: "bad", Verifier: "v"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestTwitterFollowPaginates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/2/users/by/username/questhub", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]string{"id": "777"}})
	})
	mux.HandleFunc("/2/users/42/following", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pagination_token") == "" {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"data": []map[string]string{{"id": "1"}, {"id": "2"}},
				"meta": map[string]string{"next_token": "p2"},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": []map[string]string{{"id": "777"}}})
	})
	tw := newTwitter(t, mux)

	res, err := tw.CheckClaim(context.Background(), ClaimRequest{Action: "follow", Target: "https://x.com/questhub", Identity: twitterIdentity()})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSatisfied, res.Outcome)
	assert.Equal(t, domain.MethodTwitterAPI, res.Method)
	assert.Equal(t, 2, res.Evidence["pages"])
}

func TestTwitterFollowNotFoundAndTruncated(t *testing.T) {
	pages := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/2/users/by/username/questhub", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]string{"id": "777"}})
	})
	mux.HandleFunc("/2/users/42/following", func(w http.ResponseWriter, r *http.Request) {
		pages++
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": []map[string]string{{"id": fmt.Sprint(pages)}},
			"meta": map[string]string{"next_token": fmt.Sprint("p", pages)},
		})
	})
	tw := newTwitter(t, mux)

	res, err := tw.CheckClaim(context.Background(), ClaimRequest{Action: "follow", Target: "@questhub", Identity: twitterIdentity()})
	require.NoError(t, err)
	assert.Equal(t, OutcomeManualFallback, res.Outcome)
	assert.Equal(t, 3, pages)

	mux2 := http.NewServeMux()
	mux2.HandleFunc("/2/users/by/username/questhub", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]string{"id": "777"}})
	})
	mux2.HandleFunc("/2/users/42/following", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": []map[string]string{{"id": "1"}}})
	})
	tw2 := newTwitter(t, mux2)
	res, err = tw2.CheckClaim(context.Background(), ClaimRequest{Action: "follow", Target: "questhub", Identity: twitterIdentity()})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, res.Outcome)
}

func TestTwitterUnknownHandleIsPermanent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/2/users/by/username/ghost", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"errors": []map[string]string{{"title": "Not Found Error"}}})
	})
	tw := newTwitter(t, mux)

	_, err := tw.CheckClaim(context.Background(), ClaimRequest{Action: "follow", Target: "@ghost", Identity: twitterIdentity()})
	assert.True(t, IsPermanent(err))
}

func TestTwitterStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		outcome   Outcome
		transient bool
		permanent bool
	}{
		{"forbidden falls back", http.StatusForbidden, OutcomeManualFallback, false, false},
		{"rate limited", http.StatusTooManyRequests, 0, true, false},
		{"server error", http.StatusBadGateway, 0, true, false},
		{"bad token", http.StatusUnauthorized, 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/2/tweets/123/retweeted_by", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "7")
				writeJSON(w, tt.status, map[string]string{"title": "x"})
			})
			tw := newTwitter(t, mux)

			res, err := tw.CheckClaim(context.Background(), ClaimRequest{
				Action: "retweet", Target: "https://x.com/q/status/123", Identity: twitterIdentity(),
			})
			if tt.outcome != 0 {
				require.NoError(t, err)
				assert.Equal(t, tt.outcome, res.Outcome)
				return
			}
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Equal(t, tt.permanent, IsPermanent(err))
			if tt.status == http.StatusTooManyRequests {
				var pe *Error
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, 7*time.Second, pe.RetryAfter)
			}
		})
	}
}

func TestTwitterLikeFallsBackToAppBearer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/2/users/42/liked_tweets", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer app-bearer", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": []map[string]string{{"id": "123"}}})
	})
	tw := newTwitter(t, mux)

	id := twitterIdentity()
	id.AccessToken = ""
	res, err := tw.CheckClaim(context.Background(), ClaimRequest{Action: "like", Target: "123", Identity: id})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSatisfied, res.Outcome)
}

func TestTwitterTimeoutIsTransient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/2/users/42/liked_tweets", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	tw := newTwitter(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tw.CheckClaim(ctx, ClaimRequest{Action: "like", Target: "123", Identity: twitterIdentity()})
	assert.True(t, IsTransient(err))
}
