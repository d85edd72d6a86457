package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/questhub-engine/internal/auth"
	"github.com/questhub-engine/internal/domain"
	"github.com/questhub-engine/internal/identity"
)

type contextKey int

const participantKey contextKey = iota

func participantFrom(ctx context.Context) *domain.Participant {
	p, _ := ctx.Value(participantKey).(*domain.Participant)
	return p
}

// credentials collects the identity proofs a request carries. Browsers cannot
// set headers on a websocket handshake, so upgrades may pass the token in
// the query instead.
func (h *Handler) credentials(r *http.Request) identity.Credentials {
	creds := identity.Credentials{BearerToken: auth.BearerToken(r)}
	if h.Sessions != nil {
		creds.SessionParticipantID = h.Sessions.ParticipantID(r)
	}
	if creds.BearerToken == "" && strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		creds.BearerToken = r.URL.Query().Get("token")
	}
	return creds
}

// authenticate resolves the canonical participant or rejects with 401
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := h.Resolver.Resolve(r.Context(), h.credentials(r))
		if err != nil {
			h.writeDomainError(w, r, "authenticate", err)
			return
		}
		ctx := context.WithValue(r.Context(), participantKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole rejects participants without role. Must run after authenticate.
func (h *Handler) requireRole(role domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := participantFrom(r.Context())
			if p == nil || p.Role != role {
				h.writeDomainError(w, r, "authorize", domain.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
