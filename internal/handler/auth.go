package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/questhub-engine/internal/domain"
	"github.com/questhub-engine/internal/identity"
)

type challengeRequest struct {
	Address string             `json:"address" validate:"required"`
	Chain   domain.ChainFamily `json:"chain" validate:"required,oneof=evm ed25519"`
}

type emailRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// SessionResponse is returned by every sign-in
type SessionResponse struct {
	Participant *domain.Participant `json:"participant"`
	Token       string              `json:"token"`
	ExpiresAt   time.Time           `json:"expires_at"`
}

// WalletChallenge issues the message a wallet must sign
func (h *Handler) WalletChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, "wallet challenge", err)
		return
	}

	ch, err := h.Challenges.Issue(r.Context(), req.Chain, req.Address)
	if err != nil {
		h.writeDomainError(w, r, "wallet challenge", err)
		return
	}
	h.writeSuccess(w, ch)
}

// WalletLogin authenticates a signed challenge, creating the participant on
// first contact
func (h *Handler) WalletLogin(w http.ResponseWriter, r *http.Request) {
	var proof identity.WalletProof
	if err := h.decode(r, &proof); err != nil {
		h.writeDomainError(w, r, "wallet login", err)
		return
	}

	p, err := h.Resolver.AuthenticateWallet(r.Context(), proof)
	if err != nil {
		h.writeDomainError(w, r, "wallet login", err)
		return
	}
	h.startSession(w, r, p, http.StatusOK)
}

// EmailSignup registers an email/password participant
func (h *Handler) EmailSignup(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, "email signup", err)
		return
	}

	p, err := h.Resolver.RegisterEmail(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeDomainError(w, r, "email signup", err)
		return
	}
	h.startSession(w, r, p, http.StatusCreated)
}

// EmailLogin checks an email/password credential
func (h *Handler) EmailLogin(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, "email login", err)
		return
	}

	p, err := h.Resolver.LoginEmail(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeDomainError(w, r, "email login", err)
		return
	}
	h.startSession(w, r, p, http.StatusOK)
}

// Logout clears the session cookie. Bearer tokens expire on their own.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Sessions.Clear(w, r); err != nil {
		h.writeDomainError(w, r, "logout", err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "signed_out"})
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, p *domain.Participant, status int) {
	token, expires, err := h.Tokens.Issue(p.ID, p.Role)
	if err != nil {
		h.writeDomainError(w, r, "issue token", err)
		return
	}
	if err := h.Sessions.Save(w, r, p.ID); err != nil {
		h.writeDomainError(w, r, "save session", err)
		return
	}
	h.writeJSON(w, status, APIResponse{
		Success: true,
		Data:    SessionResponse{Participant: p, Token: token, ExpiresAt: expires},
	})
}

// GetMe returns the canonical participant with all linked identities
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, participantFrom(r.Context()))
}

// LinkWallet binds a signed wallet to the signed-in participant
func (h *Handler) LinkWallet(w http.ResponseWriter, r *http.Request) {
	var proof identity.WalletProof
	if err := h.decode(r, &proof); err != nil {
		h.writeDomainError(w, r, "link wallet", err)
		return
	}

	p, err := h.Resolver.LinkWallet(r.Context(), participantFrom(r.Context()).ID, proof)
	if err != nil {
		h.writeDomainError(w, r, "link wallet", err)
		return
	}
	h.writeSuccess(w, p)
}

// UnlinkIdentity removes a social identity from the signed-in participant
func (h *Handler) UnlinkIdentity(w http.ResponseWriter, r *http.Request) {
	p, err := domain.ParsePlatform(chi.URLParam(r, "platform"))
	if err != nil {
		h.writeDomainError(w, r, "unlink identity", err)
		return
	}

	pid := participantFrom(r.Context()).ID
	if err := h.Resolver.UnlinkSocialIdentity(r.Context(), pid, p); err != nil {
		h.writeDomainError(w, r, "unlink identity", err)
		return
	}

	participant, err := h.Resolver.GetCanonicalIdentity(r.Context(), pid)
	if err != nil {
		h.writeDomainError(w, r, "unlink identity", err)
		return
	}
	h.writeSuccess(w, participant)
}
