package domain

import (
	"strings"
	"time"
)

// Platform tags an identity source
type Platform string

const (
	PlatformWallet   Platform = "wallet"
	PlatformEmail    Platform = "email"
	PlatformTwitter  Platform = "twitter"
	PlatformDiscord  Platform = "discord"
	PlatformTelegram Platform = "telegram"
)

// IsSocial reports whether p is linked through an OAuth-style exchange.
func (p Platform) IsSocial() bool {
	switch p {
	case PlatformTwitter, PlatformDiscord, PlatformTelegram:
		return true
	}
	return false
}

// ParsePlatform validates a platform tag from user input.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PlatformWallet, PlatformEmail, PlatformTwitter, PlatformDiscord, PlatformTelegram:
		return p, nil
	}
	return "", Invalid("platform", "unsupported platform "+s)
}

// ChainFamily selects the wallet signature scheme
type ChainFamily string

const (
	ChainEVM     ChainFamily = "evm"
	ChainEd25519 ChainFamily = "ed25519"
)

// NormalizeAddress returns the canonical stored form of a wallet address.
// EVM addresses are hex and compared case-insensitively; base58 addresses are case-sensitive.
func NormalizeAddress(chain ChainFamily, address string) string {
	address = strings.TrimSpace(address)
	if chain == ChainEVM {
		return strings.ToLower(address)
	}
	return address
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Role controls access to administrative operations
type Role string

const (
	RoleParticipant Role = "participant"
	RoleCreator     Role = "creator"
	RoleAdmin       Role = "admin"
)

// Participant is the canonical user record every identity proof resolves to
type Participant struct {
	ID            string           `json:"id"`
	DisplayName   string           `json:"display_name"`
	Role          Role             `json:"role"`
	TotalXP       int64            `json:"total_xp"`
	Level         int              `json:"level"`
	WalletAddress string           `json:"wallet_address,omitempty"`
	WalletChain   ChainFamily      `json:"wallet_chain,omitempty"`
	Email         string           `json:"email,omitempty"`
	Identities    []LinkedIdentity `json:"identities,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Identity returns the linked identity for platform, if any.
func (p *Participant) Identity(platform Platform) (LinkedIdentity, bool) {
	for _, id := range p.Identities {
		if id.Platform == platform {
			return id, true
		}
	}
	return LinkedIdentity{}, false
}

// LinkedIdentity binds one authentication method to a participant
type LinkedIdentity struct {
	ParticipantID  string      `json:"participant_id"`
	Platform       Platform    `json:"platform"`
	ExternalID     string      `json:"external_id"`
	Username       string      `json:"username,omitempty"`
	Chain          ChainFamily `json:"chain,omitempty"`
	AccessToken    string      `json:"-"`
	RefreshToken   string      `json:"-"`
	TokenExpiry    *time.Time  `json:"-"`
	CredentialHash string      `json:"-"`
	Verified       bool        `json:"verified"`
	LinkedAt       time.Time   `json:"linked_at"`
}

// TokenSet is the token material returned by an OAuth exchange
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	Expiry       *time.Time
}

// OAuthState binds an in-flight authorization code exchange to a participant
type OAuthState struct {
	Token         string    `json:"-"`
	ParticipantID string    `json:"participant_id"`
	Platform      Platform  `json:"platform"`
	Verifier      string    `json:"-"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Expired reports whether the state is no longer usable at now.
func (s *OAuthState) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// RankEntry is one row of the XP ranking
type RankEntry struct {
	Rank          int64  `json:"rank"`
	ParticipantID string `json:"participant_id"`
	TotalXP       int64  `json:"total_xp"`
}
