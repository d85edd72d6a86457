package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/questhub-engine/internal/domain"
	"github.com/questhub-engine/internal/signature"
)

// Challenge is the message a wallet must sign to authenticate
type Challenge struct {
	Address   string             `json:"address"`
	Chain     domain.ChainFamily `json:"chain"`
	Message   string             `json:"message"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// Challenges issues and consumes single-use wallet challenges
type Challenges struct {
	store ChallengeStore
	appID string
	ttl   time.Duration
	now   func() time.Time
}

// NewChallenges creates a challenge issuer
func NewChallenges(store ChallengeStore, appID string, ttl time.Duration) *Challenges {
	return &Challenges{store: store, appID: appID, ttl: ttl, now: time.Now}
}

func challengeKey(chain domain.ChainFamily, address string) string {
	return string(chain) + ":" + domain.NormalizeAddress(chain, address)
}

// Issue creates a fresh challenge, replacing any outstanding one for the address.
func (c *Challenges) Issue(ctx context.Context, chain domain.ChainFamily, address string) (*Challenge, error) {
	if !signature.ValidAddress(chain, address) {
		return nil, domain.Invalid("address", "malformed "+string(chain)+" address")
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	now := c.now().UTC()
	msg := fmt.Sprintf("Sign this message to authenticate with %s\nAddress: %s\nNonce: %s\nIssued At: %s",
		c.appID, address, hex.EncodeToString(nonce), now.Format(time.RFC3339))

	if err := c.store.PutChallenge(ctx, challengeKey(chain, address), msg, c.ttl); err != nil {
		return nil, fmt.Errorf("storing challenge: %w", err)
	}
	return &Challenge{Address: address, Chain: chain, Message: msg, ExpiresAt: now.Add(c.ttl)}, nil
}

// Consume checks message is the outstanding challenge for address and
// invalidates it. A mismatching message still burns the challenge.
func (c *Challenges) Consume(ctx context.Context, chain domain.ChainFamily, address, message string) error {
	expected, err := c.store.TakeChallenge(ctx, challengeKey(chain, address))
	if err != nil {
		return err
	}
	if expected != message {
		return domain.ErrInvalidChallenge
	}
	return nil
}
