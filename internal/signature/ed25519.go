package signature

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/questhub-engine/internal/domain"
)

func verifyEd25519(message, signature, address string) (bool, error) {
	pub, err := base58.Decode(address)
	if err != nil {
		return false, domain.Invalid("address", "not base58")
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, domain.Invalid("address", fmt.Sprintf("expected %d byte key, got %d", ed25519.PublicKeySize, len(pub)))
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, domain.Invalid("signature", "not base64")
	}
	if len(sig) != ed25519.SignatureSize {
		return false, domain.Invalid("signature", "wrong length")
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(message), sig), nil
}

func isEd25519Address(address string) bool {
	pub, err := base58.Decode(address)
	return err == nil && len(pub) == ed25519.PublicKeySize
}
