// Package signature verifies that a wallet signature proves control of an address.
//
// Verification fails closed: malformed input yields false, never an error
// that could be mistaken for success.
package signature

import (
	"strings"

	"github.com/questhub-engine/internal/domain"
)

// Verifier checks wallet signatures for a chain family
type Verifier interface {
	Verify(chain domain.ChainFamily, message, signature, address string) bool
}

// Default verifies EVM personal_sign and Ed25519 detached signatures.
type Default struct{}

// Verify implements Verifier.
func (Default) Verify(chain domain.ChainFamily, message, signature, address string) bool {
	ok, _ := VerifyWalletSignature(chain, message, signature, address)
	return ok
}

// VerifyWalletSignature reports whether signature over message was produced by
// the key controlling address. Decode and format problems return false with a
// descriptive error for logging; callers must only trust the boolean.
func VerifyWalletSignature(chain domain.ChainFamily, message, signature, address string) (bool, error) {
	address = strings.TrimSpace(address)
	signature = strings.TrimSpace(signature)
	if message == "" || signature == "" || address == "" {
		return false, domain.Invalid("signature", "message, signature and address are required")
	}
	switch chain {
	case domain.ChainEVM:
		return verifyEVM(message, signature, address)
	case domain.ChainEd25519:
		return verifyEd25519(message, signature, address)
	}
	return false, domain.Invalid("chain", "unsupported chain family "+string(chain))
}

// ValidAddress reports whether address is well formed for chain.
func ValidAddress(chain domain.ChainFamily, address string) bool {
	switch chain {
	case domain.ChainEVM:
		return isEVMAddress(strings.TrimSpace(address))
	case domain.ChainEd25519:
		return isEd25519Address(strings.TrimSpace(address))
	}
	return false
}
