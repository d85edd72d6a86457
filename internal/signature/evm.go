package signature

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/questhub-engine/internal/domain"
	"golang.org/x/crypto/sha3"
)

const evmSignatureLen = 65

// personalSignHash is keccak256 of the EIP-191 prefixed message.
func personalSignHash(message string) []byte {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return h.Sum(nil)
}

// addressFromPubKey derives the 0x-prefixed lower-case address of a public key.
func addressFromPubKey(pub *secp256k1.PublicKey) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub.SerializeUncompressed()[1:])
	return "0x" + hex.EncodeToString(h.Sum(nil)[12:])
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}

func verifyEVM(message, signature, address string) (bool, error) {
	if !isEVMAddress(address) {
		return false, domain.Invalid("address", "not a 20-byte hex address")
	}
	sig, err := decodeHex(signature)
	if err != nil {
		return false, domain.Invalid("signature", "not hex")
	}
	if len(sig) != evmSignatureLen {
		return false, domain.Invalid("signature", fmt.Sprintf("expected %d bytes, got %d", evmSignatureLen, len(sig)))
	}

	// [R || S || V] -> [V || R || S] with V in the 27/28 range.
	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return false, domain.Invalid("signature", "bad recovery id")
	}
	compact := make([]byte, evmSignatureLen)
	compact[0] = 27 + v
	copy(compact[1:], sig[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, personalSignHash(message))
	if err != nil {
		return false, fmt.Errorf("recovering public key: %w", err)
	}
	return strings.EqualFold(addressFromPubKey(pub), address), nil
}

func isEVMAddress(address string) bool {
	if !strings.HasPrefix(address, "0x") && !strings.HasPrefix(address, "0X") {
		return false
	}
	b, err := decodeHex(address)
	return err == nil && len(b) == 20
}
