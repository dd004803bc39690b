package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// tokenSigningContext separates token signatures from any other use of the
// issuer key.
const tokenSigningContext = "campuschat-token-v1\x00"

// Sign signs data using an Ed25519 private key under the token context.
func Sign(privateKey ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}

	return ed25519.Sign(privateKey, withContext(data)), nil
}

// Verify verifies a signature produced by Sign.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(data) == 0 {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(publicKey, withContext(data), signature)
}

func withContext(data []byte) []byte {
	out := make([]byte, 0, len(tokenSigningContext)+len(data))
	out = append(out, tokenSigningContext...)
	return append(out, data...)
}
