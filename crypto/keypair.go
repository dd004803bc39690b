package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	issuerPrivatePEMType = "CAMPUSCHAT ISSUER PRIVATE KEY"
	issuerPublicPEMType  = "CAMPUSCHAT ISSUER PUBLIC KEY"
)

// EnsureIssuerKeyPair loads the token issuer keypair from disk, generating
// it on first run.
func EnsureIssuerKeyPair(privatePath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	privateKey, err := LoadIssuerPrivateKey(privatePath)
	if err == nil {
		publicKey := privateKey.Public().(ed25519.PublicKey)

		storedPublic, pubErr := LoadIssuerPublicKey(publicPath)
		if pubErr != nil || !bytes.Equal(storedPublic, publicKey) {
			if err := SaveIssuerPublicKey(publicPath, publicKey); err != nil {
				return nil, nil, err
			}
		}

		return privateKey, publicKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate issuer keypair: %w", err)
	}

	if err := SaveIssuerPrivateKey(privatePath, privateKey); err != nil {
		return nil, nil, err
	}
	if err := SaveIssuerPublicKey(publicPath, publicKey); err != nil {
		return nil, nil, err
	}

	return privateKey, publicKey, nil
}

// LoadIssuerPrivateKey loads the issuer private key from a PEM file.
func LoadIssuerPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := readPEM(path, issuerPrivatePEMType, ed25519.PrivateKeySize)
	if err != nil {
		return nil, fmt.Errorf("load issuer private key: %w", err)
	}
	return ed25519.PrivateKey(raw), nil
}

// LoadIssuerPublicKey loads the issuer public key from a PEM file. Servers
// that only verify tokens need nothing else.
func LoadIssuerPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := readPEM(path, issuerPublicPEMType, ed25519.PublicKeySize)
	if err != nil {
		return nil, fmt.Errorf("load issuer public key: %w", err)
	}
	return ed25519.PublicKey(raw), nil
}

// SaveIssuerPrivateKey writes the issuer private key with 0600 permissions.
func SaveIssuerPrivateKey(path string, key ed25519.PrivateKey) error {
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("save issuer private key: invalid key size %d", len(key))
	}
	return writePEM(path, issuerPrivatePEMType, key, 0o600)
}

// SaveIssuerPublicKey writes the issuer public key.
func SaveIssuerPublicKey(path string, key ed25519.PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("save issuer public key: invalid key size %d", len(key))
	}
	return writePEM(path, issuerPublicPEMType, key, 0o644)
}

// KeyID returns a short stable identifier of a public key, carried in tokens
// so a verifier can tell which issuer key signed them.
func KeyID(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:8])
}

func readPEM(path, blockType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	if block.Type != blockType {
		return nil, fmt.Errorf("unexpected PEM type %q", block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("invalid key size %d", len(block.Bytes))
	}
	return block.Bytes, nil
}

func writePEM(path, blockType string, key []byte, perm os.FileMode) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create key directory: %w", err)
		}
	}

	block := &pem.Block{
		Type:  blockType,
		Bytes: key,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), perm); err != nil {
		return fmt.Errorf("write %s: %w", blockType, err)
	}
	return nil
}
