package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidToken indicates a malformed token or a bad signature.
	ErrInvalidToken = errors.New("crypto: invalid token")
	// ErrTokenExpired indicates a well-signed token past its expiry.
	ErrTokenExpired = errors.New("crypto: token expired")
)

// TokenClaims is the signed body of a bearer token.
type TokenClaims struct {
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	KeyID     string `json:"kid,omitempty"`
}

// IssueToken signs a bearer token for subject valid for ttl. The token is
// base64url(claims) "." base64url(signature).
func IssueToken(privateKey ed25519.PrivateKey, subject string, ttl time.Duration, now time.Time) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("token subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	if len(privateKey) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}

	claims := TokenClaims{
		Subject:   subject,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
		KeyID:     KeyID(privateKey.Public().(ed25519.PublicKey)),
	}
	body, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode token claims: %w", err)
	}

	signature, err := Sign(privateKey, body)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}

// TokenVerifier checks bearer tokens against one issuer public key.
type TokenVerifier struct {
	publicKey ed25519.PublicKey
	now       func() time.Time
}

// NewTokenVerifier builds a verifier for tokens signed by publicKey.
func NewTokenVerifier(publicKey ed25519.PublicKey) (*TokenVerifier, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid Ed25519 public key length: got %d want %d", len(publicKey), ed25519.PublicKeySize)
	}
	return &TokenVerifier{
		publicKey: append(ed25519.PublicKey(nil), publicKey...),
		now:       time.Now,
	}, nil
}

// Verify checks the token signature and expiry and returns its claims.
func (v *TokenVerifier) Verify(token string) (TokenClaims, error) {
	encodedBody, encodedSignature, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || encodedBody == "" || encodedSignature == "" {
		return TokenClaims{}, ErrInvalidToken
	}

	body, err := base64.RawURLEncoding.DecodeString(encodedBody)
	if err != nil {
		return TokenClaims{}, fmt.Errorf("%w: decode claims: %v", ErrInvalidToken, err)
	}
	signature, err := base64.RawURLEncoding.DecodeString(encodedSignature)
	if err != nil {
		return TokenClaims{}, fmt.Errorf("%w: decode signature: %v", ErrInvalidToken, err)
	}
	if !Verify(v.publicKey, body, signature) {
		return TokenClaims{}, fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}

	var claims TokenClaims
	if err := json.Unmarshal(body, &claims); err != nil {
		return TokenClaims{}, fmt.Errorf("%w: parse claims: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return TokenClaims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if claims.ExpiresAt <= v.now().Unix() {
		return TokenClaims{}, ErrTokenExpired
	}

	return claims, nil
}
