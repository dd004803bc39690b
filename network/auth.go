package network

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"campuschat/crypto"
)

// DefaultTrustedUserHeader is the header an authenticating proxy sets.
const DefaultTrustedUserHeader = "X-Authenticated-User"

// Authenticator resolves the identity behind an HTTP request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// TokenAuthenticator accepts signed bearer tokens from the Authorization
// header or, for browser websockets that cannot set headers, a token query
// parameter.
type TokenAuthenticator struct {
	verifier *crypto.TokenVerifier
}

// NewTokenAuthenticator builds an authenticator around verifier.
func NewTokenAuthenticator(verifier *crypto.TokenVerifier) (*TokenAuthenticator, error) {
	if verifier == nil {
		return nil, errors.New("network: token verifier is required")
	}
	return &TokenAuthenticator{verifier: verifier}, nil
}

// Authenticate returns the token subject.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		return "", ErrUnauthenticated
	}

	claims, err := a.verifier.Verify(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return claims.Subject, nil
}

func bearerToken(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// HeaderAuthenticator trusts a header set by an authenticating reverse
// proxy. Only use it when clients cannot reach the server directly.
type HeaderAuthenticator struct {
	Header string
}

// Authenticate returns the header value.
func (a HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	header := a.Header
	if header == "" {
		header = DefaultTrustedUserHeader
	}
	user := strings.TrimSpace(r.Header.Get(header))
	if user == "" {
		return "", ErrUnauthenticated
	}
	return user, nil
}
