// Package auth implements inbound credential authentication for the relay
// gateway. Credentials are static entries from configuration, presented via
// the X-API-Key header or an Authorization bearer token.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	gateway "github.com/relaymux/relay/internal"
)

// Credential is one accepted inbound key and the user it identifies.
type Credential struct {
	Key    string
	UserID string
}

// Authenticator resolves an HTTP request to a caller identity.
type Authenticator interface {
	Authenticate(r *http.Request) (*gateway.Identity, error)
}

// Static authenticates against a fixed credential list. Comparison is
// constant-time per candidate so timing does not leak key prefixes.
type Static struct {
	creds []Credential
}

// NewStatic returns an authenticator over the given credentials.
func NewStatic(creds []Credential) *Static {
	return &Static{creds: creds}
}

// Authenticate extracts the presented key and matches it against the
// credential list. A missing or unknown key yields ErrUnauthorized.
func (s *Static) Authenticate(r *http.Request) (*gateway.Identity, error) {
	key := presentedKey(r)
	if key == "" {
		return nil, gateway.ErrUnauthorized
	}
	for _, c := range s.creds {
		if subtle.ConstantTimeCompare([]byte(c.Key), []byte(key)) == 1 {
			return &gateway.Identity{UserID: c.UserID, Key: c.Key}, nil
		}
	}
	return nil, gateway.ErrUnauthorized
}

// presentedKey returns the credential from X-API-Key, falling back to a
// bearer token.
func presentedKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	authz := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authz, "Bearer "); ok {
		return token
	}
	return ""
}
