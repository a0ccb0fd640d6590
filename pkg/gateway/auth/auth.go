// Package auth validates session credentials. A live session may present
// its API key either in the Authorization header during the upgrade or in
// the hello frame, so key matching is shared between the HTTP middleware
// and the websocket handshake.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// Source records which surface supplied the credential.
type Source string

const (
	SourceHeader Source = "header"
	SourceHello  Source = "hello"
)

// Principal is an authenticated caller.
type Principal struct {
	APIKey string
	Source Source
}

// Keyring is the set of accepted API keys.
type Keyring map[string]struct{}

// Add registers a key. Empty keys are ignored.
func (k Keyring) Add(key string) {
	if key == "" {
		return
	}
	k[key] = struct{}{}
}

// Allow reports whether token is an accepted key.
func (k Keyring) Allow(token string) bool {
	if token == "" {
		return false
	}
	_, ok := k[token]
	return ok
}

// Authenticate checks token against the ring and builds the principal.
func (k Keyring) Authenticate(token string, src Source) (*Principal, bool) {
	if !k.Allow(token) {
		return nil, false
	}
	return &Principal{APIKey: token, Source: src}, true
}

// BearerToken extracts the bearer token from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

type ctxKey struct{}

// WithPrincipal stores the principal on the request context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PrincipalFrom retrieves the principal, if the request authenticated.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}
