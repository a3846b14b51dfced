// Package auth carries the caller identity established by bearer API keys.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// Principal identifies an authenticated caller. The raw key is never kept;
// KeyID is a short fingerprint that is safe to log.
type Principal struct {
	KeyID string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

// ParseBearer extracts the token from an Authorization header. The scheme is
// matched case-insensitively.
func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(authz, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

// Authenticate checks token against every configured key in constant time.
func Authenticate(keys map[string]struct{}, token string) (*Principal, bool) {
	matched := 0
	for key := range keys {
		matched |= subtle.ConstantTimeCompare([]byte(key), []byte(token))
	}
	if matched != 1 {
		return nil, false
	}
	return &Principal{KeyID: KeyID(token)}, true
}

// KeyID returns the first eight hex characters of the key's SHA-256.
func KeyID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}
