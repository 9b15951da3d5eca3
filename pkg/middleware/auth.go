// Bearer-token auth helpers. When no token is configured the proxy is
// open and every check passes.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuthorized reports whether the request carries the configured
// bearer token. An empty configured token means open access.
func BearerAuthorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	return TokenMatches(strings.TrimPrefix(header, prefix), token)
}

// TokenMatches compares a presented token against the configured one in
// constant time.
func TokenMatches(presented, token string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}
