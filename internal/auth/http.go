package auth

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type principalKey struct{}

func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFrom returns the authenticated principal, or "" when the request
// was not authenticated.
func PrincipalFrom(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}

// TokenFromRequest reads a bearer token from the Authorization header, falling
// back to the token query parameter that browser websocket clients use.
func TokenFromRequest(r *http.Request) (string, string) {
	if h := r.Header.Get("Authorization"); h != "" {
		if !strings.HasPrefix(h, "Bearer ") {
			return "", "invalid authorization header format"
		}
		tok := strings.TrimPrefix(h, "Bearer ")
		if tok == "" {
			return "", "empty token"
		}
		return tok, ""
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, ""
	}
	return "", "missing authorization header"
}

// Middleware rejects requests without a valid token. A nil verifier disables
// the check.
func Middleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if verifier == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, errMsg := TokenFromRequest(r)
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}
			principal, err := verifier.Verify(tok)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// Guard protects an endpoint: with a verifier it requires a token, without
// one it only admits loopback clients.
func Guard(verifier TokenVerifier) func(http.Handler) http.Handler {
	if verifier != nil {
		return Middleware(verifier)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IsLoopbackRemote(r.RemoteAddr) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func IsLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
