package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/MrEthical07/portalauth"
)

// Validator verifies access tokens. *portalauth.Engine implements it.
type Validator interface {
	ValidateAccess(ctx context.Context, accessToken string) (*portalauth.AccessClaims, error)
}

type claimsContextKey struct{}

// ClaimsFromContext returns the claims injected by Guard.
func ClaimsFromContext(ctx context.Context) (*portalauth.AccessClaims, bool) {
	c, ok := ctx.Value(claimsContextKey{}).(*portalauth.AccessClaims)
	return c, ok
}

// WithClaims returns ctx carrying c.
func WithClaims(ctx context.Context, c *portalauth.AccessClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, c)
}

func Guard(v Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				unauthorized(w)
				return
			}

			token, ok := BearerToken(r.Header.Get("Authorization"))
			if !ok {
				unauthorized(w)
				return
			}

			claims, err := v.ValidateAccess(r.Context(), token)
			if err != nil {
				unauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="portal"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
