package middleware

import (
	"net/http"

	"github.com/MrEthical07/portalauth"
)

// RequireRole must run after Guard. It answers 403 when the token role is
// not one of roles.
func RequireRole(roles ...portalauth.Role) func(http.Handler) http.Handler {
	allowed := make(map[portalauth.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				unauthorized(w)
				return
			}
			if !allowed[claims.Role] {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
