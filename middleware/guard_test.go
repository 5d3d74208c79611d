package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrEthical07/portalauth"
)

type stubValidator map[string]*portalauth.AccessClaims

func (s stubValidator) ValidateAccess(_ context.Context, token string) (*portalauth.AccessClaims, error) {
	if c, ok := s[token]; ok {
		return c, nil
	}
	return nil, errors.New("invalid")
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ClaimsFromContext(r.Context()); !ok {
			t.Fatal("expected claims in context")
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestGuard(t *testing.T) {
	v := stubValidator{
		"good":  {UserID: "u1", Role: portalauth.RolePersonnel},
		"admin": {UserID: "u2", Role: portalauth.RoleAdmin},
	}

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic Zm9vOmJhcg==", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"invalid token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer good", http.StatusNoContent},
		{"lowercase scheme", "bearer good", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			Guard(v)(okHandler(t)).ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	v := stubValidator{
		"good":  {UserID: "u1", Role: portalauth.RolePersonnel},
		"admin": {UserID: "u2", Role: portalauth.RoleAdmin},
	}
	h := Guard(v)(RequireRole(portalauth.RoleAdmin)(okHandler(t)))

	for token, want := range map[string]int{"good": http.StatusForbidden, "admin": http.StatusNoContent} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("%s: expected %d, got %d", token, want, rr.Code)
		}
	}
}
