package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MrEthical07/portalauth"
	"github.com/MrEthical07/portalauth/middleware"
)

type tokenResponse struct {
	AccessToken  string             `json:"access_token"`
	RefreshToken string             `json:"refresh_token"`
	TokenType    string             `json:"token_type"`
	ExpiresIn    int64              `json:"expires_in"`
	User         portalauth.Profile `json:"user"`
}

func (a *API) writeTokens(w http.ResponseWriter, set *portalauth.TokenSet) {
	a.setCookie(w, refreshTokenCookie, set.RefreshToken, time.Now().Add(a.opts.RefreshTTL))
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  set.AccessToken,
		RefreshToken: set.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    seconds(set.ExpiresIn),
		User:         set.User,
	})
}

func (a *API) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	set, err := a.auth.ExchangeCode(r.Context(), req.Code)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeTokens(w, set)
}

// refreshTokenFrom prefers the body over the cookie.
func refreshTokenFrom(r *http.Request, body string) string {
	if t := strings.TrimSpace(body); t != "" {
		return t
	}
	return cookieValue(r, refreshTokenCookie)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, err)
		return
	}

	set, err := a.auth.Refresh(r.Context(), refreshTokenFrom(r, req.RefreshToken))
	if err != nil {
		if portalauth.CodeOf(err) == portalauth.CodeInvalidToken {
			a.clearCookie(w, refreshTokenCookie)
		}
		a.fail(w, r, err)
		return
	}
	a.writeTokens(w, set)
}

// handleLogout revokes every refresh token of the caller. The caller is
// identified by a bearer access token or, failing that, by a refresh token.
// Cookies are cleared regardless of the outcome.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, err)
		return
	}

	a.clearCookie(w, refreshTokenCookie)
	a.clearCookie(w, loginChallengeCookie)
	a.clearCookie(w, registrationChallengeCookie)

	var err error
	if bearer, ok := middleware.BearerToken(r.Header.Get("Authorization")); ok {
		var claims *portalauth.AccessClaims
		claims, err = a.auth.ValidateAccess(r.Context(), bearer)
		if err == nil {
			err = a.auth.Logout(r.Context(), claims.UserID)
		}
	} else {
		err = a.auth.LogoutWithRefresh(r.Context(), refreshTokenFrom(r, req.RefreshToken))
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, portalauth.ErrInvalidToken)
		return
	}
	p, err := a.auth.Profile(r.Context(), claims.UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	if req.Active == nil {
		writeError(w, portalauth.ErrMissingFields)
		return
	}

	id := r.PathValue("id")
	if err := a.auth.SetUserActive(r.Context(), id, *req.Active); err != nil {
		a.failAdmin(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": *req.Active})
}

func (a *API) handleUnlock(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.auth.UnlockUser(r.Context(), id); err != nil {
		a.failAdmin(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "unlocked": true})
}

func (a *API) failAdmin(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, portalauth.ErrUserNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": errorBody{Code: "NOT_FOUND", Message: "user not found"},
		})
		return
	}
	a.fail(w, r, err)
}
