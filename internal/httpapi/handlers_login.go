package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MrEthical07/portalauth"
)

type stepResponse struct {
	NextStep       string   `json:"nextStep"`
	MFARequired    bool     `json:"mfaRequired,omitempty"`
	AllowedMethods []string `json:"allowedMethods,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

type dispatchResponse struct {
	Message   string `json:"message"`
	ExpiresIn int64  `json:"expiresIn"`
}

type authorizationResponse struct {
	RedirectURL string `json:"redirect_url"`
	Code        string `json:"code"`
	ExpiresIn   int64  `json:"expires_in"`
}

func stepBody(res *portalauth.StepResult) stepResponse {
	return stepResponse{
		NextStep:       res.NextStep,
		MFARequired:    res.MFARequired,
		AllowedMethods: res.AllowedMethods,
		Warnings:       res.Warnings,
	}
}

func authorizationBody(res *portalauth.Authorization) authorizationResponse {
	return authorizationResponse{
		RedirectURL: res.RedirectURL,
		Code:        res.Code,
		ExpiresIn:   seconds(res.ExpiresIn),
	}
}

// failFlow writes err and drops the flow cookie when the flow cannot go on.
func (a *API) failFlow(w http.ResponseWriter, r *http.Request, cookie string, err error) {
	if errors.Is(err, portalauth.ErrInvalidAuthState) || errors.Is(err, portalauth.ErrAccountLocked) {
		a.clearCookie(w, cookie)
	}
	a.fail(w, r, err)
}

func (a *API) handleLoginIdentity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role       string `json:"role"`
		Identifier string `json:"identifier"`
		Email      string `json:"email"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	res, err := a.auth.BeginLogin(r.Context(), portalauth.LoginIdentity{
		Role:       req.Role,
		Identifier: req.Identifier,
		Email:      req.Email,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.setCookie(w, loginChallengeCookie, res.Challenge, res.ExpiresAt)
	writeJSON(w, http.StatusOK, stepBody(res))
}

func (a *API) handleLoginPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	res, err := a.auth.VerifyLoginPassword(r.Context(), cookieValue(r, loginChallengeCookie), req.Password)
	if err != nil {
		a.failFlow(w, r, loginChallengeCookie, err)
		return
	}
	a.setCookie(w, loginChallengeCookie, res.Challenge, res.ExpiresAt)
	writeJSON(w, http.StatusOK, stepBody(res))
}

func (a *API) handleLoginMFA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string `json:"method"`
		Code   string `json:"code"`
		Action string `json:"action"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	challenge := cookieValue(r, loginChallengeCookie)

	if strings.EqualFold(req.Action, "send_otp") {
		res, err := a.auth.SendLoginOTP(r.Context(), challenge)
		if err != nil {
			a.failFlow(w, r, loginChallengeCookie, err)
			return
		}
		if res.Challenge != "" {
			a.setCookie(w, loginChallengeCookie, res.Challenge, res.ExpiresAt)
		}
		writeJSON(w, http.StatusOK, dispatchResponse{Message: res.Message, ExpiresIn: seconds(res.ExpiresIn)})
		return
	}

	res, err := a.auth.VerifyLoginMFA(r.Context(), challenge, req.Method, req.Code)
	if err != nil {
		a.failFlow(w, r, loginChallengeCookie, err)
		return
	}
	a.clearCookie(w, loginChallengeCookie)
	writeJSON(w, http.StatusOK, authorizationBody(res))
}
