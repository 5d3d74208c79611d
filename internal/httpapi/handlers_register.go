package httpapi

import (
	"net/http"
	"strings"

	"github.com/MrEthical07/portalauth"
)

func (a *API) handleRegisterIdentity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action   string `json:"action"`
		Email    string `json:"email"`
		FullName string `json:"full_name"`
		Mobile   string `json:"mobile"`
		Code     string `json:"email_verification_code"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	if strings.EqualFold(req.Action, "send_verification") {
		res, err := a.auth.SendRegistrationCode(r.Context(), req.Email)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, dispatchResponse{Message: res.Message, ExpiresIn: seconds(res.ExpiresIn)})
		return
	}

	res, err := a.auth.ConfirmRegistrationIdentity(r.Context(), portalauth.RegistrationIdentity{
		Email:    req.Email,
		FullName: req.FullName,
		Mobile:   req.Mobile,
		Code:     req.Code,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.setCookie(w, registrationChallengeCookie, res.Challenge, res.ExpiresAt)
	writeJSON(w, http.StatusOK, stepBody(res))
}

func (a *API) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role       string `json:"role"`
		Identifier string `json:"identifier"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	res, err := a.auth.SubmitRegistrationService(r.Context(), cookieValue(r, registrationChallengeCookie), req.Role, req.Identifier)
	if err != nil {
		a.failFlow(w, r, registrationChallengeCookie, err)
		return
	}
	a.setCookie(w, registrationChallengeCookie, res.Challenge, res.ExpiresAt)
	writeJSON(w, http.StatusOK, stepBody(res))
}

func (a *API) handleRegisterSecurity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password      string `json:"password"`
		MFAMethod     string `json:"mfa_method"`
		TermsAccepted bool   `json:"terms_accepted"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	res, err := a.auth.SubmitRegistrationSecurity(r.Context(), cookieValue(r, registrationChallengeCookie), portalauth.RegistrationSecurity{
		Password:      req.Password,
		MFAMethod:     req.MFAMethod,
		TermsAccepted: req.TermsAccepted,
	})
	if err != nil {
		a.failFlow(w, r, registrationChallengeCookie, err)
		return
	}
	a.setCookie(w, registrationChallengeCookie, res.Challenge, res.ExpiresAt)
	writeJSON(w, http.StatusOK, stepBody(res))
}

type enrollmentResponse struct {
	Secret      string   `json:"secret"`
	URI         string   `json:"otpauth_uri"`
	BackupCodes []string `json:"backup_codes"`
}

// handleRegisterActivate dispatches on action: generate_totp, send_otp, or
// (default) verification of the submitted code.
func (a *API) handleRegisterActivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
		Code   string `json:"code"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	challenge := cookieValue(r, registrationChallengeCookie)

	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "generate_totp":
		res, err := a.auth.BeginTOTPActivation(r.Context(), challenge)
		if err != nil {
			a.failFlow(w, r, registrationChallengeCookie, err)
			return
		}
		a.setCookie(w, registrationChallengeCookie, res.Challenge, res.ExpiresAt)
		writeJSON(w, http.StatusOK, enrollmentResponse{Secret: res.Secret, URI: res.URI, BackupCodes: res.BackupCodes})
	case "send_otp":
		res, err := a.auth.SendActivationOTP(r.Context(), challenge)
		if err != nil {
			a.failFlow(w, r, registrationChallengeCookie, err)
			return
		}
		if res.Challenge != "" {
			a.setCookie(w, registrationChallengeCookie, res.Challenge, res.ExpiresAt)
		}
		writeJSON(w, http.StatusOK, dispatchResponse{Message: res.Message, ExpiresIn: seconds(res.ExpiresIn)})
	case "", "verify":
		res, err := a.auth.CompleteActivation(r.Context(), challenge, req.Code)
		if err != nil {
			a.failFlow(w, r, registrationChallengeCookie, err)
			return
		}
		a.clearCookie(w, registrationChallengeCookie)
		writeJSON(w, http.StatusOK, authorizationBody(res))
	default:
		writeError(w, &portalauth.Error{Code: portalauth.CodeMissingFields, Message: "unknown action"})
	}
}
