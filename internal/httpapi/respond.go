package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MrEthical07/portalauth"
)

var errBadJSON = &portalauth.Error{Code: portalauth.CodeMissingFields, Message: "request body is not valid JSON"}

type errorBody struct {
	Code              portalauth.ErrorCode `json:"code"`
	Message           string               `json:"message"`
	RemainingAttempts *int                 `json:"remaining_attempts,omitempty"`
	LockedUntil       *time.Time           `json:"locked_until,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(code portalauth.ErrorCode) int {
	switch code {
	case portalauth.CodeMissingFields, portalauth.CodeInvalidRole, portalauth.CodeInvalidIdentifier,
		portalauth.CodeWeakPassword, portalauth.CodeTermsNotAccepted:
		return http.StatusBadRequest
	case portalauth.CodeInvalidCredentials, portalauth.CodeInvalidAuthState, portalauth.CodeInvalidTOTP,
		portalauth.CodeOTPExpired, portalauth.CodeInvalidOTP, portalauth.CodeInvalidAuthCode,
		portalauth.CodeInvalidToken:
		return http.StatusUnauthorized
	case portalauth.CodeAccountDeactivated, portalauth.CodeIPNotAuthorized, portalauth.CodeEmailNotAllowed:
		return http.StatusForbidden
	case portalauth.CodeDuplicate:
		return http.StatusConflict
	case portalauth.CodeAccountLocked:
		return http.StatusLocked
	case portalauth.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"error":{...}}. Unclassified errors become
// SERVER_ERROR and their cause is never written.
func writeError(w http.ResponseWriter, err error) {
	e := portalauth.AsError(err)
	body := errorBody{Code: e.Code, Message: e.Message}
	if e.Code == portalauth.CodeServerError {
		body.Message = portalauth.ErrServerError.Message
	}
	if e.Code == portalauth.CodeInvalidCredentials && e.Remaining > 0 {
		n := e.Remaining
		body.RemainingAttempts = &n
	}
	if e.Code == portalauth.CodeAccountLocked && !e.LockedUntil.IsZero() {
		t := e.LockedUntil
		body.LockedUntil = &t
	}
	writeJSON(w, statusFor(e.Code), map[string]any{"error": body})
}

// fail logs server errors with their cause and writes the response.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	if portalauth.CodeOf(err) == portalauth.CodeServerError {
		a.log.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, err)
}

// decodeJSON reads exactly one JSON object. An empty body decodes to the
// zero value when allowEmpty is set.
func decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &portalauth.Error{Code: portalauth.CodeMissingFields, Message: "request body too large"}
		}
		return errBadJSON
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errBadJSON
	}
	return nil
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
