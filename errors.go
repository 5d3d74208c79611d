package portalauth

import (
	"errors"
	"time"
)

// ErrorCode is the stable, machine-readable classification carried by every
// error returned from a protocol operation.
type ErrorCode string

const (
	CodeMissingFields      ErrorCode = "MISSING_FIELDS"
	CodeInvalidRole        ErrorCode = "INVALID_ROLE"
	CodeInvalidIdentifier  ErrorCode = "INVALID_IDENTIFIER"
	CodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	CodeAccountDeactivated ErrorCode = "ACCOUNT_DEACTIVATED"
	CodeAccountLocked      ErrorCode = "ACCOUNT_LOCKED"
	CodeInvalidAuthState   ErrorCode = "INVALID_AUTH_STATE"
	CodeInvalidTOTP        ErrorCode = "INVALID_TOTP"
	CodeOTPExpired         ErrorCode = "OTP_EXPIRED"
	CodeInvalidOTP         ErrorCode = "INVALID_OTP"
	CodeInvalidAuthCode    ErrorCode = "INVALID_AUTH_CODE"
	CodeIPNotAuthorized    ErrorCode = "IP_NOT_AUTHORIZED"
	CodeDuplicate          ErrorCode = "DUPLICATE_ERROR"
	CodeWeakPassword       ErrorCode = "WEAK_PASSWORD"
	CodeTermsNotAccepted   ErrorCode = "TERMS_NOT_ACCEPTED"
	CodeEmailNotAllowed    ErrorCode = "EMAIL_NOT_ALLOWED"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeInvalidToken       ErrorCode = "INVALID_TOKEN"
	CodeServerError        ErrorCode = "SERVER_ERROR"
)

// Error is the error type returned by Engine operations.
//
// Two *Error values match under errors.Is when their codes are equal, so
// callers compare against the exported sentinels while the returned value
// still carries per-call detail such as Remaining or LockedUntil.
type Error struct {
	Code        ErrorCode
	Message     string
	Remaining   int
	LockedUntil time.Time

	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Code) + ": " + e.Message
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// Unwrap returns the underlying cause, if any. Causes are never exposed
// through Message.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

var (
	// ErrMissingFields is returned when a required input is empty or malformed.
	ErrMissingFields = &Error{Code: CodeMissingFields, Message: "required fields are missing"}
	// ErrInvalidRole is returned for a role outside the closed role set.
	ErrInvalidRole = &Error{Code: CodeInvalidRole, Message: "invalid role"}
	// ErrInvalidIdentifier is returned when a service identifier does not match its role's format.
	ErrInvalidIdentifier = &Error{Code: CodeInvalidIdentifier, Message: "identifier format is invalid for this role"}
	// ErrInvalidCredentials is the generic identity/credential failure.
	ErrInvalidCredentials = &Error{Code: CodeInvalidCredentials, Message: "invalid credentials"}
	// ErrAccountDeactivated is returned once a deactivated user proved their password.
	ErrAccountDeactivated = &Error{Code: CodeAccountDeactivated, Message: "account is deactivated"}
	// ErrAccountLocked is returned while lockout-until lies in the future.
	ErrAccountLocked = &Error{Code: CodeAccountLocked, Message: "account is temporarily locked"}
	// ErrInvalidAuthState is returned when a challenge is missing, expired, spent or at the wrong stage.
	ErrInvalidAuthState = &Error{Code: CodeInvalidAuthState, Message: "authentication state is invalid or expired, restart the flow"}
	// ErrInvalidTOTP is returned for a rejected authenticator code.
	ErrInvalidTOTP = &Error{Code: CodeInvalidTOTP, Message: "invalid authenticator code"}
	// ErrOTPExpired is returned when no live one-time code exists for the email and purpose.
	ErrOTPExpired = &Error{Code: CodeOTPExpired, Message: "verification code expired or already used"}
	// ErrInvalidOTP is returned for a wrong one-time code.
	ErrInvalidOTP = &Error{Code: CodeInvalidOTP, Message: "invalid verification code"}
	// ErrInvalidAuthCode is returned by the exchange for unknown, used or expired codes.
	ErrInvalidAuthCode = &Error{Code: CodeInvalidAuthCode, Message: "invalid or expired authorization code"}
	// ErrIPNotAuthorized is returned when a privileged role registers from outside its allow-list.
	ErrIPNotAuthorized = &Error{Code: CodeIPNotAuthorized, Message: "network address is not authorized for this role"}
	// ErrDuplicate is returned on email or (role, identifier) collisions.
	ErrDuplicate = &Error{Code: CodeDuplicate, Message: "an account with these details already exists"}
	// ErrWeakPassword is returned when a password fails the configured policy.
	ErrWeakPassword = &Error{Code: CodeWeakPassword, Message: "password does not meet the password policy"}
	// ErrTermsNotAccepted is returned when registration terms were not accepted.
	ErrTermsNotAccepted = &Error{Code: CodeTermsNotAccepted, Message: "terms of use must be accepted"}
	// ErrEmailNotAllowed is returned when the email domain is not permitted for the role.
	ErrEmailNotAllowed = &Error{Code: CodeEmailNotAllowed, Message: "email domain is not permitted for this role"}
	// ErrRateLimited is returned when a shared throttle denies the request.
	ErrRateLimited = &Error{Code: CodeRateLimited, Message: "too many requests, try again later"}
	// ErrInvalidToken is returned for rejected access or refresh tokens.
	ErrInvalidToken = &Error{Code: CodeInvalidToken, Message: "invalid or expired token"}
	// ErrServerError is the boundary error for every unexpected failure.
	ErrServerError = &Error{Code: CodeServerError, Message: "internal server error"}
)

var (
	// ErrEngineNotReady is returned when an Engine method is called on a nil or unbuilt engine.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrUserNotFound is returned by UserStore implementations when no row matches.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned by UserStore.Create on an email or (role, identifier) collision.
	ErrUserExists = errors.New("user already exists")
	// ErrRefreshRecordNotFound is returned by RefreshTokenStore implementations when no record matches.
	ErrRefreshRecordNotFound = errors.New("refresh token record not found")
)

func invalidCredentials(remaining int) *Error {
	return &Error{Code: CodeInvalidCredentials, Message: ErrInvalidCredentials.Message, Remaining: remaining}
}

func accountLocked(until time.Time) *Error {
	return &Error{Code: CodeAccountLocked, Message: ErrAccountLocked.Message, LockedUntil: until.UTC()}
}

func detailed(base *Error, message string) *Error {
	return &Error{Code: base.Code, Message: message}
}

func serverError(cause error) *Error {
	return &Error{Code: CodeServerError, Message: ErrServerError.Message, cause: cause}
}

// CodeOf returns the taxonomy code for err. Anything that is not an *Error
// maps to SERVER_ERROR.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeServerError
}

// AsError converts err into an *Error suitable for returning to a caller.
// Unclassified errors become SERVER_ERROR with the cause retained for logging.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return serverError(err)
}
