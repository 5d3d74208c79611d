package portalauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/portalauth/challenge"
	"github.com/MrEthical07/portalauth/internal"
	"github.com/MrEthical07/portalauth/internal/limiters"
	"github.com/MrEthical07/portalauth/password"
)

// BeginLogin runs the identity step. Every reason a (role, identifier,
// email) triple cannot start a login yields the same INVALID_CREDENTIALS
// error.
func (e *Engine) BeginLogin(ctx context.Context, in LoginIdentity) (*StepResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	identifier := normalizeIdentifier(in.Identifier)
	email := normalizeEmail(in.Email)
	if strings.TrimSpace(in.Role) == "" || identifier == "" || email == "" {
		return nil, e.rejectRequest(ctx, auditEventLoginIdentity, auditFields{}, ErrMissingFields)
	}
	role, ok := ParseRole(in.Role)
	if !ok {
		return nil, e.rejectRequest(ctx, auditEventLoginIdentity, auditFields{}, ErrInvalidRole)
	}

	subject := clientIPFromContext(ctx)
	if subject == "" {
		subject = "unknown"
	}
	if err := e.throttle(ctx, e.identityLimiter, "login_identity", subject, auditFields{role: role}); err != nil {
		return nil, err
	}

	user, err := e.lookupIdentity(ctx, role, identifier, email)
	if err != nil {
		e.metricInc(MetricIdentityFailure)
		e.emitAudit(ctx, auditEventLoginIdentity, false, auditFields{role: role, email: email}, err, nil)
		return nil, err
	}

	token, exp, err := e.challenges.Start(challenge.Claims{
		Flow:   challenge.FlowLogin,
		UserID: user.ID,
		Role:   string(user.Role),
		Email:  user.Email,
	}, e.now())
	if err != nil {
		return nil, serverError(err)
	}

	e.metricInc(MetricIdentitySuccess)
	e.emitAudit(ctx, auditEventLoginIdentity, true, auditFields{userID: user.ID, role: role}, nil, nil)
	return &StepResult{Challenge: token, ExpiresAt: exp, NextStep: "PASSWORD"}, nil
}

func (e *Engine) lookupIdentity(ctx context.Context, role Role, identifier, email string) (*User, error) {
	if !e.identifierAllowed(role, identifier) {
		return nil, ErrInvalidCredentials
	}
	user, err := e.users.FindByRoleIdentifier(ctx, role, identifier)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, serverError(err)
	}
	emailMatch := subtle.ConstantTimeCompare([]byte(normalizeEmail(user.Email)), []byte(email)) == 1
	if !emailMatch || !user.Active || user.LockedAt(e.now()) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// VerifyLoginPassword runs the password step on a challenge at IDENTITY.
//
// A mismatch consumes one attempt atomically. The attempt that reaches
// Lockout.MaxAttempts locks the account, burns the challenge and returns
// ACCOUNT_LOCKED; earlier ones return INVALID_CREDENTIALS with Remaining.
func (e *Engine) VerifyLoginPassword(ctx context.Context, token, pw string) (*StepResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if pw == "" {
		return nil, e.rejectRequest(ctx, auditEventLoginPassword, auditFields{}, ErrMissingFields)
	}

	c, err := e.openChallenge(ctx, token, challenge.FlowLogin, challenge.StageIdentity)
	if err != nil {
		return nil, err
	}
	user, err := e.users.FindByID(ctx, c.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidAuthState
		}
		return nil, serverError(err)
	}
	who := auditFields{userID: user.ID, role: user.Role}

	now := e.now()
	if user.LockedAt(now) {
		e.invalidate(ctx, c)
		e.emitAudit(ctx, auditEventLoginPassword, false, who, ErrAccountLocked, nil)
		return nil, accountLocked(user.LockedUntil)
	}

	start := time.Now()
	ok, err := e.passwordHash.Verify(pw, user.PasswordHash)
	e.metricObserve(MetricPasswordLatency, time.Since(start))
	if err != nil && !errors.Is(err, password.ErrPasswordLength) {
		return nil, serverError(err)
	}

	if !ok {
		return nil, e.passwordMismatch(ctx, c, user, now)
	}

	if !user.Active {
		e.invalidate(ctx, c)
		e.emitAudit(ctx, auditEventLoginPassword, false, who, ErrAccountDeactivated, nil)
		return nil, ErrAccountDeactivated
	}

	c.MFAMethod = string(user.MFAMethod)
	next, exp, err := e.challenges.Advance(c, challenge.StagePassword, now)
	if err != nil {
		return nil, serverError(err)
	}

	allowed := []string{"TOTP"}
	if user.MFAMethod == MFAEmail {
		allowed = []string{"EMAIL"}
	}

	e.metricInc(MetricPasswordSuccess)
	e.emitAudit(ctx, auditEventLoginPassword, true, who, nil, nil)
	return &StepResult{
		Challenge:      next,
		ExpiresAt:      exp,
		NextStep:       "MFA",
		MFARequired:    true,
		AllowedMethods: allowed,
	}, nil
}

func (e *Engine) passwordMismatch(ctx context.Context, c *challenge.Claims, user *User, now time.Time) error {
	who := auditFields{userID: user.ID, role: user.Role}
	limit := e.config.Lockout.MaxAttempts

	state, err := e.users.RecordFailedAttempt(ctx, user.ID, limit, e.config.Lockout.Duration, now)
	if err != nil {
		return serverError(err)
	}
	e.metricInc(MetricPasswordFailure)

	if !state.LockedUntil.IsZero() && now.Before(state.LockedUntil) {
		e.invalidate(ctx, c)
		e.metricInc(MetricAccountLocked)
		e.emitAudit(ctx, auditEventLoginLocked, false, who, ErrAccountLocked, func() map[string]string {
			return map[string]string{"locked_until": state.LockedUntil.UTC().Format(time.RFC3339)}
		})
		return accountLocked(state.LockedUntil)
	}

	remaining := limit - state.FailedAttempts
	if remaining < 0 {
		remaining = 0
	}
	e.emitAudit(ctx, auditEventLoginPassword, false, who, ErrInvalidCredentials, func() map[string]string {
		return map[string]string{"remaining": strconv.Itoa(remaining)}
	})
	return invalidCredentials(remaining)
}

// invalidate burns a challenge on a dead end. Failure to burn is logged: the
// caller already gets an error and the challenge expires on its own.
func (e *Engine) invalidate(ctx context.Context, c *challenge.Claims) {
	if _, err := e.burnChallenge(ctx, c); err != nil {
		e.logger.Warn(ctx, "challenge invalidation failed", "error", err)
	}
}

// SendLoginOTP emails a login code to a user whose MFA method is email and
// moves the challenge to MFA. Calling it again replaces the code.
func (e *Engine) SendLoginOTP(ctx context.Context, token string) (*OTPDispatch, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	c, err := e.openChallenge(ctx, token, challenge.FlowLogin, challenge.StagePassword, challenge.StageMFA)
	if err != nil {
		return nil, err
	}
	who := auditFields{userID: c.UserID, role: Role(c.Role), email: c.Email}
	if MFAMethod(c.MFAMethod) != MFAEmail {
		return nil, e.rejectRequest(ctx, auditEventLoginOTPSent, who, errMethodUnavailable)
	}

	dispatch, err := e.sendOTP(ctx, PurposeLoginMFA, c.Email)
	if err != nil {
		e.emitAudit(ctx, auditEventLoginOTPSent, false, who, err, nil)
		return nil, err
	}

	next, exp, err := e.challenges.Advance(c, challenge.StageMFA, e.now())
	if err != nil {
		return nil, serverError(err)
	}
	dispatch.Challenge = next
	dispatch.ExpiresAt = exp

	e.emitAudit(ctx, auditEventLoginOTPSent, true, who, nil, nil)
	return dispatch, nil
}

// VerifyLoginMFA completes login with an authenticator code, an emailed code
// or, for authenticator users, a backup code. An empty method means the
// user's configured one. Success resets lockout state and returns the
// authorization code with the role's redirect target.
func (e *Engine) VerifyLoginMFA(ctx context.Context, token, method, code string) (*Authorization, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(code) == "" {
		return nil, e.rejectRequest(ctx, auditEventLoginMFA, auditFields{}, ErrMissingFields)
	}

	c, err := e.openChallenge(ctx, token, challenge.FlowLogin, challenge.StagePassword, challenge.StageMFA)
	if err != nil {
		return nil, err
	}

	m := MFAMethod(c.MFAMethod)
	if strings.TrimSpace(method) != "" {
		parsed, ok := ParseMFAMethod(method)
		if !ok {
			return nil, e.rejectRequest(ctx, auditEventLoginMFA, auditFields{userID: c.UserID, role: Role(c.Role)},
				detailed(ErrMissingFields, "unknown mfa method"))
		}
		m = parsed
	}
	// A method the account does not use is a client mistake, not a failed
	// factor: the challenge stays usable and no attempt is counted.
	if !methodAvailable(MFAMethod(c.MFAMethod), m) {
		return nil, e.rejectRequest(ctx, auditEventLoginMFA, auditFields{userID: c.UserID, role: Role(c.Role)}, errMethodUnavailable)
	}

	user, err := e.users.FindByID(ctx, c.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidAuthState
		}
		return nil, serverError(err)
	}
	who := auditFields{userID: user.ID, role: user.Role}

	if err := e.mfaLimiter.Check(ctx, user.ID); err != nil {
		if errors.Is(err, limiters.ErrLimited) {
			e.emitRateLimit(ctx, "login_mfa", who)
			return nil, ErrRateLimited
		}
		return nil, serverError(err)
	}

	if err := e.verifySecondFactor(ctx, user, m, code); err != nil {
		if CodeOf(err) != CodeServerError {
			e.metricInc(MetricMFAFailure)
			if limErr := e.mfaLimiter.RecordFailure(ctx, user.ID); limErr != nil && !errors.Is(limErr, limiters.ErrLimited) {
				e.logger.Warn(ctx, "mfa failure counter unavailable", "error", limErr)
			}
		}
		e.emitAudit(ctx, auditEventLoginMFA, false, who, err, func() map[string]string {
			return map[string]string{"method": string(m)}
		})
		return nil, err
	}

	first, err := e.burnChallenge(ctx, c)
	if err != nil {
		return nil, serverError(err)
	}
	if !first {
		e.metricInc(MetricChallengeRejected)
		return nil, ErrInvalidAuthState
	}

	if !user.Active {
		return nil, ErrAccountDeactivated
	}
	now := e.now()
	if err := e.users.RecordSuccessfulLogin(ctx, user.ID, now); err != nil {
		return nil, serverError(err)
	}
	if err := e.mfaLimiter.Reset(ctx, user.ID); err != nil {
		e.logger.Warn(ctx, "mfa failure counter reset failed", "error", err)
	}

	authz, err := e.issueAuthorization(ctx, user.ID, user.Role)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginMFA, true, who, nil, func() map[string]string {
		return map[string]string{"method": string(m)}
	})
	return authz, nil
}

var errMethodUnavailable = detailed(ErrMissingFields, "mfa method is not enabled for this account")

// methodAvailable reports whether an account configured for configured may
// answer with m. Backup codes belong to authenticator accounts.
func methodAvailable(configured, m MFAMethod) bool {
	switch m {
	case MFATOTP, MFABackup:
		return configured == MFATOTP
	case MFAEmail:
		return configured == MFAEmail
	default:
		return false
	}
}

func (e *Engine) verifySecondFactor(ctx context.Context, user *User, m MFAMethod, code string) error {
	switch m {
	case MFATOTP:
		if user.MFAMethod != MFATOTP || len(user.TOTPSecret) == 0 {
			return ErrInvalidAuthState
		}
		return e.checkTOTP(ctx, user.TOTPSecret, code, user.ID)
	case MFAEmail:
		if user.MFAMethod != MFAEmail {
			return ErrInvalidAuthState
		}
		return e.consumeOTP(ctx, PurposeLoginMFA, user.Email, code)
	case MFABackup:
		if user.MFAMethod != MFATOTP {
			return ErrInvalidAuthState
		}
		digest := internal.HashToken(internal.NormalizeBackupCode(code))
		ok, err := e.users.ConsumeBackupCode(ctx, user.ID, digest, e.now())
		if err != nil {
			return serverError(err)
		}
		if !ok {
			e.metricInc(MetricBackupCodeFailed)
			return detailed(ErrInvalidTOTP, "invalid backup code")
		}
		e.metricInc(MetricBackupCodeUsed)
		return nil
	default:
		return ErrInvalidAuthState
	}
}
