package portalauth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/portalauth/challenge"
	"github.com/MrEthical07/portalauth/internal"
	"github.com/MrEthical07/portalauth/internal/limiters"
	"github.com/MrEthical07/portalauth/internal/stores"
)

// totpSecretAD binds sealed TOTP secrets to their column.
var totpSecretAD = []byte("totp-secret")

func challengeLedgerID(id string) string {
	return "ch:" + id
}

// openChallenge decodes token for flow, requires one of stages and rejects
// challenges already burned by a terminal step or a lockout.
func (e *Engine) openChallenge(ctx context.Context, token string, flow challenge.Flow, stages ...challenge.Stage) (*challenge.Claims, error) {
	c, err := e.challenges.Decode(token, flow, stages...)
	if err != nil {
		e.rejectChallenge(ctx, flow, challengeRejectReason(err), auditFields{})
		return nil, ErrInvalidAuthState
	}
	spent, err := e.ledger.Spent(ctx, challengeLedgerID(c.ID))
	if err != nil {
		return nil, serverError(err)
	}
	if spent {
		e.rejectChallenge(ctx, flow, "spent", auditFields{userID: c.UserID, role: Role(c.Role)})
		return nil, ErrInvalidAuthState
	}
	return c, nil
}

func (e *Engine) rejectChallenge(ctx context.Context, flow challenge.Flow, reason string, who auditFields) {
	e.metricInc(MetricChallengeRejected)
	e.emitAudit(ctx, auditEventChallengeRejected, false, who, ErrInvalidAuthState, func() map[string]string {
		return map[string]string{"flow": string(flow), "reason": reason}
	})
}

func challengeRejectReason(err error) string {
	switch {
	case errors.Is(err, challenge.ErrExpired):
		return "expired"
	case errors.Is(err, challenge.ErrWrongFlow):
		return "wrong_flow"
	case errors.Is(err, challenge.ErrWrongStage):
		return "wrong_stage"
	default:
		return "invalid"
	}
}

// burnChallenge marks the flow finished and reports whether this call did
// it. Every token of the flow shares the id, so all of them die together.
func (e *Engine) burnChallenge(ctx context.Context, c *challenge.Claims) (bool, error) {
	return e.ledger.Burn(ctx, challengeLedgerID(c.ID), e.challenges.TTL(c.Flow))
}

func (e *Engine) throttle(ctx context.Context, counter *limiters.Counter, scope, subject string, who auditFields) error {
	err := counter.Allow(ctx, subject)
	if err == nil {
		return nil
	}
	if errors.Is(err, limiters.ErrLimited) {
		e.emitRateLimit(ctx, scope, who)
		return ErrRateLimited
	}
	return serverError(err)
}

// sendOTP issues a fresh code for (purpose, email), replacing any live one,
// and hands it to the Notifier. A delivery failure deletes the code and is
// surfaced to the caller.
func (e *Engine) sendOTP(ctx context.Context, purpose OTPPurpose, email string) (*OTPDispatch, error) {
	who := auditFields{email: email}
	if err := e.throttle(ctx, e.otpSendLimiter, "otp_send", string(purpose)+":"+email, who); err != nil {
		return nil, err
	}

	ttl := e.otpTTL(purpose)
	code, err := internal.NewOTP(e.config.OTP.Digits)
	if err != nil {
		return nil, serverError(err)
	}
	digest := internal.HashCode(e.config.Security.OTPPepper, string(purpose), email, code)
	if err := e.otps.Save(ctx, string(purpose), email, digest, e.now(), ttl); err != nil {
		return nil, serverError(err)
	}

	if err := e.notifier.Notify(ctx, Notification{
		Kind:      NotifyOneTimeCode,
		Email:     email,
		Purpose:   purpose,
		Code:      code,
		ExpiresIn: ttl,
	}); err != nil {
		if delErr := e.otps.Delete(ctx, string(purpose), email); delErr != nil {
			e.logger.Warn(ctx, "one-time code cleanup failed", "purpose", purpose, "error", delErr)
		}
		e.logger.Error(ctx, "one-time code delivery failed", "purpose", purpose, "error", err)
		return nil, serverError(err)
	}

	e.metricInc(MetricOTPSent)
	return &OTPDispatch{
		Message:   "verification code sent",
		ExpiresIn: ttl,
	}, nil
}

func (e *Engine) otpTTL(purpose OTPPurpose) time.Duration {
	switch purpose {
	case PurposeLoginMFA:
		return e.config.OTP.LoginTTL
	case PurposeRegistration:
		return e.config.OTP.RegistrationTTL
	default:
		return e.config.OTP.VerificationTTL
	}
}

// consumeOTP verifies and deletes the live code for (purpose, email).
func (e *Engine) consumeOTP(ctx context.Context, purpose OTPPurpose, email, code string) error {
	code = strings.TrimSpace(code)
	digest := internal.HashCode(e.config.Security.OTPPepper, string(purpose), email, code)

	err := e.otps.Consume(ctx, string(purpose), email, digest, e.config.OTP.MaxAttempts, e.now())
	switch {
	case err == nil:
		e.metricInc(MetricOTPVerified)
		return nil
	case errors.Is(err, stores.ErrOTPNotFound):
		e.metricInc(MetricOTPFailure)
		return ErrOTPExpired
	case errors.Is(err, stores.ErrOTPMismatch), errors.Is(err, stores.ErrOTPAttemptsExceeded):
		e.metricInc(MetricOTPFailure)
		return ErrInvalidOTP
	default:
		return serverError(err)
	}
}

// checkTOTP validates code against a sealed secret. When replayKey is set an
// accepted code is recorded and refused for the rest of its window.
func (e *Engine) checkTOTP(ctx context.Context, sealed []byte, code, replayKey string) error {
	secret, err := e.box.Open(sealed, totpSecretAD)
	if err != nil {
		return serverError(err)
	}
	if !e.totp.Validate(code, string(secret), e.now()) {
		e.metricInc(MetricTOTPFailure)
		return ErrInvalidTOTP
	}
	if replayKey != "" {
		first, err := e.ledger.Burn(ctx, "totp:"+replayKey+":"+strings.TrimSpace(code), e.totp.replayWindow())
		if err != nil {
			return serverError(err)
		}
		if !first {
			e.metricInc(MetricTOTPReplay)
			return ErrInvalidTOTP
		}
	}
	e.metricInc(MetricTOTPSuccess)
	return nil
}

// issueAuthorization mints the single-use code ending login and
// registration, and the role's redirect target carrying it.
func (e *Engine) issueAuthorization(ctx context.Context, userID string, role Role) (*Authorization, error) {
	code, err := internal.NewToken(e.config.AuthCode.Bytes)
	if err != nil {
		return nil, serverError(err)
	}
	ttl := e.config.AuthCode.TTL
	if err := e.authCodes.Save(ctx, code, stores.AuthCode{UserID: userID, Role: string(role)}, e.now(), ttl); err != nil {
		return nil, serverError(err)
	}
	e.metricInc(MetricAuthCodeIssued)

	return &Authorization{
		RedirectURL: e.redirectURL(role, code),
		Code:        code,
		ExpiresIn:   ttl,
	}, nil
}

func (e *Engine) redirectURL(role Role, code string) string {
	target := strings.TrimRight(e.config.Redirects.BaseURL, "/") + e.config.Redirects.Targets[role]
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + url.Values{"code": {code}}.Encode()
}
