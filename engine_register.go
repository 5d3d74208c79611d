package portalauth

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/MrEthical07/portalauth/challenge"
	"github.com/MrEthical07/portalauth/internal"
	"github.com/MrEthical07/portalauth/internal/limiters"
	"github.com/google/uuid"
)

const maxFullNameRunes = 128

// SendRegistrationCode emails an email_verification code to an address that
// is not registered yet.
func (e *Engine) SendRegistrationCode(ctx context.Context, email string) (*OTPDispatch, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	email = normalizeEmail(email)
	if email == "" {
		return nil, e.rejectRequest(ctx, auditEventRegistrationCodeSent, auditFields{}, ErrMissingFields)
	}
	if !validEmail(email) {
		return nil, e.rejectRequest(ctx, auditEventRegistrationCodeSent, auditFields{},
			detailed(ErrMissingFields, "email address is invalid"))
	}

	exists, err := e.users.EmailExists(ctx, email)
	if err != nil {
		return nil, serverError(err)
	}
	if exists {
		e.emitAudit(ctx, auditEventRegistrationCodeSent, false, auditFields{email: email}, ErrDuplicate, nil)
		return nil, ErrDuplicate
	}

	dispatch, err := e.sendOTP(ctx, PurposeEmailVerification, email)
	if err != nil {
		e.emitAudit(ctx, auditEventRegistrationCodeSent, false, auditFields{email: email}, err, nil)
		return nil, err
	}
	e.emitAudit(ctx, auditEventRegistrationCodeSent, true, auditFields{email: email}, nil, nil)
	return dispatch, nil
}

// ConfirmRegistrationIdentity consumes the verification code and starts the
// registration challenge carrying the verified identity.
func (e *Engine) ConfirmRegistrationIdentity(ctx context.Context, in RegistrationIdentity) (*StepResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	email := normalizeEmail(in.Email)
	fullName := strings.Join(strings.Fields(in.FullName), " ")
	code := strings.TrimSpace(in.Code)
	badInput := func(err error) (*StepResult, error) {
		return nil, e.rejectRequest(ctx, auditEventRegistrationIdentity, auditFields{}, err)
	}
	if email == "" || fullName == "" || strings.TrimSpace(in.Mobile) == "" || code == "" {
		return badInput(ErrMissingFields)
	}
	if !validEmail(email) {
		return badInput(detailed(ErrMissingFields, "email address is invalid"))
	}
	if utf8.RuneCountInString(fullName) > maxFullNameRunes {
		return badInput(detailed(ErrMissingFields, "full name is too long"))
	}
	mobile, ok := normalizeMobile(in.Mobile)
	if !ok {
		return badInput(detailed(ErrMissingFields, "mobile number is invalid"))
	}

	who := auditFields{email: email}
	if err := e.consumeOTP(ctx, PurposeEmailVerification, email, code); err != nil {
		e.metricInc(MetricRegistrationRejected)
		e.emitAudit(ctx, auditEventRegistrationIdentity, false, who, err, nil)
		return nil, err
	}

	exists, err := e.users.EmailExists(ctx, email)
	if err != nil {
		return nil, serverError(err)
	}
	if exists {
		e.emitAudit(ctx, auditEventRegistrationIdentity, false, who, ErrDuplicate, nil)
		return nil, ErrDuplicate
	}

	token, exp, err := e.challenges.Start(challenge.Claims{
		Flow:     challenge.FlowRegistration,
		Email:    email,
		FullName: fullName,
		Mobile:   mobile,
	}, e.now())
	if err != nil {
		return nil, serverError(err)
	}

	e.metricInc(MetricRegistrationIdentity)
	e.emitAudit(ctx, auditEventRegistrationIdentity, true, who, nil, nil)
	return &StepResult{Challenge: token, ExpiresAt: exp, NextStep: "SERVICE"}, nil
}

// SubmitRegistrationService binds a role and role-scoped identifier to a
// verified registration challenge. Privileged roles must come from their
// network allow-list.
func (e *Engine) SubmitRegistrationService(ctx context.Context, token, role, identifier string) (*StepResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	c, err := e.openChallenge(ctx, token, challenge.FlowRegistration, challenge.StageIdentity)
	if err != nil {
		return nil, err
	}

	identifier = normalizeIdentifier(identifier)
	if strings.TrimSpace(role) == "" || identifier == "" {
		return nil, e.rejectRequest(ctx, auditEventRegistrationService, auditFields{}, ErrMissingFields)
	}
	r, ok := ParseRole(role)
	if !ok {
		return nil, e.rejectRequest(ctx, auditEventRegistrationService, auditFields{}, ErrInvalidRole)
	}

	who := auditFields{role: r, email: c.Email}
	reject := func(err error) (*StepResult, error) {
		e.metricInc(MetricRegistrationRejected)
		e.emitAudit(ctx, auditEventRegistrationService, false, who, err, nil)
		return nil, err
	}

	if !e.identifierAllowed(r, identifier) {
		return reject(ErrInvalidIdentifier)
	}
	if r.Privileged() && !e.networkAllowed(r, clientIPFromContext(ctx)) {
		return reject(ErrIPNotAuthorized)
	}
	warnings, err := e.emailPolicy(r, c.Email)
	if err != nil {
		return reject(err)
	}
	exists, err := e.users.IdentifierExists(ctx, r, identifier)
	if err != nil {
		return nil, serverError(err)
	}
	if exists {
		return reject(ErrDuplicate)
	}

	c.Role = string(r)
	c.Identifier = identifier
	next, exp, err := e.challenges.Advance(c, challenge.StageService, e.now())
	if err != nil {
		return nil, serverError(err)
	}

	e.metricInc(MetricRegistrationService)
	e.emitAudit(ctx, auditEventRegistrationService, true, who, nil, nil)
	return &StepResult{Challenge: next, ExpiresAt: exp, NextStep: "SECURITY", Warnings: warnings}, nil
}

// SubmitRegistrationSecurity checks the password policy and stores the
// password hash and chosen MFA method in the challenge. Nothing is written
// to the credential store until activation.
func (e *Engine) SubmitRegistrationSecurity(ctx context.Context, token string, in RegistrationSecurity) (*StepResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	c, err := e.openChallenge(ctx, token, challenge.FlowRegistration, challenge.StageService)
	if err != nil {
		return nil, err
	}
	who := auditFields{role: Role(c.Role), email: c.Email}
	if in.Password == "" || strings.TrimSpace(in.MFAMethod) == "" {
		return nil, e.rejectRequest(ctx, auditEventRegistrationSecurity, who, ErrMissingFields)
	}
	if !in.TermsAccepted {
		return nil, e.rejectRequest(ctx, auditEventRegistrationSecurity, who, ErrTermsNotAccepted)
	}
	method, ok := ParseMFAMethod(in.MFAMethod)
	if !ok || method == MFABackup {
		return nil, e.rejectRequest(ctx, auditEventRegistrationSecurity, who,
			detailed(ErrMissingFields, "mfa_method must be totp or email"))
	}
	if failures := e.policy.Check(in.Password); len(failures) > 0 {
		e.metricInc(MetricRegistrationRejected)
		e.emitAudit(ctx, auditEventRegistrationSecurity, false, who, ErrWeakPassword, nil)
		return nil, detailed(ErrWeakPassword, "password: "+strings.Join(failures, ", "))
	}

	hash, err := e.passwordHash.Hash(in.Password)
	if err != nil {
		return nil, serverError(err)
	}

	c.PasswordHash = hash
	c.MFAMethod = string(method)
	next, exp, err := e.challenges.Advance(c, challenge.StageSecurity, e.now())
	if err != nil {
		return nil, serverError(err)
	}

	e.metricInc(MetricRegistrationSecurity)
	e.emitAudit(ctx, auditEventRegistrationSecurity, true, who, nil, func() map[string]string {
		return map[string]string{"mfa_method": string(method)}
	})
	return &StepResult{Challenge: next, ExpiresAt: exp, NextStep: "ACTIVATE"}, nil
}

// BeginTOTPActivation generates the authenticator secret and backup codes
// for a TOTP registration. Calling it again replaces both.
func (e *Engine) BeginTOTPActivation(ctx context.Context, token string) (*TOTPEnrollment, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	c, err := e.openChallenge(ctx, token, challenge.FlowRegistration, challenge.StageSecurity, challenge.StageActivate)
	if err != nil {
		return nil, err
	}
	if MFAMethod(c.MFAMethod) != MFATOTP {
		return nil, e.rejectRequest(ctx, auditEventTOTPEnrollment, auditFields{role: Role(c.Role), email: c.Email}, errMethodUnavailable)
	}

	secret, uri, err := e.totp.Generate(c.Email)
	if err != nil {
		return nil, serverError(err)
	}
	sealed, err := e.box.Seal([]byte(secret), totpSecretAD)
	if err != nil {
		return nil, serverError(err)
	}

	codes := make([]string, 0, e.config.TOTP.BackupCodeCount)
	hashes := make([]string, 0, e.config.TOTP.BackupCodeCount)
	for i := 0; i < e.config.TOTP.BackupCodeCount; i++ {
		code, err := internal.NewBackupCode(e.config.TOTP.BackupCodeLength)
		if err != nil {
			return nil, serverError(err)
		}
		codes = append(codes, code)
		hashes = append(hashes, internal.HashToken(internal.NormalizeBackupCode(code)))
	}

	c.TOTPSecret = base64.RawStdEncoding.EncodeToString(sealed)
	c.BackupCodes = hashes
	next, exp, err := e.challenges.Advance(c, challenge.StageActivate, e.now())
	if err != nil {
		return nil, serverError(err)
	}

	e.emitAudit(ctx, auditEventTOTPEnrollment, true, auditFields{role: Role(c.Role), email: c.Email}, nil, nil)
	return &TOTPEnrollment{
		Secret:      secret,
		URI:         uri,
		BackupCodes: codes,
		Challenge:   next,
		ExpiresAt:   exp,
	}, nil
}

// SendActivationOTP emails a registration code for an email-MFA
// registration.
func (e *Engine) SendActivationOTP(ctx context.Context, token string) (*OTPDispatch, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	c, err := e.openChallenge(ctx, token, challenge.FlowRegistration, challenge.StageSecurity, challenge.StageActivate)
	if err != nil {
		return nil, err
	}
	who := auditFields{role: Role(c.Role), email: c.Email}
	if MFAMethod(c.MFAMethod) != MFAEmail {
		return nil, e.rejectRequest(ctx, auditEventActivationOTPSent, who, errMethodUnavailable)
	}

	dispatch, err := e.sendOTP(ctx, PurposeRegistration, c.Email)
	if err != nil {
		e.emitAudit(ctx, auditEventActivationOTPSent, false, who, err, nil)
		return nil, err
	}
	next, exp, err := e.challenges.Advance(c, challenge.StageActivate, e.now())
	if err != nil {
		return nil, serverError(err)
	}
	dispatch.Challenge = next
	dispatch.ExpiresAt = exp

	e.emitAudit(ctx, auditEventActivationOTPSent, true, who, nil, nil)
	return dispatch, nil
}

// CompleteActivation verifies the first second-factor code, creates the
// user and returns an authorization code, exactly like a finished login.
func (e *Engine) CompleteActivation(ctx context.Context, token, code string) (*Authorization, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(code) == "" {
		return nil, e.rejectRequest(ctx, auditEventAccountCreated, auditFields{}, ErrMissingFields)
	}

	c, err := e.openChallenge(ctx, token, challenge.FlowRegistration, challenge.StageActivate)
	if err != nil {
		return nil, err
	}
	role := Role(c.Role)
	who := auditFields{role: role, email: c.Email}

	var sealed []byte
	switch MFAMethod(c.MFAMethod) {
	case MFATOTP:
		if c.TOTPSecret == "" {
			return nil, e.rejectRequest(ctx, auditEventAccountCreated, who,
				detailed(ErrMissingFields, "authenticator enrollment has not started"))
		}
		sealed, err = base64.RawStdEncoding.DecodeString(c.TOTPSecret)
		if err != nil {
			return nil, ErrInvalidAuthState
		}
		subject := "reg:" + c.ID
		if limErr := e.mfaLimiter.Check(ctx, subject); limErr != nil {
			if errors.Is(limErr, limiters.ErrLimited) {
				e.emitRateLimit(ctx, "registration_totp", who)
				return nil, ErrRateLimited
			}
			return nil, serverError(limErr)
		}
		err = e.checkTOTP(ctx, sealed, code, "")
		if errors.Is(err, ErrInvalidTOTP) {
			if limErr := e.mfaLimiter.RecordFailure(ctx, subject); limErr != nil && !errors.Is(limErr, limiters.ErrLimited) {
				e.logger.Warn(ctx, "mfa failure counter unavailable", "error", limErr)
			}
		}
	case MFAEmail:
		err = e.consumeOTP(ctx, PurposeRegistration, c.Email, code)
	default:
		return nil, ErrInvalidAuthState
	}
	if err != nil {
		e.emitAudit(ctx, auditEventAccountCreated, false, who, err, nil)
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

	now := e.now()
	user := &User{
		ID:           uuid.NewString(),
		FullName:     c.FullName,
		Email:        c.Email,
		Mobile:       c.Mobile,
		Identifier:   c.Identifier,
		Role:         role,
		PasswordHash: c.PasswordHash,
		MFAMethod:    MFAMethod(c.MFAMethod),
		TOTPSecret:   sealed,
		BackupCodes:  c.BackupCodes,
		Active:       true,
		Verified:     true,
		CreatedAt:    now,
	}
	if err := e.users.Create(ctx, user); err != nil {
		if errors.Is(err, ErrUserExists) {
			e.metricInc(MetricAccountDuplicate)
			e.emitAudit(ctx, auditEventAccountCreated, false, who, ErrDuplicate, nil)
			return nil, ErrDuplicate
		}
		return nil, serverError(err)
	}
	who.userID = user.ID

	authz, err := e.issueAuthorization(ctx, user.ID, role)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricAccountCreated)
	e.emitAudit(ctx, auditEventAccountCreated, true, who, nil, func() map[string]string {
		return map[string]string{"mfa_method": c.MFAMethod}
	})
	return authz, nil
}
