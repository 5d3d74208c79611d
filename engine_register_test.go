package portalauth_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/portalauth"
)

type registrant struct {
	email      string
	role       string
	identifier string
	method     string
}

// toActivate runs a registration through the security step.
func (h *harness) toActivate(t *testing.T, ctx context.Context, r registrant) *portalauth.StepResult {
	t.Helper()
	if _, err := h.engine.SendRegistrationCode(ctx, r.email); err != nil {
		t.Fatalf("SendRegistrationCode: %v", err)
	}
	step, err := h.engine.ConfirmRegistrationIdentity(ctx, portalauth.RegistrationIdentity{
		Email:    r.email,
		FullName: "  Meera   Rao ",
		Mobile:   "+91 98000-00001",
		Code:     h.mail.code(t, strings.ToLower(r.email), portalauth.PurposeEmailVerification),
	})
	if err != nil {
		t.Fatalf("ConfirmRegistrationIdentity: %v", err)
	}
	if step.NextStep != "SERVICE" {
		t.Fatalf("unexpected next step %q", step.NextStep)
	}
	step, err = h.engine.SubmitRegistrationService(ctx, step.Challenge, r.role, r.identifier)
	if err != nil {
		t.Fatalf("SubmitRegistrationService: %v", err)
	}
	step, err = h.engine.SubmitRegistrationSecurity(ctx, step.Challenge, portalauth.RegistrationSecurity{
		Password:      testPassword,
		MFAMethod:     r.method,
		TermsAccepted: true,
	})
	if err != nil {
		t.Fatalf("SubmitRegistrationSecurity: %v", err)
	}
	if step.NextStep != "ACTIVATE" {
		t.Fatalf("unexpected next step %q", step.NextStep)
	}
	return step
}

func TestRegisterWithTOTP(t *testing.T) {
	h := newHarness(t, func(c *portalauth.Config) {
		c.TOTP.BackupCodeCount = 3
	})
	ctx := context.Background()
	r := registrant{email: "Meera@Navy.mil", role: "personnel", identifier: "ic-24680", method: "totp"}

	step := h.toActivate(t, ctx, r)
	enroll, err := h.engine.BeginTOTPActivation(ctx, step.Challenge)
	if err != nil {
		t.Fatalf("BeginTOTPActivation: %v", err)
	}
	if enroll.Secret == "" || !strings.HasPrefix(enroll.URI, "otpauth://totp/") || len(enroll.BackupCodes) != 3 {
		t.Fatalf("unexpected enrollment %+v", enroll)
	}

	if _, err := h.engine.CompleteActivation(ctx, enroll.Challenge, h.totpCode(t, enroll.Secret, -time.Hour)); !errors.Is(err, portalauth.ErrInvalidTOTP) {
		t.Fatalf("expected INVALID_TOTP, got %v", err)
	}

	authz, err := h.engine.CompleteActivation(ctx, enroll.Challenge, h.totpCode(t, enroll.Secret, 0))
	if err != nil {
		t.Fatalf("CompleteActivation: %v", err)
	}
	if !strings.Contains(authz.RedirectURL, "/dashboard?code=") {
		t.Fatalf("unexpected redirect %q", authz.RedirectURL)
	}
	if _, err := h.engine.CompleteActivation(ctx, enroll.Challenge, h.totpCode(t, enroll.Secret, 0)); !errors.Is(err, portalauth.ErrInvalidAuthState) {
		t.Fatalf("activation challenge must be spent, got %v", err)
	}

	user, err := h.users.FindByRoleIdentifier(ctx, portalauth.RolePersonnel, "IC-24680")
	if err != nil {
		t.Fatalf("user not created: %v", err)
	}
	if user.Email != "meera@navy.mil" || user.FullName != "Meera Rao" || user.Mobile != "+919800000001" {
		t.Fatalf("profile not normalized: %+v", user)
	}
	if !user.Active || !user.Verified || user.MFAMethod != portalauth.MFATOTP {
		t.Fatalf("unexpected account state: %+v", user)
	}
	if strings.Contains(string(user.TOTPSecret), enroll.Secret) {
		t.Fatal("TOTP secret stored in clear")
	}
	if !strings.HasPrefix(user.PasswordHash, "$argon2id$") {
		t.Fatalf("password not hashed: %q", user.PasswordHash)
	}

	tokens, err := h.engine.ExchangeCode(ctx, authz.Code)
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tokens.User.ID != user.ID {
		t.Fatalf("tokens bound to %q, want %q", tokens.User.ID, user.ID)
	}

	// The new account can log in with an enrollment backup code.
	seed := seedUser{id: user.ID, role: user.Role, identifier: user.Identifier, email: user.Email}
	login := h.toMFA(t, ctx, seed)
	if _, err := h.engine.VerifyLoginMFA(ctx, login.Challenge, "backup", enroll.BackupCodes[1]); err != nil {
		t.Fatalf("backup code from enrollment rejected: %v", err)
	}
}

func TestRegisterWithEmailOTP(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := registrant{email: "kin@example.org", role: "family", identifier: "FAM-123456", method: "email"}

	if _, err := h.engine.SendRegistrationCode(ctx, r.email); err != nil {
		t.Fatalf("SendRegistrationCode: %v", err)
	}
	step, err := h.engine.ConfirmRegistrationIdentity(ctx, portalauth.RegistrationIdentity{
		Email: r.email, FullName: "Kin", Mobile: "9800000002",
		Code: h.mail.code(t, r.email, portalauth.PurposeEmailVerification),
	})
	if err != nil {
		t.Fatalf("ConfirmRegistrationIdentity: %v", err)
	}
	step, err = h.engine.SubmitRegistrationService(ctx, step.Challenge, r.role, r.identifier)
	if err != nil {
		t.Fatalf("SubmitRegistrationService: %v", err)
	}
	if len(step.Warnings) != 1 {
		t.Fatalf("expected a non-defence email warning, got %v", step.Warnings)
	}
	step, err = h.engine.SubmitRegistrationSecurity(ctx, step.Challenge, portalauth.RegistrationSecurity{
		Password: testPassword, MFAMethod: "email", TermsAccepted: true,
	})
	if err != nil {
		t.Fatalf("SubmitRegistrationSecurity: %v", err)
	}

	if _, err := h.engine.BeginTOTPActivation(ctx, step.Challenge); !errors.Is(err, portalauth.ErrMissingFields) {
		t.Fatalf("email registration must not enroll TOTP, got %v", err)
	}
	dispatch, err := h.engine.SendActivationOTP(ctx, step.Challenge)
	if err != nil {
		t.Fatalf("SendActivationOTP: %v", err)
	}
	if dispatch.ExpiresIn != 10*time.Minute {
		t.Fatalf("unexpected code lifetime %v", dispatch.ExpiresIn)
	}

	code := h.mail.code(t, r.email, portalauth.PurposeRegistration)
	if _, err := h.engine.CompleteActivation(ctx, dispatch.Challenge, code); err != nil {
		t.Fatalf("CompleteActivation: %v", err)
	}
	user, err := h.users.FindByRoleIdentifier(ctx, portalauth.RoleFamily, "FAM-123456")
	if err != nil {
		t.Fatalf("user not created: %v", err)
	}
	if user.MFAMethod != portalauth.MFAEmail || len(user.TOTPSecret) != 0 {
		t.Fatalf("unexpected MFA state: %+v", user)
	}
}

func TestRegistrationIdentityChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, personnel)

	if _, err := h.engine.SendRegistrationCode(ctx, personnel.email); !errors.Is(err, portalauth.ErrDuplicate) {
		t.Fatalf("expected DUPLICATE_ERROR for registered email, got %v", err)
	}
	if _, err := h.engine.SendRegistrationCode(ctx, "not-an-email"); !errors.Is(err, portalauth.ErrMissingFields) {
		t.Fatalf("expected MISSING_FIELDS, got %v", err)
	}

	email := "new@army.mil"
	if _, err := h.engine.SendRegistrationCode(ctx, email); err != nil {
		t.Fatalf("SendRegistrationCode: %v", err)
	}
	in := portalauth.RegistrationIdentity{Email: email, FullName: "New", Mobile: "12ab", Code: "000000"}
	if _, err := h.engine.ConfirmRegistrationIdentity(ctx, in); !errors.Is(err, portalauth.ErrMissingFields) {
		t.Fatalf("expected MISSING_FIELDS for bad mobile, got %v", err)
	}

	in.Mobile = "9800000003"
	in.Code = h.mail.code(t, email, portalauth.PurposeEmailVerification)
	if _, err := h.engine.ConfirmRegistrationIdentity(ctx, in); err != nil {
		t.Fatalf("ConfirmRegistrationIdentity: %v", err)
	}
	if _, err := h.engine.ConfirmRegistrationIdentity(ctx, in); !errors.Is(err, portalauth.ErrOTPExpired) {
		t.Fatalf("verification code must be single use, got %v", err)
	}
}

func TestRegistrationServiceChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, personnel)

	start := func(email string) string {
		t.Helper()
		if _, err := h.engine.SendRegistrationCode(ctx, email); err != nil {
			t.Fatalf("SendRegistrationCode: %v", err)
		}
		step, err := h.engine.ConfirmRegistrationIdentity(ctx, portalauth.RegistrationIdentity{
			Email: email, FullName: "Applicant", Mobile: "9800000004",
			Code: h.mail.code(t, email, portalauth.PurposeEmailVerification),
		})
		if err != nil {
			t.Fatalf("ConfirmRegistrationIdentity: %v", err)
		}
		return step.Challenge
	}

	tok := start("applicant@army.mil")
	cases := []struct {
		name       string
		ctx        context.Context
		role       string
		identifier string
		want       error
	}{
		{"unknown role", ctx, "general", "IC-11111", portalauth.ErrInvalidRole},
		{"bad identifier", ctx, "personnel", "12345", portalauth.ErrInvalidIdentifier},
		{"taken identifier", ctx, "personnel", personnel.identifier, portalauth.ErrDuplicate},
		{"admin off network", portalauth.WithClientIP(ctx, "203.0.113.10"), "admin", "ADM-1001", portalauth.ErrIPNotAuthorized},
		{"admin without address", ctx, "admin", "ADM-1001", portalauth.ErrIPNotAuthorized},
	}
	for _, tc := range cases {
		if _, err := h.engine.SubmitRegistrationService(tc.ctx, tok, tc.role, tc.identifier); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	inside := portalauth.WithClientIP(ctx, "10.20.30.40")
	if _, err := h.engine.SubmitRegistrationService(inside, tok, "admin", "ADM-1001"); err != nil {
		t.Fatalf("allow-listed admin rejected: %v", err)
	}

	civilian := start("someone@example.com")
	if _, err := h.engine.SubmitRegistrationService(ctx, civilian, "personnel", "IC-22222"); !errors.Is(err, portalauth.ErrEmailNotAllowed) {
		t.Fatalf("expected EMAIL_NOT_ALLOWED, got %v", err)
	}
	if _, err := h.engine.SubmitRegistrationService(ctx, civilian, "veteran", "VET-22222"); err != nil {
		t.Fatalf("veteran with civilian email rejected: %v", err)
	}
}

func TestFamilyEmailRejectPolicy(t *testing.T) {
	h := newHarness(t, func(c *portalauth.Config) {
		c.Registration.FamilyEmailPolicy = portalauth.FamilyEmailReject
	})
	ctx := context.Background()
	email := "kin@example.org"

	if _, err := h.engine.SendRegistrationCode(ctx, email); err != nil {
		t.Fatalf("SendRegistrationCode: %v", err)
	}
	step, err := h.engine.ConfirmRegistrationIdentity(ctx, portalauth.RegistrationIdentity{
		Email: email, FullName: "Kin", Mobile: "9800000005",
		Code: h.mail.code(t, email, portalauth.PurposeEmailVerification),
	})
	if err != nil {
		t.Fatalf("ConfirmRegistrationIdentity: %v", err)
	}
	if _, err := h.engine.SubmitRegistrationService(ctx, step.Challenge, "family", "FAM-55555"); !errors.Is(err, portalauth.ErrEmailNotAllowed) {
		t.Fatalf("expected EMAIL_NOT_ALLOWED, got %v", err)
	}
}

func TestRegistrationSecurityChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	email := "sec@army.mil"

	if _, err := h.engine.SendRegistrationCode(ctx, email); err != nil {
		t.Fatalf("SendRegistrationCode: %v", err)
	}
	step, err := h.engine.ConfirmRegistrationIdentity(ctx, portalauth.RegistrationIdentity{
		Email: email, FullName: "Sec", Mobile: "9800000006",
		Code: h.mail.code(t, email, portalauth.PurposeEmailVerification),
	})
	if err != nil {
		t.Fatalf("ConfirmRegistrationIdentity: %v", err)
	}
	identityTok := step.Challenge

	if _, err := h.engine.SubmitRegistrationSecurity(ctx, identityTok, portalauth.RegistrationSecurity{
		Password: testPassword, MFAMethod: "totp", TermsAccepted: true,
	}); !errors.Is(err, portalauth.ErrInvalidAuthState) {
		t.Fatalf("skipping SERVICE must fail, got %v", err)
	}

	step, err = h.engine.SubmitRegistrationService(ctx, identityTok, "personnel", "IC-33333")
	if err != nil {
		t.Fatalf("SubmitRegistrationService: %v", err)
	}

	cases := []struct {
		name string
		in   portalauth.RegistrationSecurity
		want error
	}{
		{"terms", portalauth.RegistrationSecurity{Password: testPassword, MFAMethod: "totp"}, portalauth.ErrTermsNotAccepted},
		{"weak", portalauth.RegistrationSecurity{Password: "password", MFAMethod: "totp", TermsAccepted: true}, portalauth.ErrWeakPassword},
		{"method", portalauth.RegistrationSecurity{Password: testPassword, MFAMethod: "backup", TermsAccepted: true}, portalauth.ErrMissingFields},
		{"empty", portalauth.RegistrationSecurity{TermsAccepted: true}, portalauth.ErrMissingFields},
	}
	for _, tc := range cases {
		if _, err := h.engine.SubmitRegistrationSecurity(ctx, step.Challenge, tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	_, err = h.engine.SubmitRegistrationSecurity(ctx, step.Challenge, portalauth.RegistrationSecurity{
		Password: "password", MFAMethod: "totp", TermsAccepted: true,
	})
	if msg := portalauth.AsError(err).Message; !strings.Contains(msg, "missing uppercase letter") {
		t.Fatalf("weak password message should list failures, got %q", msg)
	}
}

func TestRegistrationDuplicateAtActivation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := registrant{email: "race@army.mil", role: "personnel", identifier: "IC-77777", method: "totp"}

	step := h.toActivate(t, ctx, r)
	enroll, err := h.engine.BeginTOTPActivation(ctx, step.Challenge)
	if err != nil {
		t.Fatalf("BeginTOTPActivation: %v", err)
	}

	// Another registration claims the identifier first.
	h.seed(t, seedUser{id: "u-race", role: portalauth.RolePersonnel, identifier: "IC-77777", email: "other@army.mil", method: portalauth.MFAEmail})

	if _, err := h.engine.CompleteActivation(ctx, enroll.Challenge, h.totpCode(t, enroll.Secret, 0)); !errors.Is(err, portalauth.ErrDuplicate) {
		t.Fatalf("expected DUPLICATE_ERROR, got %v", err)
	}
}

func TestNotifierFailureDiscardsCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	email := "down@army.mil"

	h.mail.fail = errors.New("smtp: connection refused")
	if _, err := h.engine.SendRegistrationCode(ctx, email); !errors.Is(err, portalauth.ErrServerError) {
		t.Fatalf("expected SERVER_ERROR, got %v", err)
	}
	h.mail.fail = nil

	if _, err := h.engine.ConfirmRegistrationIdentity(ctx, portalauth.RegistrationIdentity{
		Email: email, FullName: "Down", Mobile: "9800000007", Code: "123456",
	}); !errors.Is(err, portalauth.ErrOTPExpired) {
		t.Fatalf("undelivered code must not be stored, got %v", err)
	}
}

func TestOTPSendsAreThrottled(t *testing.T) {
	h := newHarness(t, func(c *portalauth.Config) {
		c.Throttle.OTPSendsPerEmail = 2
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := h.engine.SendRegistrationCode(ctx, "busy@army.mil"); err != nil {
			t.Fatalf("send %d: %v", i+1, err)
		}
	}
	if _, err := h.engine.SendRegistrationCode(ctx, "busy@army.mil"); !errors.Is(err, portalauth.ErrRateLimited) {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
	if _, err := h.engine.SendRegistrationCode(ctx, "calm@army.mil"); err != nil {
		t.Fatalf("other email throttled: %v", err)
	}
}
