package internaldefs

import (
	"github.com/MrEthical07/portalauth"
)

// CounterDef binds an engine counter to its exported name.
type CounterDef struct {
	ID   portalauth.MetricID
	Name string
	Help string
}

// HistogramDef binds an engine latency histogram to its exported name.
type HistogramDef struct {
	ID   portalauth.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: portalauth.MetricIdentitySuccess, Name: "portalauth_identity_success_total", Help: "Identity stages that issued a login challenge."},
	{ID: portalauth.MetricIdentityFailure, Name: "portalauth_identity_failure_total", Help: "Identity stages rejected with an invalid credential response."},
	{ID: portalauth.MetricPasswordSuccess, Name: "portalauth_password_success_total", Help: "Password stages that advanced to MFA."},
	{ID: portalauth.MetricPasswordFailure, Name: "portalauth_password_failure_total", Help: "Password stages rejected for a wrong password."},
	{ID: portalauth.MetricAccountLocked, Name: "portalauth_account_locked_total", Help: "Accounts locked after repeated password failures."},
	{ID: portalauth.MetricChallengeRejected, Name: "portalauth_challenge_rejected_total", Help: "Challenges rejected as invalid, expired, spent or out of stage."},
	{ID: portalauth.MetricOTPSent, Name: "portalauth_otp_sent_total", Help: "Email one-time codes dispatched."},
	{ID: portalauth.MetricOTPVerified, Name: "portalauth_otp_verified_total", Help: "Email one-time codes accepted."},
	{ID: portalauth.MetricOTPFailure, Name: "portalauth_otp_failure_total", Help: "Email one-time codes rejected."},
	{ID: portalauth.MetricTOTPSuccess, Name: "portalauth_totp_success_total", Help: "Authenticator codes accepted."},
	{ID: portalauth.MetricTOTPFailure, Name: "portalauth_totp_failure_total", Help: "Authenticator codes rejected."},
	{ID: portalauth.MetricTOTPReplay, Name: "portalauth_totp_replay_total", Help: "Authenticator codes rejected as already used."},
	{ID: portalauth.MetricBackupCodeUsed, Name: "portalauth_backup_code_used_total", Help: "Backup codes consumed."},
	{ID: portalauth.MetricBackupCodeFailed, Name: "portalauth_backup_code_failed_total", Help: "Backup codes rejected."},
	{ID: portalauth.MetricMFAFailure, Name: "portalauth_mfa_failure_total", Help: "MFA stages rejected for any reason."},
	{ID: portalauth.MetricLoginSuccess, Name: "portalauth_login_success_total", Help: "Logins completed with an authorization code."},
	{ID: portalauth.MetricRegistrationIdentity, Name: "portalauth_registration_identity_total", Help: "Registration identity stages completed."},
	{ID: portalauth.MetricRegistrationService, Name: "portalauth_registration_service_total", Help: "Registration service stages completed."},
	{ID: portalauth.MetricRegistrationSecurity, Name: "portalauth_registration_security_total", Help: "Registration security stages completed."},
	{ID: portalauth.MetricRegistrationRejected, Name: "portalauth_registration_rejected_total", Help: "Registration stages rejected by validation or policy."},
	{ID: portalauth.MetricAccountCreated, Name: "portalauth_account_created_total", Help: "Accounts created by registration."},
	{ID: portalauth.MetricAccountDuplicate, Name: "portalauth_account_duplicate_total", Help: "Activations rejected because the account already exists."},
	{ID: portalauth.MetricAuthCodeIssued, Name: "portalauth_auth_code_issued_total", Help: "Authorization codes issued."},
	{ID: portalauth.MetricAuthCodeExchanged, Name: "portalauth_auth_code_exchanged_total", Help: "Authorization codes exchanged for tokens."},
	{ID: portalauth.MetricAuthCodeRejected, Name: "portalauth_auth_code_rejected_total", Help: "Authorization codes rejected as unknown, expired or spent."},
	{ID: portalauth.MetricRefreshSuccess, Name: "portalauth_refresh_success_total", Help: "Refresh tokens rotated."},
	{ID: portalauth.MetricRefreshFailure, Name: "portalauth_refresh_failure_total", Help: "Refresh attempts rejected."},
	{ID: portalauth.MetricRefreshReuseDetected, Name: "portalauth_refresh_reuse_detected_total", Help: "Rotated refresh tokens presented again."},
	{ID: portalauth.MetricLogout, Name: "portalauth_logout_total", Help: "Logouts processed."},
	{ID: portalauth.MetricAccountStatusChange, Name: "portalauth_account_status_change_total", Help: "Administrative account status changes."},
	{ID: portalauth.MetricRateLimitHit, Name: "portalauth_rate_limit_hit_total", Help: "Requests refused by an engine throttle."},
}

// HistogramDefs lists every exported latency histogram.
var HistogramDefs = []HistogramDef{
	{ID: portalauth.MetricExchangeLatency, Name: "portalauth_exchange_latency_seconds", Help: "Authorization code exchange latency."},
	{ID: portalauth.MetricPasswordLatency, Name: "portalauth_password_latency_seconds", Help: "Password verification latency."},
}

// AuditDroppedName is the counter for audit events dropped under
// backpressure.
const AuditDroppedName = "portalauth_audit_dropped_total"

// HistogramBounds are the upper bounds of the engine's latency buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramUpperBounds mirrors HistogramBounds without the +Inf bucket.
var HistogramUpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix renders HistogramBounds as instrument name suffixes.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the engine's bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
