package portalauth

import (
	"context"
	"time"
)

const (
	auditEventLoginIdentity        = "login_identity"
	auditEventLoginPassword        = "login_password"
	auditEventLoginLocked          = "login_account_locked"
	auditEventLoginOTPSent         = "login_otp_sent"
	auditEventLoginMFA             = "login_mfa"
	auditEventRegistrationCodeSent = "registration_code_sent"
	auditEventRegistrationIdentity = "registration_identity"
	auditEventRegistrationService  = "registration_service"
	auditEventRegistrationSecurity = "registration_security"
	auditEventTOTPEnrollment       = "registration_totp_enrollment"
	auditEventActivationOTPSent    = "registration_activation_otp_sent"
	auditEventAccountCreated       = "account_created"
	auditEventCodeExchange         = "auth_code_exchange"
	auditEventRefresh              = "refresh"
	auditEventRefreshReuse         = "refresh_reuse_detected"
	auditEventLogout               = "logout"
	auditEventAccountStatusChange  = "account_status_change"
	auditEventAccountUnlock        = "account_unlock"
	auditEventRateLimitTriggered   = "rate_limit_triggered"
	auditEventChallengeRejected    = "challenge_rejected"
)

type auditFields struct {
	userID string
	role   Role
	email  string
}

// emitAudit records an outcome. err, when non-nil, is reduced to its
// taxonomy code so no internal detail reaches a sink.
func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	who auditFields,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    who.userID,
		Role:      string(who.role),
		Email:     who.email,
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if err != nil {
		event.Error = string(CodeOf(err))
	}

	e.audit.Emit(ctx, event)
}

// rejectRequest records input refused before any protocol state was touched
// and returns err.
func (e *Engine) rejectRequest(ctx context.Context, eventType string, who auditFields, err error) error {
	e.emitAudit(ctx, eventType, false, who, err, nil)
	return err
}

func (e *Engine) emitRateLimit(ctx context.Context, scope string, who auditFields) {
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, who, ErrRateLimited, func() map[string]string {
		return map[string]string{"scope": scope}
	})
}
