package portalauth

import "time"

// SecurityReport summarizes the security-relevant configuration of a built
// Engine. It never includes key material.
type SecurityReport struct {
	ProductionMode     bool
	SigningAlgorithm   string
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	LoginChallengeTTL  time.Duration
	RegistrationTTL    time.Duration
	Argon2             PasswordConfigReport
	LockoutThreshold   int
	LockoutDuration    time.Duration
	OTPDigits          int
	OTPMaxAttempts     int
	TOTPSkew           uint
	BackupCodeCount    int
	AuthCodeTTL        time.Duration
	IdentityThrottle   bool
	OTPSendThrottle    bool
	MFAThrottle        bool
	PrivilegedNetworks map[Role]int
	FamilyEmailPolicy  FamilyEmailPolicy
	AuditEnabled       bool
	MetricsEnabled     bool
}

type PasswordConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	networks := make(map[Role]int, len(e.networks))
	for role, prefixes := range e.networks {
		networks[role] = len(prefixes)
	}

	return SecurityReport{
		ProductionMode:    e.config.Security.ProductionMode,
		SigningAlgorithm:  e.config.JWT.SigningMethod,
		AccessTTL:         e.config.JWT.AccessTTL,
		RefreshTTL:        e.config.JWT.RefreshTTL,
		LoginChallengeTTL: e.config.Challenge.LoginTTL,
		RegistrationTTL:   e.config.Challenge.RegistrationTTL,
		Argon2: PasswordConfigReport{
			Memory:      e.config.Password.Memory,
			Time:        e.config.Password.Time,
			Parallelism: e.config.Password.Parallelism,
			SaltLength:  e.config.Password.SaltLength,
			KeyLength:   e.config.Password.KeyLength,
		},
		LockoutThreshold:   e.config.Lockout.MaxAttempts,
		LockoutDuration:    e.config.Lockout.Duration,
		OTPDigits:          e.config.OTP.Digits,
		OTPMaxAttempts:     e.config.OTP.MaxAttempts,
		TOTPSkew:           e.config.TOTP.Skew,
		BackupCodeCount:    e.config.TOTP.BackupCodeCount,
		AuthCodeTTL:        e.config.AuthCode.TTL,
		IdentityThrottle:   e.config.Throttle.IdentityPerIP > 0,
		OTPSendThrottle:    e.config.Throttle.OTPSendsPerEmail > 0,
		MFAThrottle:        e.config.TOTP.MaxFailures > 0,
		PrivilegedNetworks: networks,
		FamilyEmailPolicy:  e.config.Registration.FamilyEmailPolicy,
		AuditEnabled:       e.config.Audit.Enabled,
		MetricsEnabled:     e.config.Metrics.Enabled,
	}
}
