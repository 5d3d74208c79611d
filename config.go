package portalauth

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"
)

// Config holds every tunable of the Engine.
//
// Config values are copied at Build time; mutating a Config afterwards has no
// effect on a running Engine.
type Config struct {
	JWT            JWTConfig
	Challenge      ChallengeConfig
	Password       PasswordConfig
	PasswordPolicy PasswordPolicyConfig
	Lockout        LockoutConfig
	OTP            OTPConfig
	TOTP           TOTPConfig
	AuthCode       AuthCodeConfig
	Registration   RegistrationConfig
	Redirects      RedirectConfig
	Throttle       ThrottleConfig
	Audit          AuditConfig
	Metrics        MetricsConfig
	Redis          RedisConfig
	Security       SecurityConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig configures access and refresh token signing.
type JWTConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "hs256" (default) or "ed25519"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
}

/*
====================================
CHALLENGE CONFIG
====================================
*/

// ChallengeConfig configures the signed flow-state tokens. SigningKey must
// differ from the access token key.
type ChallengeConfig struct {
	SigningKey      []byte
	LoginTTL        time.Duration
	RegistrationTTL time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds argon2id parameters.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// PasswordPolicyConfig is enforced at the registration security step.
type PasswordPolicyConfig struct {
	MinLength     int
	MaxLength     int
	RequireUpper  bool
	RequireLower  bool
	RequireDigit  bool
	RequireSymbol bool
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig controls failed-password lockout.
type LockoutConfig struct {
	MaxAttempts int
	Duration    time.Duration
}

/*
====================================
ONE-TIME CODE CONFIG
====================================
*/

// OTPConfig controls emailed one-time codes.
type OTPConfig struct {
	Digits          int
	LoginTTL        time.Duration
	RegistrationTTL time.Duration
	VerificationTTL time.Duration
	MaxAttempts     int
}

// TOTPConfig controls authenticator enrollment and verification.
type TOTPConfig struct {
	Issuer           string
	Period           uint
	Digits           int
	Skew             uint
	BackupCodeCount  int
	BackupCodeLength int
	MaxFailures      int
	FailureWindow    time.Duration
}

/*
====================================
AUTHORIZATION CODE CONFIG
====================================
*/

// AuthCodeConfig controls the single-use exchange code.
type AuthCodeConfig struct {
	TTL   time.Duration
	Bytes int
}

/*
====================================
REGISTRATION CONFIG
====================================
*/

// FamilyEmailPolicy decides how a non-defence email is handled for the
// family role.
type FamilyEmailPolicy string

const (
	FamilyEmailWarn   FamilyEmailPolicy = "warn"
	FamilyEmailReject FamilyEmailPolicy = "reject"
)

// RegistrationConfig holds role policy.
type RegistrationConfig struct {
	// IdentifierPatterns maps a role to an anchored regular expression the
	// normalized identifier must match. A missing entry accepts any value.
	IdentifierPatterns map[Role]string
	// PrivilegedNetworks maps privileged roles to CIDR allow-lists.
	PrivilegedNetworks map[Role][]string
	DefenceEmailDomains []string
	DefenceEmailRoles   []Role
	FamilyEmailPolicy   FamilyEmailPolicy
}

/*
====================================
REDIRECT CONFIG
====================================
*/

// RedirectConfig maps roles to post-login destinations.
type RedirectConfig struct {
	BaseURL string
	Targets map[Role]string
}

/*
====================================
THROTTLE CONFIG
====================================
*/

// ThrottleConfig configures shared Redis counters. A zero limit disables
// the throttle.
type ThrottleConfig struct {
	IdentityPerIP    int
	IdentityWindow   time.Duration
	OTPSendsPerEmail int
	OTPSendWindow    time.Duration
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// RedisConfig namespaces every key written by the Engine.
type RedisConfig struct {
	KeyPrefix string
}

/*
====================================
SECURITY CONFIG
====================================
*/

// SecurityConfig holds secrets and hardening switches.
type SecurityConfig struct {
	ProductionMode bool
	// SecretKey is the 32-byte key sealing TOTP secrets at rest.
	SecretKey []byte
	// OTPPepper keys the HMAC applied to one-time codes before storage.
	OTPPepper []byte
}

// DefaultConfig returns the defaults documented for the portal.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "hs256",
			Issuer:        "portalauth",
			Audience:      "portal",
		},
		Challenge: ChallengeConfig{
			LoginTTL:        5 * time.Minute,
			RegistrationTTL: 30 * time.Minute,
		},
		Password: PasswordConfig{
			Memory:      65536,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		PasswordPolicy: PasswordPolicyConfig{
			MinLength:     12,
			MaxLength:     128,
			RequireUpper:  true,
			RequireLower:  true,
			RequireDigit:  true,
			RequireSymbol: true,
		},
		Lockout: LockoutConfig{
			MaxAttempts: 3,
			Duration:    60 * time.Minute,
		},
		OTP: OTPConfig{
			Digits:          6,
			LoginTTL:        5 * time.Minute,
			RegistrationTTL: 10 * time.Minute,
			VerificationTTL: 10 * time.Minute,
			MaxAttempts:     5,
		},
		TOTP: TOTPConfig{
			Issuer:           "Defence Portal",
			Period:           30,
			Digits:           6,
			Skew:             1,
			BackupCodeCount:  10,
			BackupCodeLength: 10,
			MaxFailures:      5,
			FailureWindow:    5 * time.Minute,
		},
		AuthCode: AuthCodeConfig{
			TTL:   30 * time.Second,
			Bytes: 32,
		},
		Registration: RegistrationConfig{
			IdentifierPatterns: map[Role]string{
				RolePersonnel: `^IC-\d{5,6}$`,
				RoleFamily:    `^FAM-\d{5,8}$`,
				RoleVeteran:   `^VET-\d{5,8}$`,
				RoleCERT:      `^CERT-\d{3,6}$`,
				RoleAdmin:     `^ADM-\d{3,6}$`,
			},
			PrivilegedNetworks: map[Role][]string{
				RoleCERT:  {"127.0.0.0/8", "::1/128", "10.0.0.0/8"},
				RoleAdmin: {"127.0.0.0/8", "::1/128", "10.0.0.0/8"},
			},
			DefenceEmailDomains: []string{"mil"},
			DefenceEmailRoles:   []Role{RolePersonnel, RoleCERT, RoleAdmin},
			FamilyEmailPolicy:   FamilyEmailWarn,
		},
		Redirects: RedirectConfig{
			Targets: map[Role]string{
				RolePersonnel: "/dashboard",
				RoleFamily:    "/dashboard",
				RoleVeteran:   "/dashboard",
				RoleCERT:      "/cert/dashboard",
				RoleAdmin:     "/admin/dashboard",
			},
		},
		Throttle: ThrottleConfig{
			IdentityPerIP:    30,
			IdentityWindow:   15 * time.Minute,
			OTPSendsPerEmail: 5,
			OTPSendWindow:    15 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
		Redis: RedisConfig{
			KeyPrefix: "pa",
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.Challenge.SigningKey = cloneBytes(cfg.Challenge.SigningKey)
	out.Security.SecretKey = cloneBytes(cfg.Security.SecretKey)
	out.Security.OTPPepper = cloneBytes(cfg.Security.OTPPepper)

	if cfg.Registration.IdentifierPatterns != nil {
		out.Registration.IdentifierPatterns = make(map[Role]string, len(cfg.Registration.IdentifierPatterns))
		for k, v := range cfg.Registration.IdentifierPatterns {
			out.Registration.IdentifierPatterns[k] = v
		}
	}
	if cfg.Registration.PrivilegedNetworks != nil {
		out.Registration.PrivilegedNetworks = make(map[Role][]string, len(cfg.Registration.PrivilegedNetworks))
		for k, v := range cfg.Registration.PrivilegedNetworks {
			out.Registration.PrivilegedNetworks[k] = append([]string(nil), v...)
		}
	}
	out.Registration.DefenceEmailDomains = append([]string(nil), cfg.Registration.DefenceEmailDomains...)
	out.Registration.DefenceEmailRoles = append([]Role(nil), cfg.Registration.DefenceEmailRoles...)
	if cfg.Redirects.Targets != nil {
		out.Redirects.Targets = make(map[Role]string, len(cfg.Redirects.Targets))
		for k, v := range cfg.Redirects.Targets {
			out.Redirects.Targets[k] = v
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate rejects unsafe or inconsistent settings. ProductionMode adds
// stricter bounds on top of the structural checks.
func (c *Config) Validate() error {
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must be greater than AccessTTL")
	}
	switch c.JWT.SigningMethod {
	case "hs256":
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("hs256 requires a signing key of at least 32 bytes")
		}
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 || len(c.JWT.PublicKey) == 0 {
			return errors.New("ed25519 requires private and public keys")
		}
	default:
		return errors.New("JWT SigningMethod must be hs256 or ed25519")
	}

	if len(c.Challenge.SigningKey) < 32 {
		return errors.New("Challenge SigningKey must be at least 32 bytes")
	}
	if c.JWT.SigningMethod == "hs256" && string(c.Challenge.SigningKey) == string(c.JWT.PrivateKey) {
		return errors.New("Challenge SigningKey must differ from the JWT signing key")
	}
	if c.Challenge.LoginTTL <= 0 || c.Challenge.LoginTTL > time.Hour {
		return errors.New("Challenge LoginTTL must be in (0, 1h]")
	}
	if c.Challenge.RegistrationTTL <= 0 || c.Challenge.RegistrationTTL > 24*time.Hour {
		return errors.New("Challenge RegistrationTTL must be in (0, 24h]")
	}

	if c.PasswordPolicy.MinLength < 8 {
		return errors.New("PasswordPolicy MinLength must be >= 8")
	}
	if c.PasswordPolicy.MaxLength != 0 && c.PasswordPolicy.MaxLength < c.PasswordPolicy.MinLength {
		return errors.New("PasswordPolicy MaxLength must be >= MinLength")
	}

	if c.Lockout.MaxAttempts <= 0 {
		return errors.New("Lockout MaxAttempts must be > 0")
	}
	if c.Lockout.Duration <= 0 {
		return errors.New("Lockout Duration must be > 0")
	}

	if c.OTP.Digits < 6 || c.OTP.Digits > 10 {
		return errors.New("OTP Digits must be in [6, 10]")
	}
	if c.OTP.LoginTTL <= 0 || c.OTP.RegistrationTTL <= 0 || c.OTP.VerificationTTL <= 0 {
		return errors.New("OTP TTLs must be > 0")
	}
	if c.OTP.MaxAttempts <= 0 {
		return errors.New("OTP MaxAttempts must be > 0")
	}

	if c.TOTP.Period == 0 {
		return errors.New("TOTP Period must be > 0")
	}
	if c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
		return errors.New("TOTP Digits must be 6 or 8")
	}
	if c.TOTP.Skew > 3 {
		return errors.New("TOTP Skew must be <= 3")
	}
	if c.TOTP.BackupCodeCount < 0 || c.TOTP.BackupCodeCount > 20 {
		return errors.New("TOTP BackupCodeCount must be in [0, 20]")
	}
	if c.TOTP.BackupCodeCount > 0 && c.TOTP.BackupCodeLength < 8 {
		return errors.New("TOTP BackupCodeLength must be >= 8")
	}

	if c.AuthCode.TTL <= 0 || c.AuthCode.TTL > 5*time.Minute {
		return errors.New("AuthCode TTL must be in (0, 5m]")
	}
	if c.AuthCode.Bytes < 16 {
		return errors.New("AuthCode Bytes must be >= 16")
	}

	for role, pattern := range c.Registration.IdentifierPatterns {
		if _, ok := ParseRole(string(role)); !ok {
			return fmt.Errorf("IdentifierPatterns: unknown role %q", role)
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("IdentifierPatterns[%s]: %w", role, err)
		}
	}
	for role, cidrs := range c.Registration.PrivilegedNetworks {
		if !role.Privileged() {
			return fmt.Errorf("PrivilegedNetworks: role %q is not privileged", role)
		}
		for _, cidr := range cidrs {
			if _, err := netip.ParsePrefix(cidr); err != nil {
				return fmt.Errorf("PrivilegedNetworks[%s]: %w", role, err)
			}
		}
	}
	switch c.Registration.FamilyEmailPolicy {
	case FamilyEmailWarn, FamilyEmailReject:
	default:
		return errors.New("Registration FamilyEmailPolicy must be warn or reject")
	}
	for _, role := range Roles {
		if strings.TrimSpace(c.Redirects.Targets[role]) == "" {
			return fmt.Errorf("Redirects: missing target for role %q", role)
		}
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}

	if len(c.Security.SecretKey) != 32 {
		return errors.New("Security SecretKey must be 32 bytes")
	}
	if len(c.Security.OTPPepper) < 16 {
		return errors.New("Security OTPPepper must be at least 16 bytes")
	}

	if c.Security.ProductionMode {
		if c.JWT.AccessTTL > time.Hour {
			return errors.New("ProductionMode requires JWT AccessTTL <= 1h")
		}
		if c.JWT.RefreshTTL > 30*24*time.Hour {
			return errors.New("ProductionMode requires JWT RefreshTTL <= 30d")
		}
		if c.Password.Memory < 65536 {
			return errors.New("ProductionMode requires Password Memory >= 65536 KB")
		}
		if c.Password.Time < 2 {
			return errors.New("ProductionMode requires Password Time >= 2")
		}
		if c.PasswordPolicy.MinLength < 12 {
			return errors.New("ProductionMode requires PasswordPolicy MinLength >= 12")
		}
		if c.OTP.LoginTTL > 15*time.Minute || c.OTP.MaxAttempts > 5 {
			return errors.New("ProductionMode requires OTP LoginTTL <= 15m and MaxAttempts <= 5")
		}
		if c.Throttle.IdentityPerIP <= 0 || c.Throttle.OTPSendsPerEmail <= 0 {
			return errors.New("ProductionMode requires identity and OTP send throttles")
		}
		if len(c.Registration.PrivilegedNetworks[RoleAdmin]) == 0 || len(c.Registration.PrivilegedNetworks[RoleCERT]) == 0 {
			return errors.New("ProductionMode requires network allow-lists for cert and admin")
		}
	}

	return nil
}
