// Package config loads the portald server configuration.
//
// Values are layered: built-in defaults, then an optional TOML file, then
// PORTAL_* environment variables for secrets and endpoints, then flags.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/MrEthical07/portalauth"
)

// Duration decodes TOML strings such as "15m" into a time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full server configuration.
type Config struct {
	Addr        string `toml:"addr"`
	Dev         bool   `toml:"dev"`
	DatabaseDSN string `toml:"database_dsn"`
	RedisAddr   string `toml:"redis_addr"`
	RedisDB     int    `toml:"redis_db"`
	LogFormat   string `toml:"log_format"`
	LogLevel    string `toml:"log_level"`

	HTTP         HTTPConfig         `toml:"http"`
	Auth         AuthConfig         `toml:"auth"`
	Keys         KeysConfig         `toml:"keys"`
	Policy       PolicyConfig       `toml:"policy"`
	SMTP         SMTPConfig         `toml:"smtp"`
	Housekeeping HousekeepingConfig `toml:"housekeeping"`
}

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	CookieSecure   bool     `toml:"cookie_secure"`
	CookieDomain   string   `toml:"cookie_domain"`
	MaxBodyBytes   int64    `toml:"max_body_bytes"`
	RequestsPerSec float64  `toml:"requests_per_sec"`
	Burst          int      `toml:"burst"`
	TrustProxy     bool     `toml:"trust_proxy"`
	TrustedProxies []string `toml:"trusted_proxies"`
	ReadTimeout    Duration `toml:"read_timeout"`
	WriteTimeout   Duration `toml:"write_timeout"`
	RedirectBase   string   `toml:"redirect_base"`
}

// AuthConfig overrides protocol timings. Zero values keep the engine
// defaults.
type AuthConfig struct {
	AccessTTL         Duration `toml:"access_ttl"`
	RefreshTTL        Duration `toml:"refresh_ttl"`
	LoginChallengeTTL Duration `toml:"login_challenge_ttl"`
	RegistrationTTL   Duration `toml:"registration_ttl"`
	LockoutAttempts   int      `toml:"lockout_attempts"`
	LockoutDuration   Duration `toml:"lockout_duration"`
	OTPMaxAttempts    int      `toml:"otp_max_attempts"`
	AuthCodeTTL       Duration `toml:"auth_code_ttl"`
	Issuer            string   `toml:"issuer"`
	TOTPIssuer        string   `toml:"totp_issuer"`
	AuditBuffer       int      `toml:"audit_buffer"`
}

// KeysConfig holds base64-encoded key material. Prefer the environment.
type KeysConfig struct {
	SigningKey   string `toml:"signing_key"`
	ChallengeKey string `toml:"challenge_key"`
	SecretKey    string `toml:"secret_key"`
	OTPPepper    string `toml:"otp_pepper"`
}

// PolicyConfig holds role policy.
type PolicyConfig struct {
	PrivilegedNetworks  map[string][]string `toml:"privileged_networks"`
	IdentifierPatterns  map[string]string   `toml:"identifier_patterns"`
	DefenceEmailDomains []string            `toml:"defence_email_domains"`
	FamilyEmailPolicy   string              `toml:"family_email_policy"`
}

// SMTPConfig configures outbound mail. An empty Addr selects log delivery.
type SMTPConfig struct {
	Addr     string `toml:"addr"`
	Host     string `toml:"host"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	From     string `toml:"from"`
}

// HousekeepingConfig controls the refresh-record purge loop.
type HousekeepingConfig struct {
	Interval  Duration `toml:"interval"`
	Retention Duration `toml:"retention"`
}

// Default returns development-friendly defaults.
func Default() *Config {
	return &Config{
		Addr:      ":8080",
		RedisAddr: "127.0.0.1:6379",
		LogFormat: "json",
		LogLevel:  "info",
		HTTP: HTTPConfig{
			CookieSecure:   true,
			MaxBodyBytes:   64 << 10,
			RequestsPerSec: 50,
			Burst:          100,
			ReadTimeout:    Duration{10 * time.Second},
			WriteTimeout:   Duration{10 * time.Second},
		},
		Housekeeping: HousekeepingConfig{
			Interval:  Duration{time.Hour},
			Retention: Duration{30 * 24 * time.Hour},
		},
	}
}

// LoadFile overlays the TOML file at path onto cfg. Keys unknown to Config
// are rejected.
func LoadFile(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnv overlays PORTAL_* variables read through getenv.
//
//   - PORTAL_DATABASE_DSN
//   - PORTAL_REDIS_ADDR
//   - PORTAL_SIGNING_KEY, PORTAL_CHALLENGE_KEY, PORTAL_SECRET_KEY, PORTAL_OTP_PEPPER (base64)
//   - PORTAL_SMTP_PASSWORD
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.DatabaseDSN, "PORTAL_DATABASE_DSN")
	set(&c.RedisAddr, "PORTAL_REDIS_ADDR")
	set(&c.Keys.SigningKey, "PORTAL_SIGNING_KEY")
	set(&c.Keys.ChallengeKey, "PORTAL_CHALLENGE_KEY")
	set(&c.Keys.SecretKey, "PORTAL_SECRET_KEY")
	set(&c.Keys.OTPPepper, "PORTAL_OTP_PEPPER")
	set(&c.SMTP.Password, "PORTAL_SMTP_PASSWORD")
}

// Validate checks server-level settings. Engine settings are validated by
// portalauth.Config.Validate.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if !c.Dev {
		if c.DatabaseDSN == "" {
			return errors.New("database_dsn is required outside dev mode")
		}
		if c.RedisAddr == "" {
			return errors.New("redis_addr is required outside dev mode")
		}
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return errors.New("http.max_body_bytes must be > 0")
	}
	if c.Housekeeping.Interval.Duration < 0 || c.Housekeeping.Retention.Duration < 0 {
		return errors.New("housekeeping durations must not be negative")
	}
	return nil
}

func decodeKey(name, v string) ([]byte, error) {
	if v == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid base64: %w", name, err)
	}
	return b, nil
}

// Engine builds the engine configuration from defaults and overrides.
func (c *Config) Engine() (portalauth.Config, error) {
	out := portalauth.DefaultConfig()
	out.Security.ProductionMode = !c.Dev

	var err error
	if out.JWT.PrivateKey, err = decodeKey("signing_key", c.Keys.SigningKey); err != nil {
		return out, err
	}
	if out.Challenge.SigningKey, err = decodeKey("challenge_key", c.Keys.ChallengeKey); err != nil {
		return out, err
	}
	if out.Security.SecretKey, err = decodeKey("secret_key", c.Keys.SecretKey); err != nil {
		return out, err
	}
	if out.Security.OTPPepper, err = decodeKey("otp_pepper", c.Keys.OTPPepper); err != nil {
		return out, err
	}

	a := c.Auth
	overrideDuration(&out.JWT.AccessTTL, a.AccessTTL)
	overrideDuration(&out.JWT.RefreshTTL, a.RefreshTTL)
	overrideDuration(&out.Challenge.LoginTTL, a.LoginChallengeTTL)
	overrideDuration(&out.Challenge.RegistrationTTL, a.RegistrationTTL)
	overrideDuration(&out.Lockout.Duration, a.LockoutDuration)
	overrideDuration(&out.AuthCode.TTL, a.AuthCodeTTL)
	if a.LockoutAttempts > 0 {
		out.Lockout.MaxAttempts = a.LockoutAttempts
	}
	if a.OTPMaxAttempts > 0 {
		out.OTP.MaxAttempts = a.OTPMaxAttempts
	}
	if a.Issuer != "" {
		out.JWT.Issuer = a.Issuer
	}
	if a.TOTPIssuer != "" {
		out.TOTP.Issuer = a.TOTPIssuer
	}
	if a.AuditBuffer > 0 {
		out.Audit.BufferSize = a.AuditBuffer
	}
	if c.HTTP.RedirectBase != "" {
		out.Redirects.BaseURL = c.HTTP.RedirectBase
	}

	p := c.Policy
	if len(p.PrivilegedNetworks) > 0 {
		out.Registration.PrivilegedNetworks = make(map[portalauth.Role][]string, len(p.PrivilegedNetworks))
		for role, cidrs := range p.PrivilegedNetworks {
			r, ok := portalauth.ParseRole(role)
			if !ok {
				return out, fmt.Errorf("policy.privileged_networks: unknown role %q", role)
			}
			out.Registration.PrivilegedNetworks[r] = cidrs
		}
	}
	for role, pattern := range p.IdentifierPatterns {
		r, ok := portalauth.ParseRole(role)
		if !ok {
			return out, fmt.Errorf("policy.identifier_patterns: unknown role %q", role)
		}
		out.Registration.IdentifierPatterns[r] = pattern
	}
	if len(p.DefenceEmailDomains) > 0 {
		out.Registration.DefenceEmailDomains = p.DefenceEmailDomains
	}
	switch portalauth.FamilyEmailPolicy(p.FamilyEmailPolicy) {
	case "":
	case portalauth.FamilyEmailWarn, portalauth.FamilyEmailReject:
		out.Registration.FamilyEmailPolicy = portalauth.FamilyEmailPolicy(p.FamilyEmailPolicy)
	default:
		return out, fmt.Errorf("policy.family_email_policy: %q is not warn or reject", p.FamilyEmailPolicy)
	}
	return out, nil
}

func overrideDuration(dst *time.Duration, v Duration) {
	if v.Duration > 0 {
		*dst = v.Duration
	}
}
