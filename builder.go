package portalauth

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"time"

	"github.com/MrEthical07/portalauth/challenge"
	"github.com/MrEthical07/portalauth/internal/audit"
	"github.com/MrEthical07/portalauth/internal/limiters"
	"github.com/MrEthical07/portalauth/internal/secretbox"
	"github.com/MrEthical07/portalauth/internal/stores"
	"github.com/MrEthical07/portalauth/jwt"
	"github.com/MrEthical07/portalauth/password"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an Engine. A Builder can be used once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	users     UserStore
	refresh   RefreshTokenStore
	notifier  Notifier
	logger    Logger
	auditSink AuditSink
	clock     func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the shared store for one-time codes, authorization codes,
// the spent-id ledger and throttles.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithUserStore(s UserStore) *Builder {
	b.users = s
	return b
}

func (b *Builder) WithRefreshTokenStore(s RefreshTokenStore) *Builder {
	b.refresh = s
	return b
}

func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

func (b *Builder) WithLogger(l Logger) *Builder {
	b.logger = l
	return b
}

// WithAuditSink enables the async audit dispatcher with sink.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	if sink != nil {
		b.config.Audit.Enabled = true
	}
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// WithClock replaces time.Now. Intended for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

// Build validates the configuration and wires every component.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.users == nil {
		return nil, errors.New("user store required")
	}
	if b.refresh == nil {
		return nil, errors.New("refresh token store required")
	}
	if b.notifier == nil {
		return nil, errors.New("notifier required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	engine := &Engine{
		config:   cfg,
		users:    b.users,
		refresh:  b.refresh,
		notifier: b.notifier,
		logger:   b.logger,
		now:      b.clock,
	}
	if engine.logger == nil {
		engine.logger = nopLogger{}
	}
	if engine.now == nil {
		engine.now = time.Now
	}

	// -------- REDIS STORES --------
	prefix := cfg.Redis.KeyPrefix
	engine.otps = stores.NewOTPStore(b.redis, prefix)
	engine.authCodes = stores.NewAuthCodeStore(b.redis, prefix)
	engine.ledger = stores.NewLedger(b.redis, prefix)

	engine.identityLimiter = limiters.NewCounter(b.redis, prefix+":thr:ident", limiters.Config{
		Limit:  cfg.Throttle.IdentityPerIP,
		Window: cfg.Throttle.IdentityWindow,
	})
	engine.otpSendLimiter = limiters.NewCounter(b.redis, prefix+":thr:otp", limiters.Config{
		Limit:  cfg.Throttle.OTPSendsPerEmail,
		Window: cfg.Throttle.OTPSendWindow,
	})
	engine.mfaLimiter = limiters.NewCounter(b.redis, prefix+":thr:mfa", limiters.Config{
		Limit:  cfg.TOTP.MaxFailures,
		Window: cfg.TOTP.FailureWindow,
	})

	engine.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)
	engine.totp = newTOTPManager(cfg.TOTP)

	// -------- CRYPTO --------
	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	engine.passwordHash = ph
	engine.policy = password.Policy{
		MinLength:     cfg.PasswordPolicy.MinLength,
		MaxLength:     cfg.PasswordPolicy.MaxLength,
		RequireUpper:  cfg.PasswordPolicy.RequireUpper,
		RequireLower:  cfg.PasswordPolicy.RequireLower,
		RequireDigit:  cfg.PasswordPolicy.RequireDigit,
		RequireSymbol: cfg.PasswordPolicy.RequireSymbol,
	}

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.JWT.RefreshTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
		Now:           engine.now,
	})
	if err != nil {
		return nil, err
	}
	engine.jwtManager = jm

	enc, err := challenge.NewEncoder(challenge.Config{
		Key:             cloneBytes(cfg.Challenge.SigningKey),
		Issuer:          cfg.JWT.Issuer,
		LoginTTL:        cfg.Challenge.LoginTTL,
		RegistrationTTL: cfg.Challenge.RegistrationTTL,
		Now:             engine.now,
	})
	if err != nil {
		return nil, err
	}
	engine.challenges = enc

	box, err := secretbox.New(cfg.Security.SecretKey)
	if err != nil {
		return nil, err
	}
	engine.box = box

	// -------- ROLE POLICY --------
	engine.identifierPatterns = make(map[Role]*regexp.Regexp, len(cfg.Registration.IdentifierPatterns))
	for role, pattern := range cfg.Registration.IdentifierPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("identifier pattern for %s: %w", role, err)
		}
		engine.identifierPatterns[role] = re
	}
	engine.networks = make(map[Role][]netip.Prefix, len(cfg.Registration.PrivilegedNetworks))
	for role, cidrs := range cfg.Registration.PrivilegedNetworks {
		for _, cidr := range cidrs {
			p, err := netip.ParsePrefix(cidr)
			if err != nil {
				return nil, fmt.Errorf("network allow-list for %s: %w", role, err)
			}
			engine.networks[role] = append(engine.networks[role], p.Masked())
		}
	}

	b.built = true

	return engine, nil
}
