package portalauth_test

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/portalauth"
	"github.com/MrEthical07/portalauth/internal"
	"github.com/MrEthical07/portalauth/internal/memstore"
	"github.com/MrEthical07/portalauth/internal/secretbox"
	"github.com/MrEthical07/portalauth/password"
	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
)

const testPassword = "Sentry#Post-1947"

type outbox struct {
	mu   sync.Mutex
	sent []portalauth.Notification
	fail error
}

func (o *outbox) Notify(_ context.Context, n portalauth.Notification) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		return o.fail
	}
	o.sent = append(o.sent, n)
	return nil
}

// code returns the newest one-time code sent to email for purpose.
func (o *outbox) code(t *testing.T, email string, purpose portalauth.OTPPurpose) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.sent) - 1; i >= 0; i-- {
		n := o.sent[i]
		if n.Kind == portalauth.NotifyOneTimeCode && n.Email == email && n.Purpose == purpose {
			return n.Code
		}
	}
	t.Fatalf("no %s code sent to %s", purpose, email)
	return ""
}

func (o *outbox) count(kind portalauth.NotificationKind) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, m := range o.sent {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	engine  *portalauth.Engine
	users   *memstore.Users
	refresh *memstore.RefreshTokens
	mail    *outbox
	clock   *clock
	mr      *miniredis.Miniredis
	cfg     portalauth.Config
	sink    *portalauth.ChannelSink
}

func randomKey(t testing.TB, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return b
}

func testConfig(t testing.TB) portalauth.Config {
	t.Helper()
	cfg := portalauth.DefaultConfig()
	cfg.JWT.PrivateKey = randomKey(t, 32)
	cfg.Challenge.SigningKey = randomKey(t, 32)
	cfg.Security.SecretKey = randomKey(t, 32)
	cfg.Security.OTPPepper = randomKey(t, 32)
	cfg.Password = portalauth.PasswordConfig{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
	cfg.Redirects.BaseURL = "https://portal.example"
	return cfg
}

func newHarness(t testing.TB, mutate ...func(*portalauth.Config)) *harness {
	t.Helper()
	return buildHarness(t, true, mutate...)
}

// buildHarness wires an engine over miniredis and in-memory stores. Without
// audit the engine runs with no sink, which benchmarks need since nothing
// drains the channel.
func buildHarness(t testing.TB, audit bool, mutate ...func(*portalauth.Config)) *harness {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := testConfig(t)
	for _, m := range mutate {
		m(&cfg)
	}

	h := &harness{
		users:   memstore.NewUsers(),
		refresh: memstore.NewRefreshTokens(),
		mail:    &outbox{},
		clock:   &clock{now: time.Now()},
		mr:      mr,
		cfg:     cfg,
	}
	builder := portalauth.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(h.users).
		WithRefreshTokenStore(h.refresh).
		WithNotifier(h.mail).
		WithClock(h.clock.Now)
	if audit {
		h.sink = portalauth.NewChannelSink(1024)
		builder = builder.WithAuditSink(h.sink)
	}
	engine, err := builder.Build()
	if err != nil {
		mr.Close()
		t.Fatalf("Build: %v", err)
	}
	h.engine = engine

	t.Cleanup(func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	})
	return h
}

type seedUser struct {
	id         string
	role       portalauth.Role
	identifier string
	email      string
	method     portalauth.MFAMethod
	inactive   bool
	backup     []string
}

// seed stores a user with testPassword. For TOTP users the plain base32
// secret is returned.
func (h *harness) seed(t testing.TB, s seedUser) string {
	t.Helper()

	hasher, err := password.NewArgon2(password.Config{
		Memory:      h.cfg.Password.Memory,
		Time:        h.cfg.Password.Time,
		Parallelism: h.cfg.Password.Parallelism,
		SaltLength:  h.cfg.Password.SaltLength,
		KeyLength:   h.cfg.Password.KeyLength,
	})
	if err != nil {
		t.Fatalf("NewArgon2: %v", err)
	}
	hash, err := hasher.Hash(testPassword)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	u := &portalauth.User{
		ID:           s.id,
		FullName:     "Test User",
		Email:        s.email,
		Mobile:       "+919800000000",
		Identifier:   s.identifier,
		Role:         s.role,
		PasswordHash: hash,
		MFAMethod:    s.method,
		Active:       !s.inactive,
		Verified:     true,
		CreatedAt:    h.clock.Now(),
	}

	var secret string
	if s.method == portalauth.MFATOTP {
		key, err := totp.Generate(totp.GenerateOpts{Issuer: "test", AccountName: s.email})
		if err != nil {
			t.Fatalf("totp.Generate: %v", err)
		}
		secret = key.Secret()
		box, err := secretbox.New(h.cfg.Security.SecretKey)
		if err != nil {
			t.Fatalf("secretbox: %v", err)
		}
		u.TOTPSecret, err = box.Seal([]byte(secret), []byte("totp-secret"))
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		for _, c := range s.backup {
			u.BackupCodes = append(u.BackupCodes, backupDigest(c))
		}
	}

	if err := h.users.Create(context.Background(), u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return secret
}

func (h *harness) totpCode(t testing.TB, secret string, offset time.Duration) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, h.clock.Now().Add(offset), totp.ValidateOpts{
		Period:    h.cfg.TOTP.Period,
		Digits:    otp.Digits(h.cfg.TOTP.Digits),
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("GenerateCodeCustom: %v", err)
	}
	return code
}

// toMFA drives a login for the seeded user up to the MFA step.
func (h *harness) toMFA(t testing.TB, ctx context.Context, s seedUser) *portalauth.StepResult {
	t.Helper()
	step, err := h.engine.BeginLogin(ctx, portalauth.LoginIdentity{
		Role:       string(s.role),
		Identifier: s.identifier,
		Email:      s.email,
	})
	if err != nil {
		t.Fatalf("BeginLogin: %v", err)
	}
	step, err = h.engine.VerifyLoginPassword(ctx, step.Challenge, testPassword)
	if err != nil {
		t.Fatalf("VerifyLoginPassword: %v", err)
	}
	return step
}

// drainAudit collects up to want audit events, giving up after two seconds.
func (h *harness) drainAudit(t *testing.T, want int) []portalauth.AuditEvent {
	t.Helper()
	var out []portalauth.AuditEvent
	deadline := time.After(2 * time.Second)
	for len(out) < want {
		select {
		case ev := <-h.sink.Events():
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func backupDigest(code string) string {
	return internal.HashToken(internal.NormalizeBackupCode(code))
}
