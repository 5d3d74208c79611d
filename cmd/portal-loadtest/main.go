// Command portal-loadtest drives the engine in-process: it logs in a pool
// of email-MFA users through every stage, then measures access validation
// and refresh rotation under concurrency.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	mrand "math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/portalauth"
	"github.com/MrEthical07/portalauth/internal/memstore"
	"github.com/MrEthical07/portalauth/password"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const loadPassword = "Sentry#Post-1947"

type userState struct {
	id      string
	email   string
	access  string
	refresh string
	mu      sync.Mutex
}

// mailbox keeps the newest code per address.
type mailbox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (m *mailbox) Notify(_ context.Context, n portalauth.Notification) error {
	if n.Kind != portalauth.NotifyOneTimeCode {
		return nil
	}
	m.mu.Lock()
	m.codes[n.Email] = n.Code
	m.mu.Unlock()
	return nil
}

func (m *mailbox) code(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[email]
}

func main() {
	var (
		users       = flag.Int("users", 500, "number of users to log in")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 50000, "operations per phase (validate + refresh)")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	flag.Parse()

	if *users <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "users, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var cleanup func()
	var client *redis.Client
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", mr.Addr())
	} else {
		client = redis.NewClient(&redis.Options{Addr: addr})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	cfg := portalauth.DefaultConfig()
	cfg.JWT.PrivateKey = randomKey()
	cfg.Challenge.SigningKey = randomKey()
	cfg.Security.SecretKey = randomKey()
	cfg.Security.OTPPepper = randomKey()
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1

	store := memstore.NewUsers()
	mail := &mailbox{codes: make(map[string]string, *users)}
	engine, err := portalauth.New().
		WithConfig(cfg).
		WithRedis(client).
		WithUserStore(store).
		WithRefreshTokenStore(memstore.NewRefreshTokens()).
		WithNotifier(mail).
		WithMetricsEnabled(true).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	states, err := seedUsers(ctx, store, cfg.Password, *users)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("logging in %d users...\n", *users)
	loginStats := runLoginPhase(ctx, engine, mail, states, *concurrency)
	validateStats := runValidatePhase(ctx, engine, states, *ops, *concurrency)
	refreshStats := runRefreshPhase(ctx, engine, states, *ops, *concurrency)

	fmt.Println("---- results ----")
	printStats("login", loginStats)
	printStats("validate", validateStats)
	printStats("refresh", refreshStats)

	snap := engine.MetricsSnapshot()
	fmt.Printf("reuse_detected=%d rate_limited=%d\n",
		snap.Counters[portalauth.MetricRefreshReuseDetected],
		snap.Counters[portalauth.MetricRateLimitHit],
	)
}

func randomKey() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func seedUsers(ctx context.Context, store *memstore.Users, pc portalauth.PasswordConfig, n int) ([]userState, error) {
	hasher, err := password.NewArgon2(password.Config{
		Memory:      pc.Memory,
		Time:        pc.Time,
		Parallelism: pc.Parallelism,
		SaltLength:  pc.SaltLength,
		KeyLength:   pc.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	hash, err := hasher.Hash(loadPassword)
	if err != nil {
		return nil, err
	}

	states := make([]userState, n)
	for i := 0; i < n; i++ {
		u := &portalauth.User{
			ID:           fmt.Sprintf("load-%d", i),
			FullName:     "Load User",
			Email:        fmt.Sprintf("load%d@example.org", i),
			Identifier:   fmt.Sprintf("VET-%06d", i),
			Role:         portalauth.RoleVeteran,
			PasswordHash: hash,
			MFAMethod:    portalauth.MFAEmail,
			Active:       true,
			Verified:     true,
			CreatedAt:    time.Now(),
		}
		if err := store.Create(ctx, u); err != nil {
			return nil, err
		}
		states[i].id = u.ID
		states[i].email = u.Email
	}
	return states, nil
}

func login(ctx context.Context, engine *portalauth.Engine, mail *mailbox, i int, s *userState) error {
	step, err := engine.BeginLogin(ctx, portalauth.LoginIdentity{
		Role:       string(portalauth.RoleVeteran),
		Identifier: fmt.Sprintf("VET-%06d", i),
		Email:      s.email,
	})
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	step, err = engine.VerifyLoginPassword(ctx, step.Challenge, loadPassword)
	if err != nil {
		return fmt.Errorf("password: %w", err)
	}
	challenge := step.Challenge
	dispatch, err := engine.SendLoginOTP(ctx, challenge)
	if err != nil {
		return fmt.Errorf("send otp: %w", err)
	}
	if dispatch.Challenge != "" {
		challenge = dispatch.Challenge
	}
	auth, err := engine.VerifyLoginMFA(ctx, challenge, string(portalauth.MFAEmail), mail.code(s.email))
	if err != nil {
		return fmt.Errorf("mfa: %w", err)
	}
	tokens, err := engine.ExchangeCode(ctx, auth.Code)
	if err != nil {
		return fmt.Errorf("exchange: %w", err)
	}
	s.access = tokens.AccessToken
	s.refresh = tokens.RefreshToken
	return nil
}

func runLoginPhase(ctx context.Context, engine *portalauth.Engine, mail *mailbox, states []userState, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, len(states))
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= len(states) {
					return
				}
				t0 := time.Now()
				err := login(ctx, engine, mail, i, &states[i])
				d := time.Since(t0)
				if err != nil {
					if atomic.AddInt64(&failures, 1) == 1 {
						fmt.Fprintf(os.Stderr, "first login failure: %v\n", err)
					}
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

func runValidatePhase(ctx context.Context, engine *portalauth.Engine, states []userState, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := mrand.New(mrand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				state := &states[r.Intn(len(states))]
				state.mu.Lock()
				token := state.access
				state.mu.Unlock()

				t0 := time.Now()
				_, err := engine.ValidateAccess(ctx, token)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

func runRefreshPhase(ctx context.Context, engine *portalauth.Engine, states []userState, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := mrand.New(mrand.NewSource(time.Now().UnixNano() + int64(worker)*6151))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				state := &states[r.Intn(len(states))]

				// Rotation is serialized per user; a concurrent presentation
				// of the same token would trip reuse detection.
				state.mu.Lock()
				t0 := time.Now()
				tokens, err := engine.Refresh(ctx, state.refresh)
				d := time.Since(t0)
				if err == nil {
					state.refresh = tokens.RefreshToken
					state.access = tokens.AccessToken
				} else {
					atomic.AddInt64(&failures, 1)
				}
				state.mu.Unlock()

				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
