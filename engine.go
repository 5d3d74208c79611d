package portalauth

import (
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
)

// Engine runs the login, registration and token protocols. It holds no
// per-flow state: in-flight attempts travel in signed challenges and every
// durable record lives in the injected stores.
//
// An Engine is safe for concurrent use once built.
type Engine struct {
	config Config

	users    UserStore
	refresh  RefreshTokenStore
	notifier Notifier
	logger   Logger

	otps      *stores.OTPStore
	authCodes *stores.AuthCodeStore
	ledger    *stores.Ledger

	identityLimiter *limiters.Counter
	otpSendLimiter  *limiters.Counter
	mfaLimiter      *limiters.Counter

	audit   *audit.Dispatcher
	metrics *Metrics

	passwordHash *password.Argon2
	policy       password.Policy
	totp         *totpManager
	jwtManager   *jwt.Manager
	challenges   *challenge.Encoder
	box          *secretbox.Box

	identifierPatterns map[Role]*regexp.Regexp
	networks           map[Role][]netip.Prefix

	now func() time.Time
}

// Close flushes the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns the number of audit events dropped under backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns the current counters and histograms.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) metricObserve(id MetricID, d time.Duration) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Observe(id, d)
}

func (e *Engine) ready() error {
	if e == nil || e.users == nil || e.challenges == nil {
		return ErrEngineNotReady
	}
	return nil
}
