// Package httpapi serves the portal authentication protocol over HTTP/JSON.
//
// Flow state travels in HttpOnly challenge cookies; every decision is made
// by the Engine. Handlers only translate JSON, cookies and status codes.
package httpapi

import (
	"context"
	"net/http"
	"net/netip"
	"time"

	"github.com/MrEthical07/portalauth"
	"github.com/MrEthical07/portalauth/internal/logging"
	"github.com/MrEthical07/portalauth/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Authenticator is the Engine surface used by the handlers.
type Authenticator interface {
	BeginLogin(ctx context.Context, in portalauth.LoginIdentity) (*portalauth.StepResult, error)
	VerifyLoginPassword(ctx context.Context, challenge, password string) (*portalauth.StepResult, error)
	SendLoginOTP(ctx context.Context, challenge string) (*portalauth.OTPDispatch, error)
	VerifyLoginMFA(ctx context.Context, challenge, method, code string) (*portalauth.Authorization, error)

	SendRegistrationCode(ctx context.Context, email string) (*portalauth.OTPDispatch, error)
	ConfirmRegistrationIdentity(ctx context.Context, in portalauth.RegistrationIdentity) (*portalauth.StepResult, error)
	SubmitRegistrationService(ctx context.Context, challenge, role, identifier string) (*portalauth.StepResult, error)
	SubmitRegistrationSecurity(ctx context.Context, challenge string, in portalauth.RegistrationSecurity) (*portalauth.StepResult, error)
	BeginTOTPActivation(ctx context.Context, challenge string) (*portalauth.TOTPEnrollment, error)
	SendActivationOTP(ctx context.Context, challenge string) (*portalauth.OTPDispatch, error)
	CompleteActivation(ctx context.Context, challenge, code string) (*portalauth.Authorization, error)

	ExchangeCode(ctx context.Context, code string) (*portalauth.TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (*portalauth.TokenSet, error)
	ValidateAccess(ctx context.Context, accessToken string) (*portalauth.AccessClaims, error)
	Profile(ctx context.Context, userID string) (*portalauth.Profile, error)
	Logout(ctx context.Context, userID string) error
	LogoutWithRefresh(ctx context.Context, refreshToken string) error

	SetUserActive(ctx context.Context, userID string, active bool) error
	UnlockUser(ctx context.Context, userID string) error
}

// Options configures the HTTP layer.
type Options struct {
	CookieSecure bool
	CookieDomain string
	// RefreshTTL bounds the refresh cookie lifetime.
	RefreshTTL     time.Duration
	MaxBodyBytes   int64
	RequestsPerSec float64
	Burst          int
	// TrustProxy takes the client address from X-Forwarded-For when the
	// connection comes from one of TrustedProxies.
	TrustProxy bool
	// TrustedProxies lists proxy addresses or CIDRs. Empty means loopback and
	// private ranges.
	TrustedProxies []string
	// Registerer receives the HTTP metrics; nil disables them.
	Registerer prometheus.Registerer
	// Gatherer backs GET /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Ready    func(ctx context.Context) error
	Version  string
}

// API is the HTTP layer.
type API struct {
	auth    Authenticator
	log     logging.Logger
	opts    Options
	mux     *http.ServeMux
	metrics *httpMetrics
	limiter *ipLimiter
	trusted []netip.Prefix
}

func New(auth Authenticator, log logging.Logger, opts Options) (*API, error) {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 << 10
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}

	a := &API{
		auth: auth,
		log:  log.With("component", "httpapi"),
		opts: opts,
		mux:  http.NewServeMux(),
	}
	if opts.TrustProxy {
		trusted, err := parseProxies(opts.TrustedProxies)
		if err != nil {
			return nil, err
		}
		a.trusted = trusted
	}
	if opts.Registerer != nil {
		m, err := newHTTPMetrics(opts.Registerer)
		if err != nil {
			return nil, err
		}
		a.metrics = m
	}
	if opts.RequestsPerSec > 0 {
		a.limiter = newIPLimiter(opts.RequestsPerSec, opts.Burst, 5*time.Minute)
	}

	a.mux.HandleFunc("POST /auth/login/identity", a.handleLoginIdentity)
	a.mux.HandleFunc("POST /auth/login/password", a.handleLoginPassword)
	a.mux.HandleFunc("POST /auth/login/mfa", a.handleLoginMFA)

	a.mux.HandleFunc("POST /auth/register/identity", a.handleRegisterIdentity)
	a.mux.HandleFunc("POST /auth/register/service", a.handleRegisterService)
	a.mux.HandleFunc("POST /auth/register/security", a.handleRegisterSecurity)
	a.mux.HandleFunc("POST /auth/register/activate", a.handleRegisterActivate)

	a.mux.HandleFunc("POST /auth/exchange", a.handleExchange)
	a.mux.HandleFunc("POST /auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("POST /auth/logout", a.handleLogout)

	guard := middleware.Guard(auth)
	a.mux.Handle("GET /auth/me", guard(http.HandlerFunc(a.handleMe)))

	admin := func(h http.HandlerFunc) http.Handler {
		return guard(middleware.RequireRole(portalauth.RoleAdmin)(h))
	}
	a.mux.Handle("POST /admin/users/{id}/active", admin(a.handleSetActive))
	a.mux.Handle("POST /admin/users/{id}/unlock", admin(a.handleUnlock))

	a.mux.HandleFunc("GET /healthz", a.handleHealthz)
	a.mux.HandleFunc("GET /readyz", a.handleReady)
	if opts.Gatherer != nil {
		a.mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	return a, nil
}

// Handler returns the root handler with the middleware chain applied.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	if a.metrics != nil {
		h = a.metrics.instrument(h)
	}
	h = a.clientContext(h)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	if a.limiter != nil {
		h = a.limiter.middleware(h, a.clientIP)
	}
	h = SecurityHeaders(h)
	h = Logging(a.log, h)
	return h
}

// Close stops background work.
func (a *API) Close() {
	if a.limiter != nil {
		a.limiter.stop()
	}
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "portald",
		"version": a.opts.Version,
	})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.opts.Ready != nil {
		if err := a.opts.Ready(r.Context()); err != nil {
			a.log.Warn(r.Context(), "readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
