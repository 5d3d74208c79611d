package httpapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/portalauth"
	"github.com/MrEthical07/portalauth/internal/logging"
	"github.com/MrEthical07/portalauth/internal/memstore"
	"github.com/MrEthical07/portalauth/internal/secretbox"
	"github.com/MrEthical07/portalauth/password"
	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp/totp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "Sentry#Post-1947"

type account struct {
	id         string
	role       portalauth.Role
	identifier string
	email      string
	secret     string
}

type env struct {
	srv      *httptest.Server
	client   *http.Client
	engine   *portalauth.Engine
	users    *memstore.Users
	registry *prometheus.Registry
	cfg      portalauth.Config
}

func key(t *testing.T) []byte {
	t.Helper()
	b := make([]byte, 32)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func newEnv(t *testing.T, mutate ...func(*Options)) *env {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := portalauth.DefaultConfig()
	cfg.JWT.PrivateKey = key(t)
	cfg.Challenge.SigningKey = key(t)
	cfg.Security.SecretKey = key(t)
	cfg.Security.OTPPepper = key(t)
	cfg.Password = portalauth.PasswordConfig{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

	users := memstore.NewUsers()
	engine, err := portalauth.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(users).
		WithRefreshTokenStore(memstore.NewRefreshTokens()).
		WithNotifier(discardNotifier{}).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	reg := prometheus.NewRegistry()
	opts := Options{
		RefreshTTL: cfg.JWT.RefreshTTL,
		Registerer: reg,
		Gatherer:   reg,
		Version:    "test",
	}
	for _, m := range mutate {
		m(&opts)
	}
	api, err := New(engine, logging.New(io.Discard, "json", "error"), opts)
	require.NoError(t, err)
	t.Cleanup(api.Close)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &env{
		srv:      srv,
		client:   &http.Client{Jar: jar},
		engine:   engine,
		users:    users,
		registry: reg,
		cfg:      cfg,
	}
}

type discardNotifier struct{}

func (discardNotifier) Notify(context.Context, portalauth.Notification) error { return nil }

func (e *env) seed(t *testing.T, a *account) {
	t.Helper()
	hasher, err := password.NewArgon2(password.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	require.NoError(t, err)
	hash, err := hasher.Hash(testPassword)
	require.NoError(t, err)

	k, err := totp.Generate(totp.GenerateOpts{Issuer: "test", AccountName: a.email})
	require.NoError(t, err)
	a.secret = k.Secret()
	box, err := secretbox.New(e.cfg.Security.SecretKey)
	require.NoError(t, err)
	sealed, err := box.Seal([]byte(a.secret), []byte("totp-secret"))
	require.NoError(t, err)

	require.NoError(t, e.users.Create(context.Background(), &portalauth.User{
		ID:           a.id,
		FullName:     "Test User",
		Email:        a.email,
		Mobile:       "+919800000000",
		Identifier:   a.identifier,
		Role:         a.role,
		PasswordHash: hash,
		MFAMethod:    portalauth.MFATOTP,
		TOTPSecret:   sealed,
		Active:       true,
		Verified:     true,
	}))
}

func (e *env) do(t *testing.T, method, path, bearer string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	c, _ := e["code"].(string)
	return c
}

// login drives the three login steps and the exchange, returning the
// exchange response body.
func (e *env) login(t *testing.T, a *account) map[string]any {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/auth/login/identity", "", map[string]string{
		"role": string(a.role), "identifier": a.identifier, "email": a.email,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	require.Equal(t, "PASSWORD", body["nextStep"])

	resp, body = e.do(t, http.MethodPost, "/auth/login/password", "", map[string]string{"password": testPassword})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	require.Equal(t, "MFA", body["nextStep"])
	require.Equal(t, true, body["mfaRequired"])

	code, err := totp.GenerateCode(a.secret, time.Now())
	require.NoError(t, err)
	resp, body = e.do(t, http.MethodPost, "/auth/login/mfa", "", map[string]string{"method": "totp", "code": code})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	require.Contains(t, body["redirect_url"], "/dashboard?code=")
	require.EqualValues(t, 30, body["expires_in"])

	resp, body = e.do(t, http.MethodPost, "/auth/exchange", "", map[string]any{"code": body["code"]})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	return body
}

func TestLoginFlowOverHTTP(t *testing.T) {
	e := newEnv(t)
	a := &account{id: "u1", role: portalauth.RolePersonnel, identifier: "IC-12345", email: "arjun@army.mil"}
	e.seed(t, a)

	tokens := e.login(t, a)
	access, _ := tokens["access_token"].(string)
	require.NotEmpty(t, access)
	assert.Equal(t, "Bearer", tokens["token_type"])
	assert.EqualValues(t, 900, tokens["expires_in"])
	user, _ := tokens["user"].(map[string]any)
	assert.Equal(t, "u1", user["id"])

	resp, body := e.do(t, http.MethodGet, "/auth/me", access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "arjun@army.mil", body["email"])

	// The refresh cookie set by the exchange is enough to rotate.
	resp, body = e.do(t, http.MethodPost, "/auth/refresh", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.NotEqual(t, tokens["refresh_token"], body["refresh_token"])

	resp, body = e.do(t, http.MethodPost, "/auth/refresh", "", map[string]any{"refresh_token": tokens["refresh_token"]})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_TOKEN", errorCode(body))

	resp, _ = e.do(t, http.MethodPost, "/auth/logout", access, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginErrorsOverHTTP(t *testing.T) {
	e := newEnv(t)
	a := &account{id: "u1", role: portalauth.RolePersonnel, identifier: "IC-12345", email: "arjun@army.mil"}
	e.seed(t, a)

	resp, body := e.do(t, http.MethodPost, "/auth/login/password", "", map[string]string{"password": testPassword})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_AUTH_STATE", errorCode(body))

	resp, body = e.do(t, http.MethodPost, "/auth/login/identity", "", map[string]string{
		"role": "personnel", "identifier": "IC-12345", "email": "wrong@army.mil",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_CREDENTIALS", errorCode(body))

	resp, body = e.do(t, http.MethodPost, "/auth/login/identity", "", map[string]string{"role": "personnel", "extra": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "MISSING_FIELDS", errorCode(body))

	resp, body = e.do(t, http.MethodPost, "/auth/login/identity", "", map[string]string{
		"role": "personnel", "identifier": "IC-12345", "email": "arjun@army.mil",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	resp, body = e.do(t, http.MethodPost, "/auth/login/password", "", map[string]string{"password": "Wrong#Password-1"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.EqualValues(t, 2, body["error"].(map[string]any)["remaining_attempts"])

	e.do(t, http.MethodPost, "/auth/login/password", "", map[string]string{"password": "Wrong#Password-1"})
	resp, body = e.do(t, http.MethodPost, "/auth/login/password", "", map[string]string{"password": "Wrong#Password-1"})
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
	assert.Equal(t, "ACCOUNT_LOCKED", errorCode(body))
	assert.NotEmpty(t, body["error"].(map[string]any)["locked_until"])

	u, err := url.Parse(e.srv.URL + "/auth")
	require.NoError(t, err)
	for _, c := range e.client.Jar.Cookies(u) {
		assert.NotEqual(t, loginChallengeCookie, c.Name, "challenge cookie must be cleared on lockout")
	}
}

func TestAdminEndpoints(t *testing.T) {
	e := newEnv(t)
	admin := &account{id: "a1", role: portalauth.RoleAdmin, identifier: "ADM-1001", email: "ops@army.mil"}
	member := &account{id: "u1", role: portalauth.RolePersonnel, identifier: "IC-12345", email: "arjun@army.mil"}
	e.seed(t, admin)
	e.seed(t, member)

	memberTokens := e.login(t, member)
	memberAccess := memberTokens["access_token"].(string)

	resp, _ := e.do(t, http.MethodPost, "/admin/users/u1/active", "", map[string]bool{"active": false})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")

	resp, _ = e.do(t, http.MethodPost, "/admin/users/u1/active", memberAccess, map[string]bool{"active": false})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	e.client.Jar, _ = cookiejar.New(nil)
	adminAccess := e.login(t, admin)["access_token"].(string)

	resp, body := e.do(t, http.MethodPost, "/admin/users/missing/unlock", adminAccess, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(body))

	resp, body = e.do(t, http.MethodPost, "/admin/users/u1/active", adminAccess, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)

	resp, body = e.do(t, http.MethodPost, "/admin/users/u1/active", adminAccess, map[string]bool{"active": false})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, false, body["active"])

	resp, body = e.do(t, http.MethodPost, "/auth/refresh", "", map[string]any{"refresh_token": memberTokens["refresh_token"]})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_TOKEN", errorCode(body))
}

func TestOperationalEndpoints(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	resp, _ = e.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/auth/login/identity", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	families, err := e.registry.Gather()
	require.NoError(t, err)
	var routes []string
	for _, mf := range families {
		if mf.GetName() != "portald_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "route" {
					routes = append(routes, l.GetValue())
				}
			}
		}
	}
	assert.Contains(t, routes, "GET /healthz")
	assert.Contains(t, routes, "unmatched")
}

func TestReadinessFailure(t *testing.T) {
	e := newEnv(t, func(o *Options) {
		o.Ready = func(context.Context) error { return io.ErrUnexpectedEOF }
	})
	resp, body := e.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "not_ready", body["status"])
}

func TestPerIPRateLimit(t *testing.T) {
	e := newEnv(t, func(o *Options) {
		o.RequestsPerSec = 0.01
		o.Burst = 2
	})

	for i := 0; i < 2; i++ {
		resp, _ := e.do(t, http.MethodGet, "/healthz", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMITED", errorCode(body))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestBodyLimit(t *testing.T) {
	e := newEnv(t, func(o *Options) {
		o.MaxBodyBytes = 64
	})
	resp, body := e.do(t, http.MethodPost, "/auth/login/identity", "", map[string]string{
		"role": "personnel", "identifier": strings.Repeat("X", 128), "email": "a@army.mil",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "MISSING_FIELDS", errorCode(body))
}

func TestClientIPForwardedFor(t *testing.T) {
	newAPI := func(t *testing.T, trustProxy bool, proxies ...string) *API {
		t.Helper()
		a, err := New(discardAuth{}, logging.New(io.Discard, "json", "error"), Options{
			TrustProxy:     trustProxy,
			TrustedProxies: proxies,
		})
		require.NoError(t, err)
		return a
	}

	cases := []struct {
		name    string
		trust   bool
		proxies []string
		remote  string
		xff     []string
		want    string
	}{
		{name: "proxy disabled", remote: "192.0.2.50:4000", xff: []string{"10.20.30.40"}, want: "192.0.2.50"},
		{name: "untrusted peer ignores header", trust: true, proxies: []string{"198.51.100.0/24"},
			remote: "192.0.2.50:4000", xff: []string{"10.20.30.40, 203.0.113.99"}, want: "192.0.2.50"},
		{name: "spoofed leftmost entry", trust: true, proxies: []string{"192.0.2.50"},
			remote: "192.0.2.50:4000", xff: []string{"10.20.30.40, 203.0.113.99"}, want: "203.0.113.99"},
		{name: "trusted hops skipped", trust: true, proxies: []string{"192.0.2.0/24"},
			remote: "192.0.2.50:4000", xff: []string{"10.20.30.40, 203.0.113.99, 192.0.2.7"}, want: "203.0.113.99"},
		{name: "repeated headers", trust: true, proxies: []string{"192.0.2.0/24"},
			remote: "192.0.2.50:4000", xff: []string{"10.20.30.40", "203.0.113.99"}, want: "203.0.113.99"},
		{name: "garbage stops the walk", trust: true, proxies: []string{"192.0.2.0/24"},
			remote: "192.0.2.50:4000", xff: []string{"203.0.113.99, not-an-ip, 192.0.2.7"}, want: "192.0.2.7"},
		{name: "default private proxies", trust: true,
			remote: "10.0.0.2:4000", xff: []string{"10.20.30.40, 203.0.113.99"}, want: "203.0.113.99"},
		{name: "ipv6 peer", trust: true, proxies: []string{"2001:db8::/32"},
			remote: "[2001:db8::1]:4000", xff: []string{"203.0.113.99"}, want: "203.0.113.99"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newAPI(t, tc.trust, tc.proxies...)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for _, v := range tc.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, tc.want, a.clientIP(req))
		})
	}
}

func TestNewRejectsBadTrustedProxy(t *testing.T) {
	_, err := New(discardAuth{}, logging.New(io.Discard, "json", "error"), Options{
		TrustProxy:     true,
		TrustedProxies: []string{"10.0.0.0/33"},
	})
	assert.Error(t, err)
}

// discardAuth satisfies Authenticator for tests that never reach a handler.
type discardAuth struct{ Authenticator }

func TestWrongMFAMethodKeepsCookie(t *testing.T) {
	e := newEnv(t)
	a := &account{id: "u1", role: portalauth.RolePersonnel, identifier: "IC-12345", email: "arjun@army.mil"}
	e.seed(t, a)

	resp, body := e.do(t, http.MethodPost, "/auth/login/identity", "", map[string]string{
		"role": string(a.role), "identifier": a.identifier, "email": a.email,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	resp, body = e.do(t, http.MethodPost, "/auth/login/password", "", map[string]string{"password": testPassword})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	resp, body = e.do(t, http.MethodPost, "/auth/login/mfa", "", map[string]string{"method": "email", "code": "123456"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "MISSING_FIELDS", errorCode(body))
	for _, c := range resp.Cookies() {
		assert.NotEqual(t, loginChallengeCookie, c.Name, "challenge cookie must not be touched")
	}

	code, err := totp.GenerateCode(a.secret, time.Now())
	require.NoError(t, err)
	resp, body = e.do(t, http.MethodPost, "/auth/login/mfa", "", map[string]string{"method": "totp", "code": code})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.NotEmpty(t, body["code"])
}
