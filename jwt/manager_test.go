package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
)

func newEdKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	return pub, priv
}

func newHSManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		SigningMethod: MethodHS256,
		PrivateKey:    []byte("0123456789abcdef0123456789abcdef"),
		Issuer:        "portalauth",
		Audience:      "portal",
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestAccessRoundTrip(t *testing.T) {
	m := newHSManager(t)
	now := time.Now()

	token, exp, err := m.CreateAccess("u1", "cert", now)
	if err != nil {
		t.Fatalf("create access: %v", err)
	}
	if exp.Sub(now) > 15*time.Minute || exp.Sub(now) < 14*time.Minute {
		t.Fatalf("unexpected expiry %v", exp)
	}

	claims, err := m.ParseAccess(token)
	if err != nil {
		t.Fatalf("parse access: %v", err)
	}
	if claims.UID != "u1" || claims.Role != "cert" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestRefreshCannotBeUsedAsAccess(t *testing.T) {
	m := newHSManager(t)
	now := time.Now()

	refresh, err := m.CreateRefresh("u1", "jti-1", now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("create refresh: %v", err)
	}
	if _, err := m.ParseAccess(refresh); !errors.Is(err, ErrWrongTokenType) {
		t.Fatalf("expected ErrWrongTokenType, got %v", err)
	}

	access, _, err := m.CreateAccess("u1", "admin", now)
	if err != nil {
		t.Fatalf("create access: %v", err)
	}
	if _, err := m.ParseRefresh(access, false); err == nil {
		t.Fatal("expected access token to be rejected as refresh")
	}
}

func TestParseRefreshExpired(t *testing.T) {
	m := newHSManager(t)
	issued := time.Now().Add(-2 * time.Hour)

	refresh, err := m.CreateRefresh("u1", "jti-2", issued, issued.Add(time.Hour))
	if err != nil {
		t.Fatalf("create refresh: %v", err)
	}
	if _, err := m.ParseRefresh(refresh, false); !errors.Is(err, gjwt.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	claims, err := m.ParseRefresh(refresh, true)
	if err != nil {
		t.Fatalf("expected expired token to parse when allowed: %v", err)
	}
	if claims.ID != "jti-2" || claims.UID != "u1" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestParseRefreshAllowExpiredStillChecksAudience(t *testing.T) {
	m := newHSManager(t)
	other, err := NewManager(Config{
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
		SigningMethod: MethodHS256,
		PrivateKey:    []byte("0123456789abcdef0123456789abcdef"),
		Issuer:        "portalauth",
		Audience:      "someone-else",
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	now := time.Now()
	refresh, err := other.CreateRefresh("u1", "jti-3", now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("create refresh: %v", err)
	}
	if _, err := m.ParseRefresh(refresh, true); err == nil {
		t.Fatal("expected audience mismatch to be rejected")
	}
}

func TestParseAccessRejectsWrongAlgorithm(t *testing.T) {
	pub, priv := newEdKeys(t)
	m, err := NewManager(Config{AccessTTL: time.Minute, RefreshTTL: time.Hour, SigningMethod: MethodEd25519, PrivateKey: priv, PublicKey: pub})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	claims := AccessClaims{UID: "u1", Typ: typeAccess, RegisteredClaims: gjwt.RegisteredClaims{
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  gjwt.NewNumericDate(time.Now()),
	}}
	token, err := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims).SignedString([]byte("secret-secret-secret-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := m.ParseAccess(token); err == nil {
		t.Fatal("expected wrong algorithm to be rejected")
	}
}

func TestParseAccessKeyRotation(t *testing.T) {
	pubOld, privOld := newEdKeys(t)
	pubNew, privNew := newEdKeys(t)

	oldSigner, err := NewManager(Config{AccessTTL: time.Minute, RefreshTTL: time.Hour, SigningMethod: MethodEd25519, PrivateKey: privOld, PublicKey: pubOld, KeyID: "k1"})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	verifier, err := NewManager(Config{
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
		SigningMethod: MethodEd25519,
		PrivateKey:    privNew,
		KeyID:         "k2",
		VerifyKeys:    map[string][]byte{"k1": pubOld, "k2": pubNew},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	token, _, err := oldSigner.CreateAccess("u1", "personnel", time.Now())
	if err != nil {
		t.Fatalf("create access: %v", err)
	}
	if _, err := verifier.ParseAccess(token); err != nil {
		t.Fatalf("expected token signed by rotated-out key to verify: %v", err)
	}
}

func TestNewManagerRejectsInvalidConfig(t *testing.T) {
	if _, err := NewManager(Config{AccessTTL: 0, RefreshTTL: time.Hour, SigningMethod: MethodHS256, PrivateKey: []byte("k")}); err == nil {
		t.Fatal("expected zero AccessTTL to be rejected")
	}
	if _, err := NewManager(Config{AccessTTL: time.Minute, RefreshTTL: time.Hour, SigningMethod: "rs256"}); err == nil {
		t.Fatal("expected unsupported method to be rejected")
	}
	if _, err := NewManager(Config{AccessTTL: time.Minute, RefreshTTL: time.Hour, SigningMethod: MethodHS256, PrivateKey: []byte("k"), Leeway: time.Hour}); err == nil {
		t.Fatal("expected excessive leeway to be rejected")
	}
}

func FuzzParseAccess(f *testing.F) {
	m, err := NewManager(Config{
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
		SigningMethod: MethodHS256,
		PrivateKey:    []byte("0123456789abcdef0123456789abcdef"),
	})
	if err != nil {
		f.Fatal(err)
	}
	valid, _, err := m.CreateAccess("u1", "veteran", time.Now())
	if err != nil {
		f.Fatal(err)
	}

	f.Add(valid)
	f.Add("")
	f.Add("a.b.c")
	f.Add("eyJhbGciOiJub25lIn0.eyJ1aWQiOiJ4In0.")

	f.Fuzz(func(t *testing.T, token string) {
		claims, err := m.ParseAccess(token)
		if err == nil && claims == nil {
			t.Fatal("nil claims without error")
		}
	})
}
