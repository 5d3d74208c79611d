package portalauth_test

import (
	"context"
	"testing"
	"time"
)

func BenchmarkValidateAccess(b *testing.B) {
	h := buildHarness(b, false)
	ctx := context.Background()
	secret := h.seed(b, personnel)
	tokens := h.login(b, ctx, secret, 0)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := h.engine.ValidateAccess(ctx, tokens.AccessToken); err != nil {
			b.Fatalf("validate failed: %v", err)
		}
	}
}

func BenchmarkRefresh(b *testing.B) {
	h := buildHarness(b, false)
	ctx := context.Background()
	secret := h.seed(b, personnel)
	refresh := h.login(b, ctx, secret, 0).RefreshToken

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		next, err := h.engine.Refresh(ctx, refresh)
		if err != nil {
			b.Fatalf("refresh failed: %v", err)
		}
		refresh = next.RefreshToken
	}
}

// BenchmarkLoginFlow runs identity, password, TOTP and exchange. The clock
// moves one period per iteration so each code is fresh.
func BenchmarkLoginFlow(b *testing.B) {
	h := buildHarness(b, false)
	ctx := context.Background()
	secret := h.seed(b, personnel)
	period := time.Duration(h.cfg.TOTP.Period) * time.Second

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.clock.Advance(period)
		_ = h.login(b, ctx, secret, 0)
	}
}
