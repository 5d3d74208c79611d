package challenge

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func newTestEncoder(t *testing.T) *Encoder {
	t.Helper()
	enc, err := NewEncoder(Config{
		Key:             bytes.Repeat([]byte("k"), 32),
		Issuer:          "portalauth",
		LoginTTL:        5 * time.Minute,
		RegistrationTTL: 30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	return enc
}

func TestLoginFlowAdvances(t *testing.T) {
	enc := newTestEncoder(t)
	now := time.Now()

	tok, exp, err := enc.Start(Claims{Flow: FlowLogin, UserID: "u1", Role: "personnel"}, now)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if exp.Sub(now) > 5*time.Minute {
		t.Fatalf("unexpected expiry %v", exp)
	}

	c, err := enc.Decode(tok, FlowLogin, StageIdentity)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if c.UserID != "u1" || c.Stage != StageIdentity {
		t.Fatalf("unexpected claims %+v", c)
	}
	flowID := c.ID

	c.MFAMethod = "totp"
	next, _, err := enc.Advance(c, StagePassword, now)
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	c2, err := enc.Decode(next, FlowLogin, StagePassword)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if c2.ID != flowID || c2.MFAMethod != "totp" {
		t.Fatalf("expected flow id and fields preserved, got %+v", c2)
	}
}

func TestDecodeRejectsWrongStage(t *testing.T) {
	enc := newTestEncoder(t)
	tok, _, _ := enc.Start(Claims{Flow: FlowLogin, UserID: "u1"}, time.Now())

	if _, err := enc.Decode(tok, FlowLogin, StagePassword); !errors.Is(err, ErrWrongStage) {
		t.Fatalf("expected ErrWrongStage, got %v", err)
	}
}

func TestAdvanceCannotSkipStages(t *testing.T) {
	enc := newTestEncoder(t)
	now := time.Now()

	tok, _, _ := enc.Start(Claims{Flow: FlowRegistration, Email: "a@example.mil"}, now)
	c, err := enc.Decode(tok, FlowRegistration, StageIdentity)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if _, _, err := enc.Advance(c, StageSecurity, now); !errors.Is(err, ErrTransition) {
		t.Fatalf("expected ErrTransition, got %v", err)
	}
	if _, _, err := enc.Advance(c, StageActivate, now); !errors.Is(err, ErrTransition) {
		t.Fatalf("expected ErrTransition, got %v", err)
	}
	if Allowed(FlowLogin, StageIdentity, StageMFA) {
		t.Fatal("login must not skip the password stage")
	}
}

func TestDecodeRejectsOtherFlow(t *testing.T) {
	enc := newTestEncoder(t)
	tok, _, _ := enc.Start(Claims{Flow: FlowRegistration, Email: "a@example.mil"}, time.Now())

	if _, err := enc.Decode(tok, FlowLogin, StageIdentity); !errors.Is(err, ErrWrongFlow) {
		t.Fatalf("expected ErrWrongFlow, got %v", err)
	}
}

func TestDecodeRejectsExpired(t *testing.T) {
	enc := newTestEncoder(t)
	tok, _, _ := enc.Start(Claims{Flow: FlowLogin, UserID: "u1"}, time.Now().Add(-10*time.Minute))

	if _, err := enc.Decode(tok, FlowLogin, StageIdentity); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestDecodeRejectsForeignKey(t *testing.T) {
	enc := newTestEncoder(t)
	other, _ := NewEncoder(Config{
		Key:             bytes.Repeat([]byte("x"), 32),
		Issuer:          "portalauth",
		LoginTTL:        time.Minute,
		RegistrationTTL: time.Minute,
	})
	tok, _, _ := other.Start(Claims{Flow: FlowLogin, UserID: "u1"}, time.Now())

	if _, err := enc.Decode(tok, FlowLogin, StageIdentity); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if _, err := enc.Decode("", FlowLogin, StageIdentity); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for empty token, got %v", err)
	}
}

func TestNewEncoderRejectsShortKey(t *testing.T) {
	if _, err := NewEncoder(Config{Key: []byte("short"), LoginTTL: time.Minute, RegistrationTTL: time.Minute}); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestDecodeUsesConfiguredClock(t *testing.T) {
	later := time.Now().Add(2 * time.Hour)
	enc, err := NewEncoder(Config{
		Key:             bytes.Repeat([]byte("k"), 32),
		Issuer:          "portalauth",
		LoginTTL:        5 * time.Minute,
		RegistrationTTL: 30 * time.Minute,
		Now:             func() time.Time { return later },
	})
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	tok, _, _ := enc.Start(Claims{Flow: FlowLogin, UserID: "u1"}, later)
	if _, err := enc.Decode(tok, FlowLogin, StageIdentity); err != nil {
		t.Fatalf("token issued on the configured clock rejected: %v", err)
	}

	stale, _, _ := enc.Start(Claims{Flow: FlowLogin, UserID: "u1"}, time.Now())
	if _, err := enc.Decode(stale, FlowLogin, StageIdentity); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired against the configured clock, got %v", err)
	}
}

func TestAdvanceSameStageKeepsExpiry(t *testing.T) {
	enc := newTestEncoder(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tok, _, err := enc.Start(Claims{Flow: FlowLogin, UserID: "u1"}, start)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	c := decodeAt(t, enc, tok, start, StageIdentity)
	tok, _, _ = enc.Advance(c, StagePassword, start)
	c = decodeAt(t, enc, tok, start, StagePassword)

	tok, exp, err := enc.Advance(c, StageMFA, start)
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if want := start.Add(5 * time.Minute); !exp.Equal(want) {
		t.Fatalf("forward step expiry = %v, want %v", exp, want)
	}

	now := start
	for i := 0; i < 4; i++ {
		now = now.Add(time.Minute)
		c = decodeAt(t, enc, tok, now, StageMFA)
		var again time.Time
		tok, again, err = enc.Advance(c, StageMFA, now)
		if err != nil {
			t.Fatalf("resend %d failed: %v", i, err)
		}
		if !again.Equal(exp) {
			t.Fatalf("resend %d moved expiry to %v, want %v", i, again, exp)
		}
	}

	c = decodeAt(t, enc, tok, now, StageMFA)
	if _, _, err := enc.Advance(c, StageMFA, exp); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired at the original expiry, got %v", err)
	}
}

// decodeAt decodes tok as seen at now.
func decodeAt(t *testing.T, enc *Encoder, tok string, now time.Time, stage Stage) *Claims {
	t.Helper()
	enc.cfg.Now = func() time.Time { return now }
	c, err := enc.Decode(tok, FlowLogin, stage)
	if err != nil {
		t.Fatalf("Decode at %v failed: %v", now, err)
	}
	return c
}
