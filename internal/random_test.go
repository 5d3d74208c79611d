package internal

import (
	"strings"
	"testing"
)

func TestNewOTPDigits(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := NewOTP(6)
		if err != nil {
			t.Fatalf("NewOTP failed: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("expected 6 digits, got %q", code)
		}
		for _, c := range code {
			if c < '0' || c > '9' {
				t.Fatalf("expected only digits, got %q", code)
			}
		}
	}

	if _, err := NewOTP(4); err == nil {
		t.Fatal("expected error for short otp")
	}
}

func TestNewTokenUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		tok, err := NewToken(32)
		if err != nil {
			t.Fatalf("NewToken failed: %v", err)
		}
		if seen[tok] {
			t.Fatal("duplicate token")
		}
		seen[tok] = true
	}
	if _, err := NewToken(8); err == nil {
		t.Fatal("expected error for low entropy")
	}
}

func TestHashCodeScoped(t *testing.T) {
	pepper := []byte("pepper-pepper-pepper")
	a := HashCode(pepper, "login_mfa", "user@example.mil", "123456")
	b := HashCode(pepper, "registration", "user@example.mil", "123456")
	c := HashCode(pepper, "login_mfa", "user@example.mil", "123456")
	d := HashCode([]byte("another-pepper-value"), "login_mfa", "user@example.mil", "123456")

	if a == b {
		t.Fatal("expected purpose to change the digest")
	}
	if a != c {
		t.Fatal("expected deterministic digest")
	}
	if a == d {
		t.Fatal("expected pepper to change the digest")
	}
}

func TestBackupCodeNormalization(t *testing.T) {
	code, err := NewBackupCode(10)
	if err != nil {
		t.Fatalf("NewBackupCode failed: %v", err)
	}
	if len(code) != 11 || code[5] != '-' {
		t.Fatalf("unexpected backup code format %q", code)
	}

	typed := " " + strings.ToLower(code[:5]) + " " + strings.ToLower(code[6:]) + " "
	if NormalizeBackupCode(typed) != NormalizeBackupCode(code) {
		t.Fatalf("expected %q to normalize like %q", typed, code)
	}
	if HashToken(NormalizeBackupCode(typed)) != HashToken(NormalizeBackupCode(code)) {
		t.Fatal("expected equal digests")
	}
}
