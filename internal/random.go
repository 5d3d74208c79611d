package internal

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// backupAlphabet omits 0/O and 1/I/L to keep codes readable when printed.
const backupAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// NewOTP returns a uniformly random numeric code of the given length.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	otp := b.String()
	if len(otp) != digits {
		return "", fmt.Errorf("invalid otp generation length")
	}
	return otp, nil
}

// NewToken returns n random bytes encoded as unpadded base64url.
func NewToken(n int) (string, error) {
	if n < 16 {
		return "", errors.New("token entropy too small")
	}
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashToken returns the hex SHA-256 digest used as a storage key for
// high-entropy secrets (authorization codes, refresh jti, backup codes).
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// HashCode keys a low-entropy one-time code to its scope with a server-side
// pepper so a leaked store cannot be brute-forced offline.
func HashCode(pepper []byte, parts ...string) [32]byte {
	mac := hmac.New(sha256.New, pepper)
	for i, p := range parts {
		if i > 0 {
			mac.Write([]byte{0})
		}
		mac.Write([]byte(p))
	}
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// NewBackupCode returns a random code of length characters grouped as
// XXXXX-XXXXX.
func NewBackupCode(length int) (string, error) {
	if length < 8 {
		return "", errors.New("backup code too short")
	}

	max := big.NewInt(int64(len(backupAlphabet)))
	var b strings.Builder
	b.Grow(length + 1)
	for i := 0; i < length; i++ {
		if i == length/2 {
			b.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(backupAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeBackupCode strips separators and case so user input matches the
// stored digest.
func NormalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}
