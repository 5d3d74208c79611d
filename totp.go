package portalauth

import (
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const totpSecretBytes = 20

type totpManager struct {
	config TOTPConfig
}

func newTOTPManager(cfg TOTPConfig) *totpManager {
	return &totpManager{config: cfg}
}

// Generate returns a fresh base32 secret and its otpauth:// enrollment URI.
func (m *totpManager) Generate(account string) (string, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.config.Issuer,
		AccountName: account,
		Period:      m.config.Period,
		SecretSize:  totpSecretBytes,
		Digits:      otp.Digits(m.config.Digits),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// Validate checks code against secret at t, accepting Skew periods either
// side.
func (m *totpManager) Validate(code, secret string, t time.Time) bool {
	code = strings.TrimSpace(code)
	if len(code) != m.config.Digits {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, t, totp.ValidateOpts{
		Period:    m.config.Period,
		Skew:      m.config.Skew,
		Digits:    otp.Digits(m.config.Digits),
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// replayWindow is how long an accepted code stays valid anywhere in the
// skew window.
func (m *totpManager) replayWindow() time.Duration {
	return time.Duration(m.config.Period*(2*m.config.Skew+2)) * time.Second
}
