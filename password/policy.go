package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Policy describes the character-class and length requirements applied to
// new passwords.
type Policy struct {
	MinLength     int
	MaxLength     int
	RequireUpper  bool
	RequireLower  bool
	RequireDigit  bool
	RequireSymbol bool
}

// Check returns the list of unmet requirements, empty when the password
// satisfies the policy. Length is counted in runes.
func (p Policy) Check(password string) []string {
	var failures []string

	n := utf8.RuneCountInString(password)
	if n < p.MinLength {
		failures = append(failures, "too short")
	}
	if p.MaxLength > 0 && n > p.MaxLength {
		failures = append(failures, "too long")
	}
	if strings.TrimSpace(password) != password {
		failures = append(failures, "leading or trailing whitespace")
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}

	if p.RequireUpper && !upper {
		failures = append(failures, "missing uppercase letter")
	}
	if p.RequireLower && !lower {
		failures = append(failures, "missing lowercase letter")
	}
	if p.RequireDigit && !digit {
		failures = append(failures, "missing digit")
	}
	if p.RequireSymbol && !symbol {
		failures = append(failures, "missing symbol")
	}
	return failures
}
