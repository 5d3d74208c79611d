package portalauth

import (
	"net/mail"
	"net/netip"
	"slices"
	"strings"
	"unicode"
)

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeIdentifier(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// validEmail accepts a bare address with a dotted domain.
func validEmail(s string) bool {
	if s == "" || len(s) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	at := strings.LastIndexByte(s, '@')
	return at > 0 && strings.Contains(s[at+1:], ".")
}

// normalizeMobile strips separators and reports whether 7 to 15 digits
// remain, with an optional leading +.
func normalizeMobile(s string) (string, bool) {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for i, r := range s {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", false
		}
	}
	out := b.String()
	digits := len(strings.TrimPrefix(out, "+"))
	return out, digits >= 7 && digits <= 15
}

func (e *Engine) identifierAllowed(role Role, identifier string) bool {
	if identifier == "" || len(identifier) > 64 {
		return false
	}
	re, ok := e.identifierPatterns[role]
	if !ok {
		return true
	}
	return re.MatchString(identifier)
}

// networkAllowed applies the allow-list of privileged roles. A privileged
// role without an allow-list is refused everywhere.
func (e *Engine) networkAllowed(role Role, ip string) bool {
	if !role.Privileged() {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range e.networks[role] {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (e *Engine) defenceEmail(email string) bool {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return false
	}
	domain := email[at+1:]
	for _, d := range e.config.Registration.DefenceEmailDomains {
		d = strings.ToLower(strings.TrimPrefix(d, "."))
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

// emailPolicy checks the verified email against the chosen role. Family
// members follow FamilyEmailPolicy; roles in DefenceEmailRoles must use a
// defence domain.
func (e *Engine) emailPolicy(role Role, email string) ([]string, error) {
	if e.defenceEmail(email) {
		return nil, nil
	}
	if role == RoleFamily {
		if e.config.Registration.FamilyEmailPolicy == FamilyEmailReject {
			return nil, ErrEmailNotAllowed
		}
		return []string{"email is not on a defence domain; family access will be reviewed"}, nil
	}
	if slices.Contains(e.config.Registration.DefenceEmailRoles, role) {
		return nil, ErrEmailNotAllowed
	}
	return nil, nil
}
