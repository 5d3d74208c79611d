package audit

import "strings"

// Redacted replaces the value of a sensitive metadata key.
const Redacted = "[REDACTED]"

var sensitiveKeys = []string{"password", "code", "otp", "token", "secret"}

// Redact returns a copy of e with sensitive metadata replaced and the email
// masked.
func Redact(e Event) Event {
	e.Email = MaskEmail(e.Email)
	if len(e.Metadata) == 0 {
		return e
	}
	meta := make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		switch {
		case sensitive(k):
			meta[k] = Redacted
		case strings.Contains(v, "@"):
			meta[k] = MaskEmail(v)
		default:
			meta[k] = v
		}
	}
	e.Metadata = meta
	return e
}

func sensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// MaskEmail keeps the first character of the local part and the domain:
// user@example.mil becomes u***@example.mil.
func MaskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return email
	}
	return email[:1] + "***" + email[at:]
}
