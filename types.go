package portalauth

import (
	"context"
	"strings"
	"time"
)

// Role is one of the closed set of portal roles.
type Role string

const (
	RolePersonnel Role = "personnel"
	RoleFamily    Role = "family"
	RoleVeteran   Role = "veteran"
	RoleCERT      Role = "cert"
	RoleAdmin     Role = "admin"
)

// Roles lists every valid role in a stable order.
var Roles = []Role{RolePersonnel, RoleFamily, RoleVeteran, RoleCERT, RoleAdmin}

// ParseRole normalizes s and reports whether it names a known role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RolePersonnel, RoleFamily, RoleVeteran, RoleCERT, RoleAdmin:
		return r, true
	}
	return "", false
}

// Privileged reports whether the role is subject to network allow-listing.
func (r Role) Privileged() bool {
	return r == RoleCERT || r == RoleAdmin
}

// MFAMethod is a second-factor method.
type MFAMethod string

const (
	MFATOTP  MFAMethod = "totp"
	MFAEmail MFAMethod = "email"
	// MFABackup is accepted at login for TOTP users only; it is never a
	// configured method.
	MFABackup MFAMethod = "backup"
)

// ParseMFAMethod normalizes s into a method.
func ParseMFAMethod(s string) (MFAMethod, bool) {
	m := MFAMethod(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case MFATOTP, MFAEmail, MFABackup:
		return m, true
	}
	return "", false
}

// OTPPurpose scopes an emailed one-time code.
type OTPPurpose string

const (
	PurposeRegistration      OTPPurpose = "registration"
	PurposeLoginMFA          OTPPurpose = "login_mfa"
	PurposeEmailVerification OTPPurpose = "email_verification"
)

// User is the persisted principal record.
type User struct {
	ID           string
	FullName     string
	Email        string
	Mobile       string
	Identifier   string
	Role         Role
	PasswordHash string
	MFAMethod    MFAMethod
	// TOTPSecret holds the sealed secret, nil for email-MFA users.
	TOTPSecret []byte
	// BackupCodes holds hex SHA-256 digests. It is only populated on Create.
	BackupCodes    []string
	Active         bool
	Verified       bool
	FailedAttempts int
	LockedUntil    time.Time
	LastLogin      time.Time
	CreatedAt      time.Time
}

// LockedAt reports whether the lockout window covers now.
func (u *User) LockedAt(now time.Time) bool {
	return u != nil && !u.LockedUntil.IsZero() && now.Before(u.LockedUntil)
}

// Profile is the public view of a user returned with issued tokens.
type Profile struct {
	ID         string    `json:"id"`
	FullName   string    `json:"full_name"`
	Email      string    `json:"email"`
	Mobile     string    `json:"mobile"`
	Identifier string    `json:"identifier"`
	Role       Role      `json:"role"`
	MFAMethod  MFAMethod `json:"mfa_method"`
	LastLogin  time.Time `json:"last_login,omitempty"`
}

func profileOf(u *User) Profile {
	return Profile{
		ID:         u.ID,
		FullName:   u.FullName,
		Email:      u.Email,
		Mobile:     u.Mobile,
		Identifier: u.Identifier,
		Role:       u.Role,
		MFAMethod:  u.MFAMethod,
		LastLogin:  u.LastLogin,
	}
}

// LockoutState is the result of an atomic failed-attempt update.
type LockoutState struct {
	FailedAttempts int
	LockedUntil    time.Time
}

// UserStore is the Credential Store.
//
// RecordFailedAttempt must increment the counter and decide the lockout in a
// single atomic storage operation. When the account is already locked at now
// it must return the current state without consuming an attempt.
type UserStore interface {
	FindByRoleIdentifier(ctx context.Context, role Role, identifier string) (*User, error)
	FindByID(ctx context.Context, userID string) (*User, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	IdentifierExists(ctx context.Context, role Role, identifier string) (bool, error)
	Create(ctx context.Context, user *User) error
	RecordFailedAttempt(ctx context.Context, userID string, threshold int, lockFor time.Duration, now time.Time) (LockoutState, error)
	RecordSuccessfulLogin(ctx context.Context, userID string, now time.Time) error
	ConsumeBackupCode(ctx context.Context, userID, codeHash string, now time.Time) (bool, error)
	SetActive(ctx context.Context, userID string, active bool) error
	Unlock(ctx context.Context, userID string) error
}

// RefreshRecord is one issued refresh token.
type RefreshRecord struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// RefreshTokenStore is the Refresh Token Registry. Records are revoked, not
// deleted, until housekeeping purges them.
type RefreshTokenStore interface {
	Insert(ctx context.Context, record RefreshRecord) error
	FindByHash(ctx context.Context, tokenHash string) (*RefreshRecord, error)
	// Revoke marks one record revoked and reports whether this call flipped it.
	Revoke(ctx context.Context, id string) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// NotificationKind selects the message template a Notifier renders.
type NotificationKind string

const (
	NotifyOneTimeCode NotificationKind = "one_time_code"
	NotifyLogout      NotificationKind = "logout"
)

// Notification is handed to the Outbound Notifier.
type Notification struct {
	Kind      NotificationKind
	Email     string
	Purpose   OTPPurpose
	Code      string
	ExpiresIn time.Duration
}

// Notifier delivers messages to users, typically by email.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Logger receives operational log lines for best-effort failures.
type Logger interface {
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(context.Context, string, ...any)  {}
func (nopLogger) Warn(context.Context, string, ...any)  {}
func (nopLogger) Error(context.Context, string, ...any) {}

// LoginIdentity is the input of the login identity step.
type LoginIdentity struct {
	Role       string
	Identifier string
	Email      string
}

// RegistrationIdentity is the input of the registration identity confirmation.
type RegistrationIdentity struct {
	Email    string
	FullName string
	Mobile   string
	Code     string
}

// RegistrationSecurity is the input of the registration security step.
type RegistrationSecurity struct {
	Password      string
	MFAMethod     string
	TermsAccepted bool
}

// StepResult is returned by every non-terminal step.
type StepResult struct {
	Challenge      string
	ExpiresAt      time.Time
	NextStep       string
	MFARequired    bool
	AllowedMethods []string
	Warnings       []string
}

// OTPDispatch reports a one-time code handed to the Notifier.
type OTPDispatch struct {
	Message   string
	ExpiresIn time.Duration
	// Challenge is set when dispatching advanced the challenge.
	Challenge string
	ExpiresAt time.Time
}

// TOTPEnrollment is returned once during registration activation.
type TOTPEnrollment struct {
	Secret      string
	URI         string
	BackupCodes []string
	Challenge   string
	ExpiresAt   time.Time
}

// Authorization is the terminal result of login and registration.
type Authorization struct {
	RedirectURL string
	Code        string
	ExpiresIn   time.Duration
}

// TokenSet is returned by the exchange and by refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	User         Profile
}

// AccessClaims is the verified content of an access token.
type AccessClaims struct {
	UserID    string
	Role      Role
	ExpiresAt time.Time
}
