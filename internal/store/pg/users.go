package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/portalauth"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const userColumns = `id, full_name, email, mobile, identifier, role, password_hash, mfa_method,
	totp_secret, active, verified, failed_attempts, locked_until, last_login, created_at`

// Users implements portalauth.UserStore.
type Users struct {
	db *sql.DB
}

// NewUsers returns a user store over db.
func NewUsers(db *sql.DB) *Users {
	return &Users{db: db}
}

func scanUser(row interface{ Scan(...any) error }) (*portalauth.User, error) {
	var (
		u                  portalauth.User
		role, method       string
		lockedUntil, login sql.NullTime
	)
	err := row.Scan(
		&u.ID, &u.FullName, &u.Email, &u.Mobile, &u.Identifier, &role, &u.PasswordHash, &method,
		&u.TOTPSecret, &u.Active, &u.Verified, &u.FailedAttempts, &lockedUntil, &login, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, portalauth.ErrUserNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	u.Role = portalauth.Role(role)
	u.MFAMethod = portalauth.MFAMethod(method)
	if lockedUntil.Valid {
		u.LockedUntil = lockedUntil.Time
	}
	if login.Valid {
		u.LastLogin = login.Time
	}
	return &u, nil
}

func (s *Users) FindByRoleIdentifier(ctx context.Context, role portalauth.Role, identifier string) (*portalauth.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE role = $1 AND identifier = $2`
	return scanUser(s.db.QueryRowContext(ctx, query, string(role), identifier))
}

func (s *Users) FindByID(ctx context.Context, userID string) (*portalauth.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(s.db.QueryRowContext(ctx, query, userID))
}

func (s *Users) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE email = $1)`, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return exists, nil
}

func (s *Users) IdentifierExists(ctx context.Context, role portalauth.Role, identifier string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE role = $1 AND identifier = $2)`,
		string(role), identifier,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return exists, nil
}

// Create inserts the user and their backup code digests in one transaction.
// A unique violation on email or (role, identifier) maps to
// portalauth.ErrUserExists.
func (s *Users) Create(ctx context.Context, user *portalauth.User) error {
	err := withTx(ctx, s.db, func(tx DBTX) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, full_name, email, mobile, identifier, role, password_hash, mfa_method,
				totp_secret, active, verified, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			user.ID, user.FullName, user.Email, user.Mobile, user.Identifier, string(user.Role),
			user.PasswordHash, string(user.MFAMethod), user.TOTPSecret, user.Active, user.Verified, user.CreatedAt,
		)
		if err != nil {
			return err
		}
		for _, h := range user.BackupCodes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO backup_codes (user_id, code_hash) VALUES ($1, $2)`, user.ID, h,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return portalauth.ErrUserExists
		}
		return fmt.Errorf("error performing sql request: %w", err)
	}
	return nil
}

// RecordFailedAttempt increments and decides the lockout in one UPDATE. A
// lapsed lock restarts the count at one. While locked the row is left alone
// and its current state returned.
func (s *Users) RecordFailedAttempt(ctx context.Context, userID string, threshold int, lockFor time.Duration, now time.Time) (portalauth.LockoutState, error) {
	query := `
		UPDATE users SET
			failed_attempts = CASE WHEN locked_until IS NOT NULL THEN 1 ELSE failed_attempts + 1 END,
			locked_until = CASE
				WHEN $2::int > 0 AND (CASE WHEN locked_until IS NOT NULL THEN 1 ELSE failed_attempts + 1 END) >= $2::int THEN $4::timestamptz
				ELSE NULL
			END
		WHERE id = $1 AND (locked_until IS NULL OR locked_until <= $3::timestamptz)
		RETURNING failed_attempts, locked_until`

	var (
		st    portalauth.LockoutState
		until sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, userID, threshold, now, now.Add(lockFor)).Scan(&st.FailedAttempts, &until)
	if errors.Is(err, sql.ErrNoRows) {
		err = s.db.QueryRowContext(ctx,
			`SELECT failed_attempts, locked_until FROM users WHERE id = $1`, userID,
		).Scan(&st.FailedAttempts, &until)
		if errors.Is(err, sql.ErrNoRows) {
			return portalauth.LockoutState{}, portalauth.ErrUserNotFound
		}
	}
	if err != nil {
		return portalauth.LockoutState{}, fmt.Errorf("db error: %w", err)
	}
	if until.Valid {
		st.LockedUntil = until.Time
	}
	return st, nil
}

func (s *Users) RecordSuccessfulLogin(ctx context.Context, userID string, now time.Time) error {
	return s.exec(ctx,
		`UPDATE users SET failed_attempts = 0, locked_until = NULL, last_login = $2 WHERE id = $1`,
		userID, now,
	)
}

// ConsumeBackupCode marks one unused code used and reports whether it did.
func (s *Users) ConsumeBackupCode(ctx context.Context, userID, codeHash string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE backup_codes SET used_at = $3 WHERE user_id = $1 AND code_hash = $2 AND used_at IS NULL`,
		userID, codeHash, now,
	)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n == 1, nil
}

func (s *Users) SetActive(ctx context.Context, userID string, active bool) error {
	return s.exec(ctx, `UPDATE users SET active = $2 WHERE id = $1`, userID, active)
}

func (s *Users) Unlock(ctx context.Context, userID string) error {
	return s.exec(ctx, `UPDATE users SET failed_attempts = 0, locked_until = NULL WHERE id = $1`, userID)
}

// exec runs a single-row UPDATE and maps zero affected rows to
// portalauth.ErrUserNotFound.
func (s *Users) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return portalauth.ErrUserNotFound
	}
	return nil
}
