// Package memstore keeps users and refresh records in process memory. It
// backs single-process development mode and engine tests; it is not durable.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MrEthical07/portalauth"
)

type identifierKey struct {
	role       portalauth.Role
	identifier string
}

// Users implements portalauth.UserStore.
type Users struct {
	mu           sync.Mutex
	byID         map[string]*portalauth.User
	byEmail      map[string]string
	byIdentifier map[identifierKey]string
	backupCodes  map[string]map[string]bool
}

// NewUsers returns an empty user store.
func NewUsers() *Users {
	return &Users{
		byID:         make(map[string]*portalauth.User),
		byEmail:      make(map[string]string),
		byIdentifier: make(map[identifierKey]string),
		backupCodes:  make(map[string]map[string]bool),
	}
}

func clone(u *portalauth.User) *portalauth.User {
	out := *u
	out.TOTPSecret = append([]byte(nil), u.TOTPSecret...)
	out.BackupCodes = nil
	return &out
}

func (s *Users) FindByRoleIdentifier(_ context.Context, role portalauth.Role, identifier string) (*portalauth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byIdentifier[identifierKey{role, identifier}]
	if !ok {
		return nil, portalauth.ErrUserNotFound
	}
	return clone(s.byID[id]), nil
}

func (s *Users) FindByID(_ context.Context, userID string) (*portalauth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return nil, portalauth.ErrUserNotFound
	}
	return clone(u), nil
}

func (s *Users) EmailExists(_ context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byEmail[email]
	return ok, nil
}

func (s *Users) IdentifierExists(_ context.Context, role portalauth.Role, identifier string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byIdentifier[identifierKey{role, identifier}]
	return ok, nil
}

// Create enforces the same uniqueness as the database schema: one account
// per email and per (role, identifier).
func (s *Users) Create(_ context.Context, user *portalauth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := identifierKey{user.Role, user.Identifier}
	if _, ok := s.byEmail[user.Email]; ok {
		return portalauth.ErrUserExists
	}
	if _, ok := s.byIdentifier[key]; ok {
		return portalauth.ErrUserExists
	}
	if _, ok := s.byID[user.ID]; ok {
		return portalauth.ErrUserExists
	}

	stored := clone(user)
	s.byID[user.ID] = stored
	s.byEmail[user.Email] = user.ID
	s.byIdentifier[key] = user.ID

	codes := make(map[string]bool, len(user.BackupCodes))
	for _, h := range user.BackupCodes {
		codes[h] = true
	}
	s.backupCodes[user.ID] = codes
	return nil
}

func (s *Users) RecordFailedAttempt(_ context.Context, userID string, threshold int, lockFor time.Duration, now time.Time) (portalauth.LockoutState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[userID]
	if !ok {
		return portalauth.LockoutState{}, portalauth.ErrUserNotFound
	}
	if u.LockedAt(now) {
		return portalauth.LockoutState{FailedAttempts: u.FailedAttempts, LockedUntil: u.LockedUntil}, nil
	}
	if !u.LockedUntil.IsZero() {
		// Previous lock lapsed; start a fresh count.
		u.FailedAttempts = 0
		u.LockedUntil = time.Time{}
	}

	u.FailedAttempts++
	if threshold > 0 && u.FailedAttempts >= threshold {
		u.LockedUntil = now.Add(lockFor)
	}
	return portalauth.LockoutState{FailedAttempts: u.FailedAttempts, LockedUntil: u.LockedUntil}, nil
}

func (s *Users) RecordSuccessfulLogin(_ context.Context, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return portalauth.ErrUserNotFound
	}
	u.FailedAttempts = 0
	u.LockedUntil = time.Time{}
	u.LastLogin = now
	return nil
}

func (s *Users) ConsumeBackupCode(_ context.Context, userID, codeHash string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := s.backupCodes[userID]
	if !codes[codeHash] {
		return false, nil
	}
	delete(codes, codeHash)
	return true, nil
}

func (s *Users) SetActive(_ context.Context, userID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return portalauth.ErrUserNotFound
	}
	u.Active = active
	return nil
}

func (s *Users) Unlock(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return portalauth.ErrUserNotFound
	}
	u.FailedAttempts = 0
	u.LockedUntil = time.Time{}
	return nil
}

// RefreshTokens implements portalauth.RefreshTokenStore.
type RefreshTokens struct {
	mu     sync.Mutex
	byID   map[string]*portalauth.RefreshRecord
	byHash map[string]string
}

// NewRefreshTokens returns an empty registry.
func NewRefreshTokens() *RefreshTokens {
	return &RefreshTokens{
		byID:   make(map[string]*portalauth.RefreshRecord),
		byHash: make(map[string]string),
	}
}

func (s *RefreshTokens) Insert(_ context.Context, record portalauth.RefreshRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := record
	s.byID[r.ID] = &r
	s.byHash[r.TokenHash] = r.ID
	return nil
}

func (s *RefreshTokens) FindByHash(_ context.Context, tokenHash string) (*portalauth.RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[tokenHash]
	if !ok {
		return nil, portalauth.ErrRefreshRecordNotFound
	}
	r := *s.byID[id]
	return &r, nil
}

func (s *RefreshTokens) Revoke(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok || r.Revoked {
		return false, nil
	}
	r.Revoked = true
	return true, nil
}

func (s *RefreshTokens) RevokeAllForUser(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.byID {
		if r.UserID == userID && !r.Revoked {
			r.Revoked = true
			n++
		}
	}
	return n, nil
}

func (s *RefreshTokens) PurgeExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.byID {
		if r.ExpiresAt.Before(before) {
			delete(s.byHash, r.TokenHash)
			delete(s.byID, id)
			n++
		}
	}
	return n, nil
}

// ForUser lists a user's records ordered by id, which sorts by issue time.
func (s *RefreshTokens) ForUser(userID string) []portalauth.RefreshRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []portalauth.RefreshRecord
	for _, r := range s.byID {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
