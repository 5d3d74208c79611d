package stores

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrAuthCodeNotFound = errors.New("authorization code not found")
	ErrAuthCodeUsed     = errors.New("authorization code already used")
	ErrAuthCodeExpired  = errors.New("authorization code expired")
	ErrAuthCodeBackend  = errors.New("authorization code backend unavailable")
)

// consumeAuthCodeLua checks and marks an authorization code in one step.
// KEYS[1] = record key
// ARGV[1] = current unix time in milliseconds
//
// Returns {uid, role} on success, or error "not_found", "used", "expired".
var consumeAuthCodeLua = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'uid', 'role', 'exp', 'used')
if not v[1] then
  return {err='not_found'}
end
if v[4] == '1' then
  return {err='used'}
end
if tonumber(ARGV[1]) >= tonumber(v[3]) then
  redis.call('DEL', KEYS[1])
  return {err='expired'}
end
redis.call('HSET', KEYS[1], 'used', '1')
return {v[1], v[2]}
`)

// AuthCode is the principal bound to an authorization code.
type AuthCode struct {
	UserID string
	Role   string
}

// AuthCodeStore holds single-use authorization codes keyed by the SHA-256
// of the code. A consumed record stays marked used until its TTL lapses.
type AuthCodeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewAuthCodeStore(redisClient redis.UniversalClient, prefix string) *AuthCodeStore {
	if prefix == "" {
		prefix = "pa"
	}
	return &AuthCodeStore{
		redis:  redisClient,
		prefix: prefix + ":ac",
	}
}

func (s *AuthCodeStore) key(code string) string {
	sum := sha256.Sum256([]byte(code))
	return s.prefix + ":" + hex.EncodeToString(sum[:])
}

// Save binds code to (userID, role) until now+ttl.
func (s *AuthCodeStore) Save(ctx context.Context, code string, record AuthCode, now time.Time, ttl time.Duration) error {
	key := s.key(code)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"uid", record.UserID,
			"role", record.Role,
			"exp", now.Add(ttl).UnixMilli(),
			"used", "0",
		)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthCodeBackend, err)
	}
	return nil
}

// Consume marks code used and returns its principal. It succeeds at most
// once per code.
func (s *AuthCodeStore) Consume(ctx context.Context, code string, now time.Time) (*AuthCode, error) {
	result, err := consumeAuthCodeLua.Run(ctx, s.redis, []string{s.key(code)}, now.UnixMilli()).Result()
	if err != nil {
		switch err.Error() {
		case "not_found":
			return nil, ErrAuthCodeNotFound
		case "used":
			return nil, ErrAuthCodeUsed
		case "expired":
			return nil, ErrAuthCodeExpired
		default:
			return nil, fmt.Errorf("%w: %v", ErrAuthCodeBackend, err)
		}
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return nil, fmt.Errorf("%w: unexpected lua result type", ErrAuthCodeBackend)
	}
	uid, _ := values[0].(string)
	role, _ := values[1].(string)
	if uid == "" {
		return nil, ErrAuthCodeNotFound
	}
	return &AuthCode{UserID: uid, Role: role}, nil
}
