package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	otpRecordVersionV1 = 1
)

var (
	ErrOTPNotFound         = errors.New("one-time code not found")
	ErrOTPMismatch         = errors.New("one-time code mismatch")
	ErrOTPAttemptsExceeded = errors.New("one-time code attempts exceeded")
	ErrOTPRedisUnavailable = errors.New("one-time code redis unavailable")
)

// consumeOTPLua atomically performs GET→validate→DEL/SET on a code record.
// KEYS[1] = record key
// ARGV[1] = provided hash (32 bytes)
// ARGV[2] = max attempts (int string)
// ARGV[3] = current unix timestamp (int string)
//
// Returns:
//
//	record bytes on success
//	error string: "not_found", "expired", "attempts_exceeded", "mismatch"
var consumeOTPLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end

local providedHash = ARGV[1]
local maxAttempts = tonumber(ARGV[2])
local nowUnix = tonumber(ARGV[3])

-- version(1) attempts(2 big-endian) expiresAt(8 big-endian) hash(32)
local version = string.byte(data, 1)
if version ~= 1 then
  redis.call('DEL', KEYS[1])
  return {err='not_found'}
end

local attempts = string.byte(data, 2) * 256 + string.byte(data, 3)

local expiresAt = 0
for i = 4, 11 do
  expiresAt = expiresAt * 256 + string.byte(data, i)
end

if nowUnix > expiresAt then
  redis.call('DEL', KEYS[1])
  return {err='expired'}
end

local storedHash = string.sub(data, 12, 43)
if storedHash ~= providedHash then
  attempts = attempts + 1
  if attempts >= maxAttempts then
    redis.call('DEL', KEYS[1])
    return {err='attempts_exceeded'}
  end
  local newData = string.sub(data, 1, 1) .. string.char(math.floor(attempts / 256), attempts % 256) .. string.sub(data, 4)
  local ttlMs = redis.call('PTTL', KEYS[1])
  if ttlMs <= 0 then
    redis.call('DEL', KEYS[1])
    return {err='expired'}
  end
  redis.call('SET', KEYS[1], newData, 'PX', ttlMs)
  return {err='mismatch'}
end

redis.call('DEL', KEYS[1])
return data
`)

// OTPRecord is the stored form of one emailed code. Only the keyed digest of
// the code is kept.
type OTPRecord struct {
	CodeHash  [32]byte
	ExpiresAt int64
	Attempts  uint16
}

// OTPStore keeps at most one live code per (email, purpose). Saving a new
// code replaces the previous one.
type OTPStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewOTPStore(redisClient redis.UniversalClient, prefix string) *OTPStore {
	if prefix == "" {
		prefix = "pa"
	}
	return &OTPStore{
		redis:  redisClient,
		prefix: prefix + ":otp",
	}
}

func (s *OTPStore) key(purpose, email string) string {
	return s.prefix + ":" + purpose + ":" + email
}

func (s *OTPStore) Save(
	ctx context.Context,
	purpose, email string,
	codeHash [32]byte,
	now time.Time,
	ttl time.Duration,
) error {
	encoded, err := encodeOTPRecord(&OTPRecord{
		CodeHash:  codeHash,
		ExpiresAt: now.Add(ttl).Unix(),
	})
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(purpose, email), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrOTPRedisUnavailable, err)
	}
	return nil
}

// Consume deletes the live code when providedHash matches it. A mismatch
// counts an attempt; reaching maxAttempts deletes the code.
func (s *OTPStore) Consume(
	ctx context.Context,
	purpose, email string,
	providedHash [32]byte,
	maxAttempts int,
	now time.Time,
) error {
	result, err := consumeOTPLua.Run(ctx, s.redis,
		[]string{s.key(purpose, email)},
		string(providedHash[:]),
		maxAttempts,
		now.Unix(),
	).Result()

	if err != nil {
		switch err.Error() {
		case "not_found", "expired":
			return ErrOTPNotFound
		case "attempts_exceeded":
			return ErrOTPAttemptsExceeded
		case "mismatch":
			return ErrOTPMismatch
		default:
			return fmt.Errorf("%w: %v", ErrOTPRedisUnavailable, err)
		}
	}

	data, ok := result.(string)
	if !ok {
		return fmt.Errorf("%w: unexpected lua result type", ErrOTPRedisUnavailable)
	}

	record, decErr := decodeOTPRecord([]byte(data))
	if decErr != nil {
		return fmt.Errorf("%w: %v", ErrOTPRedisUnavailable, decErr)
	}

	// Lua string comparison is not constant-time.
	if subtle.ConstantTimeCompare(record.CodeHash[:], providedHash[:]) != 1 {
		return ErrOTPMismatch
	}
	return nil
}

// Delete removes the live code for (purpose, email), if any.
func (s *OTPStore) Delete(ctx context.Context, purpose, email string) error {
	if err := s.redis.Del(ctx, s.key(purpose, email)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrOTPRedisUnavailable, err)
	}
	return nil
}

func encodeOTPRecord(record *OTPRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(otpRecordVersionV1)
	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	buf.Write(record.CodeHash[:])

	return buf.Bytes(), nil
}

func decodeOTPRecord(data []byte) (*OTPRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != otpRecordVersionV1 {
		return nil, errors.New("invalid one-time code record version")
	}

	record := &OTPRecord{}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.CodeHash[:]); err != nil {
		return nil, err
	}
	return record, nil
}
