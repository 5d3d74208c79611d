package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrLedgerBackend = errors.New("ledger backend unavailable")

// Ledger records ids that may be used only once: finished challenges and
// accepted TOTP codes. Entries expire once the thing they guard cannot be
// presented any more.
type Ledger struct {
	redis  redis.UniversalClient
	prefix string
}

func NewLedger(redisClient redis.UniversalClient, prefix string) *Ledger {
	if prefix == "" {
		prefix = "pa"
	}
	return &Ledger{
		redis:  redisClient,
		prefix: prefix + ":spent",
	}
}

func (l *Ledger) key(id string) string {
	return l.prefix + ":" + id
}

// Burn marks id spent for ttl and reports whether this call was the first.
func (l *Ledger) Burn(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Second
	}
	ok, err := l.redis.SetNX(ctx, l.key(id), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLedgerBackend, err)
	}
	return ok, nil
}

// Spent reports whether id was burned.
func (l *Ledger) Spent(ctx context.Context, id string) (bool, error) {
	n, err := l.redis.Exists(ctx, l.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLedgerBackend, err)
	}
	return n > 0, nil
}
