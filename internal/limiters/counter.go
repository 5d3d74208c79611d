package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrLimited     = errors.New("rate limited")
	ErrUnavailable = errors.New("limiter unavailable")
)

// Config holds the threshold of one counter. A non-positive Limit disables
// the counter.
type Config struct {
	Limit  int
	Window time.Duration
}

// Counter is a fixed-window Redis counter shared by every instance.
type Counter struct {
	redis  redis.UniversalClient
	prefix string
	limit  int64
	window time.Duration
}

// NewCounter creates a counter under prefix. A zero Window falls back to
// one minute.
func NewCounter(redisClient redis.UniversalClient, prefix string, cfg Config) *Counter {
	w := cfg.Window
	if w <= 0 {
		w = time.Minute
	}
	return &Counter{redis: redisClient, prefix: prefix, limit: int64(cfg.Limit), window: w}
}

func (c *Counter) disabled() bool {
	return c == nil || c.redis == nil || c.limit <= 0
}

func (c *Counter) key(subject string) string {
	return c.prefix + ":" + subject
}

// Allow counts one event for subject and fails once the window holds more
// than Limit events.
func (c *Counter) Allow(ctx context.Context, subject string) error {
	if c.disabled() {
		return nil
	}
	count, err := c.incr(ctx, subject)
	if err != nil {
		return err
	}
	if count > c.limit {
		return ErrLimited
	}
	return nil
}

// Check fails when subject already reached Limit without counting.
func (c *Counter) Check(ctx context.Context, subject string) error {
	if c.disabled() {
		return nil
	}
	count, err := c.redis.Get(ctx, c.key(subject)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count >= c.limit {
		return ErrLimited
	}
	return nil
}

// RecordFailure counts a failure and reports ErrLimited when it reached
// Limit.
func (c *Counter) RecordFailure(ctx context.Context, subject string) error {
	if c.disabled() {
		return nil
	}
	count, err := c.incr(ctx, subject)
	if err != nil {
		return err
	}
	if count >= c.limit {
		return ErrLimited
	}
	return nil
}

// Reset clears subject's window.
func (c *Counter) Reset(ctx context.Context, subject string) error {
	if c.disabled() {
		return nil
	}
	if err := c.redis.Del(ctx, c.key(subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *Counter) incr(ctx context.Context, subject string) (int64, error) {
	key := c.key(subject)
	count, err := c.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count == 1 {
		if err := c.redis.Expire(ctx, key, c.window).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return count, nil
}
