package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	AllowN(ctx context.Context, key string, n int, limit int, window time.Duration) (bool, error)
	Reset(ctx context.Context, key string) error
	GetRemaining(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

// FixedWindowLimiter counts requests per wall-clock window in Redis.
// Windows are keyed by their truncated start time, so all instances
// sharing a Redis agree on the window boundaries.
type FixedWindowLimiter struct {
	client *redis.Client
	log    *zap.Logger
}

func NewFixedWindowLimiter(client *redis.Client, log *zap.Logger) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		client: client,
		log:    log,
	}
}

func (f *FixedWindowLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return f.AllowN(ctx, key, 1, limit, window)
}

func (f *FixedWindowLimiter) AllowN(ctx context.Context, key string, n int, limit int, window time.Duration) (bool, error) {
	// Without Redis there is nothing to count against; let traffic through.
	if f.client == nil {
		return true, nil
	}

	windowKey := f.getWindowKey(key, window)

	count, err := f.client.IncrBy(ctx, windowKey, int64(n)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment counter: %w", err)
	}

	// Set expiry on first increment. The extra half window keeps the key
	// alive for stragglers that read it right at the boundary.
	if count == int64(n) {
		f.client.Expire(ctx, windowKey, window+window/2)
	}

	if count > int64(limit) {
		// Rollback so a rejected request does not consume quota.
		f.client.DecrBy(ctx, windowKey, int64(n))
		return false, nil
	}

	return true, nil
}

func (f *FixedWindowLimiter) Reset(ctx context.Context, key string) error {
	if f.client == nil {
		return nil
	}

	pattern := fmt.Sprintf("%s:*", key)
	keys, err := f.client.Keys(ctx, pattern).Result()
	if err != nil {
		return err
	}

	if len(keys) > 0 {
		return f.client.Del(ctx, keys...).Err()
	}

	return nil
}

func (f *FixedWindowLimiter) GetRemaining(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	if f.client == nil {
		return limit, nil
	}

	windowKey := f.getWindowKey(key, window)

	count, err := f.client.Get(ctx, windowKey).Int()
	if err == redis.Nil {
		return limit, nil
	}
	if err != nil {
		return 0, err
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return remaining, nil
}

// RetryAfter reports how long until the current window rolls over.
func RetryAfter(window time.Duration) time.Duration {
	now := time.Now()
	return window - now.Sub(now.Truncate(window))
}

func (f *FixedWindowLimiter) getWindowKey(key string, window time.Duration) string {
	windowStart := time.Now().Truncate(window).Unix()
	return fmt.Sprintf("%s:%d", key, windowStart)
}
