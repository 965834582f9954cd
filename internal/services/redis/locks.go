package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockHeld reports that another instance holds the lock. Callers
// treat it as "skip this round", not as a failure.
var ErrLockHeld = errors.New("lock already held")

// DistributedLock is a SETNX-held lease. Release and Extend verify
// ownership through the random token so an expired holder cannot clobber a
// successor.
type DistributedLock struct {
	client *redis.Client
	logger *zap.Logger
	key    string
	value  string
	ttl    time.Duration
}

// LockManager hands out distributed locks. The worker uses one around its
// maintenance jobs so they run on a single instance at a time.
type LockManager struct {
	client *redis.Client
	logger *zap.Logger
}

func NewLockManager(client *redis.Client, logger *zap.Logger) *LockManager {
	return &LockManager{client: client, logger: logger}
}

// AcquireLock attempts to take the lock, failing fast when held elsewhere.
func (lm *LockManager) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (*DistributedLock, error) {
	if lm.client == nil {
		return nil, ErrUnavailable
	}

	value, err := generateLockValue()
	if err != nil {
		return nil, fmt.Errorf("failed to generate lock value: %w", err)
	}

	key := fmt.Sprintf("lock:%s", lockKey)

	success, err := lm.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !success {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, lockKey)
	}

	lm.logger.Debug("Lock acquired",
		zap.String("lock_key", lockKey),
		zap.Duration("ttl", ttl))

	return &DistributedLock{
		client: lm.client,
		logger: lm.logger,
		key:    key,
		value:  value,
		ttl:    ttl,
	}, nil
}

// WithLock runs fn while holding the lock, releasing on the way out. A
// held lock elsewhere returns without running fn.
func (lm *LockManager) WithLock(ctx context.Context, lockKey string, ttl time.Duration, fn func() error) error {
	lock, err := lm.AcquireLock(ctx, lockKey, ttl)
	if err != nil {
		return err
	}

	defer func() {
		if releaseErr := lock.Release(context.Background()); releaseErr != nil {
			lm.logger.Error("Failed to release lock",
				zap.String("lock_key", lockKey),
				zap.Error(releaseErr))
		}
	}()

	return fn()
}

// Release deletes the lock only if this instance still owns it.
func (dl *DistributedLock) Release(ctx context.Context) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`

	result, err := dl.client.Eval(ctx, script, []string{dl.key}, dl.value).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if result.(int64) == 0 {
		dl.logger.Warn("Lock was not owned by this instance", zap.String("key", dl.key))
		return fmt.Errorf("lock not owned by this instance")
	}
	return nil
}

// Extend pushes the expiry out by additionalTTL, only while still owned.
// Long-running jobs call this between phases instead of over-provisioning
// the initial TTL.
func (dl *DistributedLock) Extend(ctx context.Context, additionalTTL time.Duration) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("expire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`

	newTTL := dl.ttl + additionalTTL
	result, err := dl.client.Eval(ctx, script, []string{dl.key}, dl.value, int64(newTTL.Seconds())).Result()
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}
	if result.(int64) == 0 {
		return fmt.Errorf("lock not owned by this instance or expired")
	}

	dl.ttl = newTTL
	return nil
}

func generateLockValue() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
