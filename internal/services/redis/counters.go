package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CounterStore holds the admission-time spend counters. Counters are plain
// float strings moved with INCRBYFLOAT; the period key is baked into the
// Redis key so windows roll over by key change, never by reset.
//
// Key layout:
//
//	ledger:<tenant>:<periodKey>              tenant-scope spend
//	ledger:<tenant>:tag:<tagID>:<periodKey>  tag-scope weighted spend
type CounterStore struct {
	client *redis.Client
	logger *zap.Logger
}

func NewCounterStore(client *redis.Client, logger *zap.Logger) *CounterStore {
	return &CounterStore{client: client, logger: logger}
}

func tenantSpendKey(tenant, periodKey string) string {
	return fmt.Sprintf("ledger:%s:%s", tenant, periodKey)
}

func tagSpendKey(tenant string, tagID uint, periodKey string) string {
	return fmt.Sprintf("ledger:%s:tag:%d:%s", tenant, tagID, periodKey)
}

// IncrTenantSpend adds usd to the tenant counter and refreshes its TTL.
// Returns the new total.
func (cs *CounterStore) IncrTenantSpend(ctx context.Context, tenant, periodKey string, usd float64, ttl time.Duration) (float64, error) {
	return cs.incr(ctx, tenantSpendKey(tenant, periodKey), usd, ttl)
}

// IncrTagSpend adds the weighted cost to a tag counter.
func (cs *CounterStore) IncrTagSpend(ctx context.Context, tenant string, tagID uint, periodKey string, usd float64, ttl time.Duration) (float64, error) {
	return cs.incr(ctx, tagSpendKey(tenant, tagID, periodKey), usd, ttl)
}

// TenantSpend reads the tenant counter. A missing key reads as zero.
func (cs *CounterStore) TenantSpend(ctx context.Context, tenant, periodKey string) (float64, error) {
	return cs.read(ctx, tenantSpendKey(tenant, periodKey))
}

// TagSpend reads a tag counter. A missing key reads as zero.
func (cs *CounterStore) TagSpend(ctx context.Context, tenant string, tagID uint, periodKey string) (float64, error) {
	return cs.read(ctx, tagSpendKey(tenant, tagID, periodKey))
}

func (cs *CounterStore) incr(ctx context.Context, key string, usd float64, ttl time.Duration) (float64, error) {
	if cs.client == nil {
		return 0, ErrUnavailable
	}

	pipe := cs.client.Pipeline()
	incr := pipe.IncrByFloat(ctx, key, usd)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (cs *CounterStore) read(ctx context.Context, key string) (float64, error) {
	if cs.client == nil {
		return 0, ErrUnavailable
	}

	val, err := cs.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
	}

	spent, err := strconv.ParseFloat(val, 64)
	if err != nil {
		cs.logger.Warn("Counter holds a non-numeric value",
			zap.String("key", key),
			zap.String("value", val))
		return 0, fmt.Errorf("counter %s is not numeric: %w", key, err)
	}
	return spent, nil
}
