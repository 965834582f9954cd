package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Window is a resolved budget window cached under budget:<tenant>:<period>.
// Amount travels as a float string to match the counter tier.
type Window struct {
	AmountUSD float64   `json:"amount_usd"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	PeriodKey string    `json:"period_key"`
}

// BudgetCache is the read-through cache in front of budget row lookups.
// Entries live as long as their period so a cached window can never outlast
// the window it describes.
type BudgetCache struct {
	client *redis.Client
	logger *zap.Logger
}

func NewBudgetCache(client *redis.Client, logger *zap.Logger) *BudgetCache {
	return &BudgetCache{client: client, logger: logger}
}

func budgetWindowKey(tenant, period string) string {
	return fmt.Sprintf("budget:%s:%s", tenant, period)
}

// Get returns the cached window for (tenant, period), reporting a miss
// without error.
func (bc *BudgetCache) Get(ctx context.Context, tenant, period string) (*Window, bool, error) {
	if bc.client == nil {
		return nil, false, ErrUnavailable
	}

	data, err := bc.client.Get(ctx, budgetWindowKey(tenant, period)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read budget window: %w", err)
	}

	var w Window
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal budget window: %w", err)
	}
	return &w, true, nil
}

// Put writes the window back with a TTL equal to its remaining length.
func (bc *BudgetCache) Put(ctx context.Context, tenant, period string, w *Window) error {
	if bc.client == nil {
		return ErrUnavailable
	}

	ttl := time.Until(w.End)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal budget window: %w", err)
	}

	if err := bc.client.SetEx(ctx, budgetWindowKey(tenant, period), data, ttl).Err(); err != nil {
		bc.logger.Warn("Failed to cache budget window",
			zap.String("tenant", tenant),
			zap.String("period", period),
			zap.Error(err))
		return err
	}
	return nil
}

// Invalidate drops every cached window for a tenant, called on budget
// mutations.
func (bc *BudgetCache) Invalidate(ctx context.Context, tenant string) error {
	if bc.client == nil {
		return ErrUnavailable
	}

	pipe := bc.client.Pipeline()
	for _, period := range []string{"daily", "monthly", "custom"} {
		pipe.Del(ctx, budgetWindowKey(tenant, period))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to invalidate budget windows: %w", err)
	}
	return nil
}
