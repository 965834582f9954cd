package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	tenantTagsTTL = 5 * time.Minute
	tagSetTTL     = 2 * time.Minute
)

// CachedTag is the resolver's view of a tag, enough to validate names,
// walk the hierarchy and elect session budgets without touching Postgres.
type CachedTag struct {
	ID               uint     `json:"id"`
	Name             string   `json:"name"`
	ParentID         *uint    `json:"parent_id,omitempty"`
	Path             string   `json:"path"`
	Level            int      `json:"level"`
	Weight           float64  `json:"weight"`
	SessionBudgetUSD *float64 `json:"session_budget_usd,omitempty"`
}

// TagCache is the two-level cache in front of tag resolution: the full
// active tag list per tenant, and resolved tag sets keyed by the sorted
// name csv.
//
//	tags:tenant:<tenantID>        full list, 5 min
//	tagset:<tenantID>:<sortedCSV> resolved set, 2 min
type TagCache struct {
	client *redis.Client
	logger *zap.Logger
}

func NewTagCache(client *redis.Client, logger *zap.Logger) *TagCache {
	return &TagCache{client: client, logger: logger}
}

func tenantTagsKey(tenantID uint) string {
	return fmt.Sprintf("tags:tenant:%d", tenantID)
}

func tagSetKey(tenantID uint, sortedCSV string) string {
	return fmt.Sprintf("tagset:%d:%s", tenantID, sortedCSV)
}

// GetTagSet probes the resolved-set cache.
func (tc *TagCache) GetTagSet(ctx context.Context, tenantID uint, sortedCSV string) ([]CachedTag, bool, error) {
	return tc.getList(ctx, tagSetKey(tenantID, sortedCSV))
}

// PutTagSet stores a resolved set.
func (tc *TagCache) PutTagSet(ctx context.Context, tenantID uint, sortedCSV string, tags []CachedTag) error {
	return tc.putList(ctx, tagSetKey(tenantID, sortedCSV), tags, tagSetTTL)
}

// GetTenantTags probes the full-list cache.
func (tc *TagCache) GetTenantTags(ctx context.Context, tenantID uint) ([]CachedTag, bool, error) {
	return tc.getList(ctx, tenantTagsKey(tenantID))
}

// PutTenantTags stores the full active list.
func (tc *TagCache) PutTenantTags(ctx context.Context, tenantID uint, tags []CachedTag) error {
	return tc.putList(ctx, tenantTagsKey(tenantID), tags, tenantTagsTTL)
}

// InvalidateTenant drops the full list and every resolved set for the
// tenant. Tag mutations call this so other instances converge within one
// cache window.
func (tc *TagCache) InvalidateTenant(ctx context.Context, tenantID uint) error {
	if tc.client == nil {
		return ErrUnavailable
	}

	if err := tc.client.Del(ctx, tenantTagsKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate tenant tags: %w", err)
	}

	pattern := fmt.Sprintf("tagset:%d:*", tenantID)
	var cursor uint64
	for {
		keys, next, err := tc.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan tag sets: %w", err)
		}
		if len(keys) > 0 {
			if err := tc.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete tag sets: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	tc.logger.Debug("Tag caches invalidated", zap.Uint("tenant_id", tenantID))
	return nil
}

func (tc *TagCache) getList(ctx context.Context, key string) ([]CachedTag, bool, error) {
	if tc.client == nil {
		return nil, false, ErrUnavailable
	}

	data, err := tc.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read tag cache %s: %w", key, err)
	}

	var tags []CachedTag
	if err := json.Unmarshal([]byte(data), &tags); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal tag cache %s: %w", key, err)
	}
	return tags, true, nil
}

func (tc *TagCache) putList(ctx context.Context, key string, tags []CachedTag, ttl time.Duration) error {
	if tc.client == nil {
		return ErrUnavailable
	}

	data, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tag cache %s: %w", key, err)
	}
	return tc.client.Set(ctx, key, data, ttl).Err()
}
