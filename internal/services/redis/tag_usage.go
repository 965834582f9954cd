package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Attribution is one tag's share of one accounted request, as recorded into
// the analytics projections by the worker.
type Attribution struct {
	USD    float64   `json:"usd"`
	Weight float64   `json:"weight"`
	TS     time.Time `json:"ts"`
	SID    string    `json:"sid,omitempty"`
	Model  string    `json:"model"`
}

// AnalyticsStore maintains the per-tag usage projections the reporting API
// reads. All writes happen on the worker; the gateway never touches these.
//
//	tag_usage_stream:<tenantID>                  audit trail
//	tag_usage_zset:<tenantID>:<tagID>:<granularity>  raw attributions by time
//	tag_usage_agg:<tenantID>:<tagID>:<periodKey> weighted usd counter
//	tag_usage_rt:<tenantID>:<tagID>              short-lived rate counter
type AnalyticsStore struct {
	client *redis.Client
	logger *zap.Logger
}

func NewAnalyticsStore(client *redis.Client, logger *zap.Logger) *AnalyticsStore {
	return &AnalyticsStore{client: client, logger: logger}
}

const (
	// DailyRetention and MonthlyRetention bound the zset projections,
	// both as key TTL and as the maintenance trim cutoff.
	DailyRetention   = 48 * time.Hour
	MonthlyRetention = 35 * 24 * time.Hour

	realtimeTTL = 60 * time.Second
	auditMaxLen = 10_000
)

func tagUsageStreamKey(tenantID uint) string {
	return fmt.Sprintf("tag_usage_stream:%d", tenantID)
}

func tagUsageZSetKey(tenantID, tagID uint, granularity string) string {
	return fmt.Sprintf("tag_usage_zset:%d:%d:%s", tenantID, tagID, granularity)
}

func tagUsageAggKey(tenantID, tagID uint, periodKey string) string {
	return fmt.Sprintf("tag_usage_agg:%d:%d:%s", tenantID, tagID, periodKey)
}

func tagUsageRTKey(tenantID, tagID uint) string {
	return fmt.Sprintf("tag_usage_rt:%d:%d", tenantID, tagID)
}

// Record writes one attribution into every projection: the tenant audit
// stream, both zsets, the period aggregates and the realtime counter.
// periodKeys maps period key -> TTL for the aggregate counters.
func (as *AnalyticsStore) Record(ctx context.Context, tenantID, tagID uint, att *Attribution, periodKeys map[string]time.Duration) error {
	if as.client == nil {
		return ErrUnavailable
	}

	member, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("failed to marshal attribution: %w", err)
	}

	weighted := att.USD * att.Weight
	score := float64(att.TS.Unix())

	pipe := as.client.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: tagUsageStreamKey(tenantID),
		MaxLen: auditMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"tag_id": strconv.FormatUint(uint64(tagID), 10),
			"usd":    strconv.FormatFloat(att.USD, 'f', 6, 64),
			"weight": strconv.FormatFloat(att.Weight, 'f', -1, 64),
			"ts":     att.TS.UTC().Format(time.RFC3339Nano),
			"model":  att.Model,
			"sid":    att.SID,
		},
	})

	daily := tagUsageZSetKey(tenantID, tagID, "daily")
	monthly := tagUsageZSetKey(tenantID, tagID, "monthly")
	pipe.ZAdd(ctx, daily, redis.Z{Score: score, Member: member})
	pipe.Expire(ctx, daily, DailyRetention)
	pipe.ZAdd(ctx, monthly, redis.Z{Score: score, Member: member})
	pipe.Expire(ctx, monthly, MonthlyRetention)

	for periodKey, ttl := range periodKeys {
		agg := tagUsageAggKey(tenantID, tagID, periodKey)
		pipe.IncrByFloat(ctx, agg, weighted)
		pipe.Expire(ctx, agg, ttl)
	}

	rt := tagUsageRTKey(tenantID, tagID)
	pipe.IncrByFloat(ctx, rt, weighted)
	pipe.Expire(ctx, rt, realtimeTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record tag attribution: %w", err)
	}
	return nil
}

// AggregateSpend reads the weighted spend counter for a period key. The
// boolean reports whether the counter existed; absent counters send the
// reader down the zset or database path.
func (as *AnalyticsStore) AggregateSpend(ctx context.Context, tenantID, tagID uint, periodKey string) (float64, bool, error) {
	if as.client == nil {
		return 0, false, ErrUnavailable
	}

	val, err := as.client.Get(ctx, tagUsageAggKey(tenantID, tagID, periodKey)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read tag aggregate: %w", err)
	}

	spend, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, fmt.Errorf("tag aggregate is not numeric: %w", err)
	}
	return spend, true, nil
}

// RealtimeSpend reads the short-lived rate counter, zero when expired.
func (as *AnalyticsStore) RealtimeSpend(ctx context.Context, tenantID, tagID uint) (float64, error) {
	if as.client == nil {
		return 0, ErrUnavailable
	}

	val, err := as.client.Get(ctx, tagUsageRTKey(tenantID, tagID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read realtime counter: %w", err)
	}

	spend, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("realtime counter is not numeric: %w", err)
	}
	return spend, nil
}

// RangeSpend sums raw attributions from the zset between start and end.
// The boolean reports whether any members existed in the window.
func (as *AnalyticsStore) RangeSpend(ctx context.Context, tenantID, tagID uint, granularity string, start, end time.Time) (float64, bool, error) {
	if as.client == nil {
		return 0, false, ErrUnavailable
	}

	members, err := as.client.ZRangeByScore(ctx, tagUsageZSetKey(tenantID, tagID, granularity), &redis.ZRangeBy{
		Min: strconv.FormatInt(start.Unix(), 10),
		Max: strconv.FormatInt(end.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, false, fmt.Errorf("failed to range tag usage: %w", err)
	}
	if len(members) == 0 {
		return 0, false, nil
	}

	var total float64
	for _, m := range members {
		var att Attribution
		if err := json.Unmarshal([]byte(m), &att); err != nil {
			as.logger.Warn("Skipping malformed attribution member", zap.Error(err))
			continue
		}
		total += att.USD * att.Weight
	}
	return total, true, nil
}

// TrimBefore drops zset members older than the cutoff for one tag. The
// worker's hourly maintenance calls this across active tags.
func (as *AnalyticsStore) TrimBefore(ctx context.Context, tenantID, tagID uint, granularity string, cutoff time.Time) error {
	if as.client == nil {
		return ErrUnavailable
	}

	key := tagUsageZSetKey(tenantID, tagID, granularity)
	max := strconv.FormatInt(cutoff.Unix(), 10)
	if err := as.client.ZRemRangeByScore(ctx, key, "0", max).Err(); err != nil {
		return fmt.Errorf("failed to trim tag usage zset: %w", err)
	}
	return nil
}

// PruneAggregates deletes aggregate counters that sit at zero. Non-zero
// counters are left to their own TTL. Returns how many were dropped.
func (as *AnalyticsStore) PruneAggregates(ctx context.Context) (int, error) {
	if as.client == nil {
		return 0, ErrUnavailable
	}

	var pruned int
	var cursor uint64
	for {
		keys, next, err := as.client.Scan(ctx, cursor, "tag_usage_agg:*", 100).Result()
		if err != nil {
			return pruned, fmt.Errorf("failed to scan aggregates: %w", err)
		}

		for _, key := range keys {
			val, err := as.client.Get(ctx, key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return pruned, err
			}
			f, err := strconv.ParseFloat(val, 64)
			if err != nil || f != 0 {
				continue
			}
			if err := as.client.Del(ctx, key).Err(); err != nil {
				return pruned, err
			}
			pruned++
		}

		cursor = next
		if cursor == 0 {
			return pruned, nil
		}
	}
}
