package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestAnalyticsStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	logger, _ := zap.NewDevelopment()
	store := NewAnalyticsStore(client, logger)
	ctx := context.Background()

	periodKeys := map[string]time.Duration{
		"daily:2025-06-01": DailyRetention,
		"monthly:2025-06":  MonthlyRetention,
	}

	t.Run("Record_WritesAllProjections", func(t *testing.T) {
		defer client.FlushDB(ctx)

		att := &Attribution{
			USD:    0.02,
			Weight: 0.5,
			TS:     time.Now().UTC(),
			SID:    "42:run-1",
			Model:  "gpt-4o",
		}
		if err := store.Record(ctx, 42, 7, att, periodKeys); err != nil {
			t.Fatalf("Record failed: %v", err)
		}

		// Audit stream holds the raw entry.
		n, err := client.XLen(ctx, "tag_usage_stream:42").Result()
		if err != nil {
			t.Fatalf("XLen failed: %v", err)
		}
		if n != 1 {
			t.Errorf("Expected 1 audit entry, got %d", n)
		}

		// Aggregate counters move by the weighted amount.
		spend, found, err := store.AggregateSpend(ctx, 42, 7, "daily:2025-06-01")
		if err != nil {
			t.Fatalf("AggregateSpend failed: %v", err)
		}
		if !found {
			t.Fatal("Expected daily aggregate to exist")
		}
		if spend != 0.01 {
			t.Errorf("Expected weighted spend 0.01, got %f", spend)
		}

		rt, err := store.RealtimeSpend(ctx, 42, 7)
		if err != nil {
			t.Fatalf("RealtimeSpend failed: %v", err)
		}
		if rt != 0.01 {
			t.Errorf("Expected realtime 0.01, got %f", rt)
		}

		// ZSets exist with bounded TTLs.
		if mr.TTL("tag_usage_zset:42:7:daily") <= 0 {
			t.Error("Expected daily zset to carry a TTL")
		}
		if mr.TTL("tag_usage_zset:42:7:monthly") <= 0 {
			t.Error("Expected monthly zset to carry a TTL")
		}
	})

	t.Run("Record_Accumulates", func(t *testing.T) {
		defer client.FlushDB(ctx)

		for i := 0; i < 3; i++ {
			att := &Attribution{USD: 0.1, Weight: 1.0, TS: time.Now().UTC(), Model: "gpt-4o"}
			if err := store.Record(ctx, 42, 7, att, periodKeys); err != nil {
				t.Fatalf("Record failed: %v", err)
			}
		}

		spend, found, err := store.AggregateSpend(ctx, 42, 7, "monthly:2025-06")
		if err != nil || !found {
			t.Fatalf("AggregateSpend failed: found=%v err=%v", found, err)
		}
		if spend < 0.2999 || spend > 0.3001 {
			t.Errorf("Expected accumulated spend 0.3, got %f", spend)
		}
	})

	t.Run("AggregateSpend_MissingReportsNotFound", func(t *testing.T) {
		_, found, err := store.AggregateSpend(ctx, 99, 99, "daily:2025-06-01")
		if err != nil {
			t.Fatalf("AggregateSpend failed: %v", err)
		}
		if found {
			t.Error("Expected not-found for missing aggregate")
		}
	})

	t.Run("RangeSpend_SumsWindow", func(t *testing.T) {
		defer client.FlushDB(ctx)

		now := time.Now().UTC()
		old := &Attribution{USD: 1.0, Weight: 1.0, TS: now.Add(-3 * time.Hour), Model: "gpt-4o"}
		recent := &Attribution{USD: 2.0, Weight: 0.5, TS: now, Model: "gpt-4o"}
		for _, att := range []*Attribution{old, recent} {
			if err := store.Record(ctx, 42, 7, att, periodKeys); err != nil {
				t.Fatalf("Record failed: %v", err)
			}
		}

		// Full window sums both weighted amounts.
		total, found, err := store.RangeSpend(ctx, 42, 7, "daily", now.Add(-4*time.Hour), now.Add(time.Minute))
		if err != nil || !found {
			t.Fatalf("RangeSpend failed: found=%v err=%v", found, err)
		}
		if total != 2.0 {
			t.Errorf("Expected 1.0 + 2.0*0.5 = 2.0, got %f", total)
		}

		// Narrow window excludes the old member.
		total, found, err = store.RangeSpend(ctx, 42, 7, "daily", now.Add(-time.Hour), now.Add(time.Minute))
		if err != nil || !found {
			t.Fatalf("RangeSpend failed: found=%v err=%v", found, err)
		}
		if total != 1.0 {
			t.Errorf("Expected only the recent member 1.0, got %f", total)
		}

		// A window with no members reports not-found.
		_, found, err = store.RangeSpend(ctx, 42, 7, "daily", now.Add(-30*time.Hour), now.Add(-29*time.Hour))
		if err != nil {
			t.Fatalf("RangeSpend failed: %v", err)
		}
		if found {
			t.Error("Expected empty window to report not-found")
		}
	})

	t.Run("TrimBefore_DropsOldMembers", func(t *testing.T) {
		defer client.FlushDB(ctx)

		now := time.Now().UTC()
		old := &Attribution{USD: 1.0, Weight: 1.0, TS: now.Add(-72 * time.Hour), Model: "gpt-4o"}
		recent := &Attribution{USD: 2.0, Weight: 1.0, TS: now, Model: "gpt-4o"}
		for _, att := range []*Attribution{old, recent} {
			if err := store.Record(ctx, 42, 7, att, periodKeys); err != nil {
				t.Fatalf("Record failed: %v", err)
			}
		}

		if err := store.TrimBefore(ctx, 42, 7, "daily", now.Add(-DailyRetention)); err != nil {
			t.Fatalf("TrimBefore failed: %v", err)
		}

		total, found, err := store.RangeSpend(ctx, 42, 7, "daily", now.Add(-100*time.Hour), now.Add(time.Minute))
		if err != nil || !found {
			t.Fatalf("RangeSpend failed: found=%v err=%v", found, err)
		}
		if total != 2.0 {
			t.Errorf("Expected only the recent member after trim, got %f", total)
		}
	})

	t.Run("PruneAggregates_DropsZeroCounters", func(t *testing.T) {
		defer client.FlushDB(ctx)

		if err := client.Set(ctx, "tag_usage_agg:42:7:daily:2025-06-01", "0", 0).Err(); err != nil {
			t.Fatalf("Failed to seed zero counter: %v", err)
		}
		if err := client.Set(ctx, "tag_usage_agg:42:9:daily:2025-06-01", "1.5", 0).Err(); err != nil {
			t.Fatalf("Failed to seed live counter: %v", err)
		}

		pruned, err := store.PruneAggregates(ctx)
		if err != nil {
			t.Fatalf("PruneAggregates failed: %v", err)
		}
		if pruned != 1 {
			t.Errorf("Expected 1 pruned counter, got %d", pruned)
		}

		if mr.Exists("tag_usage_agg:42:7:daily:2025-06-01") {
			t.Error("Expected zero counter to be deleted")
		}
		if !mr.Exists("tag_usage_agg:42:9:daily:2025-06-01") {
			t.Error("Expected non-zero counter to survive")
		}
	})
}

func TestAnalyticsStore_NilClient(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := NewAnalyticsStore(nil, logger)
	ctx := context.Background()

	if err := store.Record(ctx, 1, 1, &Attribution{}, nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
	if _, _, err := store.AggregateSpend(ctx, 1, 1, "daily:x"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
	if _, err := store.PruneAggregates(ctx); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
}
