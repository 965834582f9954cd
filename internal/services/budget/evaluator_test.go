package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tollgate/tollgate/internal/models"
	redissvc "github.com/tollgate/tollgate/internal/services/redis"
	"github.com/tollgate/tollgate/internal/services/tags"
)

type fakeStore struct {
	budgets        []models.Budget
	tagBudgets     map[uint][]models.TagBudget
	tenantSpend    float64
	tagSpend       map[uint]float64
	budgetsErr     error
	tenantSpendErr error
	tagSpendErr    error
}

func (f *fakeStore) TenantBudgets(ctx context.Context, tenantID uint) ([]models.Budget, error) {
	if f.budgetsErr != nil {
		return nil, f.budgetsErr
	}
	return f.budgets, nil
}

func (f *fakeStore) TagBudgets(ctx context.Context, tagID uint) ([]models.TagBudget, error) {
	return f.tagBudgets[tagID], nil
}

func (f *fakeStore) TenantWindowSpend(ctx context.Context, tenantID uint, start, end time.Time) (float64, error) {
	if f.tenantSpendErr != nil {
		return 0, f.tenantSpendErr
	}
	return f.tenantSpend, nil
}

func (f *fakeStore) TagWindowSpend(ctx context.Context, tagID uint, path string, start, end time.Time) (float64, error) {
	if f.tagSpendErr != nil {
		return 0, f.tagSpendErr
	}
	return f.tagSpend[tagID], nil
}

type fakeTagStore struct {
	tags []models.Tag
	err  error
}

func (f *fakeTagStore) ActiveTags(ctx context.Context, tenantID uint) ([]models.Tag, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tags, nil
}

// newTestEvaluator wires the evaluator against miniredis. The returned
// counter store seeds spend under the keys the evaluator will read.
func newTestEvaluator(t *testing.T, store *fakeStore, tagStore *fakeTagStore, defaults Defaults) (*Evaluator, *redissvc.CounterStore, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	logger, _ := zap.NewDevelopment()
	counters := redissvc.NewCounterStore(client, logger)
	windows := redissvc.NewBudgetCache(client, logger)
	resolver := tags.NewResolver(tagStore, redissvc.NewTagCache(client, logger), logger)

	ev := NewEvaluator(store, counters, windows, resolver, defaults, logger)
	cleanup := func() {
		_ = client.Close()
		mr.Close()
	}
	return ev, counters, cleanup
}

// newDegradedEvaluator wires the evaluator without Redis so every cache
// tier reports unavailable and reads fall through to the store.
func newDegradedEvaluator(store *fakeStore, tagStore *fakeTagStore, defaults Defaults) *Evaluator {
	logger, _ := zap.NewDevelopment()
	counters := redissvc.NewCounterStore(nil, logger)
	windows := redissvc.NewBudgetCache(nil, logger)
	resolver := tags.NewResolver(tagStore, redissvc.NewTagCache(nil, logger), logger)
	return NewEvaluator(store, counters, windows, resolver, defaults, logger)
}

func testTenant() *models.Tenant {
	return &models.Tenant{
		BaseModel: models.BaseModel{ID: 42},
		Name:      "acme",
		Active:    true,
	}
}

func dailyBudget(amount float64) models.Budget {
	return models.Budget{
		BaseModel: models.BaseModel{ID: 1},
		TenantID:  42,
		Period:    models.PeriodDaily,
		AmountUSD: decimal.NewFromFloat(amount),
		Active:    true,
	}
}

func TestEvaluator_CheckTenant(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("UnderBudget", func(t *testing.T) {
		store := &fakeStore{budgets: []models.Budget{dailyBudget(100)}}
		ev, counters, cleanup := newTestEvaluator(t, store, &fakeTagStore{}, Defaults{})
		defer cleanup()

		key := PeriodKey(models.PeriodDaily, now, time.Time{}, time.Time{})
		if _, err := counters.IncrTenantSpend(ctx, "acme", key, 40, time.Hour); err != nil {
			t.Fatalf("Failed to seed counter: %v", err)
		}

		spend, err := ev.CheckTenant(ctx, testTenant())
		if err != nil {
			t.Fatalf("CheckTenant failed: %v", err)
		}
		if spend["daily"] != 40 {
			t.Errorf("Expected observed daily spend 40, got %f", spend["daily"])
		}
	})

	t.Run("ExceededBlocks", func(t *testing.T) {
		store := &fakeStore{budgets: []models.Budget{dailyBudget(100)}}
		ev, counters, cleanup := newTestEvaluator(t, store, &fakeTagStore{}, Defaults{})
		defer cleanup()

		key := PeriodKey(models.PeriodDaily, now, time.Time{}, time.Time{})
		if _, err := counters.IncrTenantSpend(ctx, "acme", key, 100, time.Hour); err != nil {
			t.Fatalf("Failed to seed counter: %v", err)
		}

		spend, err := ev.CheckTenant(ctx, testTenant())
		var exceeded *ExceededError
		if !errors.As(err, &exceeded) {
			t.Fatalf("Expected ExceededError, got %v", err)
		}
		if exceeded.Period != models.PeriodDaily {
			t.Errorf("Expected daily period, got %s", exceeded.Period)
		}
		if spend["daily"] != 100 {
			t.Errorf("Expected observed spend in the refusal, got %v", spend)
		}
	})

	t.Run("SmallestAmountWinsPerPeriod", func(t *testing.T) {
		loose := dailyBudget(100)
		tight := dailyBudget(50)
		tight.ID = 2
		store := &fakeStore{budgets: []models.Budget{loose, tight}}
		ev, counters, cleanup := newTestEvaluator(t, store, &fakeTagStore{}, Defaults{})
		defer cleanup()

		key := PeriodKey(models.PeriodDaily, now, time.Time{}, time.Time{})
		if _, err := counters.IncrTenantSpend(ctx, "acme", key, 60, time.Hour); err != nil {
			t.Fatalf("Failed to seed counter: %v", err)
		}

		_, err := ev.CheckTenant(ctx, testTenant())
		var exceeded *ExceededError
		if !errors.As(err, &exceeded) {
			t.Fatalf("Expected the 50 cap to win, got %v", err)
		}
	})

	t.Run("DefaultsApplyWithoutRows", func(t *testing.T) {
		store := &fakeStore{}
		defaults := Defaults{AmountUSD: 10, Periods: []models.Period{models.PeriodDaily, models.PeriodMonthly}}
		ev, counters, cleanup := newTestEvaluator(t, store, &fakeTagStore{}, defaults)
		defer cleanup()

		key := PeriodKey(models.PeriodDaily, now, time.Time{}, time.Time{})
		if _, err := counters.IncrTenantSpend(ctx, "acme", key, 15, time.Hour); err != nil {
			t.Fatalf("Failed to seed counter: %v", err)
		}

		_, err := ev.CheckTenant(ctx, testTenant())
		var exceeded *ExceededError
		if !errors.As(err, &exceeded) {
			t.Fatalf("Expected default cap to block, got %v", err)
		}
	})

	t.Run("DefaultsCoverOnlyConfiguredPeriods", func(t *testing.T) {
		store := &fakeStore{}
		defaults := Defaults{AmountUSD: 10, Periods: []models.Period{models.PeriodMonthly}}
		ev, counters, cleanup := newTestEvaluator(t, store, &fakeTagStore{}, defaults)
		defer cleanup()

		// Heavy daily spend, but the only default window is monthly.
		key := PeriodKey(models.PeriodDaily, now, time.Time{}, time.Time{})
		if _, err := counters.IncrTenantSpend(ctx, "acme", key, 15, time.Hour); err != nil {
			t.Fatalf("Failed to seed counter: %v", err)
		}

		if _, err := ev.CheckTenant(ctx, testTenant()); err != nil {
			t.Errorf("Expected daily spend to pass a monthly-only default, got %v", err)
		}
	})

	t.Run("ZeroDefaultDisablesEnforcement", func(t *testing.T) {
		store := &fakeStore{}
		ev, counters, cleanup := newTestEvaluator(t, store, &fakeTagStore{}, Defaults{})
		defer cleanup()

		key := PeriodKey(models.PeriodDaily, now, time.Time{}, time.Time{})
		if _, err := counters.IncrTenantSpend(ctx, "acme", key, 99999, time.Hour); err != nil {
			t.Fatalf("Failed to seed counter: %v", err)
		}

		if _, err := ev.CheckTenant(ctx, testTenant()); err != nil {
			t.Errorf("Expected no enforcement without budgets or defaults, got %v", err)
		}
	})

	t.Run("ExpiredCustomWindowNotEnforced", func(t *testing.T) {
		start := now.Add(-72 * time.Hour)
		end := now.Add(-48 * time.Hour)
		custom := models.Budget{
			BaseModel: models.BaseModel{ID: 3},
			TenantID:  42,
			Period:    models.PeriodCustom,
			AmountUSD: decimal.NewFromFloat(1),
			StartsAt:  &start,
			EndsAt:    &end,
			Active:    true,
		}
		store := &fakeStore{budgets: []models.Budget{custom}, tenantSpend: 500}
		ev, _, cleanup := newTestEvaluator(t, store, &fakeTagStore{}, Defaults{})
		defer cleanup()

		if _, err := ev.CheckTenant(ctx, testTenant()); err != nil {
			t.Errorf("Expected expired custom window to be ignored, got %v", err)
		}
	})

	t.Run("ActiveCustomWindowEnforced", func(t *testing.T) {
		start := now.Add(-24 * time.Hour)
		end := now.Add(24 * time.Hour)
		custom := models.Budget{
			BaseModel: models.BaseModel{ID: 3},
			TenantID:  42,
			Period:    models.PeriodCustom,
			AmountUSD: decimal.NewFromFloat(25),
			StartsAt:  &start,
			EndsAt:    &end,
			Active:    true,
		}
		store := &fakeStore{budgets: []models.Budget{custom}}
		ev, counters, cleanup := newTestEvaluator(t, store, &fakeTagStore{}, Defaults{})
		defer cleanup()

		key := PeriodKey(models.PeriodCustom, now, start, end)
		if _, err := counters.IncrTenantSpend(ctx, "acme", key, 30, time.Hour); err != nil {
			t.Fatalf("Failed to seed counter: %v", err)
		}

		_, err := ev.CheckTenant(ctx, testTenant())
		var exceeded *ExceededError
		if !errors.As(err, &exceeded) {
			t.Fatalf("Expected custom cap to block, got %v", err)
		}
		if exceeded.Period != models.PeriodCustom {
			t.Errorf("Expected custom period, got %s", exceeded.Period)
		}
	})

	t.Run("WindowsServedFromCacheAfterFirstLoad", func(t *testing.T) {
		store := &fakeStore{budgets: []models.Budget{dailyBudget(100)}}
		ev, _, cleanup := newTestEvaluator(t, store, &fakeTagStore{}, Defaults{})
		defer cleanup()

		if _, err := ev.CheckTenant(ctx, testTenant()); err != nil {
			t.Fatalf("First CheckTenant failed: %v", err)
		}

		// With the windows cached, a database outage does not block
		// admission.
		store.budgetsErr = errors.New("db down")
		if _, err := ev.CheckTenant(ctx, testTenant()); err != nil {
			t.Errorf("Expected cached windows to carry the check, got %v", err)
		}
	})

	t.Run("FailsClosedWhenStateUnavailable", func(t *testing.T) {
		store := &fakeStore{budgetsErr: errors.New("db down")}
		ev := newDegradedEvaluator(store, &fakeTagStore{}, Defaults{})

		_, err := ev.CheckTenant(ctx, testTenant())
		if err == nil {
			t.Fatal("Expected error when budget state cannot be established")
		}
		var exceeded *ExceededError
		if errors.As(err, &exceeded) {
			t.Error("Expected an infrastructure error, not a budget refusal")
		}
	})

	t.Run("DatabaseFallbackWithoutRedis", func(t *testing.T) {
		store := &fakeStore{budgets: []models.Budget{dailyBudget(100)}, tenantSpend: 150}
		ev := newDegradedEvaluator(store, &fakeTagStore{}, Defaults{})

		_, err := ev.CheckTenant(ctx, testTenant())
		var exceeded *ExceededError
		if !errors.As(err, &exceeded) {
			t.Fatalf("Expected database spend to block, got %v", err)
		}
	})
}

func TestEvaluator_CheckTags(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	parentID := uint(1)

	hierarchy := []models.Tag{
		{BaseModel: models.BaseModel{ID: 1}, TenantID: 42, Name: "eng", Path: "eng", Level: 0, Active: true},
		{BaseModel: models.BaseModel{ID: 2}, TenantID: 42, Name: "search", ParentID: &parentID, Path: "eng/search", Level: 1, Active: true},
	}

	cachedSearch := redissvc.CachedTag{ID: 2, Name: "search", ParentID: &parentID, Path: "eng/search", Level: 1, Weight: 1.0}

	tagBudget := func(tagID uint, amount float64, mode models.InheritanceMode) models.TagBudget {
		return models.TagBudget{
			BaseModel:   models.BaseModel{ID: tagID * 10},
			TagID:       tagID,
			Period:      models.PeriodDaily,
			AmountUSD:   decimal.NewFromFloat(amount),
			Weight:      1.0,
			Inheritance: mode,
			Active:      true,
		}
	}

	dailyKey := PeriodKey(models.PeriodDaily, now, time.Time{}, time.Time{})

	t.Run("AncestorBreachBlocksLenientTag", func(t *testing.T) {
		store := &fakeStore{
			tagBudgets: map[uint][]models.TagBudget{
				1: {tagBudget(1, 10, models.InheritanceLenient)},
			},
		}
		ev, counters, cleanup := newTestEvaluator(t, store, &fakeTagStore{tags: hierarchy}, Defaults{})
		defer cleanup()

		if _, err := counters.IncrTagSpend(ctx, "acme", 1, dailyKey, 10, time.Hour); err != nil {
			t.Fatalf("Failed to seed tag counter: %v", err)
		}

		err := ev.CheckTags(ctx, testTenant(), []redissvc.CachedTag{cachedSearch})
		var exceeded *TagExceededError
		if !errors.As(err, &exceeded) {
			t.Fatalf("Expected TagExceededError, got %v", err)
		}
		if exceeded.TagName != "eng" {
			t.Errorf("Expected the ancestor's name in the refusal, got %s", exceeded.TagName)
		}
	})

	t.Run("StrictTagIgnoresAncestorBreach", func(t *testing.T) {
		store := &fakeStore{
			tagBudgets: map[uint][]models.TagBudget{
				1: {tagBudget(1, 10, models.InheritanceLenient)},
				2: {tagBudget(2, 100, models.InheritanceStrict)},
			},
		}
		ev, counters, cleanup := newTestEvaluator(t, store, &fakeTagStore{tags: hierarchy}, Defaults{})
		defer cleanup()

		if _, err := counters.IncrTagSpend(ctx, "acme", 1, dailyKey, 50, time.Hour); err != nil {
			t.Fatalf("Failed to seed tag counter: %v", err)
		}

		if err := ev.CheckTags(ctx, testTenant(), []redissvc.CachedTag{cachedSearch}); err != nil {
			t.Errorf("Expected STRICT tag to pass the ancestor breach, got %v", err)
		}
	})

	t.Run("OwnBreachBlocksStrictTag", func(t *testing.T) {
		store := &fakeStore{
			tagBudgets: map[uint][]models.TagBudget{
				2: {tagBudget(2, 5, models.InheritanceStrict)},
			},
		}
		ev, counters, cleanup := newTestEvaluator(t, store, &fakeTagStore{tags: hierarchy}, Defaults{})
		defer cleanup()

		if _, err := counters.IncrTagSpend(ctx, "acme", 2, dailyKey, 6, time.Hour); err != nil {
			t.Fatalf("Failed to seed tag counter: %v", err)
		}

		err := ev.CheckTags(ctx, testTenant(), []redissvc.CachedTag{cachedSearch})
		var exceeded *TagExceededError
		if !errors.As(err, &exceeded) {
			t.Fatalf("Expected the tag's own cap to block, got %v", err)
		}
		if exceeded.TagName != "search" {
			t.Errorf("Expected the tag's own name, got %s", exceeded.TagName)
		}
	})

	t.Run("NoBudgetsNoBlock", func(t *testing.T) {
		store := &fakeStore{}
		ev, _, cleanup := newTestEvaluator(t, store, &fakeTagStore{tags: hierarchy}, Defaults{})
		defer cleanup()

		if err := ev.CheckTags(ctx, testTenant(), []redissvc.CachedTag{cachedSearch}); err != nil {
			t.Errorf("Expected no block without tag budgets, got %v", err)
		}
	})

	t.Run("AncestorWalkFailureFailsOpen", func(t *testing.T) {
		store := &fakeStore{
			tagBudgets: map[uint][]models.TagBudget{
				2: {tagBudget(2, 5, models.InheritanceLenient)},
			},
			tagSpend: map[uint]float64{2: 100},
		}
		// The tenant list load fails and Redis is down, so the ancestor
		// walk cannot complete. The tag is skipped entirely.
		ev := newDegradedEvaluator(store, &fakeTagStore{err: errors.New("db down")}, Defaults{})

		if err := ev.CheckTags(ctx, testTenant(), []redissvc.CachedTag{cachedSearch}); err != nil {
			t.Errorf("Expected fail-open on ancestor walk failure, got %v", err)
		}
	})

	t.Run("SpendReadFailureSkipsCap", func(t *testing.T) {
		store := &fakeStore{
			tagBudgets: map[uint][]models.TagBudget{
				2: {tagBudget(2, 5, models.InheritanceLenient)},
			},
			tagSpendErr: errors.New("db down"),
		}
		ev := newDegradedEvaluator(store, &fakeTagStore{tags: hierarchy}, Defaults{})

		if err := ev.CheckTags(ctx, testTenant(), []redissvc.CachedTag{cachedSearch}); err != nil {
			t.Errorf("Expected fail-open on spend read failure, got %v", err)
		}
	})

	t.Run("DatabaseFallbackBlocks", func(t *testing.T) {
		store := &fakeStore{
			tagBudgets: map[uint][]models.TagBudget{
				2: {tagBudget(2, 5, models.InheritanceLenient)},
			},
			tagSpend: map[uint]float64{2: 6},
		}
		ev := newDegradedEvaluator(store, &fakeTagStore{tags: hierarchy}, Defaults{})

		err := ev.CheckTags(ctx, testTenant(), []redissvc.CachedTag{cachedSearch})
		var exceeded *TagExceededError
		if !errors.As(err, &exceeded) {
			t.Fatalf("Expected database tag spend to block, got %v", err)
		}
	})
}

func TestEvaluator_TagCustomWindows(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	start := now.Add(-time.Hour)
	end := now.Add(time.Hour)
	expiredStart := now.Add(-48 * time.Hour)
	expiredEnd := now.Add(-24 * time.Hour)

	store := &fakeStore{
		tagBudgets: map[uint][]models.TagBudget{
			7: {
				{BaseModel: models.BaseModel{ID: 1}, TagID: 7, Period: models.PeriodCustom,
					AmountUSD: decimal.NewFromFloat(10), StartsAt: &start, EndsAt: &end, Active: true},
				{BaseModel: models.BaseModel{ID: 2}, TagID: 7, Period: models.PeriodCustom,
					AmountUSD: decimal.NewFromFloat(20), StartsAt: &expiredStart, EndsAt: &expiredEnd, Active: true},
				{BaseModel: models.BaseModel{ID: 3}, TagID: 7, Period: models.PeriodDaily,
					AmountUSD: decimal.NewFromFloat(30), Active: true},
			},
		},
	}
	ev, _, cleanup := newTestEvaluator(t, store, &fakeTagStore{}, Defaults{})
	defer cleanup()

	wins := ev.TagCustomWindows(ctx, 7, now)
	if len(wins) != 1 {
		t.Fatalf("Expected only the active custom window, got %d", len(wins))
	}
	if wins[0].AmountUSD != 10 {
		t.Errorf("Unexpected window amount: %f", wins[0].AmountUSD)
	}
}

func TestEvaluator_InvalidateTag(t *testing.T) {
	ctx := context.Background()

	store := &fakeStore{
		tagBudgets: map[uint][]models.TagBudget{
			7: {{BaseModel: models.BaseModel{ID: 1}, TagID: 7, Period: models.PeriodDaily,
				AmountUSD: decimal.NewFromFloat(10), Active: true}},
		},
	}
	ev, _, cleanup := newTestEvaluator(t, store, &fakeTagStore{}, Defaults{})
	defer cleanup()

	if wins := ev.TagCustomWindows(ctx, 7, time.Now()); len(wins) != 0 {
		t.Fatalf("Expected no custom windows, got %d", len(wins))
	}

	// Swap in a custom row; the cached rows hide it until invalidation.
	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)
	store.tagBudgets[7] = []models.TagBudget{
		{BaseModel: models.BaseModel{ID: 2}, TagID: 7, Period: models.PeriodCustom,
			AmountUSD: decimal.NewFromFloat(5), StartsAt: &start, EndsAt: &end, Active: true},
	}

	if wins := ev.TagCustomWindows(ctx, 7, time.Now()); len(wins) != 0 {
		t.Fatal("Expected the stale cached rows to be served before invalidation")
	}

	ev.InvalidateTag(7)
	if wins := ev.TagCustomWindows(ctx, 7, time.Now()); len(wins) != 1 {
		t.Fatal("Expected the new row to be visible after invalidation")
	}
}
