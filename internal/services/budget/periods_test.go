package budget

import (
	"testing"
	"time"

	"github.com/tollgate/tollgate/internal/models"
)

func TestPeriodKey(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

	t.Run("Daily", func(t *testing.T) {
		key := PeriodKey(models.PeriodDaily, now, time.Time{}, time.Time{})
		if key != "2025-06-15" {
			t.Errorf("Expected 2025-06-15, got %s", key)
		}
	})

	t.Run("Monthly", func(t *testing.T) {
		key := PeriodKey(models.PeriodMonthly, now, time.Time{}, time.Time{})
		if key != "2025-06" {
			t.Errorf("Expected 2025-06, got %s", key)
		}
	})

	t.Run("Custom_EmbedsBothBounds", func(t *testing.T) {
		start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2025, 6, 30, 23, 59, 59, 0, time.UTC)
		key := PeriodKey(models.PeriodCustom, now, start, end)

		expected := "2025-06-01T00:00:00Z_2025-06-30T23:59:59Z"
		if key != expected {
			t.Errorf("Expected %s, got %s", expected, key)
		}

		// A different window must never share a counter bucket.
		otherEnd := end.AddDate(0, 0, 1)
		if PeriodKey(models.PeriodCustom, now, start, otherEnd) == key {
			t.Error("Expected distinct key for a different custom window")
		}
	})

	t.Run("NonUTCInputNormalized", func(t *testing.T) {
		// 23:30 at UTC+5 is 18:30 UTC the same day.
		zone := time.FixedZone("east", 5*3600)
		local := time.Date(2025, 6, 15, 23, 30, 0, 0, zone)
		if key := PeriodKey(models.PeriodDaily, local, time.Time{}, time.Time{}); key != "2025-06-15" {
			t.Errorf("Expected UTC day key, got %s", key)
		}

		// 02:30 at UTC+5 is the previous UTC day.
		early := time.Date(2025, 6, 15, 2, 30, 0, 0, zone)
		if key := PeriodKey(models.PeriodDaily, early, time.Time{}, time.Time{}); key != "2025-06-14" {
			t.Errorf("Expected previous UTC day key, got %s", key)
		}
	})
}

func TestDailyBounds(t *testing.T) {
	now := time.Date(2025, 6, 15, 18, 45, 12, 0, time.UTC)
	start, end := DailyBounds(now)

	if !start.Equal(time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected start: %v", start)
	}
	if !end.Equal(time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected end: %v", end)
	}
}

func TestMonthlyBounds(t *testing.T) {
	t.Run("MidMonth", func(t *testing.T) {
		start, end := MonthlyBounds(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))
		if !start.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("Unexpected start: %v", start)
		}
		if !end.Equal(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("Unexpected end: %v", end)
		}
	})

	t.Run("DecemberRollsToNextYear", func(t *testing.T) {
		_, end := MonthlyBounds(time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC))
		if !end.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("Unexpected end: %v", end)
		}
	})
}

func TestWindowContains(t *testing.T) {
	w := Window{
		Start: time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC),
	}

	if !w.Contains(w.Start) {
		t.Error("Expected start to be inclusive")
	}
	if w.Contains(w.End) {
		t.Error("Expected end to be exclusive")
	}
	if !w.Contains(w.Start.Add(12 * time.Hour)) {
		t.Error("Expected midpoint to be contained")
	}
	if w.Contains(w.Start.Add(-time.Nanosecond)) {
		t.Error("Expected instant before start to be outside")
	}
}

func TestRecurringWindow(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

	t.Run("Daily", func(t *testing.T) {
		w, ok := RecurringWindow(models.PeriodDaily, now)
		if !ok {
			t.Fatal("Expected a daily window")
		}
		if w.Key != "2025-06-15" {
			t.Errorf("Unexpected key: %s", w.Key)
		}
		if !w.Contains(now) {
			t.Error("Expected window to contain now")
		}
	})

	t.Run("Monthly", func(t *testing.T) {
		w, ok := RecurringWindow(models.PeriodMonthly, now)
		if !ok {
			t.Fatal("Expected a monthly window")
		}
		if w.Key != "2025-06" {
			t.Errorf("Unexpected key: %s", w.Key)
		}
	})

	t.Run("CustomHasNoClockWindow", func(t *testing.T) {
		if _, ok := RecurringWindow(models.PeriodCustom, now); ok {
			t.Error("Expected no clock-derived window for custom")
		}
	})
}

func TestWindowFor_Custom(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	start := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 20, 23, 59, 59, 0, time.UTC)

	t.Run("InsideBounds", func(t *testing.T) {
		w, ok := windowFor(models.PeriodCustom, 50, &start, &end, now)
		if !ok {
			t.Fatal("Expected a window inside the bounds")
		}
		if w.AmountUSD != 50 {
			t.Errorf("Unexpected amount: %f", w.AmountUSD)
		}
		if !w.Start.Equal(start) || !w.End.Equal(end) {
			t.Errorf("Unexpected bounds: %v - %v", w.Start, w.End)
		}
	})

	t.Run("BeforeStart", func(t *testing.T) {
		early := start.Add(-time.Hour)
		if _, ok := windowFor(models.PeriodCustom, 50, &start, &end, early); ok {
			t.Error("Expected no window before the start")
		}
	})

	t.Run("AfterEnd", func(t *testing.T) {
		late := end.Add(time.Hour)
		if _, ok := windowFor(models.PeriodCustom, 50, &start, &end, late); ok {
			t.Error("Expected no window after the end")
		}
	})

	t.Run("MissingBounds", func(t *testing.T) {
		if _, ok := windowFor(models.PeriodCustom, 50, nil, nil, now); ok {
			t.Error("Expected no window without bounds")
		}
	})
}
