package budget

import (
	"time"

	"github.com/tollgate/tollgate/internal/models"
)

// Window is a concrete enforcement interval: the cap, its bounds, and the
// period key its spend counters live under. All window math is UTC so
// every instance agrees on boundaries.
type Window struct {
	Period    models.Period
	Key       string
	Start     time.Time
	End       time.Time
	AmountUSD float64
}

// Contains reports whether the window covers the instant.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// PeriodKey names the counter bucket for a period at a given time.
// Daily keys look like 2026-08-25, monthly like 2026-08. Custom keys
// embed both bounds so two different custom windows can never collide.
func PeriodKey(p models.Period, now, start, end time.Time) string {
	switch p {
	case models.PeriodDaily:
		return now.UTC().Format("2006-01-02")
	case models.PeriodMonthly:
		return now.UTC().Format("2006-01")
	case models.PeriodCustom:
		return start.UTC().Format(time.RFC3339) + "_" + end.UTC().Format(time.RFC3339)
	}
	return now.UTC().Format("2006-01-02")
}

// DailyBounds returns the UTC day containing now.
func DailyBounds(now time.Time) (time.Time, time.Time) {
	u := now.UTC()
	start := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// MonthlyBounds returns the UTC month containing now.
func MonthlyBounds(now time.Time) (time.Time, time.Time) {
	u := now.UTC()
	start := time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// RecurringWindow derives the clock-aligned window for a recurring
// period. Custom has no clock-derived window.
func RecurringWindow(p models.Period, now time.Time) (Window, bool) {
	switch p {
	case models.PeriodDaily, models.PeriodMonthly:
		return windowFor(p, 0, nil, nil, now)
	}
	return Window{}, false
}

// windowFor materializes the enforcement window of a cap at now. Custom
// periods return ok=false outside their configured bounds.
func windowFor(p models.Period, amountUSD float64, startsAt, endsAt *time.Time, now time.Time) (Window, bool) {
	switch p {
	case models.PeriodDaily:
		start, end := DailyBounds(now)
		return Window{
			Period:    p,
			Key:       PeriodKey(p, now, start, end),
			Start:     start,
			End:       end,
			AmountUSD: amountUSD,
		}, true
	case models.PeriodMonthly:
		start, end := MonthlyBounds(now)
		return Window{
			Period:    p,
			Key:       PeriodKey(p, now, start, end),
			Start:     start,
			End:       end,
			AmountUSD: amountUSD,
		}, true
	case models.PeriodCustom:
		if startsAt == nil || endsAt == nil {
			return Window{}, false
		}
		start, end := startsAt.UTC(), endsAt.UTC()
		if now.Before(start) || now.After(end) {
			return Window{}, false
		}
		return Window{
			Period:    p,
			Key:       PeriodKey(p, now, start, end),
			Start:     start,
			End:       end,
			AmountUSD: amountUSD,
		}, true
	}
	return Window{}, false
}
