package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tollgate/tollgate/internal/models"
	redissvc "github.com/tollgate/tollgate/internal/services/redis"
	"github.com/tollgate/tollgate/internal/services/tags"
)

// ExceededError blocks a request at tenant scope.
type ExceededError struct {
	Period models.Period
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for period %s", e.Period)
}

// TagExceededError blocks a request at tag scope. TagName is the tag
// whose cap was hit, which may be an ancestor of the declared tag.
type TagExceededError struct {
	TagName string
	Period  models.Period
}

func (e *TagExceededError) Error() string {
	return fmt.Sprintf("tag budget exceeded for %s (%s)", e.TagName, e.Period)
}

// Store is the database surface of budget evaluation.
type Store interface {
	TenantBudgets(ctx context.Context, tenantID uint) ([]models.Budget, error)
	TagBudgets(ctx context.Context, tagID uint) ([]models.TagBudget, error)
	TenantWindowSpend(ctx context.Context, tenantID uint, start, end time.Time) (float64, error)
	TagWindowSpend(ctx context.Context, tagID uint, path string, start, end time.Time) (float64, error)
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) TenantBudgets(ctx context.Context, tenantID uint) ([]models.Budget, error) {
	var rows []models.Budget
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load budgets: %w", err)
	}
	return rows, nil
}

func (s *GormStore) TagBudgets(ctx context.Context, tagID uint) ([]models.TagBudget, error) {
	var rows []models.TagBudget
	err := s.db.WithContext(ctx).
		Where("tag_id = ? AND active = ?", tagID, true).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load tag budgets: %w", err)
	}
	return rows, nil
}

func (s *GormStore) TenantWindowSpend(ctx context.Context, tenantID uint, start, end time.Time) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).Model(&models.UsageLedger{}).
		Select("COALESCE(SUM(cost_usd), 0)").
		Where("tenant_id = ? AND timestamp >= ? AND timestamp < ?", tenantID, start, end).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum tenant spend: %w", err)
	}
	return total, nil
}

// TagWindowSpend sums attributed spend for the tag's whole subtree, so the
// database fallback agrees with the rolled-up Redis counters.
func (s *GormStore) TagWindowSpend(ctx context.Context, tagID uint, path string, start, end time.Time) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).Model(&models.RequestTag{}).
		Select("COALESCE(SUM(request_tags.weighted_cost_usd), 0)").
		Joins("JOIN usage_ledgers ON usage_ledgers.id = request_tags.usage_ledger_id").
		Joins("JOIN tags ON tags.id = request_tags.tag_id").
		Where("(request_tags.tag_id = ? OR tags.path LIKE ?) AND usage_ledgers.timestamp >= ? AND usage_ledgers.timestamp < ?",
			tagID, path+"/%", start, end).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum tag spend: %w", err)
	}
	return total, nil
}

// Defaults is applied to tenants without any budget rows. A zero amount
// disables default enforcement entirely.
type Defaults struct {
	AmountUSD float64
	Periods   []models.Period
}

// noBudgetMarker is cached for period types the tenant has no budget in,
// so their absence does not force a database load on every request.
const noBudgetMarker = -1

const (
	markerTTL         = 5 * time.Minute
	tagBudgetCacheTTL = 60 * time.Second
)

// Evaluator is the admission-time budget gate. Tenant windows come from
// the read-through Redis cache, spend from the counter tier, with the
// database as fallback. Tenant-scope failures fail closed; tag-scope
// failures fail open.
type Evaluator struct {
	store      Store
	counters   *redissvc.CounterStore
	windows    *redissvc.BudgetCache
	resolver   *tags.Resolver
	logger     *zap.Logger
	defaults   Defaults
	tagBudgets *otter.Cache[uint, []models.TagBudget]
}

func NewEvaluator(store Store, counters *redissvc.CounterStore, windows *redissvc.BudgetCache, resolver *tags.Resolver, defaults Defaults, logger *zap.Logger) *Evaluator {
	tagBudgets := otter.Must(&otter.Options[uint, []models.TagBudget]{
		MaximumSize:      16384,
		ExpiryCalculator: otter.ExpiryWriting[uint, []models.TagBudget](tagBudgetCacheTTL),
	})
	return &Evaluator{
		store:      store,
		counters:   counters,
		windows:    windows,
		resolver:   resolver,
		logger:     logger,
		defaults:   defaults,
		tagBudgets: tagBudgets,
	}
}

// CheckTenant enforces every active tenant-scope window. It returns the
// per-period spend it observed so later pipeline stages (the policy hook)
// reuse it without re-reading counters. Any error other than
// *ExceededError means budget state could not be established and the
// request must not be admitted.
func (e *Evaluator) CheckTenant(ctx context.Context, tenant *models.Tenant) (map[string]float64, error) {
	now := time.Now()
	wins, err := e.tenantWindows(ctx, tenant, now)
	if err != nil {
		return nil, err
	}

	spend := make(map[string]float64, len(wins))
	for _, w := range wins {
		spent, err := e.tenantSpend(ctx, tenant, w)
		if err != nil {
			return nil, err
		}
		spend[string(w.Period)] = spent
		if spent >= w.AmountUSD {
			return spend, &ExceededError{Period: w.Period}
		}
	}
	return spend, nil
}

// CheckTags walks each declared tag to the root and enforces every
// active cap along the way. An ancestor breach blocks unless the
// declared tag opted into STRICT inheritance. Read failures here never
// block a request.
func (e *Evaluator) CheckTags(ctx context.Context, tenant *models.Tenant, resolved []redissvc.CachedTag) error {
	now := time.Now()
	for _, tag := range resolved {
		walk := []redissvc.CachedTag{tag}
		ancestors, err := e.resolver.Ancestors(ctx, tenant.ID, tag)
		if err != nil {
			e.logger.Warn("ancestor walk failed, tag budgets skipped",
				zap.Uint("tag_id", tag.ID), zap.Error(err))
			continue
		}
		walk = append(walk, ancestors...)

		mode := e.inheritanceMode(ctx, tag.ID)
		for _, node := range walk {
			rows := e.tagBudgetRows(ctx, node.ID)
			for i := range rows {
				row := &rows[i]
				w, ok := windowFor(row.Period, row.AmountUSD.InexactFloat64(), row.StartsAt, row.EndsAt, now)
				if !ok {
					continue
				}
				spent, err := e.tagSpend(ctx, tenant, node, w)
				if err != nil {
					e.logger.Warn("tag spend read failed, cap skipped",
						zap.Uint("tag_id", node.ID),
						zap.String("period_key", w.Key),
						zap.Error(err))
					continue
				}
				if spent < w.AmountUSD {
					continue
				}
				if node.ID == tag.ID || mode == models.InheritanceLenient {
					return &TagExceededError{TagName: node.Name, Period: row.Period}
				}
			}
		}
	}
	return nil
}

// TenantWindows exposes the active windows, used by the ledger hook to
// pick counter keys and TTLs.
func (e *Evaluator) TenantWindows(ctx context.Context, tenant *models.Tenant) ([]Window, error) {
	return e.tenantWindows(ctx, tenant, time.Now())
}

// TagCustomWindows returns the active custom windows among a tag's caps.
// The ledger hook uses them to move the matching counters; recurring
// counters are clock-derived and need no rows.
func (e *Evaluator) TagCustomWindows(ctx context.Context, tagID uint, now time.Time) []Window {
	var out []Window
	rows := e.tagBudgetRows(ctx, tagID)
	for i := range rows {
		row := &rows[i]
		if row.Period != models.PeriodCustom {
			continue
		}
		if w, ok := windowFor(row.Period, row.AmountUSD.InexactFloat64(), row.StartsAt, row.EndsAt, now); ok {
			out = append(out, w)
		}
	}
	return out
}

// InvalidateTag drops the cached budget rows for one tag.
func (e *Evaluator) InvalidateTag(tagID uint) {
	e.tagBudgets.Invalidate(tagID)
}

// InvalidateTenant drops the tenant's cached windows after budget
// mutations.
func (e *Evaluator) InvalidateTenant(ctx context.Context, tenantName string) {
	if err := e.windows.Invalidate(ctx, tenantName); err != nil && err != redissvc.ErrUnavailable {
		e.logger.Warn("budget window invalidation failed",
			zap.String("tenant", tenantName), zap.Error(err))
	}
}

func (e *Evaluator) tenantWindows(ctx context.Context, tenant *models.Tenant, now time.Time) ([]Window, error) {
	periods := []string{"daily", "monthly", "custom"}
	cached := make([]Window, 0, len(periods))
	allHit := true
	for _, p := range periods {
		w, ok, err := e.windows.Get(ctx, tenant.Name, p)
		if err != nil || !ok {
			if err != nil && err != redissvc.ErrUnavailable {
				e.logger.Warn("budget window cache read failed",
					zap.String("tenant", tenant.Name), zap.Error(err))
			}
			allHit = false
			break
		}
		if w.AmountUSD == noBudgetMarker {
			continue
		}
		win := Window{
			Period:    models.Period(p),
			Key:       w.PeriodKey,
			Start:     w.Start,
			End:       w.End,
			AmountUSD: w.AmountUSD,
		}
		// A cached window that no longer covers now has rolled over.
		if !win.Contains(now) {
			allHit = false
			break
		}
		cached = append(cached, win)
	}
	if allHit {
		return cached, nil
	}
	return e.loadTenantWindows(ctx, tenant, now)
}

// loadTenantWindows rebuilds the window set from budget rows and writes
// it back to the cache. Tenants without rows fall back to the configured
// default caps. When several rows cover the same period the smallest
// amount wins.
func (e *Evaluator) loadTenantWindows(ctx context.Context, tenant *models.Tenant, now time.Time) ([]Window, error) {
	rows, err := e.store.TenantBudgets(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}

	byPeriod := make(map[models.Period]Window, 3)
	consider := func(w Window) {
		if cur, ok := byPeriod[w.Period]; !ok || w.AmountUSD < cur.AmountUSD {
			byPeriod[w.Period] = w
		}
	}

	for i := range rows {
		row := &rows[i]
		w, ok := windowFor(row.Period, row.AmountUSD.InexactFloat64(), row.StartsAt, row.EndsAt, now)
		if !ok {
			continue
		}
		consider(w)
	}

	if len(rows) == 0 && e.defaults.AmountUSD > 0 {
		for _, p := range e.defaults.Periods {
			if w, ok := windowFor(p, e.defaults.AmountUSD, nil, nil, now); ok {
				consider(w)
			}
		}
	}

	out := make([]Window, 0, len(byPeriod))
	for _, p := range []models.Period{models.PeriodDaily, models.PeriodMonthly, models.PeriodCustom} {
		w, ok := byPeriod[p]
		if ok {
			out = append(out, w)
			e.putWindow(ctx, tenant.Name, string(p), &redissvc.Window{
				AmountUSD: w.AmountUSD,
				Start:     w.Start,
				End:       w.End,
				PeriodKey: w.Key,
			})
			continue
		}
		e.putWindow(ctx, tenant.Name, string(p), &redissvc.Window{
			AmountUSD: noBudgetMarker,
			End:       now.Add(markerTTL),
		})
	}
	return out, nil
}

func (e *Evaluator) putWindow(ctx context.Context, tenant, period string, w *redissvc.Window) {
	if err := e.windows.Put(ctx, tenant, period, w); err != nil && err != redissvc.ErrUnavailable {
		e.logger.Warn("budget window cache write failed",
			zap.String("tenant", tenant), zap.String("period", period), zap.Error(err))
	}
}

func (e *Evaluator) tenantSpend(ctx context.Context, tenant *models.Tenant, w Window) (float64, error) {
	spent, err := e.counters.TenantSpend(ctx, tenant.Name, w.Key)
	if err == nil {
		return spent, nil
	}
	if err != redissvc.ErrUnavailable {
		e.logger.Warn("tenant counter read failed, falling back to database",
			zap.String("tenant", tenant.Name), zap.String("period_key", w.Key), zap.Error(err))
	}
	return e.store.TenantWindowSpend(ctx, tenant.ID, w.Start, w.End)
}

func (e *Evaluator) tagSpend(ctx context.Context, tenant *models.Tenant, node redissvc.CachedTag, w Window) (float64, error) {
	spent, err := e.counters.TagSpend(ctx, tenant.Name, node.ID, w.Key)
	if err == nil {
		return spent, nil
	}
	if err != redissvc.ErrUnavailable {
		e.logger.Warn("tag counter read failed, falling back to database",
			zap.Uint("tag_id", node.ID), zap.String("period_key", w.Key), zap.Error(err))
	}
	return e.store.TagWindowSpend(ctx, node.ID, node.Path, w.Start, w.End)
}

// tagBudgetRows reads a tag's active caps through a short in-process
// cache. Failures surface as an empty set: tag enforcement fails open.
func (e *Evaluator) tagBudgetRows(ctx context.Context, tagID uint) []models.TagBudget {
	if rows, ok := e.tagBudgets.GetIfPresent(tagID); ok {
		return rows
	}
	rows, err := e.store.TagBudgets(ctx, tagID)
	if err != nil {
		e.logger.Warn("tag budget load failed", zap.Uint("tag_id", tagID), zap.Error(err))
		return nil
	}
	e.tagBudgets.Set(tagID, rows)
	return rows
}

// inheritanceMode reads the declared tag's own rows: any STRICT row makes
// the tag STRICT.
func (e *Evaluator) inheritanceMode(ctx context.Context, tagID uint) models.InheritanceMode {
	for _, row := range e.tagBudgetRows(ctx, tagID) {
		if row.Inheritance == models.InheritanceStrict {
			return models.InheritanceStrict
		}
	}
	return models.InheritanceLenient
}
