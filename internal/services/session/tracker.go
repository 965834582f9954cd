package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tollgate/tollgate/internal/models"
	redissvc "github.com/tollgate/tollgate/internal/services/redis"
)

// NamespacedSID prefixes a client-supplied session id with the tenant so
// two tenants presenting the same id never share a session.
func NamespacedSID(tenantID uint, sid string) string {
	return fmt.Sprintf("%d:%s", tenantID, sid)
}

// Store is the session persistence surface.
type Store interface {
	BySID(ctx context.Context, sid string) (*models.Session, error)
	Create(ctx context.Context, s *models.Session) error
	UpdateStatus(ctx context.Context, sid string, status models.SessionStatus) error
	TouchLastActive(ctx context.Context, sid string, at time.Time) error
	AddCost(ctx context.Context, sid string, usd decimal.Decimal) (decimal.Decimal, error)
	SetCost(ctx context.Context, sid string, usd decimal.Decimal, at time.Time) error
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) BySID(ctx context.Context, sid string) (*models.Session, error) {
	var row models.Session
	if err := s.db.WithContext(ctx).Where("sid = ?", sid).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *GormStore) Create(ctx context.Context, row *models.Session) error {
	// Omit("Tags.*") links existing tags without trying to insert them.
	return s.db.WithContext(ctx).Omit("Tags.*").Create(row).Error
}

func (s *GormStore) UpdateStatus(ctx context.Context, sid string, status models.SessionStatus) error {
	return s.db.WithContext(ctx).Model(&models.Session{}).
		Where("sid = ?", sid).
		Update("status", status).Error
}

func (s *GormStore) TouchLastActive(ctx context.Context, sid string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Session{}).
		Where("sid = ?", sid).
		Update("last_active_at", at).Error
}

// AddCost bumps the persisted cost and returns the new total. Only the
// degraded path (no Redis) uses this on a request.
func (s *GormStore) AddCost(ctx context.Context, sid string, usd decimal.Decimal) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.WithContext(ctx).Raw(
		"UPDATE sessions SET current_cost_usd = current_cost_usd + ? WHERE sid = ? AND deleted_at IS NULL RETURNING current_cost_usd",
		usd, sid,
	).Scan(&total).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to add session cost: %w", err)
	}
	return total, nil
}

func (s *GormStore) SetCost(ctx context.Context, sid string, usd decimal.Decimal, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Session{}).
		Where("sid = ?", sid).
		Updates(map[string]interface{}{
			"current_cost_usd": usd,
			"last_active_at":   at,
		}).Error
}

// ReconcileCost folds the cache counter into the persisted cost without
// touching activity. The worker's periodic sweep uses this.
func (s *GormStore) ReconcileCost(ctx context.Context, sid string, usd decimal.Decimal) error {
	return s.db.WithContext(ctx).Model(&models.Session{}).
		Where("sid = ?", sid).
		Update("current_cost_usd", usd).Error
}

func (s *GormStore) ListByTenant(ctx context.Context, tenantID uint, limit, offset int) ([]models.Session, error) {
	var rows []models.Session
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("last_active_at DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return rows, nil
}

// State is the admission-time view of a session.
type State struct {
	SID       string
	TenantID  uint
	BudgetUSD *float64
	CostUSD   float64
	Status    models.SessionStatus
}

// OverBudget reports whether this session should be refused more spend.
func (st *State) OverBudget() bool {
	if st.Status == models.SessionBudgetExceeded {
		return true
	}
	if st.BudgetUSD == nil {
		return false
	}
	return st.CostUSD >= *st.BudgetUSD
}

const touchInterval = 60 * time.Second

// Tracker resolves sessions on the request path. Reads come from the
// cache; Postgres is the backstop and the system of record for budgets.
type Tracker struct {
	store   Store
	cache   *redissvc.SessionCache
	logger  *zap.Logger
	touched *otter.Cache[string, struct{}]
}

func NewTracker(store Store, cache *redissvc.SessionCache, logger *zap.Logger) *Tracker {
	touched := otter.Must(&otter.Options[string, struct{}]{
		MaximumSize:      65536,
		ExpiryCalculator: otter.ExpiryWriting[string, struct{}](touchInterval),
	})
	return &Tracker{store: store, cache: cache, logger: logger, touched: touched}
}

// GetOrCreate resolves the session for a request. New sessions elect
// their effective budget once, at creation: the smallest amount among the
// resolved tags' session budgets and the tenant default.
func (t *Tracker) GetOrCreate(ctx context.Context, tenant *models.Tenant, rawSID, name, path string, tags []redissvc.CachedTag) (*State, error) {
	sid := NamespacedSID(tenant.ID, rawSID)

	cached, ok, err := t.cache.Get(ctx, sid)
	if err != nil && err != redissvc.ErrUnavailable {
		t.logger.Warn("session cache read failed", zap.String("sid", sid), zap.Error(err))
	}
	if ok {
		cost, cerr := t.cache.Cost(ctx, sid)
		if cerr != nil && cerr != redissvc.ErrUnavailable {
			t.logger.Warn("session cost read failed", zap.String("sid", sid), zap.Error(cerr))
		}
		t.touchAsync(sid)
		return &State{
			SID:       sid,
			TenantID:  cached.TenantID,
			BudgetUSD: cached.BudgetUSD,
			CostUSD:   cost,
			Status:    models.SessionStatus(cached.Status),
		}, nil
	}

	row, err := t.store.BySID(ctx, sid)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = t.newSession(tenant, sid, name, path, tags)
		if err := t.store.Create(ctx, row); err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
	}

	state := stateFromRow(row)
	t.fillCache(ctx, row)
	t.touchAsync(sid)
	return state, nil
}

func (t *Tracker) newSession(tenant *models.Tenant, sid, name, path string, tags []redissvc.CachedTag) *models.Session {
	row := &models.Session{
		SID:          sid,
		TenantID:     tenant.ID,
		Name:         name,
		Path:         path,
		Status:       models.SessionActive,
		LastActiveAt: time.Now(),
	}

	var budget *decimal.Decimal
	consider := func(v decimal.Decimal) {
		if budget == nil || v.LessThan(*budget) {
			b := v
			budget = &b
		}
	}
	for _, tag := range tags {
		if tag.SessionBudgetUSD != nil {
			consider(decimal.NewFromFloat(*tag.SessionBudgetUSD))
		}
		row.Tags = append(row.Tags, models.Tag{BaseModel: models.BaseModel{ID: tag.ID}})
	}
	if tenant.DefaultSessionBudgetUSD != nil {
		consider(*tenant.DefaultSessionBudgetUSD)
	}
	row.EffectiveBudgetUSD = budget
	return row
}

// RecordSpend adds usd to the session's running cost and flips it to
// budget_exceeded when the new total crosses the cap. Overshoot is
// expected: admission checked before this request was sent.
func (t *Tracker) RecordSpend(ctx context.Context, sid string, usd float64, budgetUSD *float64) (float64, bool, error) {
	total, err := t.cache.IncrCost(ctx, sid, usd)
	if err == redissvc.ErrUnavailable {
		dbTotal, derr := t.store.AddCost(ctx, sid, decimal.NewFromFloat(usd))
		if derr != nil {
			return 0, false, derr
		}
		total = dbTotal.InexactFloat64()
	} else if err != nil {
		return 0, false, err
	}

	exceeded := budgetUSD != nil && total >= *budgetUSD
	if exceeded {
		t.MarkExceeded(ctx, sid)
	}
	return total, exceeded, nil
}

// Reset reactivates a session and zeroes its running cost, database
// first, then cache, so the next request starts from a fresh counter.
func (t *Tracker) Reset(ctx context.Context, sid string) error {
	if _, err := t.store.BySID(ctx, sid); err != nil {
		return err
	}
	if err := t.store.SetCost(ctx, sid, decimal.Zero, time.Now()); err != nil {
		return fmt.Errorf("failed to reset session cost: %w", err)
	}
	if err := t.store.UpdateStatus(ctx, sid, models.SessionActive); err != nil {
		return fmt.Errorf("failed to reset session status: %w", err)
	}
	if err := t.cache.Invalidate(ctx, sid); err != nil && err != redissvc.ErrUnavailable {
		t.logger.Warn("session cache invalidation failed", zap.String("sid", sid), zap.Error(err))
	}
	return nil
}

// MarkExceeded flips the session status in cache and, asynchronously, in
// the database.
func (t *Tracker) MarkExceeded(ctx context.Context, sid string) {
	if err := t.cache.MarkExceeded(ctx, sid); err != nil && err != redissvc.ErrUnavailable {
		t.logger.Warn("failed to mark session exceeded in cache", zap.String("sid", sid), zap.Error(err))
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := t.store.UpdateStatus(ctx, sid, models.SessionBudgetExceeded); err != nil {
			t.logger.Warn("failed to mark session exceeded", zap.String("sid", sid), zap.Error(err))
		}
	}()
}

func (t *Tracker) fillCache(ctx context.Context, row *models.Session) {
	cached := &redissvc.CachedSession{
		SID:      row.SID,
		TenantID: row.TenantID,
		Name:     row.Name,
		Path:     row.Path,
		Status:   string(row.Status),
	}
	if row.EffectiveBudgetUSD != nil {
		v := row.EffectiveBudgetUSD.InexactFloat64()
		cached.BudgetUSD = &v
	}
	if err := t.cache.Put(ctx, cached, row.CurrentCostUSD.InexactFloat64()); err != nil && err != redissvc.ErrUnavailable {
		t.logger.Warn("session cache write failed", zap.String("sid", row.SID), zap.Error(err))
	}
}

// touchAsync refreshes LastActiveAt at most once per interval per sid.
func (t *Tracker) touchAsync(sid string) {
	if _, recent := t.touched.GetIfPresent(sid); recent {
		return
	}
	t.touched.Set(sid, struct{}{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := t.store.TouchLastActive(ctx, sid, time.Now()); err != nil {
			t.logger.Debug("failed to touch session", zap.String("sid", sid), zap.Error(err))
		}
	}()
}

func stateFromRow(row *models.Session) *State {
	st := &State{
		SID:      row.SID,
		TenantID: row.TenantID,
		CostUSD:  row.CurrentCostUSD.InexactFloat64(),
		Status:   row.Status,
	}
	if row.EffectiveBudgetUSD != nil {
		v := row.EffectiveBudgetUSD.InexactFloat64()
		st.BudgetUSD = &v
	}
	return st
}
