package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/maypok86/otter/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tollgate/tollgate/internal/models"
)

// HintKind says how the caller identified the tenant before
// authentication ran.
type HintKind string

const (
	HintTenant HintKind = "tenant"
	HintKey    HintKind = "key"
	HintIP     HintKind = "ip"
)

// Hint is the pre-auth identity a request gets throttled under. It is
// taken from declared headers, not verified credentials: lying about it
// only moves a caller into a different bucket, it never raises a limit
// past what the named tenant configured.
type Hint struct {
	Kind  HintKind
	Value string
}

func (h Hint) BucketKey() string {
	return "ratelimit:" + string(h.Kind) + ":" + h.Value
}

// TenantStore is the subset of tenant lookups the resolver needs.
type TenantStore interface {
	TenantByName(ctx context.Context, name string) (*models.Tenant, error)
	TenantByKeyPrefix(ctx context.Context, prefix string) (*models.Tenant, error)
}

type GormTenantStore struct {
	db *gorm.DB
}

func NewGormTenantStore(db *gorm.DB) *GormTenantStore {
	return &GormTenantStore{db: db}
}

func (s *GormTenantStore) TenantByName(ctx context.Context, name string) (*models.Tenant, error) {
	var tenant models.Tenant
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&tenant).Error; err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (s *GormTenantStore) TenantByKeyPrefix(ctx context.Context, prefix string) (*models.Tenant, error) {
	var key models.APIKey
	if err := s.db.WithContext(ctx).Where("key_prefix = ?", prefix).First(&key).Error; err != nil {
		return nil, err
	}
	var tenant models.Tenant
	if err := s.db.WithContext(ctx).First(&tenant, key.TenantID).Error; err != nil {
		return nil, err
	}
	return &tenant, nil
}

const limitCacheTTL = 60 * time.Second

// LimitResolver maps a hint to the per-minute request limit, caching
// results so the pre-auth path stays off the database.
type LimitResolver struct {
	store         TenantStore
	cache         *otter.Cache[string, int]
	defaultPerMin int
	logger        *zap.Logger
}

func NewLimitResolver(store TenantStore, defaultPerMin int, logger *zap.Logger) *LimitResolver {
	cache := otter.Must(&otter.Options[string, int]{
		MaximumSize:      8192,
		ExpiryCalculator: otter.ExpiryWriting[string, int](limitCacheTTL),
	})
	return &LimitResolver{
		store:         store,
		cache:         cache,
		defaultPerMin: defaultPerMin,
		logger:        logger,
	}
}

// LimitFor returns the request-per-minute limit for a hint. Unknown
// hints and lookup failures fall back to the configured default, so a
// database blip cannot block the pre-auth path.
func (r *LimitResolver) LimitFor(ctx context.Context, h Hint) int {
	cacheKey := string(h.Kind) + ":" + h.Value
	if limit, ok := r.cache.GetIfPresent(cacheKey); ok {
		return limit
	}

	limit := r.resolve(ctx, h)
	r.cache.Set(cacheKey, limit)
	return limit
}

func (r *LimitResolver) resolve(ctx context.Context, h Hint) int {
	var (
		tenant *models.Tenant
		err    error
	)
	switch h.Kind {
	case HintTenant:
		tenant, err = r.store.TenantByName(ctx, h.Value)
	case HintKey:
		tenant, err = r.store.TenantByKeyPrefix(ctx, h.Value)
	default:
		return r.defaultPerMin
	}

	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			r.logger.Debug("rate limit lookup failed, using default",
				zap.String("hint", h.Value), zap.Error(err))
		}
		return r.defaultPerMin
	}
	return tenant.EffectiveRateLimit(r.defaultPerMin)
}
