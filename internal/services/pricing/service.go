package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tollgate/tollgate/internal/middleware"
	"github.com/tollgate/tollgate/internal/models"
)

var ErrNoPricing = errors.New("no pricing for model")

// Store loads the rate card. The gorm implementation is the only one in
// production; tests substitute fakes.
type Store interface {
	ActivePricing(ctx context.Context) ([]models.ModelPricing, error)
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) ActivePricing(ctx context.Context) ([]models.ModelPricing, error) {
	var rows []models.ModelPricing
	if err := s.db.WithContext(ctx).Where("active = ?", true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load pricing: %w", err)
	}
	return rows, nil
}

// lookupResult caches misses as well as hits so an unknown model cannot
// hammer the database on every request.
type lookupResult struct {
	row   *models.ModelPricing
	found bool
}

const cacheTTL = 5 * time.Minute

// Service answers model -> price questions on the hot path. Lookups go
// through an in-process cache; the whole card reloads at most once per TTL
// per distinct model.
type Service struct {
	store  Store
	logger *zap.Logger
	cache  *otter.Cache[string, lookupResult]
}

func NewService(store Store, logger *zap.Logger) *Service {
	cache := otter.Must(&otter.Options[string, lookupResult]{
		MaximumSize:      4096,
		ExpiryCalculator: otter.ExpiryWriting[string, lookupResult](cacheTTL),
	})
	return &Service{store: store, logger: logger, cache: cache}
}

// Lookup resolves the pricing row for a model id. An exact miss retries
// the -low tier variant, so base names of tiered models still resolve.
func (s *Service) Lookup(ctx context.Context, modelID string) (*models.ModelPricing, error) {
	if r, ok := s.cache.GetIfPresent(modelID); ok {
		middleware.RecordCacheLookup("pricing", true)
		if !r.found {
			return nil, ErrNoPricing
		}
		return r.row, nil
	}
	middleware.RecordCacheLookup("pricing", false)

	rows, err := s.store.ActivePricing(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.ModelPricing, len(rows))
	for i := range rows {
		byID[rows[i].ModelID] = &rows[i]
	}

	row, ok := byID[modelID]
	if !ok {
		row, ok = byID[modelID+models.TierSuffixLow]
	}
	s.cache.Set(modelID, lookupResult{row: row, found: ok})

	if !ok {
		return nil, ErrNoPricing
	}
	return row, nil
}

// ProviderFor resolves which provider serves a model.
func (s *Service) ProviderFor(ctx context.Context, modelID string) (models.ProviderName, error) {
	row, err := s.Lookup(ctx, modelID)
	if err != nil {
		return "", err
	}
	return row.Provider, nil
}

// HasTierVariants reports whether the base model ships as -low / -high
// rows. The google translator consults this before suffixing.
func (s *Service) HasTierVariants(ctx context.Context, baseModel string) bool {
	row, err := s.Lookup(ctx, baseModel+models.TierSuffixHigh)
	return err == nil && row != nil
}

// Cost prices a token count against the model's row.
func (s *Service) Cost(ctx context.Context, modelID string, promptTokens, completionTokens int) (decimal.Decimal, error) {
	row, err := s.Lookup(ctx, modelID)
	if err != nil {
		return decimal.Zero, err
	}
	return row.Cost(promptTokens, completionTokens), nil
}

// ModelIDs lists client-facing model names: tier variants collapse to
// their base id.
func (s *Service) ModelIDs(ctx context.Context) ([]string, error) {
	rows, err := s.store.ActivePricing(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(rows))
	ids := make([]string, 0, len(rows))
	for i := range rows {
		base := models.BaseModelID(rows[i].ModelID)
		if _, ok := seen[base]; ok {
			continue
		}
		seen[base] = struct{}{}
		ids = append(ids, base)
	}
	sort.Strings(ids)
	return ids, nil
}

// Invalidate drops the cache after rate card mutations.
func (s *Service) Invalidate() {
	s.cache.InvalidateAll()
}
