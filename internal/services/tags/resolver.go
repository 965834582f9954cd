package tags

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/tollgate/tollgate/internal/models"
	redissvc "github.com/tollgate/tollgate/internal/services/redis"
)

// ValidationError rejects a request whose header names tags the tenant
// does not have. Every missing name is listed so the caller can fix the
// header in one round trip.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("unknown tags: %s", strings.Join(e.Missing, ", "))
}

// Store loads a tenant's active tags from the database.
type Store interface {
	ActiveTags(ctx context.Context, tenantID uint) ([]models.Tag, error)
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) ActiveTags(ctx context.Context, tenantID uint) ([]models.Tag, error) {
	var rows []models.Tag
	err := s.db.WithContext(ctx).
		Preload("Budgets", func(db *gorm.DB) *gorm.DB {
			return db.Where("active = ?", true).Order("id")
		}).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load tags: %w", err)
	}
	return rows, nil
}

// Resolver validates declared tag names against the tenant's hierarchy.
// Two cache levels sit in front of the database: resolved sets keyed by
// the sorted csv, then the tenant's full list. Concurrent misses for the
// same tenant collapse into one database load.
type Resolver struct {
	store  Store
	cache  *redissvc.TagCache
	logger *zap.Logger
	group  singleflight.Group
}

func NewResolver(store Store, cache *redissvc.TagCache, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, cache: cache, logger: logger}
}

// ParseHeader normalizes a csv tag header: trimmed, deduplicated, sorted.
// Sorting makes the csv usable as a cache key regardless of declared order.
func ParseHeader(header string) []string {
	if header == "" {
		return nil
	}
	seen := make(map[string]struct{})
	names := make([]string, 0, 4)
	for _, raw := range strings.Split(header, ",") {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve maps declared names to tags. Any unknown name fails the whole
// set with a ValidationError; there is no partial admission.
func (r *Resolver) Resolve(ctx context.Context, tenantID uint, header string) ([]redissvc.CachedTag, error) {
	names := ParseHeader(header)
	if len(names) == 0 {
		return nil, nil
	}
	sortedCSV := strings.Join(names, ",")

	if set, ok, err := r.cache.GetTagSet(ctx, tenantID, sortedCSV); err == nil && ok {
		return set, nil
	} else if err != nil && err != redissvc.ErrUnavailable {
		r.logger.Warn("tag set cache read failed", zap.Uint("tenant_id", tenantID), zap.Error(err))
	}

	all, err := r.tenantTags(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]redissvc.CachedTag, len(all))
	for _, t := range all {
		byName[t.Name] = t
	}

	resolved := make([]redissvc.CachedTag, 0, len(names))
	var missing []string
	for _, name := range names {
		t, ok := byName[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		resolved = append(resolved, t)
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Missing: missing}
	}

	if err := r.cache.PutTagSet(ctx, tenantID, sortedCSV, resolved); err != nil && err != redissvc.ErrUnavailable {
		r.logger.Warn("tag set cache write failed", zap.Uint("tenant_id", tenantID), zap.Error(err))
	}
	return resolved, nil
}

// Ancestors walks tag -> root via ParentID using the cached tenant list,
// nearest first. The tag itself is not included.
func (r *Resolver) Ancestors(ctx context.Context, tenantID uint, tag redissvc.CachedTag) ([]redissvc.CachedTag, error) {
	if tag.ParentID == nil {
		return nil, nil
	}

	all, err := r.tenantTags(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	byID := make(map[uint]redissvc.CachedTag, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}

	var chain []redissvc.CachedTag
	seen := map[uint]struct{}{tag.ID: {}}
	next := tag.ParentID
	for next != nil {
		parent, ok := byID[*next]
		if !ok {
			break
		}
		if _, cycle := seen[parent.ID]; cycle {
			r.logger.Error("tag hierarchy cycle detected",
				zap.Uint("tenant_id", tenantID), zap.Uint("tag_id", parent.ID))
			break
		}
		seen[parent.ID] = struct{}{}
		chain = append(chain, parent)
		next = parent.ParentID
	}
	return chain, nil
}

// tenantTags reads through the full-list cache. Database loads collapse
// per tenant under singleflight.
func (r *Resolver) tenantTags(ctx context.Context, tenantID uint) ([]redissvc.CachedTag, error) {
	if list, ok, err := r.cache.GetTenantTags(ctx, tenantID); err == nil && ok {
		return list, nil
	} else if err != nil && err != redissvc.ErrUnavailable {
		r.logger.Warn("tenant tag cache read failed", zap.Uint("tenant_id", tenantID), zap.Error(err))
	}

	v, err, _ := r.group.Do(fmt.Sprintf("tenant:%d", tenantID), func() (interface{}, error) {
		rows, err := r.store.ActiveTags(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		list := make([]redissvc.CachedTag, 0, len(rows))
		for i := range rows {
			list = append(list, toCached(&rows[i]))
		}
		if err := r.cache.PutTenantTags(ctx, tenantID, list); err != nil && err != redissvc.ErrUnavailable {
			r.logger.Warn("tenant tag cache write failed", zap.Uint("tenant_id", tenantID), zap.Error(err))
		}
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]redissvc.CachedTag), nil
}

func toCached(t *models.Tag) redissvc.CachedTag {
	c := redissvc.CachedTag{
		ID:       t.ID,
		Name:     t.Name,
		ParentID: t.ParentID,
		Path:     t.Path,
		Level:    t.Level,
		Weight:   1.0,
	}
	// Attribution weight comes from the tag's oldest active budget row.
	// Tags without budgets attribute at full weight.
	for i := range t.Budgets {
		c.Weight = t.Budgets[i].Weight
		break
	}
	if t.SessionBudgetUSD != nil {
		v := t.SessionBudgetUSD.InexactFloat64()
		c.SessionBudgetUSD = &v
	}
	return c
}
