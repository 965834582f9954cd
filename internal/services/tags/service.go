package tags

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tollgate/tollgate/internal/models"
	redissvc "github.com/tollgate/tollgate/internal/services/redis"
)

var (
	ErrTagNotFound    = errors.New("tag not found")
	ErrTagHasChildren = errors.New("tag has children")
	ErrTagCycle       = errors.New("tag cannot be its own ancestor")
	ErrDuplicateTag   = errors.New("tag name already exists for tenant")
)

// Service owns tag hierarchy mutations. Every write keeps Path and Level
// consistent for the whole subtree and invalidates the tenant's caches so
// other instances converge.
type Service struct {
	db     *gorm.DB
	cache  *redissvc.TagCache
	logger *zap.Logger
}

func NewService(db *gorm.DB, cache *redissvc.TagCache, logger *zap.Logger) *Service {
	return &Service{db: db, cache: cache, logger: logger}
}

// CreateParams carries the admin-facing fields of a new tag.
type CreateParams struct {
	Name             string
	ParentID         *uint
	SessionBudgetUSD *decimal.Decimal
}

func (s *Service) Create(ctx context.Context, tenantID uint, p CreateParams) (*models.Tag, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, fmt.Errorf("tag name is required")
	}
	// Commas and slashes would corrupt the csv header and the
	// materialized path.
	if strings.ContainsAny(name, ",/") {
		return nil, fmt.Errorf("tag name must not contain ',' or '/'")
	}

	tag := &models.Tag{
		TenantID:         tenantID,
		Name:             name,
		ParentID:         p.ParentID,
		Path:             name,
		Active:           true,
		SessionBudgetUSD: p.SessionBudgetUSD,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p.ParentID != nil {
			parent, err := s.tagForTenant(tx, tenantID, *p.ParentID)
			if err != nil {
				return err
			}
			tag.Path = parent.Path + "/" + name
			tag.Level = parent.Level + 1
		}
		if err := tx.Create(tag).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateTag
			}
			return fmt.Errorf("failed to create tag: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, tenantID)
	return tag, nil
}

// SetParent moves a tag (and its whole subtree) under a new parent.
// nil reparents to the root. Moving a tag under its own descendant is
// rejected.
func (s *Service) SetParent(ctx context.Context, tenantID, tagID uint, newParentID *uint) (*models.Tag, error) {
	var moved *models.Tag
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tag, err := s.tagForTenant(tx, tenantID, tagID)
		if err != nil {
			return err
		}

		newPath := tag.Name
		newLevel := 0
		if newParentID != nil {
			if *newParentID == tagID {
				return ErrTagCycle
			}
			parent, err := s.tagForTenant(tx, tenantID, *newParentID)
			if err != nil {
				return err
			}
			// A descendant's path starts with the tag's own path.
			if parent.Path == tag.Path || strings.HasPrefix(parent.Path, tag.Path+"/") {
				return ErrTagCycle
			}
			newPath = parent.Path + "/" + tag.Name
			newLevel = parent.Level + 1
		}

		oldPath := tag.Path
		levelShift := newLevel - tag.Level

		tag.ParentID = newParentID
		tag.Path = newPath
		tag.Level = newLevel
		if err := tx.Save(tag).Error; err != nil {
			return fmt.Errorf("failed to move tag: %w", err)
		}

		// Rewrite every descendant's materialized path and depth. The
		// prefix length is measured in SQL so multibyte names line up.
		err = tx.Model(&models.Tag{}).
			Where("tenant_id = ? AND path LIKE ?", tenantID, oldPath+"/%").
			Updates(map[string]interface{}{
				"path":  gorm.Expr("? || substr(path, length(?) + 1)", newPath, oldPath),
				"level": gorm.Expr("level + ?", levelShift),
			}).Error
		if err != nil {
			return fmt.Errorf("failed to move subtree: %w", err)
		}

		moved = tag
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, tenantID)
	return moved, nil
}

// Delete soft-deletes a leaf tag. Tags with children must be emptied
// first so no subtree silently loses its budget attribution.
func (s *Service) Delete(ctx context.Context, tenantID, tagID uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tag, err := s.tagForTenant(tx, tenantID, tagID)
		if err != nil {
			return err
		}

		var children int64
		if err := tx.Model(&models.Tag{}).Where("parent_id = ?", tag.ID).Count(&children).Error; err != nil {
			return fmt.Errorf("failed to count children: %w", err)
		}
		if children > 0 {
			return ErrTagHasChildren
		}

		return tx.Delete(tag).Error
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, tenantID)
	return nil
}

// List returns the tenant's tags ordered by path, which renders as a
// depth-first tree.
func (s *Service) List(ctx context.Context, tenantID uint) ([]models.Tag, error) {
	var rows []models.Tag
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("path").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	return rows, nil
}

// Get returns one tag scoped to the tenant.
func (s *Service) Get(ctx context.Context, tenantID, tagID uint) (*models.Tag, error) {
	return s.tagForTenant(s.db.WithContext(ctx), tenantID, tagID)
}

func (s *Service) tagForTenant(tx *gorm.DB, tenantID, tagID uint) (*models.Tag, error) {
	var tag models.Tag
	if err := tx.Where("tenant_id = ?", tenantID).First(&tag, tagID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTagNotFound
		}
		return nil, err
	}
	return &tag, nil
}

func (s *Service) invalidate(ctx context.Context, tenantID uint) {
	if err := s.cache.InvalidateTenant(ctx, tenantID); err != nil && err != redissvc.ErrUnavailable {
		s.logger.Warn("tag cache invalidation failed", zap.Uint("tenant_id", tenantID), zap.Error(err))
	}
}
