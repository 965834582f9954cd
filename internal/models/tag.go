package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Tag is a node in a tenant's attribution hierarchy. Path is the
// materialized slash-joined name chain from the root (eng/platform/search)
// and Level its depth, both maintained by the hierarchy operations so budget
// walks never recurse in SQL.
type Tag struct {
	BaseModel
	TenantID uint    `gorm:"index:idx_tags_tenant_name,unique;not null" json:"tenant_id"`
	Tenant   *Tenant `gorm:"foreignKey:TenantID" json:"-"`
	Name     string  `gorm:"index:idx_tags_tenant_name,unique;not null" json:"name"`
	ParentID *uint   `gorm:"index" json:"parent_id,omitempty"`
	Parent   *Tag    `gorm:"foreignKey:ParentID" json:"-"`
	Path     string  `gorm:"index;not null" json:"path"`
	Level    int     `gorm:"default:0" json:"level"`
	Active   bool    `gorm:"default:true" json:"active"`

	// SessionBudgetUSD, when set, participates in the effective session
	// budget election (lowest amount wins).
	SessionBudgetUSD *decimal.Decimal `gorm:"type:decimal(20,6)" json:"session_budget_usd,omitempty"`

	Budgets []TagBudget `gorm:"foreignKey:TagID" json:"-"`
}

// AncestorPaths returns the materialized paths of every ancestor, nearest
// first. For eng/platform/search that is [eng/platform, eng].
func (t *Tag) AncestorPaths() []string {
	parts := strings.Split(t.Path, "/")
	if len(parts) <= 1 {
		return nil
	}
	paths := make([]string, 0, len(parts)-1)
	for i := len(parts) - 1; i > 0; i-- {
		paths = append(paths, strings.Join(parts[:i], "/"))
	}
	return paths
}
