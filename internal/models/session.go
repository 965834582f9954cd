package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type SessionStatus string

const (
	SessionActive         SessionStatus = "active"
	SessionBudgetExceeded SessionStatus = "budget_exceeded"
)

// Session groups requests under a client-supplied id so a conversation or
// job can carry its own spending cap. SID is namespaced per tenant before
// storage, so two tenants presenting the same id never share state. The
// live running cost lives in Redis; CurrentCostUSD is the reconciled
// fallback value.
type Session struct {
	BaseModel
	SID      string  `gorm:"uniqueIndex;not null" json:"sid"`
	TenantID uint    `gorm:"index;not null" json:"tenant_id"`
	Tenant   *Tenant `gorm:"foreignKey:TenantID" json:"-"`
	Name     string  `json:"name,omitempty"`
	Path     string  `json:"path,omitempty"`

	// EffectiveBudgetUSD is resolved once at creation: the smallest of the
	// resolved tags' session budgets and the tenant default, nil when
	// nothing applies.
	EffectiveBudgetUSD *decimal.Decimal `gorm:"type:decimal(20,6)" json:"effective_budget_usd,omitempty"`

	CurrentCostUSD decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"current_cost_usd"`
	Status         SessionStatus   `gorm:"default:active" json:"status"`
	LastActiveAt   time.Time       `json:"last_active_at"`

	Tags []Tag `gorm:"many2many:session_tags" json:"-"`
}

// OverBudget reports whether spent has reached the effective budget.
// Sessions without a budget are never over.
func (s *Session) OverBudget(spent decimal.Decimal) bool {
	if s.EffectiveBudgetUSD == nil {
		return false
	}
	return spent.GreaterThanOrEqual(*s.EffectiveBudgetUSD)
}
