package models

import (
	"github.com/shopspring/decimal"
)

// Tenant is the unit of isolation: every key, tag, budget, session and
// ledger row belongs to exactly one tenant. Name doubles as the cache key
// component, so it is restricted to slug characters at creation time.
type Tenant struct {
	BaseModel
	Name   string `gorm:"uniqueIndex;not null" json:"name"`
	Active bool   `gorm:"default:true" json:"active"`

	// RateLimitPerMin overrides the global default when set.
	// 0 means unlimited.
	RateLimitPerMin *int `json:"rate_limit_per_min,omitempty"`

	// DefaultSessionBudgetUSD caps new sessions when no resolved tag
	// carries a tighter session budget.
	DefaultSessionBudgetUSD *decimal.Decimal `gorm:"type:decimal(20,6)" json:"default_session_budget_usd,omitempty"`

	Keys []APIKey `gorm:"foreignKey:TenantID" json:"-"`
	Tags []Tag    `gorm:"foreignKey:TenantID" json:"-"`
}

// EffectiveRateLimit resolves the per-minute limit against the global
// default. A stored 0 means unlimited and is widened so window math never
// trips it.
func (t *Tenant) EffectiveRateLimit(defaultPerMin int) int {
	if t.RateLimitPerMin == nil {
		return defaultPerMin
	}
	if *t.RateLimitPerMin == 0 {
		return int(^uint32(0) >> 1)
	}
	return *t.RateLimitPerMin
}
