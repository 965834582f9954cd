package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Budget is a recurring or custom spending cap at tenant scope. Recurring
// periods (daily, monthly) roll over automatically; custom budgets carry an
// explicit [StartsAt, EndsAt] window with EndsAt snapped to 23:59:59.999 UTC
// at write time.
type Budget struct {
	BaseModel
	TenantID  uint            `gorm:"index;not null" json:"tenant_id"`
	Tenant    *Tenant         `gorm:"foreignKey:TenantID" json:"-"`
	Period    Period          `gorm:"not null" json:"period"`
	AmountUSD decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"amount_usd"`
	StartsAt  *time.Time      `json:"starts_at,omitempty"`
	EndsAt    *time.Time      `json:"ends_at,omitempty"`
	Active    bool            `gorm:"default:true" json:"active"`
}

// Covers reports whether a custom budget window contains now. Recurring
// budgets always cover.
func (b *Budget) Covers(now time.Time) bool {
	if b.Period != PeriodCustom {
		return true
	}
	if b.StartsAt == nil || b.EndsAt == nil {
		return false
	}
	return !now.Before(*b.StartsAt) && !now.After(*b.EndsAt)
}

// InheritanceMode controls whether an ancestor's exhausted budget blocks
// requests attributed to a descendant tag.
type InheritanceMode string

const (
	// InheritanceLenient blocks on the tag's own budgets and on any
	// ancestor's. The default.
	InheritanceLenient InheritanceMode = "LENIENT"
	// InheritanceStrict blocks only on the tag's own budgets.
	InheritanceStrict InheritanceMode = "STRICT"
)

// TagBudget caps spend attributed to a tag. Weight scales the attributed
// cost (usd x weight); AlertThresholds holds fractions of the amount at
// which alerts fire, stored as a JSON array.
type TagBudget struct {
	BaseModel
	TagID           uint            `gorm:"index;not null" json:"tag_id"`
	Tag             *Tag            `gorm:"foreignKey:TagID" json:"-"`
	Period          Period          `gorm:"not null" json:"period"`
	AmountUSD       decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"amount_usd"`
	Weight          float64         `gorm:"default:1" json:"weight"`
	Inheritance     InheritanceMode `gorm:"default:LENIENT" json:"inheritance"`
	AlertThresholds datatypes.JSON  `json:"alert_thresholds,omitempty"`
	StartsAt        *time.Time      `json:"starts_at,omitempty"`
	EndsAt          *time.Time      `json:"ends_at,omitempty"`
	Active          bool            `gorm:"default:true" json:"active"`
}

// Covers mirrors Budget.Covers for tag-scoped custom windows.
func (b *TagBudget) Covers(now time.Time) bool {
	if b.Period != PeriodCustom {
		return true
	}
	if b.StartsAt == nil || b.EndsAt == nil {
		return false
	}
	return !now.Before(*b.StartsAt) && !now.After(*b.EndsAt)
}

// SnapCustomEnd normalizes a custom window end to the last representable
// instant of its UTC day so period keys are stable across writers.
func SnapCustomEnd(end time.Time) time.Time {
	u := end.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 23, 59, 59, 999000000, time.UTC)
}
