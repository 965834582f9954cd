package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UsageLedger is the durable audit row for one accounted request. Rows are
// written by the worker draining the event stream (or synchronously when
// Redis is down), keyed by EventKey so double delivery cannot duplicate.
// Model is recorded post-tiering (gemini-2.5-pro-high, not gemini-2.5-pro).
type UsageLedger struct {
	BaseModel
	EventKey         string          `gorm:"uniqueIndex;size:32;not null" json:"event_key"`
	Timestamp        time.Time       `gorm:"index;not null" json:"timestamp"`
	TenantID         uint            `gorm:"index;not null" json:"tenant_id"`
	TenantName       string          `gorm:"index;not null" json:"tenant_name"`
	Route            string          `gorm:"not null" json:"route"`
	Model            string          `gorm:"index;not null" json:"model"`
	CostUSD          decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"cost_usd"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	SessionSID       *string         `gorm:"index" json:"session_sid,omitempty"`

	Tags []RequestTag `gorm:"foreignKey:UsageLedgerID" json:"tags,omitempty"`
}

// TotalTokens is prompt plus completion.
func (u *UsageLedger) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}

// RequestTag attributes a ledger row to one resolved tag at its weighted
// cost. Name and Path are denormalized so reports survive tag moves and
// deletes.
type RequestTag struct {
	BaseModel
	UsageLedgerID   uint            `gorm:"index;not null" json:"usage_ledger_id"`
	TagID           uint            `gorm:"index;not null" json:"tag_id"`
	TagName         string          `gorm:"not null" json:"tag_name"`
	TagPath         string          `gorm:"not null" json:"tag_path"`
	Weight          float64         `gorm:"default:1" json:"weight"`
	WeightedCostUSD decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"weighted_cost_usd"`
}
