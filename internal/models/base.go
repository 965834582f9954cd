package models

import (
	"time"

	"gorm.io/gorm"
)

// BaseModel is embedded by every persisted entity. Cache keys and stream
// events reference entities by integer id, so ids must stay stable and
// compact across the Redis and Postgres tiers.
type BaseModel struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Period identifies a budget accounting window.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
	PeriodCustom  Period = "custom"
)

// Valid reports whether p is one of the known periods.
func (p Period) Valid() bool {
	switch p {
	case PeriodDaily, PeriodMonthly, PeriodCustom:
		return true
	}
	return false
}
