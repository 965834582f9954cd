package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

type ProviderName string

const (
	ProviderOpenAI    ProviderName = "openai"
	ProviderAnthropic ProviderName = "anthropic"
	ProviderGoogle    ProviderName = "google"
)

// ModelPricing is one row of the rate card. Prices are USD per million
// tokens. Tiered models ship as separate rows with -low / -high suffixes;
// the google translator picks the variant from the reported token count and
// cost math then resolves against the variant row.
type ModelPricing struct {
	BaseModel
	ModelID            string          `gorm:"uniqueIndex;not null" json:"model_id"`
	Provider           ProviderName    `gorm:"index;not null" json:"provider"`
	InputPerMTok       decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"input_per_mtok"`
	CachedInputPerMTok decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"cached_input_per_mtok"`
	OutputPerMTok      decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"output_per_mtok"`
	Active             bool            `gorm:"default:true" json:"active"`
}

// TierSuffixes mark rows that represent context-length price tiers of a
// base model.
const (
	TierSuffixLow  = "-low"
	TierSuffixHigh = "-high"
)

// BaseModelID strips a tier suffix, returning the model id clients send.
func BaseModelID(modelID string) string {
	if s, ok := strings.CutSuffix(modelID, TierSuffixHigh); ok {
		return s
	}
	if s, ok := strings.CutSuffix(modelID, TierSuffixLow); ok {
		return s
	}
	return modelID
}

// Cost computes (prompt*input + completion*output) / 1e6 in USD.
func (m *ModelPricing) Cost(promptTokens, completionTokens int) decimal.Decimal {
	million := decimal.NewFromInt(1_000_000)
	in := m.InputPerMTok.Mul(decimal.NewFromInt(int64(promptTokens)))
	out := m.OutputPerMTok.Mul(decimal.NewFromInt(int64(completionTokens)))
	return in.Add(out).Div(million)
}
