package database

import (
	"fmt"
	"log"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tollgate/tollgate/internal/models"
)

// defaultRateCard is the shipped pricing, USD per million tokens. Tiered
// models appear as -low / -high rows; the google translator selects the
// variant from the reported token count.
func defaultRateCard() []models.ModelPricing {
	row := func(id string, provider models.ProviderName, in, cached, out string) models.ModelPricing {
		return models.ModelPricing{
			ModelID:            id,
			Provider:           provider,
			InputPerMTok:       decimal.RequireFromString(in),
			CachedInputPerMTok: decimal.RequireFromString(cached),
			OutputPerMTok:      decimal.RequireFromString(out),
			Active:             true,
		}
	}

	return []models.ModelPricing{
		row("gpt-4o", models.ProviderOpenAI, "2.50", "1.25", "10.00"),
		row("gpt-4o-mini", models.ProviderOpenAI, "0.15", "0.075", "0.60"),
		row("gpt-4.1", models.ProviderOpenAI, "2.00", "0.50", "8.00"),
		row("gpt-4.1-mini", models.ProviderOpenAI, "0.40", "0.10", "1.60"),
		row("o3", models.ProviderOpenAI, "2.00", "0.50", "8.00"),
		row("o4-mini", models.ProviderOpenAI, "1.10", "0.275", "4.40"),

		row("claude-sonnet-4", models.ProviderAnthropic, "3.00", "0.30", "15.00"),
		row("claude-haiku-3.5", models.ProviderAnthropic, "0.80", "0.08", "4.00"),
		row("claude-opus-4", models.ProviderAnthropic, "15.00", "1.50", "75.00"),

		// gemini-2.5-pro prices by context tier: -low up to 200k total
		// tokens, -high beyond.
		row("gemini-2.5-pro-low", models.ProviderGoogle, "1.25", "0.31", "10.00"),
		row("gemini-2.5-pro-high", models.ProviderGoogle, "2.50", "0.625", "15.00"),
		row("gemini-2.5-flash", models.ProviderGoogle, "0.30", "0.075", "2.50"),
	}
}

// SeedPricing inserts the default rate card, leaving existing rows alone.
func SeedPricing(db *gorm.DB) error {
	rows := defaultRateCard()
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "model_id"}},
		DoNothing: true,
	}).Create(&rows).Error; err != nil {
		return fmt.Errorf("failed to seed pricing: %w", err)
	}
	log.Printf("Seeded %d pricing rows", len(rows))
	return nil
}
