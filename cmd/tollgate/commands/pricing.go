package commands

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gorm.io/gorm/clause"

	"github.com/tollgate/tollgate/internal/models"
)

// NewPricingCommand creates the pricing management command
func NewPricingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pricing",
		Short: "Manage the model rate card",
		Long:  "List, set and retire per-model token prices",
	}

	cmd.AddCommand(newPricingListCommand())
	cmd.AddCommand(newPricingSetCommand())
	cmd.AddCommand(newPricingDeactivateCommand())

	return cmd
}

func newPricingListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the rate card",
		RunE: func(cmd *cobra.Command, args []string) error {
			if IsAPIAccess() {
				return listPricingAPI()
			} else if IsDirectDBAccess() {
				return listPricingDB()
			}
			return fmt.Errorf("no database or API access configured")
		},
	}
}

func newPricingSetCommand() *cobra.Command {
	var provider string
	var input, cachedInput, output float64

	cmd := &cobra.Command{
		Use:   "set [MODEL_ID]",
		Short: "Create or update a price row",
		Long:  "Set per-million-token prices for a model. Existing rows are replaced.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			row := models.ModelPricing{
				ModelID:            args[0],
				Provider:           models.ProviderName(provider),
				InputPerMTok:       decimal.NewFromFloat(input),
				CachedInputPerMTok: decimal.NewFromFloat(cachedInput),
				OutputPerMTok:      decimal.NewFromFloat(output),
				Active:             true,
			}
			switch row.Provider {
			case models.ProviderOpenAI, models.ProviderAnthropic, models.ProviderGoogle:
			default:
				return fmt.Errorf("provider must be openai, anthropic or google")
			}
			if row.InputPerMTok.IsNegative() || row.OutputPerMTok.IsNegative() || row.CachedInputPerMTok.IsNegative() {
				return fmt.Errorf("prices must not be negative")
			}

			if IsAPIAccess() {
				return setPricingAPI(row)
			} else if IsDirectDBAccess() {
				return setPricingDB(row)
			}
			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "Upstream provider (openai, anthropic, google)")
	cmd.Flags().Float64Var(&input, "input", 0, "Input price, USD per million tokens")
	cmd.Flags().Float64Var(&cachedInput, "cached-input", 0, "Cached input price, USD per million tokens")
	cmd.Flags().Float64Var(&output, "output", 0, "Output price, USD per million tokens")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func newPricingDeactivateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate [MODEL_ID]",
		Short: "Retire a price row",
		Long:  "Deactivate a model's pricing. Requests for it are refused until it is set again.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if IsAPIAccess() {
				return deactivatePricingAPI(args[0])
			} else if IsDirectDBAccess() {
				return deactivatePricingDB(args[0])
			}
			return fmt.Errorf("no database or API access configured")
		},
	}
}

// Database implementations

func listPricingDB() error {
	var rows []models.ModelPricing
	if err := db.Order("provider, model_id").Find(&rows).Error; err != nil {
		return fmt.Errorf("failed to list pricing: %w", err)
	}
	renderPricing(rows)
	return nil
}

func setPricingDB(row models.ModelPricing) error {
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "model_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider", "input_per_mtok", "cached_input_per_mtok", "output_per_mtok", "active",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert pricing: %w", err)
	}

	printPricing(row)
	return nil
}

func deactivatePricingDB(modelID string) error {
	result := db.Model(&models.ModelPricing{}).Where("model_id = ?", modelID).Update("active", false)
	if result.Error != nil {
		return fmt.Errorf("failed to deactivate pricing: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("pricing not found")
	}
	fmt.Printf("Pricing for %s deactivated\n", modelID)
	return nil
}

// API implementations

func listPricingAPI() error {
	resp, err := APIRequest("GET", "/pricing", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 {
		return decodeAPIError(resp)
	}

	var page struct {
		Pricing []models.ModelPricing `json:"pricing"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	renderPricing(page.Pricing)
	return nil
}

func setPricingAPI(row models.ModelPricing) error {
	resp, err := APIRequest("PUT", "/pricing", row)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 {
		return decodeAPIError(resp)
	}

	var saved models.ModelPricing
	if err := json.NewDecoder(resp.Body).Decode(&saved); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	printPricing(saved)
	return nil
}

func deactivatePricingAPI(modelID string) error {
	resp, err := APIRequest("DELETE", fmt.Sprintf("/pricing/%s", modelID), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 && resp.StatusCode != 204 {
		return decodeAPIError(resp)
	}
	fmt.Printf("Pricing for %s deactivated\n", modelID)
	return nil
}

// Rendering

func printPricing(row models.ModelPricing) {
	if outputJSON {
		OutputJSON(row)
		return
	}
	fmt.Printf("Pricing set: %s (%s) in $%s/MTok, cached $%s/MTok, out $%s/MTok\n",
		row.ModelID, row.Provider,
		row.InputPerMTok.String(), row.CachedInputPerMTok.String(), row.OutputPerMTok.String())
}

func renderPricing(rows []models.ModelPricing) {
	if outputJSON {
		OutputJSON(rows)
		return
	}

	headers := []string{"Model", "Provider", "Input/MTok", "Cached/MTok", "Output/MTok", "Active"}
	var table [][]string
	for _, p := range rows {
		table = append(table, []string{
			p.ModelID,
			string(p.Provider),
			"$" + p.InputPerMTok.String(),
			"$" + p.CachedInputPerMTok.String(),
			"$" + p.OutputPerMTok.String(),
			fmt.Sprintf("%v", p.Active),
		})
	}
	OutputTable(headers, table)
}
