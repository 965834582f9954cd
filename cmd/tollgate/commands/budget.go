package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tollgate/tollgate/internal/models"
)

// NewBudgetCommand creates the budget management command
func NewBudgetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Manage budgets",
		Long:  "Create, list and delete tenant and tag spending caps",
	}

	cmd.AddCommand(newBudgetCreateCommand())
	cmd.AddCommand(newBudgetListCommand())
	cmd.AddCommand(newBudgetDeleteCommand())

	return cmd
}

func newBudgetCreateCommand() *cobra.Command {
	var tenantID, tagID uint
	var period string
	var amount, weight float64
	var startsAt, endsAt string
	var inheritance string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a budget",
		Long: `Create a spending cap. Tenant scope by default; pass --tag for tag
scope. Custom periods need --starts-at and --ends-at (RFC3339).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == 0 {
				return fmt.Errorf("tenant ID is required")
			}

			p := models.Period(period)
			if !p.Valid() {
				return fmt.Errorf("period must be daily, monthly or custom")
			}

			var starts, ends *time.Time
			if p == models.PeriodCustom {
				if startsAt == "" || endsAt == "" {
					return fmt.Errorf("custom budgets require --starts-at and --ends-at")
				}
				s, err := time.Parse(time.RFC3339, startsAt)
				if err != nil {
					return fmt.Errorf("invalid starts-at: %w", err)
				}
				e, err := time.Parse(time.RFC3339, endsAt)
				if err != nil {
					return fmt.Errorf("invalid ends-at: %w", err)
				}
				snapped := models.SnapCustomEnd(e)
				starts, ends = &s, &snapped
				if !starts.Before(*ends) {
					return fmt.Errorf("starts-at must be before ends-at")
				}
			}

			amountUSD := decimal.NewFromFloat(amount)
			if amountUSD.IsNegative() {
				return fmt.Errorf("amount must not be negative")
			}

			if tagID != 0 {
				if IsAPIAccess() {
					return createTagBudgetAPI(tenantID, tagID, p, amountUSD, weight, inheritance, starts, ends)
				} else if IsDirectDBAccess() {
					return createTagBudgetDB(tenantID, tagID, p, amountUSD, weight, inheritance, starts, ends)
				}
			} else {
				if IsAPIAccess() {
					return createBudgetAPI(tenantID, p, amountUSD, starts, ends)
				} else if IsDirectDBAccess() {
					return createBudgetDB(tenantID, p, amountUSD, starts, ends)
				}
			}
			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().UintVar(&tenantID, "tenant", 0, "Tenant ID (required)")
	cmd.Flags().UintVar(&tagID, "tag", 0, "Tag ID for a tag-scope budget")
	cmd.Flags().StringVar(&period, "period", "monthly", "Budget period (daily, monthly, custom)")
	cmd.Flags().Float64Var(&amount, "amount", 0, "Cap amount in USD (required)")
	cmd.Flags().Float64Var(&weight, "weight", 1, "Cost weight, tag scope only")
	cmd.Flags().StringVar(&inheritance, "inheritance", "LENIENT", "Inheritance mode, tag scope only (LENIENT, STRICT)")
	cmd.Flags().StringVar(&startsAt, "starts-at", "", "Custom window start, RFC3339")
	cmd.Flags().StringVar(&endsAt, "ends-at", "", "Custom window end, RFC3339")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func newBudgetListCommand() *cobra.Command {
	var tenantID, tagID uint

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List budgets",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == 0 {
				return fmt.Errorf("tenant ID is required")
			}

			if tagID != 0 {
				if IsAPIAccess() {
					return listTagBudgetsAPI(tenantID, tagID)
				} else if IsDirectDBAccess() {
					return listTagBudgetsDB(tagID)
				}
			} else {
				if IsAPIAccess() {
					return listBudgetsAPI(tenantID)
				} else if IsDirectDBAccess() {
					return listBudgetsDB(tenantID)
				}
			}
			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().UintVar(&tenantID, "tenant", 0, "Tenant ID (required)")
	cmd.Flags().UintVar(&tagID, "tag", 0, "Tag ID for tag-scope budgets")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func newBudgetDeleteCommand() *cobra.Command {
	var tenantID, tagID uint

	cmd := &cobra.Command{
		Use:   "delete [BUDGET_ID]",
		Short: "Delete a budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			budgetID, err := parseID(args[0])
			if err != nil {
				return fmt.Errorf("invalid budget ID: %w", err)
			}

			if IsAPIAccess() {
				if tenantID == 0 {
					return fmt.Errorf("tenant ID is required for API access")
				}
				if tagID != 0 {
					return deleteTagBudgetAPI(tenantID, tagID, budgetID)
				}
				return deleteBudgetAPI(tenantID, budgetID)
			} else if IsDirectDBAccess() {
				if tagID != 0 {
					return deleteTagBudgetDB(budgetID)
				}
				return deleteBudgetDB(budgetID)
			}
			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().UintVar(&tenantID, "tenant", 0, "Tenant ID (required for API access)")
	cmd.Flags().UintVar(&tagID, "tag", 0, "Tag ID when deleting a tag-scope budget")

	return cmd
}

// Database implementations

func createBudgetDB(tenantID uint, period models.Period, amount decimal.Decimal, starts, ends *time.Time) error {
	var tenant models.Tenant
	if err := db.First(&tenant, tenantID).Error; err != nil {
		return fmt.Errorf("tenant not found: %w", err)
	}

	row := models.Budget{
		TenantID:  tenantID,
		Period:    period,
		AmountUSD: amount,
		StartsAt:  starts,
		EndsAt:    ends,
		Active:    true,
	}
	if err := db.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to create budget: %w", err)
	}

	fmt.Printf("Budget %d created: %s cap $%s for tenant %s\n", row.ID, row.Period, row.AmountUSD.StringFixed(2), tenant.Name)
	return nil
}

func createTagBudgetDB(tenantID, tagID uint, period models.Period, amount decimal.Decimal, weight float64, inheritance string, starts, ends *time.Time) error {
	var tag models.Tag
	if err := db.Where("tenant_id = ?", tenantID).First(&tag, tagID).Error; err != nil {
		return fmt.Errorf("tag not found: %w", err)
	}

	mode := models.InheritanceMode(inheritance)
	if mode != models.InheritanceLenient && mode != models.InheritanceStrict {
		return fmt.Errorf("inheritance must be LENIENT or STRICT")
	}

	row := models.TagBudget{
		TagID:       tagID,
		Period:      period,
		AmountUSD:   amount,
		Weight:      weight,
		Inheritance: mode,
		StartsAt:    starts,
		EndsAt:      ends,
		Active:      true,
	}
	if err := db.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to create tag budget: %w", err)
	}

	fmt.Printf("Tag budget %d created: %s cap $%s for tag %s\n", row.ID, row.Period, row.AmountUSD.StringFixed(2), tag.Path)
	return nil
}

func listBudgetsDB(tenantID uint) error {
	var rows []models.Budget
	if err := db.Where("tenant_id = ?", tenantID).Order("id").Find(&rows).Error; err != nil {
		return fmt.Errorf("failed to list budgets: %w", err)
	}
	renderBudgets(rows)
	return nil
}

func listTagBudgetsDB(tagID uint) error {
	var rows []models.TagBudget
	if err := db.Where("tag_id = ?", tagID).Order("id").Find(&rows).Error; err != nil {
		return fmt.Errorf("failed to list tag budgets: %w", err)
	}
	renderTagBudgets(rows)
	return nil
}

func deleteBudgetDB(budgetID uint) error {
	// Deactivate rather than delete so spend history keeps its reference.
	result := db.Model(&models.Budget{}).Where("id = ?", budgetID).Update("active", false)
	if result.Error != nil {
		return fmt.Errorf("failed to deactivate budget: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("budget not found")
	}
	fmt.Printf("Budget %d deactivated\n", budgetID)
	return nil
}

func deleteTagBudgetDB(budgetID uint) error {
	result := db.Model(&models.TagBudget{}).Where("id = ?", budgetID).Update("active", false)
	if result.Error != nil {
		return fmt.Errorf("failed to deactivate tag budget: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("tag budget not found")
	}
	fmt.Printf("Tag budget %d deactivated\n", budgetID)
	return nil
}

// API implementations

func budgetBody(period models.Period, amount decimal.Decimal, starts, ends *time.Time) map[string]interface{} {
	body := map[string]interface{}{
		"period":     period,
		"amount_usd": amount,
	}
	if starts != nil {
		body["starts_at"] = starts
	}
	if ends != nil {
		body["ends_at"] = ends
	}
	return body
}

func createBudgetAPI(tenantID uint, period models.Period, amount decimal.Decimal, starts, ends *time.Time) error {
	resp, err := APIRequest("POST", fmt.Sprintf("/tenants/%d/budgets", tenantID), budgetBody(period, amount, starts, ends))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 201 {
		return decodeAPIError(resp)
	}

	var row models.Budget
	if err := json.NewDecoder(resp.Body).Decode(&row); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	fmt.Printf("Budget %d created: %s cap $%s\n", row.ID, row.Period, row.AmountUSD.StringFixed(2))
	return nil
}

func createTagBudgetAPI(tenantID, tagID uint, period models.Period, amount decimal.Decimal, weight float64, inheritance string, starts, ends *time.Time) error {
	body := budgetBody(period, amount, starts, ends)
	body["weight"] = weight
	body["inheritance"] = inheritance

	resp, err := APIRequest("POST", fmt.Sprintf("/tenants/%d/tags/%d/budgets", tenantID, tagID), body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 201 {
		return decodeAPIError(resp)
	}

	var row models.TagBudget
	if err := json.NewDecoder(resp.Body).Decode(&row); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	fmt.Printf("Tag budget %d created: %s cap $%s\n", row.ID, row.Period, row.AmountUSD.StringFixed(2))
	return nil
}

func listBudgetsAPI(tenantID uint) error {
	resp, err := APIRequest("GET", fmt.Sprintf("/tenants/%d/budgets", tenantID), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 {
		return decodeAPIError(resp)
	}

	var page struct {
		Budgets []models.Budget `json:"budgets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	renderBudgets(page.Budgets)
	return nil
}

func listTagBudgetsAPI(tenantID, tagID uint) error {
	resp, err := APIRequest("GET", fmt.Sprintf("/tenants/%d/tags/%d/budgets", tenantID, tagID), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 {
		return decodeAPIError(resp)
	}

	var page struct {
		Budgets []models.TagBudget `json:"budgets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	renderTagBudgets(page.Budgets)
	return nil
}

func deleteBudgetAPI(tenantID, budgetID uint) error {
	resp, err := APIRequest("DELETE", fmt.Sprintf("/tenants/%d/budgets/%d", tenantID, budgetID), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 && resp.StatusCode != 204 {
		return decodeAPIError(resp)
	}
	fmt.Printf("Budget %d deactivated\n", budgetID)
	return nil
}

func deleteTagBudgetAPI(tenantID, tagID, budgetID uint) error {
	resp, err := APIRequest("DELETE", fmt.Sprintf("/tenants/%d/tags/%d/budgets/%d", tenantID, tagID, budgetID), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 && resp.StatusCode != 204 {
		return decodeAPIError(resp)
	}
	fmt.Printf("Tag budget %d deactivated\n", budgetID)
	return nil
}

// Rendering

func formatWindow(starts, ends *time.Time) string {
	if starts == nil || ends == nil {
		return "recurring"
	}
	return fmt.Sprintf("%s to %s", starts.Format("2006-01-02"), ends.Format("2006-01-02"))
}

func renderBudgets(rows []models.Budget) {
	if outputJSON {
		OutputJSON(rows)
		return
	}

	headers := []string{"ID", "Period", "Amount", "Window", "Active"}
	var table [][]string
	for _, b := range rows {
		table = append(table, []string{
			strconv.FormatUint(uint64(b.ID), 10),
			string(b.Period),
			"$" + b.AmountUSD.StringFixed(2),
			formatWindow(b.StartsAt, b.EndsAt),
			strconv.FormatBool(b.Active),
		})
	}
	OutputTable(headers, table)
}

func renderTagBudgets(rows []models.TagBudget) {
	if outputJSON {
		OutputJSON(rows)
		return
	}

	headers := []string{"ID", "Period", "Amount", "Weight", "Inheritance", "Window", "Active"}
	var table [][]string
	for _, b := range rows {
		table = append(table, []string{
			strconv.FormatUint(uint64(b.ID), 10),
			string(b.Period),
			"$" + b.AmountUSD.StringFixed(2),
			strconv.FormatFloat(b.Weight, 'g', -1, 64),
			string(b.Inheritance),
			formatWindow(b.StartsAt, b.EndsAt),
			strconv.FormatBool(b.Active),
		})
	}
	OutputTable(headers, table)
}
