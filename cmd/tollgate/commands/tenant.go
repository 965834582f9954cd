package commands

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tollgate/tollgate/internal/models"
)

// NewTenantCommand creates the tenant management command
func NewTenantCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
		Long:  "Create, list, inspect and deactivate tenants",
	}

	cmd.AddCommand(newTenantCreateCommand())
	cmd.AddCommand(newTenantListCommand())
	cmd.AddCommand(newTenantGetCommand())
	cmd.AddCommand(newTenantDeactivateCommand())

	return cmd
}

func newTenantCreateCommand() *cobra.Command {
	var name string
	var rateLimit int
	var sessionBudget float64

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("tenant name is required")
			}

			var rl *int
			if cmd.Flags().Changed("rate-limit") {
				rl = &rateLimit
			}
			var sb *decimal.Decimal
			if sessionBudget > 0 {
				d := decimal.NewFromFloat(sessionBudget)
				sb = &d
			}

			if IsAPIAccess() {
				return createTenantAPI(name, rl, sb)
			} else if IsDirectDBAccess() {
				return createTenantDB(name, rl, sb)
			}
			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Tenant name, lowercase slug (required)")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "Requests per minute (0 for unlimited)")
	cmd.Flags().Float64Var(&sessionBudget, "session-budget", 0, "Default per-session budget in USD")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newTenantListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			if IsAPIAccess() {
				return listTenantsAPI()
			} else if IsDirectDBAccess() {
				return listTenantsDB()
			}
			return fmt.Errorf("no database or API access configured")
		},
	}

	return cmd
}

func newTenantGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [TENANT_ID]",
		Short: "Get tenant details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant ID: %w", err)
			}

			if IsAPIAccess() {
				return getTenantAPI(id)
			} else if IsDirectDBAccess() {
				return getTenantDB(id)
			}
			return fmt.Errorf("no database or API access configured")
		},
	}

	return cmd
}

func newTenantDeactivateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate [TENANT_ID]",
		Short: "Deactivate a tenant",
		Long:  "Deactivate a tenant. Its keys stop authenticating; history is kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant ID: %w", err)
			}

			if IsAPIAccess() {
				return deactivateTenantAPI(id)
			} else if IsDirectDBAccess() {
				return deactivateTenantDB(id)
			}
			return fmt.Errorf("no database or API access configured")
		},
	}

	return cmd
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}

// Database implementations

func createTenantDB(name string, rateLimit *int, sessionBudget *decimal.Decimal) error {
	tenant := models.Tenant{
		Name:                    name,
		Active:                  true,
		RateLimitPerMin:         rateLimit,
		DefaultSessionBudgetUSD: sessionBudget,
	}
	if err := db.Create(&tenant).Error; err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	printTenant(&tenant)
	return nil
}

func listTenantsDB() error {
	var tenants []models.Tenant
	if err := db.Order("id").Find(&tenants).Error; err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}
	renderTenants(tenants)
	return nil
}

func getTenantDB(id uint) error {
	var tenant models.Tenant
	if err := db.First(&tenant, id).Error; err != nil {
		return fmt.Errorf("tenant not found: %w", err)
	}
	printTenant(&tenant)
	return nil
}

func deactivateTenantDB(id uint) error {
	result := db.Model(&models.Tenant{}).Where("id = ?", id).Update("active", false)
	if result.Error != nil {
		return fmt.Errorf("failed to deactivate tenant: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("tenant not found")
	}
	fmt.Printf("Tenant %d deactivated\n", id)
	return nil
}

// API implementations

func createTenantAPI(name string, rateLimit *int, sessionBudget *decimal.Decimal) error {
	body := map[string]interface{}{"name": name}
	if rateLimit != nil {
		body["rate_limit_per_min"] = *rateLimit
	}
	if sessionBudget != nil {
		body["default_session_budget_usd"] = sessionBudget
	}

	resp, err := APIRequest("POST", "/tenants", body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 201 {
		return decodeAPIError(resp)
	}

	var tenant models.Tenant
	if err := json.NewDecoder(resp.Body).Decode(&tenant); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	printTenant(&tenant)
	return nil
}

func listTenantsAPI() error {
	resp, err := APIRequest("GET", "/tenants", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 {
		return decodeAPIError(resp)
	}

	var page struct {
		Tenants []models.Tenant `json:"tenants"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	renderTenants(page.Tenants)
	return nil
}

func getTenantAPI(id uint) error {
	resp, err := APIRequest("GET", fmt.Sprintf("/tenants/%d", id), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 {
		return decodeAPIError(resp)
	}

	var tenant models.Tenant
	if err := json.NewDecoder(resp.Body).Decode(&tenant); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	printTenant(&tenant)
	return nil
}

func deactivateTenantAPI(id uint) error {
	resp, err := APIRequest("DELETE", fmt.Sprintf("/tenants/%d", id), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 && resp.StatusCode != 204 {
		return decodeAPIError(resp)
	}

	fmt.Printf("Tenant %d deactivated\n", id)
	return nil
}

// Rendering

func printTenant(t *models.Tenant) {
	if outputJSON {
		OutputJSON(t)
		return
	}

	fmt.Printf("Tenant:\n")
	fmt.Printf("ID: %d\n", t.ID)
	fmt.Printf("Name: %s\n", t.Name)
	fmt.Printf("Active: %v\n", t.Active)
	if t.RateLimitPerMin != nil {
		fmt.Printf("Rate Limit: %d/min\n", *t.RateLimitPerMin)
	} else {
		fmt.Printf("Rate Limit: default\n")
	}
	if t.DefaultSessionBudgetUSD != nil {
		fmt.Printf("Session Budget: $%s\n", t.DefaultSessionBudgetUSD.StringFixed(2))
	}
	fmt.Printf("Created: %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
}

func renderTenants(tenants []models.Tenant) {
	if outputJSON {
		OutputJSON(tenants)
		return
	}

	headers := []string{"ID", "Name", "Active", "Rate Limit", "Created"}
	var rows [][]string
	for _, t := range tenants {
		rateLimit := "default"
		if t.RateLimitPerMin != nil {
			if *t.RateLimitPerMin == 0 {
				rateLimit = "unlimited"
			} else {
				rateLimit = fmt.Sprintf("%d/min", *t.RateLimitPerMin)
			}
		}
		rows = append(rows, []string{
			strconv.FormatUint(uint64(t.ID), 10),
			t.Name,
			strconv.FormatBool(t.Active),
			rateLimit,
			t.CreatedAt.Format("2006-01-02"),
		})
	}
	OutputTable(headers, rows)
}
