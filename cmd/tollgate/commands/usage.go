package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tollgate/tollgate/internal/models"
	redissvc "github.com/tollgate/tollgate/internal/services/redis"
	"github.com/tollgate/tollgate/internal/services/usage"
)

// NewUsageCommand creates the usage reporting command
func NewUsageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Query accounted spend",
		Long:  "Summarize spend from the usage ledger at tenant or tag scope",
	}

	cmd.AddCommand(newUsageTenantCommand())
	cmd.AddCommand(newUsageTagCommand())

	return cmd
}

func newUsageTenantCommand() *cobra.Command {
	var tenantID uint
	var period, from, to string

	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Tenant spend with a per-model breakdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == 0 {
				return fmt.Errorf("tenant ID is required")
			}
			win, err := parseUsageWindow(period, from, to)
			if err != nil {
				return err
			}

			if IsAPIAccess() {
				return tenantUsageAPI(tenantID, win)
			} else if IsDirectDBAccess() {
				return tenantUsageDB(tenantID, win)
			}
			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().UintVar(&tenantID, "tenant", 0, "Tenant ID (required)")
	cmd.Flags().StringVar(&period, "period", "daily", "Recurring window (daily, monthly)")
	cmd.Flags().StringVar(&from, "from", "", "Explicit window start, RFC3339")
	cmd.Flags().StringVar(&to, "to", "", "Explicit window end, RFC3339")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func newUsageTagCommand() *cobra.Command {
	var tenantID, tagID uint
	var period, from, to string

	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Subtree spend for one tag",
		Long:  "Spend attributed to a tag and its descendants over a window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == 0 || tagID == 0 {
				return fmt.Errorf("tenant and tag IDs are required")
			}
			win, err := parseUsageWindow(period, from, to)
			if err != nil {
				return err
			}

			if IsAPIAccess() {
				return tagUsageAPI(tenantID, tagID, win)
			} else if IsDirectDBAccess() {
				return tagUsageDB(tenantID, tagID, win)
			}
			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().UintVar(&tenantID, "tenant", 0, "Tenant ID (required)")
	cmd.Flags().UintVar(&tagID, "tag", 0, "Tag ID (required)")
	cmd.Flags().StringVar(&period, "period", "daily", "Recurring window (daily, monthly)")
	cmd.Flags().StringVar(&from, "from", "", "Explicit window start, RFC3339")
	cmd.Flags().StringVar(&to, "to", "", "Explicit window end, RFC3339")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("tag")

	return cmd
}

// window mirrors the admin API's query contract: explicit bounds win
// over the recurring-period shortcut.
type window struct {
	period models.Period
	start  time.Time
	end    time.Time
	ranged bool
}

func parseUsageWindow(period, from, to string) (*window, error) {
	if from != "" || to != "" {
		if from == "" || to == "" {
			return nil, fmt.Errorf("both --from and --to are required for a range query")
		}
		start, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return nil, fmt.Errorf("invalid from: %w", err)
		}
		end, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return nil, fmt.Errorf("invalid to: %w", err)
		}
		if !start.Before(end) {
			return nil, fmt.Errorf("from must precede to")
		}
		return &window{start: start, end: end, ranged: true}, nil
	}

	p := models.Period(period)
	if p != models.PeriodDaily && p != models.PeriodMonthly {
		return nil, fmt.Errorf("period must be daily or monthly, or pass --from and --to")
	}
	return &window{period: p}, nil
}

func (w *window) query() string {
	q := url.Values{}
	if w.ranged {
		q.Set("from", w.start.Format(time.RFC3339))
		q.Set("to", w.end.Format(time.RFC3339))
	} else {
		q.Set("period", string(w.period))
	}
	return q.Encode()
}

// usageService builds the reporting service for direct database access.
// Without Redis the projection tiers report unavailable and every query
// falls through to the relational ledger, which is what an offline CLI
// wants anyway.
func usageService() *usage.Service {
	return usage.NewService(db, redissvc.NewAnalyticsStore(nil, zap.NewNop()), zap.NewNop())
}

// Database implementations

func tenantUsageDB(tenantID uint, win *window) error {
	var tenant models.Tenant
	if err := db.First(&tenant, tenantID).Error; err != nil {
		return fmt.Errorf("tenant not found: %w", err)
	}

	svc := usageService()
	var (
		report *usage.TenantUsage
		err    error
	)
	if win.ranged {
		report, err = svc.TenantUsageRange(context.Background(), tenant.ID, win.start, win.end)
	} else {
		report, err = svc.TenantUsageFor(context.Background(), tenant.ID, win.period, time.Now())
	}
	if err != nil {
		return fmt.Errorf("failed to query usage: %w", err)
	}
	renderTenantUsage(report)
	return nil
}

func tagUsageDB(tenantID, tagID uint, win *window) error {
	var tag models.Tag
	if err := db.Where("tenant_id = ?", tenantID).First(&tag, tagID).Error; err != nil {
		return fmt.Errorf("tag not found: %w", err)
	}

	svc := usageService()
	var (
		report *usage.TagSpend
		err    error
	)
	if win.ranged {
		report, err = svc.TagSpendRange(context.Background(), &tag, win.start, win.end)
	} else {
		report, err = svc.TagSpendFor(context.Background(), tenantID, &tag, win.period, time.Now())
	}
	if err != nil {
		return fmt.Errorf("failed to query usage: %w", err)
	}
	renderTagSpend(report)
	return nil
}

// API implementations

func tenantUsageAPI(tenantID uint, win *window) error {
	resp, err := APIRequest("GET", fmt.Sprintf("/tenants/%d/usage?%s", tenantID, win.query()), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 {
		return decodeAPIError(resp)
	}

	var report usage.TenantUsage
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	renderTenantUsage(&report)
	return nil
}

func tagUsageAPI(tenantID, tagID uint, win *window) error {
	resp, err := APIRequest("GET", fmt.Sprintf("/tenants/%d/tags/%d/usage?%s", tenantID, tagID, win.query()), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 {
		return decodeAPIError(resp)
	}

	var report usage.TagSpend
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	renderTagSpend(&report)
	return nil
}

// Rendering

func renderTenantUsage(report *usage.TenantUsage) {
	if outputJSON {
		OutputJSON(report)
		return
	}

	fmt.Printf("Tenant %d, window %s (%s to %s)\n",
		report.TenantID, report.PeriodKey,
		report.WindowStart.Format(time.RFC3339), report.WindowEnd.Format(time.RFC3339))
	fmt.Printf("Spend: $%.6f over %d requests (%d prompt / %d completion tokens)\n\n",
		report.SpendUSD, report.Requests, report.PromptTokens, report.CompletionTokens)

	if len(report.Models) == 0 {
		fmt.Println("No usage recorded in this window")
		return
	}

	headers := []string{"Model", "Requests", "Spend", "Prompt Tokens", "Completion Tokens"}
	var table [][]string
	for _, m := range report.Models {
		table = append(table, []string{
			m.Model,
			strconv.FormatInt(m.Requests, 10),
			fmt.Sprintf("$%.6f", m.SpendUSD),
			strconv.FormatInt(m.PromptTokens, 10),
			strconv.FormatInt(m.CompletionTokens, 10),
		})
	}
	OutputTable(headers, table)
}

func renderTagSpend(report *usage.TagSpend) {
	if outputJSON {
		OutputJSON(report)
		return
	}

	fmt.Printf("Tag %s (%d), window %s (%s to %s)\n",
		report.TagPath, report.TagID, report.PeriodKey,
		report.WindowStart.Format(time.RFC3339), report.WindowEnd.Format(time.RFC3339))
	fmt.Printf("Spend: $%.6f (source: %s)\n", report.SpendUSD, report.Source)
	if report.RealtimeUSD > 0 {
		fmt.Printf("Realtime, not yet drained: $%.6f\n", report.RealtimeUSD)
	}
}
