package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tollgate/tollgate/internal/models"
	redissvc "github.com/tollgate/tollgate/internal/services/redis"
	"github.com/tollgate/tollgate/internal/services/tags"
)

// NewTagCommand creates the tag management command
func NewTagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Manage tags",
		Long:  "Create, list, move and delete cost attribution tags",
	}

	cmd.AddCommand(newTagCreateCommand())
	cmd.AddCommand(newTagListCommand())
	cmd.AddCommand(newTagMoveCommand())
	cmd.AddCommand(newTagDeleteCommand())

	return cmd
}

// tagService builds the hierarchy-aware service for direct DB access.
// Cache invalidation is a no-op without Redis; the gateway's read-through
// TTL picks the change up instead.
func tagService() *tags.Service {
	return tags.NewService(db, redissvc.NewTagCache(nil, zap.NewNop()), zap.NewNop())
}

func newTagCreateCommand() *cobra.Command {
	var tenantID, parentID uint
	var name string
	var sessionBudget float64

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == 0 {
				return fmt.Errorf("tenant ID is required")
			}
			if name == "" {
				return fmt.Errorf("tag name is required")
			}

			var parent *uint
			if parentID != 0 {
				parent = &parentID
			}
			var sb *decimal.Decimal
			if sessionBudget > 0 {
				d := decimal.NewFromFloat(sessionBudget)
				sb = &d
			}

			if IsAPIAccess() {
				return createTagAPI(tenantID, name, parent, sb)
			} else if IsDirectDBAccess() {
				return createTagDB(tenantID, name, parent, sb)
			}
			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().UintVar(&tenantID, "tenant", 0, "Tenant ID (required)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Tag name (required)")
	cmd.Flags().UintVar(&parentID, "parent", 0, "Parent tag ID (0 for root)")
	cmd.Flags().Float64Var(&sessionBudget, "session-budget", 0, "Per-session budget in USD")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newTagListCommand() *cobra.Command {
	var tenantID uint

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's tags as a tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == 0 {
				return fmt.Errorf("tenant ID is required")
			}

			if IsAPIAccess() {
				return listTagsAPI(tenantID)
			} else if IsDirectDBAccess() {
				return listTagsDB(tenantID)
			}
			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().UintVar(&tenantID, "tenant", 0, "Tenant ID (required)")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func newTagMoveCommand() *cobra.Command {
	var tenantID, parentID uint
	var toRoot bool

	cmd := &cobra.Command{
		Use:   "move [TAG_ID]",
		Short: "Move a tag to a new parent",
		Long:  "Reparent a tag. The whole subtree moves with it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tagID, err := parseID(args[0])
			if err != nil {
				return fmt.Errorf("invalid tag ID: %w", err)
			}
			if tenantID == 0 {
				return fmt.Errorf("tenant ID is required")
			}
			if parentID == 0 && !toRoot {
				return fmt.Errorf("pass --parent or --to-root")
			}

			var parent *uint
			if !toRoot {
				parent = &parentID
			}

			if IsAPIAccess() {
				return moveTagAPI(tenantID, tagID, parent)
			} else if IsDirectDBAccess() {
				return moveTagDB(tenantID, tagID, parent)
			}
			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().UintVar(&tenantID, "tenant", 0, "Tenant ID (required)")
	cmd.Flags().UintVar(&parentID, "parent", 0, "New parent tag ID")
	cmd.Flags().BoolVar(&toRoot, "to-root", false, "Move the tag to the root")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func newTagDeleteCommand() *cobra.Command {
	var tenantID uint

	cmd := &cobra.Command{
		Use:   "delete [TAG_ID]",
		Short: "Delete a tag",
		Long:  "Delete a leaf tag. Tags with children must be emptied first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tagID, err := parseID(args[0])
			if err != nil {
				return fmt.Errorf("invalid tag ID: %w", err)
			}
			if tenantID == 0 {
				return fmt.Errorf("tenant ID is required")
			}

			if IsAPIAccess() {
				return deleteTagAPI(tenantID, tagID)
			} else if IsDirectDBAccess() {
				return deleteTagDB(tenantID, tagID)
			}
			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().UintVar(&tenantID, "tenant", 0, "Tenant ID (required)")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

// Database implementations

func createTagDB(tenantID uint, name string, parentID *uint, sessionBudget *decimal.Decimal) error {
	tag, err := tagService().Create(context.Background(), tenantID, tags.CreateParams{
		Name:             name,
		ParentID:         parentID,
		SessionBudgetUSD: sessionBudget,
	})
	if err != nil {
		return fmt.Errorf("failed to create tag: %w", err)
	}
	printTag(tag)
	return nil
}

func listTagsDB(tenantID uint) error {
	rows, err := tagService().List(context.Background(), tenantID)
	if err != nil {
		return fmt.Errorf("failed to list tags: %w", err)
	}
	renderTags(rows)
	return nil
}

func moveTagDB(tenantID, tagID uint, parentID *uint) error {
	tag, err := tagService().SetParent(context.Background(), tenantID, tagID, parentID)
	if err != nil {
		return fmt.Errorf("failed to move tag: %w", err)
	}
	fmt.Printf("Tag %d moved to %s\n", tag.ID, tag.Path)
	return nil
}

func deleteTagDB(tenantID, tagID uint) error {
	if err := tagService().Delete(context.Background(), tenantID, tagID); err != nil {
		return fmt.Errorf("failed to delete tag: %w", err)
	}
	fmt.Printf("Tag %d deleted\n", tagID)
	return nil
}

// API implementations

func createTagAPI(tenantID uint, name string, parentID *uint, sessionBudget *decimal.Decimal) error {
	body := map[string]interface{}{"name": name}
	if parentID != nil {
		body["parent_id"] = *parentID
	}
	if sessionBudget != nil {
		body["session_budget_usd"] = sessionBudget
	}

	resp, err := APIRequest("POST", fmt.Sprintf("/tenants/%d/tags", tenantID), body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 201 {
		return decodeAPIError(resp)
	}

	var tag models.Tag
	if err := json.NewDecoder(resp.Body).Decode(&tag); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	printTag(&tag)
	return nil
}

func listTagsAPI(tenantID uint) error {
	resp, err := APIRequest("GET", fmt.Sprintf("/tenants/%d/tags", tenantID), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 {
		return decodeAPIError(resp)
	}

	var page struct {
		Tags []models.Tag `json:"tags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	renderTags(page.Tags)
	return nil
}

func moveTagAPI(tenantID, tagID uint, parentID *uint) error {
	body := map[string]interface{}{"parent_id": parentID}

	resp, err := APIRequest("PUT", fmt.Sprintf("/tenants/%d/tags/%d/move", tenantID, tagID), body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 {
		return decodeAPIError(resp)
	}

	var tag models.Tag
	if err := json.NewDecoder(resp.Body).Decode(&tag); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	fmt.Printf("Tag %d moved to %s\n", tag.ID, tag.Path)
	return nil
}

func deleteTagAPI(tenantID, tagID uint) error {
	resp, err := APIRequest("DELETE", fmt.Sprintf("/tenants/%d/tags/%d", tenantID, tagID), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 && resp.StatusCode != 204 {
		return decodeAPIError(resp)
	}

	fmt.Printf("Tag %d deleted\n", tagID)
	return nil
}

// Rendering

func printTag(t *models.Tag) {
	if outputJSON {
		OutputJSON(t)
		return
	}

	fmt.Printf("Tag:\n")
	fmt.Printf("ID: %d\n", t.ID)
	fmt.Printf("Name: %s\n", t.Name)
	fmt.Printf("Path: %s\n", t.Path)
	fmt.Printf("Level: %d\n", t.Level)
	if t.SessionBudgetUSD != nil {
		fmt.Printf("Session Budget: $%s\n", t.SessionBudgetUSD.StringFixed(2))
	}
}

func renderTags(rows []models.Tag) {
	if outputJSON {
		OutputJSON(rows)
		return
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })

	headers := []string{"ID", "Tag", "Path", "Active"}
	var table [][]string
	for _, t := range rows {
		indent := strings.Repeat("  ", t.Level)
		table = append(table, []string{
			strconv.FormatUint(uint64(t.ID), 10),
			indent + t.Name,
			t.Path,
			strconv.FormatBool(t.Active),
		})
	}
	OutputTable(headers, table)
}
