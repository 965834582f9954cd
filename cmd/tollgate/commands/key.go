package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tollgate/tollgate/internal/auth"
	"github.com/tollgate/tollgate/internal/models"
)

// NewKeyCommand creates the API key management command
func NewKeyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
		Long:  "Create, list and revoke tenant API keys",
	}

	cmd.AddCommand(newKeyCreateCommand())
	cmd.AddCommand(newKeyListCommand())
	cmd.AddCommand(newKeyRevokeCommand())

	return cmd
}

func newKeyCreateCommand() *cobra.Command {
	var tenantID uint
	var name string
	var expiresIn time.Duration

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Create an API key for a tenant. The plaintext is shown once and never stored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == 0 {
				return fmt.Errorf("tenant ID is required")
			}

			var expiresAt *time.Time
			if expiresIn > 0 {
				t := time.Now().Add(expiresIn)
				expiresAt = &t
			}

			if IsAPIAccess() {
				return createKeyAPI(tenantID, name, expiresAt)
			} else if IsDirectDBAccess() {
				return createKeyDB(tenantID, name, expiresAt)
			}
			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().UintVar(&tenantID, "tenant", 0, "Tenant ID (required)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Key name")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Key lifetime, e.g. 720h (0 for no expiry)")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func newKeyListCommand() *cobra.Command {
	var tenantID uint

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == 0 {
				return fmt.Errorf("tenant ID is required")
			}

			if IsAPIAccess() {
				return listKeysAPI(tenantID)
			} else if IsDirectDBAccess() {
				return listKeysDB(tenantID)
			}
			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().UintVar(&tenantID, "tenant", 0, "Tenant ID (required)")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func newKeyRevokeCommand() *cobra.Command {
	var tenantID uint

	cmd := &cobra.Command{
		Use:   "revoke [KEY_ID]",
		Short: "Revoke an API key",
		Long:  "Deactivate a key. It stops authenticating on the next request; the row is kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyID, err := parseID(args[0])
			if err != nil {
				return fmt.Errorf("invalid key ID: %w", err)
			}

			if IsAPIAccess() {
				if tenantID == 0 {
					return fmt.Errorf("tenant ID is required for API access")
				}
				return revokeKeyAPI(tenantID, keyID)
			} else if IsDirectDBAccess() {
				return revokeKeyDB(keyID)
			}
			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().UintVar(&tenantID, "tenant", 0, "Tenant ID (required for API access)")

	return cmd
}

// Database implementations

func createKeyDB(tenantID uint, name string, expiresAt *time.Time) error {
	var tenant models.Tenant
	if err := db.First(&tenant, tenantID).Error; err != nil {
		return fmt.Errorf("tenant not found: %w", err)
	}

	plaintext, hash, err := auth.NewKeyGenerator().Generate()
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	key := models.APIKey{
		TenantID:  tenantID,
		Name:      name,
		KeyPrefix: auth.LookupPrefix(plaintext),
		KeyHash:   hash,
		Active:    true,
		ExpiresAt: expiresAt,
	}
	if err := db.Create(&key).Error; err != nil {
		return fmt.Errorf("failed to create key: %w", err)
	}

	printNewKey(&key, plaintext)
	return nil
}

func listKeysDB(tenantID uint) error {
	var keys []models.APIKey
	if err := db.Where("tenant_id = ?", tenantID).Order("created_at DESC").Find(&keys).Error; err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}
	renderKeys(keys)
	return nil
}

func revokeKeyDB(keyID uint) error {
	result := db.Model(&models.APIKey{}).Where("id = ?", keyID).Update("active", false)
	if result.Error != nil {
		return fmt.Errorf("failed to revoke key: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("key not found")
	}
	fmt.Printf("Key %d revoked\n", keyID)
	return nil
}

// API implementations

func createKeyAPI(tenantID uint, name string, expiresAt *time.Time) error {
	body := map[string]interface{}{"name": name}
	if expiresAt != nil {
		body["expires_at"] = expiresAt
	}

	resp, err := APIRequest("POST", fmt.Sprintf("/tenants/%d/keys", tenantID), body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 201 {
		return decodeAPIError(resp)
	}

	var created struct {
		models.APIKey
		PlaintextKey string `json:"plaintext_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	printNewKey(&created.APIKey, created.PlaintextKey)
	return nil
}

func listKeysAPI(tenantID uint) error {
	resp, err := APIRequest("GET", fmt.Sprintf("/tenants/%d/keys", tenantID), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 {
		return decodeAPIError(resp)
	}

	var page struct {
		Keys []models.APIKey `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	renderKeys(page.Keys)
	return nil
}

func revokeKeyAPI(tenantID, keyID uint) error {
	resp, err := APIRequest("DELETE", fmt.Sprintf("/tenants/%d/keys/%d", tenantID, keyID), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 && resp.StatusCode != 204 {
		return decodeAPIError(resp)
	}

	fmt.Printf("Key %d revoked\n", keyID)
	return nil
}

// Rendering

func printNewKey(key *models.APIKey, plaintext string) {
	if outputJSON {
		OutputJSON(map[string]interface{}{
			"id":            key.ID,
			"tenant_id":     key.TenantID,
			"name":          key.Name,
			"key_prefix":    key.KeyPrefix,
			"plaintext_key": plaintext,
			"expires_at":    key.ExpiresAt,
		})
		return
	}

	fmt.Printf("API key created:\n")
	fmt.Printf("ID: %d\n", key.ID)
	if key.Name != "" {
		fmt.Printf("Name: %s\n", key.Name)
	}
	fmt.Printf("Key: %s\n", plaintext)
	fmt.Printf("Prefix: %s\n", key.KeyPrefix)
	if key.ExpiresAt != nil {
		fmt.Printf("Expires: %s\n", key.ExpiresAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("\nSave this key securely - it won't be shown again.\n")
}

func renderKeys(keys []models.APIKey) {
	if outputJSON {
		OutputJSON(keys)
		return
	}

	headers := []string{"ID", "Name", "Prefix", "Active", "Expires", "Last Used", "Created"}
	var rows [][]string
	for _, key := range keys {
		expires := "never"
		if key.ExpiresAt != nil {
			expires = key.ExpiresAt.Format("2006-01-02")
		}
		lastUsed := "never"
		if key.LastUsedAt != nil {
			lastUsed = key.LastUsedAt.Format("2006-01-02 15:04")
		}
		rows = append(rows, []string{
			strconv.FormatUint(uint64(key.ID), 10),
			key.Name,
			key.KeyPrefix,
			strconv.FormatBool(key.Active),
			expires,
			lastUsed,
			key.CreatedAt.Format("2006-01-02"),
		})
	}
	OutputTable(headers, rows)
}
