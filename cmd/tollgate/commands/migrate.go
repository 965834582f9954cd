package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tollgate/tollgate/internal/database"
	"github.com/tollgate/tollgate/internal/models"
)

// NewMigrateCommand creates the migrate command
func NewMigrateCommand() *cobra.Command {
	var seed bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long: `Bring the database schema up to date. Connecting already migrates;
this command exists to do it explicitly and report what is there.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !IsDirectDBAccess() {
				return fmt.Errorf("migrations need direct database access, set --db-url or DATABASE_URL")
			}

			if err := database.Migrate(); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			if seed {
				if err := database.SeedPricing(db); err != nil {
					return fmt.Errorf("failed to seed pricing: %w", err)
				}
			}

			var tenants, keys, tags, budgets, pricing int64
			db.Model(&models.Tenant{}).Count(&tenants)
			db.Model(&models.APIKey{}).Count(&keys)
			db.Model(&models.Tag{}).Count(&tags)
			db.Model(&models.Budget{}).Count(&budgets)
			db.Model(&models.ModelPricing{}).Count(&pricing)

			fmt.Println("Schema is up to date")
			fmt.Printf("Tenants: %d, keys: %d, tags: %d, budgets: %d, pricing rows: %d\n",
				tenants, keys, tags, budgets, pricing)
			return nil
		},
	}

	cmd.Flags().BoolVar(&seed, "seed", false, "Seed the default rate card")

	return cmd
}
