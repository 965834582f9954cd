package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tollgate/tollgate/cmd/tollgate/commands"
	"github.com/tollgate/tollgate/internal/database"
)

var (
	dbURL      string
	apiURL     string
	apiKey     string
	outputJSON bool
	verbose    bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tollgate",
		Short: "Tollgate management CLI",
		Long: `Manage tenants, keys, tags, budgets and pricing for a tollgate gateway.
Works against the database directly (--db-url or DATABASE_URL) or against
a running gateway's admin API (--api-url plus --api-key).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "database URL for direct access")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "admin API base URL for remote access")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "admin API key for remote access")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose output")

	rootCmd.AddCommand(commands.NewTenantCommand())
	rootCmd.AddCommand(commands.NewKeyCommand())
	rootCmd.AddCommand(commands.NewTagCommand())
	rootCmd.AddCommand(commands.NewBudgetCommand())
	rootCmd.AddCommand(commands.NewPricingCommand())
	rootCmd.AddCommand(commands.NewUsageCommand())
	rootCmd.AddCommand(commands.NewMigrateCommand())
	rootCmd.AddCommand(commands.NewConfigCommand())

	return rootCmd
}

func initConfig() error {
	// Pick up DATABASE_URL and friends from a local .env
	_ = godotenv.Load()

	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}

	// Remote access wins when both are configured, so a CLI pointed at a
	// gateway never writes around it by accident.
	if apiURL != "" && apiKey != "" {
		commands.SetAPIConfig(apiURL, apiKey)
	} else if dbURL != "" {
		// Probe first so a bad URL fails in seconds instead of hanging
		// through the driver's connect timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := database.TestConnection(ctx, &database.Config{DSN: dbURL}); err != nil {
			return fmt.Errorf("database is not reachable: %w", err)
		}

		if err := database.Initialize(&database.Config{DSN: dbURL}); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		commands.SetDB(database.GetDB())
	}

	commands.SetOutputJSON(outputJSON)
	commands.SetVerbose(verbose)

	return nil
}
