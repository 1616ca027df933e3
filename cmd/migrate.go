package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vizier-ai/vizier/internal/config"
	"github.com/vizier-ai/vizier/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply all pending schema migrations to the configured PostgreSQL
database. "vizier serve" migrates automatically on startup; this command
exists for deployment pipelines that migrate separately.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMigrate(cmd)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := database.Migrate(cfg.PostgresURL()); err != nil {
		return err
	}
	cmd.Println("migrations applied")
	return nil
}
