package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentgate/agentgate/internal/adapter/outbound/sqlstore"
	"github.com/agentgate/agentgate/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply trace store schema migrations",
	Long: `Applies all unapplied schema migrations to the configured trace
backend. Migrations run in registration order; each migration executes
inside a savepoint so a failing step leaves no partial DDL.

Start also migrates automatically; this command exists for deploy
pipelines that migrate before rolling replicas.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := sqlstore.Open(cfg.TraceDB)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Printf("migrations up to date (%s backend)\n", store.Backend())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
