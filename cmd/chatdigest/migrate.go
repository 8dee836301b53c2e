package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xaenox/chatdigest/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down]",
	Short: "Apply or roll back database migrations",
	Long: `Apply all pending migrations (up) or roll back the most recent one (down).
serve applies pending migrations on start as well.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.UseInMemory {
			return errors.New("database.use_in_memory is set, nothing to migrate")
		}

		dsn := cfg.Database.DSN()
		switch args[0] {
		case "up":
			if err := storage.RunMigrations(dsn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		case "down":
			if err := storage.RollbackMigration(dsn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "last migration rolled back")
		default:
			return fmt.Errorf("unknown direction %q, want up or down", args[0])
		}
		return nil
	},
}
