package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Close expired sessions and reconcile stuck summaries once",
	Long: `Close every active session older than the session timeout with reason
auto_timeout, then fail summaries left in processing by a crashed process.
Suitable for running from cron when serve runs with --no-sweeper.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		closed, err := a.sweeper.SweepExpired(cmd.Context())
		if err != nil {
			return err
		}
		reconciled, err := a.sweeper.ReconcileStale(cmd.Context())
		if err != nil {
			return err
		}

		logger.Info("Sweep finished",
			zap.Int("closed", closed),
			zap.Int("reconciled", reconciled))
		fmt.Fprintf(cmd.OutOrStdout(), "closed %d expired sessions, reconciled %d stale summaries\n", closed, reconciled)
		return nil
	},
}
