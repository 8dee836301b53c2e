package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xaenox/chatdigest/pkg/config"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "chatdigest",
	Short: "Group chat messages into sessions and summarize them",
	Long: `chatdigest ingests LINE and Telegram chats, groups the messages of every
room into bounded sessions and writes an AI summary when a session ends.

A session ends after a configured number of messages, when it gets older than
the session timeout, or when it is closed by hand.

Quick Start:
  chatdigest migrate up         # Create the database schema
  chatdigest serve              # Run the webhook, bot and sweeper
  chatdigest sweep              # Close expired sessions once`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the config file (empty to use defaults and environment only)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd, sweepCmd, migrateCmd)
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// loadConfig treats a missing default config file as "use defaults".
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "config.yaml" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}
	return config.LoadConfig(path)
}
