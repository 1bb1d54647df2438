package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fleetops/fleetsync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "fleetsync",
	Short: "Fleet data scrape orchestration and reconciliation",
	Long:  "Pulls rental trips, bank settlements, and vehicle telemetry from their source feeds, canonicalizes them, and reconciles them into unified per-trip records.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
