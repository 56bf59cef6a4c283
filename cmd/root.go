package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bookout-recon/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:          "bookout-recon",
	Short:        "Vehicle valuation reconciliation engine",
	Long:         "Reconciles a provider valuation's selected options against AI verdicts, revalues the vehicle, and keeps an auditable change ledger with snapshot restore.",
	SilenceUsage: true,
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
