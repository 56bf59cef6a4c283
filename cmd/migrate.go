package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the reconciliation schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer e.Close()

		zap.L().Info("schema up to date", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
