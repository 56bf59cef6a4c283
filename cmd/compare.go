package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bookout-recon/internal/report"
)

var compareXLSX string

var compareCmd = &cobra.Command{
	Use:   "compare <runID>",
	Short: "Compare a run's original snapshot with the current valuation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer e.Close()

		cmp, err := e.Sessions.Comparison(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if compareXLSX != "" {
			if err := report.Save(compareXLSX, cmp); err != nil {
				return err
			}
			zap.L().Info("comparison workbook written", zap.String("path", compareXLSX))
		}
		return printJSON(cmd.OutOrStdout(), cmp)
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <runID>",
	Short: "Restore the valuation to the run's pre-apply snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Sessions.Restore(cmd.Context(), args[0]); err != nil {
			return err
		}
		zap.L().Info("valuation restored", zap.String("run_id", args[0]))
		return nil
	},
}

func init() {
	compareCmd.Flags().StringVar(&compareXLSX, "xlsx", "", "also write the comparison to this .xlsx file")
	rootCmd.AddCommand(compareCmd, restoreCmd)
}
