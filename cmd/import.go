package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/bookout-recon/internal/fixture"
)

var importCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Load a valuation, its line items, and verdicts from YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer e.Close()

		loaded, err := fixture.ImportFile(ctx, e.Store, args[0])
		if err != nil {
			return eris.Wrap(err, "import fixture")
		}

		out := map[string]any{
			"valuation_id": loaded.Valuation.ID,
			"line_items":   len(loaded.LineItems),
		}
		if loaded.Run != nil {
			out["run_id"] = loaded.Run.ID
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
