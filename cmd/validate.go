package main

import (
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bookout-recon/internal/model"
	"github.com/sells-group/bookout-recon/internal/recommend"
)

var validateCmd = &cobra.Command{
	Use:   "validate <valuationID> <buildsheet>",
	Short: "Ask Claude to check a valuation's options against a build sheet",
	Long:  "Compares every line item against the build sheet text and stores the verdicts as a new validation run, ready for a session.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := initEnv(ctx, "recommend")
		if err != nil {
			return err
		}
		defer e.Close()

		valuationID := args[0]
		sheet, err := os.ReadFile(args[1])
		if err != nil {
			return eris.Wrapf(err, "read build sheet %s", args[1])
		}
		if _, err := e.Store.GetValuation(ctx, valuationID); err != nil {
			return err
		}
		items, err := e.Store.ListLineItems(ctx, valuationID)
		if err != nil {
			return err
		}

		verdicts, err := initRecommender().Recommend(ctx, items, string(sheet))
		if err != nil {
			return err
		}

		run := &model.ValidationRun{
			ID:          uuid.New().String(),
			ValuationID: valuationID,
			Source:      recommend.Source,
			Verdicts:    verdicts,
		}
		if err := e.Store.CreateValidationRun(ctx, run); err != nil {
			return eris.Wrap(err, "store validation run")
		}
		zap.L().Info("validation run stored",
			zap.String("run_id", run.ID),
			zap.Int("verdicts", len(verdicts)),
			zap.Int("line_items", len(items)),
		)
		return printJSON(cmd.OutOrStdout(), run)
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
