package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"swainos-analytics/internal/app"
)

var (
	triggerKind   string
	triggerWindow string
	triggerToken  string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Manually trigger one analytical run and wait for its outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		if triggerKind == "" {
			return fmt.Errorf("--kind must be provided")
		}

		rec, err := getApp().TriggerRun(cmd.Context(), app.TriggerOptions{
			Kind:   triggerKind,
			Window: triggerWindow,
			Token:  triggerToken,
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "run %s %s: %s\n", rec.ID, rec.Status, rec.Detail)
		return nil
	},
}

func init() {
	triggerCmd.Flags().StringVar(&triggerKind, "kind", "", "Run kind (fx_rates, fx_signals, fx_intelligence, rollup_refresh, insights)")
	triggerCmd.Flags().StringVar(&triggerWindow, "window", "30d", "Trailing window expression, e.g. 30d or 6m")
	triggerCmd.Flags().StringVar(&triggerToken, "token", "", "Manual trigger token")
}
