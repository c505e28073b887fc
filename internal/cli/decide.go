package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"swainos-analytics/internal/app"
)

var (
	decideID     string
	decideStatus string
	decideActor  string
)

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Acknowledge, dismiss, or action a recommendation",
	RunE: func(cmd *cobra.Command, args []string) error {
		if decideID == "" || decideStatus == "" {
			return fmt.Errorf("--id and --status must be provided")
		}

		rec, err := getApp().DecideRecommendation(cmd.Context(), app.DecideOptions{
			ID:     decideID,
			Status: decideStatus,
			Actor:  decideActor,
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "recommendation %s is now %s\n", rec.ID, rec.Status)
		return nil
	},
}

func init() {
	decideCmd.Flags().StringVar(&decideID, "id", "", "Recommendation id")
	decideCmd.Flags().StringVar(&decideStatus, "status", "", "Target status (acknowledged, dismissed, actioned)")
	decideCmd.Flags().StringVar(&decideActor, "actor", "cli", "Who is making the decision")
}
