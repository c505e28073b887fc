package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"swainos-analytics/internal/app"
)

var (
	showWindow string
	showLimit  int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display open recommendations and recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Window: showWindow,
			Limit:  showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showWindow, "window", "6m", "Trailing window expression, e.g. 30d or 6m")
	showCmd.Flags().IntVar(&showLimit, "limit", 10, "Number of runs to display per kind")
}
