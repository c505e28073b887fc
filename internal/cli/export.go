package cli

import (
	"github.com/spf13/cobra"

	"swainos-analytics/internal/app"
)

var (
	exportWindow    string
	exportMetric    string
	exportAgency    string
	exportCurrency  string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a rollup metric series as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Window:    exportWindow,
			Metric:    exportMetric,
			Agency:    exportAgency,
			Currency:  exportCurrency,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportWindow, "window", "6m", "Trailing window expression, e.g. 30d or 6m")
	exportCmd.Flags().StringVar(&exportMetric, "metric", "", "Rollup metric to export (defaults to net_cash)")
	exportCmd.Flags().StringVar(&exportAgency, "agency", "", "Filter by agency")
	exportCmd.Flags().StringVar(&exportCurrency, "currency", "", "Filter by currency")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
