package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"swainos-analytics/internal/app"
)

var (
	ingestFile   string
	ingestDryRun bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load raw ledger records from a CSV file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ingestFile == "" {
			return fmt.Errorf("--file must be provided")
		}

		opts := app.IngestOptions{
			Path:   ingestFile,
			DryRun: ingestDryRun,
		}
		return getApp().Ingest(cmd.Context(), opts)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "Path to the CSV file to ingest")
	ingestCmd.Flags().BoolVar(&ingestDryRun, "dry-run", false, "Parse without writing to storage")
}
