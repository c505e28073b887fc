package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateCurrency string
	simulateFrom     float64
	simulateTo       float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-signal",
	Short: "Preview signal detection for a synthetic rate movement",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateCurrency == "" {
			return errors.New("--currency must be provided")
		}
		if simulateFrom <= 0 || simulateTo <= 0 {
			return errors.New("--from and --to must be greater than 0")
		}

		from := decimal.NewFromFloat(simulateFrom)
		to := decimal.NewFromFloat(simulateTo)
		return getApp().SimulateMovement(cmd.Context(), simulateCurrency, from, to)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateCurrency, "currency", "", "Quote currency, e.g. AUD")
	simulateCmd.Flags().Float64Var(&simulateFrom, "from", 0, "Rate at the start of the window")
	simulateCmd.Flags().Float64Var(&simulateTo, "to", 0, "Rate at the end of the window")
}
