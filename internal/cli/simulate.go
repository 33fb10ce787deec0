package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"escrow-alerts/internal/app"
)

var (
	simulateDepositID   uint64
	simulateAmount      uint64
	simulateCurrency    string
	simulatePlatform    string
	simulateDepositRate float64
	simulateMarketRate  float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Push a synthetic rate event through the alert pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateDepositRate <= 0 || simulateMarketRate <= 0 {
			return errors.New("--deposit-rate and --market-rate must be greater than 0")
		}
		if simulateCurrency == "" {
			return errors.New("--currency is required")
		}

		opts := app.SimulateOptions{
			DepositID:   simulateDepositID,
			Amount:      simulateAmount,
			Currency:    simulateCurrency,
			Platform:    simulatePlatform,
			DepositRate: decimal.NewFromFloat(simulateDepositRate),
			MarketRate:  decimal.NewFromFloat(simulateMarketRate),
		}
		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().Uint64Var(&simulateDepositID, "deposit-id", 1, "Synthetic deposit identifier")
	simulateCmd.Flags().Uint64Var(&simulateAmount, "amount", 1_000_000, "Deposit amount in micro units")
	simulateCmd.Flags().StringVar(&simulateCurrency, "currency", "", "Fiat currency code (e.g. EUR)")
	simulateCmd.Flags().StringVar(&simulatePlatform, "platform", "", "Payment platform label")
	simulateCmd.Flags().Float64Var(&simulateDepositRate, "deposit-rate", 0, "Deposit conversion rate (fiat per token)")
	simulateCmd.Flags().Float64Var(&simulateMarketRate, "market-rate", 0, "Market reference rate (fiat per token)")
}
