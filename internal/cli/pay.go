package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"budget-guardian/internal/app"
)

var (
	payAccount  string
	payAPI      string
	payProvider string
	payAmount   float64
	payDryRun   bool
)

var payCmd = &cobra.Command{
	Use:   "pay",
	Short: "Sign a payment authorization for an API charge",
	RunE: func(cmd *cobra.Command, args []string) error {
		if payAccount == "" || payAPI == "" {
			return errors.New("--account and --api are required")
		}
		if payAmount <= 0 {
			return errors.New("--amount must be greater than zero")
		}

		opts := app.PayOptions{
			Account:  payAccount,
			APIID:    payAPI,
			Provider: payProvider,
			Amount:   decimal.NewFromFloat(payAmount),
			DryRun:   payDryRun,
		}

		return getApp().Pay(cmd.Context(), opts)
	},
}

func init() {
	payCmd.Flags().StringVar(&payAccount, "account", "", "Wallet address being charged")
	payCmd.Flags().StringVar(&payAPI, "api", "", "API identifier the payment is for")
	payCmd.Flags().StringVar(&payProvider, "provider", "", "API provider name")
	payCmd.Flags().Float64Var(&payAmount, "amount", 0, "Payment amount in USD")
	payCmd.Flags().BoolVar(&payDryRun, "dry-run", false, "Evaluate the limit checks without signing or recording")
}
