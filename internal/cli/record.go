package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"budget-guardian/internal/app"
)

var (
	recordAccount  string
	recordAPI      string
	recordProvider string
	recordCost     float64
	recordTokens   int64
	recordStatus   string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record an API usage charge against a budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		if recordAccount == "" || recordAPI == "" {
			return errors.New("--account and --api are required")
		}
		if recordCost < 0 {
			return errors.New("--cost cannot be negative")
		}

		opts := app.RecordOptions{
			Account:    recordAccount,
			APIID:      recordAPI,
			Provider:   recordProvider,
			Cost:       decimal.NewFromFloat(recordCost),
			TokensUsed: recordTokens,
			Status:     recordStatus,
		}

		return getApp().Record(cmd.Context(), opts)
	},
}

func init() {
	recordCmd.Flags().StringVar(&recordAccount, "account", "", "Wallet address being charged")
	recordCmd.Flags().StringVar(&recordAPI, "api", "", "API identifier, e.g. openai/gpt-4")
	recordCmd.Flags().StringVar(&recordProvider, "provider", "", "API provider name")
	recordCmd.Flags().Float64Var(&recordCost, "cost", 0, "Charge amount in USD")
	recordCmd.Flags().Int64Var(&recordTokens, "tokens", 0, "Tokens consumed, if applicable")
	recordCmd.Flags().StringVar(&recordStatus, "status", "", "Record status (defaults to success)")
}
