package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"budget-guardian/internal/app"
)

var (
	configureAccount  string
	configureLimit    float64
	configureWarning  float64
	configurePause    float64
	configureGuardian string
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Create or update an account's budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configureAccount == "" {
			return errors.New("--account is required")
		}

		opts := app.ConfigureOptions{
			Account:          configureAccount,
			WarningThreshold: configureWarning,
			PauseThreshold:   configurePause,
			GuardianWallet:   configureGuardian,
		}
		if configureLimit > 0 {
			opts.MonthlyLimit = decimal.NewFromFloat(configureLimit)
		}

		return getApp().Configure(cmd.Context(), opts)
	},
}

func init() {
	configureCmd.Flags().StringVar(&configureAccount, "account", "", "Wallet address whose spending is budgeted")
	configureCmd.Flags().Float64Var(&configureLimit, "limit", 0, "Monthly budget limit in USD (defaults to config)")
	configureCmd.Flags().Float64Var(&configureWarning, "warning", 0, "Warning threshold as a fraction (defaults to config)")
	configureCmd.Flags().Float64Var(&configurePause, "pause", 0, "Pause threshold as a fraction (defaults to config)")
	configureCmd.Flags().StringVar(&configureGuardian, "guardian-wallet", "", "Optional guardian wallet address")
}
