package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"budget-guardian/internal/app"
)

var (
	showAccount string
	showLimit   int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent alerts for an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showAccount == "" {
			return errors.New("--account is required")
		}
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Account: showAccount,
			Limit:   showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showAccount, "account", "", "Wallet address to inspect")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
}
