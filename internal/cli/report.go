package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"budget-guardian/internal/app"
)

var (
	reportAccount string
	reportYear    int
	reportMonth   int
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the per-API spend breakdown for a month",
	RunE: func(cmd *cobra.Command, args []string) error {
		if reportAccount == "" {
			return errors.New("--account is required")
		}
		if (reportYear == 0) != (reportMonth == 0) {
			return errors.New("--year and --month must be provided together")
		}
		if reportMonth < 0 || reportMonth > 12 {
			return errors.New("--month must be within 1..12")
		}

		opts := app.ReportOptions{
			Account: reportAccount,
			Year:    reportYear,
			Month:   reportMonth,
		}

		return getApp().Report(cmd.Context(), opts)
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportAccount, "account", "", "Wallet address to report on")
	reportCmd.Flags().IntVar(&reportYear, "year", 0, "Report year (defaults to current)")
	reportCmd.Flags().IntVar(&reportMonth, "month", 0, "Report month 1..12 (defaults to current)")
}
