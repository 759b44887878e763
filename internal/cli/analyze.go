package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"budget-guardian/internal/app"
)

var (
	analyzeAccount string
	analyzeDays    int
	analyzeDryRun  bool
	analyzeWorkers int
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Derive cost-saving suggestions from recent usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		if analyzeDays <= 0 {
			return errors.New("--days must be greater than zero")
		}

		opts := app.AnalyzeOptions{
			Account: analyzeAccount,
			Days:    analyzeDays,
			DryRun:  analyzeDryRun,
			Workers: analyzeWorkers,
		}

		return getApp().Analyze(cmd.Context(), opts)
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeAccount, "account", "", "Wallet address to analyze (defaults to all configured)")
	analyzeCmd.Flags().IntVar(&analyzeDays, "days", 7, "Trailing window in days")
	analyzeCmd.Flags().BoolVar(&analyzeDryRun, "dry-run", false, "Print suggestions without persisting them")
	analyzeCmd.Flags().IntVar(&analyzeWorkers, "workers", 4, "Concurrent accounts analyzed")
}
