package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Status prints the account's current budget position with recent alerts
// and open optimization suggestions.
func (a *App) Status(ctx context.Context, account string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	engine := a.newEngine(store)
	status, err := engine.Status(ctx, account)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Account\t%s\n", status.Account)
	fmt.Fprintf(writer, "Tier\t%s\n", strings.ToUpper(string(status.Tier)))
	fmt.Fprintf(writer, "Monthly limit\t%s\n", status.MonthlyLimit.StringFixed(2))
	fmt.Fprintf(writer, "Spent this month\t%s (%.1f%%)\n", status.CurrentSpend.StringFixed(2), status.PercentUsed)
	fmt.Fprintf(writer, "Remaining\t%s\n", status.RemainingBudget.StringFixed(2))
	fmt.Fprintf(writer, "Days remaining\t%d\n", status.DaysRemaining)
	fmt.Fprintf(writer, "Active\t%t\n", status.IsActive)
	if status.IsPaused {
		fmt.Fprintln(writer, "Paused\ttrue")
	}
	writer.Flush()

	alerts, err := store.ListRecentAlerts(ctx, status.Account, 5)
	if err != nil {
		return err
	}
	if len(alerts) > 0 {
		fmt.Fprintln(os.Stdout, "\nRecent alerts:")
		writer = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Time (UTC)\tType\tSeverity\tMessage")
		for _, alert := range alerts {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
				alert.CreatedAt.UTC().Format(time.RFC3339),
				alert.Type,
				alert.Severity,
				sanitizeInline(alert.Message),
			)
		}
		writer.Flush()
	}

	optimizations, err := store.ListOpenOptimizations(ctx, status.Account, 5)
	if err != nil {
		return err
	}
	if len(optimizations) > 0 {
		fmt.Fprintln(os.Stdout, "\nOpen optimization suggestions:")
		writer = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Type\tAPI\tEst. savings\tDescription")
		for _, opt := range optimizations {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
				opt.OptimizationType,
				opt.CurrentAPI,
				opt.EstimatedSavings.StringFixed(2),
				sanitizeInline(opt.Description),
			)
		}
		writer.Flush()
	}

	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
