package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"budget-guardian/internal/budget"
)

// Show prints recent alerts for an account.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	alerts, err := store.ListRecentAlerts(ctx, budget.NormalizeAccount(opts.Account), opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tType\tSeverity\tSpend\tLimit\tMessage")

	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.Type,
			alert.Severity,
			alert.CurrentSpend.StringFixed(2),
			alert.BudgetLimit.StringFixed(2),
			sanitizeInline(alert.Message),
		)
	}

	writer.Flush()
	return nil
}
