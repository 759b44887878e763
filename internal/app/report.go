package app

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// ReportOptions configure the monthly report.
type ReportOptions struct {
	Account string
	Year    int
	Month   int
}

type apiTotal struct {
	apiID    string
	provider string
	cost     decimal.Decimal
	calls    int
}

// Report prints the per-API spend breakdown for one calendar month.
func (a *App) Report(ctx context.Context, opts ReportOptions) error {
	now := nowUTC()
	year, month := opts.Year, time.Month(opts.Month)
	if opts.Year == 0 || opts.Month == 0 {
		year, month = now.Year(), now.Month()
	}
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	engine := a.newEngine(store)
	status, err := engine.Status(ctx, opts.Account)
	if err != nil {
		return err
	}

	records, err := store.ListUsageBetween(ctx, status.Account, from, to)
	if err != nil {
		return err
	}

	totals := map[string]*apiTotal{}
	grand := decimal.Zero
	for _, rec := range records {
		entry, ok := totals[rec.APIID]
		if !ok {
			entry = &apiTotal{apiID: rec.APIID, provider: rec.Provider}
			totals[rec.APIID] = entry
		}
		entry.cost = entry.cost.Add(rec.Cost)
		entry.calls += rec.RequestCount
		grand = grand.Add(rec.Cost)
	}

	sorted := make([]*apiTotal, 0, len(totals))
	for _, entry := range totals {
		sorted = append(sorted, entry)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].cost.GreaterThan(sorted[j].cost)
	})

	fmt.Fprintf(os.Stdout, "Spend report for %s, %s %d\n\n", status.Account, month, year)

	if len(sorted) == 0 {
		fmt.Fprintln(os.Stdout, "no usage recorded")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "API\tProvider\tCalls\tCost\tShare")
	for _, entry := range sorted {
		share := 0.0
		if grand.IsPositive() {
			share = entry.cost.Div(grand).InexactFloat64() * 100
		}
		fmt.Fprintf(writer, "%s\t%s\t%d\t%s\t%.1f%%\n",
			entry.apiID, entry.provider, entry.calls, entry.cost.StringFixed(4), share)
	}
	fmt.Fprintf(writer, "Total\t\t%d\t%s\t\n", len(records), grand.StringFixed(4))
	writer.Flush()

	if year == now.Year() && month == now.Month() {
		fmt.Fprintf(os.Stdout, "\nBudget: %s of %s (%.1f%%), tier %s\n",
			status.CurrentSpend.StringFixed(2), status.MonthlyLimit.StringFixed(2), status.PercentUsed, status.Tier)
	}

	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
