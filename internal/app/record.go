package app

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"budget-guardian/internal/storage"
)

// RecordOptions hold parameters for appending a usage record.
type RecordOptions struct {
	Account    string
	APIID      string
	Provider   string
	Cost       decimal.Decimal
	TokensUsed int64
	Status     string
}

// Record appends a usage record and reports the resulting budget position.
func (a *App) Record(ctx context.Context, opts RecordOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rec := storage.UsageRecord{
		Account:  opts.Account,
		APIID:    opts.APIID,
		Provider: opts.Provider,
		Cost:     opts.Cost,
		Status:   opts.Status,
	}
	if opts.TokensUsed > 0 {
		rec.TokensUsed = &opts.TokensUsed
	}

	engine := a.newEngine(store)
	result, err := engine.RecordUsage(ctx, rec)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "recorded %s for %s (%s); month spend %s of %s (%.1f%%), tier %s\n",
		result.Usage.Cost.StringFixed(4),
		result.Usage.Account,
		result.Usage.APIID,
		result.Status.CurrentSpend.StringFixed(2),
		result.Status.MonthlyLimit.StringFixed(2),
		result.Status.PercentUsed,
		result.Status.Tier,
	)

	for _, outcome := range result.Alerts {
		if outcome.Created {
			fmt.Fprintf(os.Stdout, "alert: [%s/%s] %s\n", outcome.Alert.Type, outcome.Alert.Severity, outcome.Alert.Message)
		} else {
			fmt.Fprintf(os.Stdout, "alert suppressed (cooldown): %s\n", outcome.Alert.Type)
		}
	}
	if result.Anomaly != nil {
		fmt.Fprintf(os.Stdout, "anomaly: %.1fx cost, %.1fx rate, cause %s\n",
			result.Anomaly.CostMultiplier, result.Anomaly.RateMultiplier, result.Anomaly.LikelyCause)
	}

	return nil
}
