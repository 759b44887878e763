package app

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
)

// ConfigureOptions hold parameters for creating or updating a budget.
type ConfigureOptions struct {
	Account          string
	MonthlyLimit     decimal.Decimal
	WarningThreshold float64
	PauseThreshold   float64
	GuardianWallet   string
}

// Configure creates or updates the account's budget configuration.
func (a *App) Configure(ctx context.Context, opts ConfigureOptions) error {
	if opts.WarningThreshold <= 0 {
		opts.WarningThreshold = a.Config.Budget.WarningThreshold
	}
	if opts.PauseThreshold <= 0 {
		opts.PauseThreshold = a.Config.Budget.PauseThreshold
	}
	if opts.MonthlyLimit.IsZero() && a.Config.Budget.DefaultMonthlyLimit > 0 {
		opts.MonthlyLimit = decimal.NewFromFloat(a.Config.Budget.DefaultMonthlyLimit)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var guardianWallet *string
	if opts.GuardianWallet != "" {
		guardianWallet = &opts.GuardianWallet
	}

	engine := a.newEngine(store)
	cfg, err := engine.Configure(ctx, opts.Account, opts.MonthlyLimit, opts.WarningThreshold, opts.PauseThreshold, guardianWallet)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "budget configured for %s: limit %s, warn at %.0f%%, pause at %.0f%%\n",
		cfg.Account, cfg.MonthlyLimit.StringFixed(2), cfg.WarningThreshold*100, cfg.PauseThreshold*100)
	return nil
}
