package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"budget-guardian/internal/limiter"
	"budget-guardian/internal/oracle"
)

// Wallet prints the agent wallet's address, balance, and remaining headroom
// against the daily cap.
func (a *App) Wallet(ctx context.Context) error {
	sg, err := a.newSigner()
	if err != nil {
		return err
	}

	chain := oracle.NewChain(oracle.Options{
		RPCURL:  a.Config.Ethereum.RPCURL,
		Timeout: a.Config.Ethereum.RequestTimeout,
	}, a.Logger)

	balance, err := chain.GetBalance(ctx, sg.Address())
	if err != nil {
		return fmt.Errorf("read wallet balance: %w", err)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	dailySpend, err := store.SumCostAllSince(ctx, limiter.StartOfUTCDay(nowUTC()))
	if err != nil {
		return err
	}

	dailyCap := decimal.NewFromFloat(a.Config.Agent.MaxDailySpend)
	headroom := dailyCap.Sub(dailySpend)
	if headroom.IsNegative() {
		headroom = decimal.Zero
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Address\t%s\n", sg.Address().Hex())
	fmt.Fprintf(writer, "Balance\t%s\n", balance.StringFixed(6))
	fmt.Fprintf(writer, "Min reserve\t%.2f\n", a.Config.Agent.MinBalance)
	fmt.Fprintf(writer, "Per-transaction cap\t%.2f\n", a.Config.Agent.MaxPerTransaction)
	fmt.Fprintf(writer, "Daily cap\t%.2f\n", a.Config.Agent.MaxDailySpend)
	fmt.Fprintf(writer, "Spent today (UTC)\t%s\n", dailySpend.StringFixed(2))
	fmt.Fprintf(writer, "Daily headroom\t%s\n", headroom.StringFixed(2))
	writer.Flush()
	return nil
}
