package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"budget-guardian/internal/storage"
)

// PayOptions hold parameters for an outbound payment.
type PayOptions struct {
	Account  string
	APIID    string
	Provider string
	Amount   decimal.Decimal
	DryRun   bool
}

// Pay signs a payment authorization after the limit checks pass, records
// the spend, and re-evaluates the account's budget.
func (a *App) Pay(ctx context.Context, opts PayOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	engine := a.newEngine(store)

	// A paused account never pays. Missing configuration is tolerated so the
	// wallet limits alone still guard unconfigured accounts.
	status, err := engine.Status(ctx, opts.Account)
	switch {
	case errors.Is(err, storage.ErrConfigNotFound):
	case err != nil:
		return err
	case !status.IsActive:
		return fmt.Errorf("account %s is paused; re-activate or raise the budget first", status.Account)
	}

	svc, err := a.newPayments(store)
	if err != nil {
		return err
	}

	if opts.DryRun {
		verdict, err := svc.Evaluate(ctx, opts.Account, opts.Amount)
		if err != nil {
			return err
		}
		if verdict.Allowed {
			fmt.Fprintln(os.Stdout, "dry run: payment would be allowed")
		} else {
			fmt.Fprintf(os.Stdout, "dry run: payment would be blocked: %s\n", verdict.Reason)
		}
		return nil
	}

	receipt, err := svc.Pay(ctx, opts.Account, opts.APIID, opts.Provider, opts.Amount)
	if err != nil {
		return err
	}

	auth := receipt.Authorization
	fmt.Fprintf(os.Stdout, "payment authorized: %s to %s\n", opts.Amount.StringFixed(4), auth.To.Hex())
	fmt.Fprintf(os.Stdout, "  from:         %s\n", auth.From.Hex())
	fmt.Fprintf(os.Stdout, "  value:        %s\n", auth.Value.String())
	fmt.Fprintf(os.Stdout, "  valid:        %d .. %d\n", auth.ValidAfter, auth.ValidBefore)
	fmt.Fprintf(os.Stdout, "  nonce:        %s\n", auth.NonceHex())
	fmt.Fprintf(os.Stdout, "  signature:    0x%s\n", hex.EncodeToString(auth.Signature))
	fmt.Fprintf(os.Stdout, "  balance:      %s\n", receipt.Balance.StringFixed(6))

	// The payment already appended to the ledger; re-evaluate so threshold
	// crossings alert immediately instead of waiting for the next sweep.
	result, err := engine.Evaluate(ctx, opts.Account)
	if errors.Is(err, storage.ErrConfigNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, outcome := range result.Alerts {
		if outcome.Created {
			fmt.Fprintf(os.Stdout, "alert: [%s/%s] %s\n", outcome.Alert.Type, outcome.Alert.Severity, outcome.Alert.Message)
		}
	}

	return nil
}
