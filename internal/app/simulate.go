package app

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"budget-guardian/internal/storage"
)

// SimulateOptions configure the usage simulation.
type SimulateOptions struct {
	Account string
	Count   int
	Cost    decimal.Decimal
	Jitter  float64
}

// SimulateUsage 生成等额（可带抖动）的模拟用量，用于验证告警链路。
func (a *App) SimulateUsage(ctx context.Context, opts SimulateOptions) error {
	if opts.Count <= 0 {
		opts.Count = 1
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	engine := a.newEngine(store)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	apis := []struct {
		id       string
		provider string
	}{
		{"openai/gpt-4", "openai"},
		{"anthropic/claude", "anthropic"},
		{"weather/forecast", "weatherapi"},
	}

	var created int
	for i := 0; i < opts.Count; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cost := opts.Cost
		if opts.Jitter > 0 {
			factor := 1 + (rng.Float64()*2-1)*opts.Jitter
			cost = cost.Mul(decimal.NewFromFloat(factor)).Round(6)
		}
		api := apis[rng.Intn(len(apis))]

		result, err := engine.RecordUsage(ctx, storage.UsageRecord{
			Account:  opts.Account,
			APIID:    api.id,
			Provider: api.provider,
			Cost:     cost,
		})
		if err != nil {
			return fmt.Errorf("simulate record %d: %w", i+1, err)
		}
		for _, outcome := range result.Alerts {
			if outcome.Created {
				created++
				fmt.Fprintf(os.Stdout, "alert: [%s/%s] %s\n", outcome.Alert.Type, outcome.Alert.Severity, outcome.Alert.Message)
			}
		}
	}

	fmt.Fprintf(os.Stdout, "simulated %d usage records, %d alerts created\n", opts.Count, created)
	return nil
}
