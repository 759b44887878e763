package app

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"budget-guardian/internal/budget"
	"budget-guardian/internal/storage"
)

// Analyze inspects recent usage and stores cost-saving suggestions. With no
// account given every configured account is analyzed, fanned out over a
// small worker pool.
func (a *App) Analyze(ctx context.Context, opts AnalyzeOptions) error {
	if opts.Days <= 0 {
		opts.Days = 7
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var accounts []string
	if opts.Account != "" {
		accounts = []string{budget.NormalizeAccount(opts.Account)}
	} else {
		accounts, err = store.ListConfiguredAccounts(ctx)
		if err != nil {
			return err
		}
	}
	if len(accounts) == 0 {
		fmt.Fprintln(os.Stdout, "no accounts to analyze")
		return nil
	}

	if opts.DryRun {
		a.Logger.Warn().Msg("analyze dry-run: suggestions will not be persisted")
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var total int
	var firstErr error

	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for account := range jobs {
				count, err := a.analyzeAccount(ctx, store, account, opts)
				mu.Lock()
				if err != nil {
					a.Logger.Error().Err(err).Str("account", account).Msg("analysis failed")
					if firstErr == nil {
						firstErr = err
					}
				}
				total += count
				mu.Unlock()
			}
		}()
	}

	for _, account := range accounts {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		case jobs <- account:
		}
	}
	close(jobs)
	wg.Wait()

	fmt.Fprintf(os.Stdout, "analyzed %d accounts, %d suggestions\n", len(accounts), total)
	return firstErr
}

func (a *App) analyzeAccount(ctx context.Context, store *storage.Store, account string, opts AnalyzeOptions) (int, error) {
	to := nowUTC()
	from := to.AddDate(0, 0, -opts.Days)

	records, err := store.ListUsageBetween(ctx, account, from, to)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	suggestions := suggestOptimizations(account, records, opts.Days)
	for _, opt := range suggestions {
		if opts.DryRun {
			fmt.Fprintf(os.Stdout, "[dry-run] %s: %s (%s, save ~%s)\n",
				account, opt.Description, opt.OptimizationType, opt.EstimatedSavings.StringFixed(2))
			continue
		}
		if _, err := store.InsertOptimization(ctx, opt); err != nil {
			return 0, fmt.Errorf("store suggestion: %w", err)
		}
	}
	return len(suggestions), nil
}

// suggestOptimizations derives deterministic suggestions from usage shape:
// heavy call volume suggests batching, a dominant API suggests reviewing
// alternatives, bursty days suggest caching.
func suggestOptimizations(account string, records []storage.UsageRecord, days int) []storage.OptimizationRecord {
	type apiStat struct {
		api      string
		provider string
		cost     decimal.Decimal
		calls    int
	}

	stats := map[string]*apiStat{}
	grand := decimal.Zero
	byDay := map[string]decimal.Decimal{}
	for _, rec := range records {
		entry, ok := stats[rec.APIID]
		if !ok {
			entry = &apiStat{api: rec.APIID, provider: rec.Provider}
			stats[rec.APIID] = entry
		}
		entry.cost = entry.cost.Add(rec.Cost)
		entry.calls += rec.RequestCount
		grand = grand.Add(rec.Cost)

		day := rec.Timestamp.UTC().Format("2006-01-02")
		byDay[day] = byDay[day].Add(rec.Cost)
	}

	sorted := make([]*apiStat, 0, len(stats))
	for _, entry := range stats {
		sorted = append(sorted, entry)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].cost.GreaterThan(sorted[j].cost) })

	var out []storage.OptimizationRecord

	for _, entry := range sorted {
		if entry.calls >= 100*days {
			out = append(out, storage.OptimizationRecord{
				Account:          account,
				OptimizationType: "batch_requests",
				CurrentAPI:       entry.api,
				EstimatedSavings: entry.cost.Mul(decimal.NewFromFloat(0.2)),
				Description: fmt.Sprintf("%s was called %d times in %d days; batching requests could cut request overhead",
					entry.api, entry.calls, days),
			})
		}
	}

	if len(sorted) > 1 && grand.IsPositive() {
		top := sorted[0]
		if top.cost.Div(grand).InexactFloat64() > 0.5 {
			out = append(out, storage.OptimizationRecord{
				Account:          account,
				OptimizationType: "review_dominant_api",
				CurrentAPI:       top.api,
				EstimatedSavings: top.cost.Mul(decimal.NewFromFloat(0.3)),
				Description: fmt.Sprintf("%s accounts for over half of recent spend (%s); evaluate cheaper alternatives",
					top.api, top.cost.StringFixed(2)),
			})
		}
	}

	if len(byDay) > 1 {
		avg := grand.Div(decimal.NewFromInt(int64(len(byDay))))
		for day, cost := range byDay {
			if avg.IsPositive() && cost.Div(avg).InexactFloat64() > 3 {
				out = append(out, storage.OptimizationRecord{
					Account:          account,
					OptimizationType: "cache_responses",
					CurrentAPI:       sorted[0].api,
					EstimatedSavings: cost.Sub(avg).Mul(decimal.NewFromFloat(0.5)),
					Description: fmt.Sprintf("spend on %s was over 3x the daily average; repeated calls may benefit from caching",
						day),
				})
				break
			}
		}
	}

	return out
}
