package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"budget-guardian/internal/budget"
	"budget-guardian/internal/storage"
)

type dailySpend struct {
	Day   time.Time
	Cost  decimal.Decimal
	Calls int
}

// Export renders the account's daily spend history as CSV and/or a PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := nowUTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.AddDate(0, 0, -30)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	account := budget.NormalizeAccount(opts.Account)
	records, err := store.ListUsageBetween(ctx, account, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Str("account", account).Msg("no usage found for export window")
		return nil
	}

	days := aggregateDaily(records)
	downsampled := downsampleDays(days, opts.MaxPoints)
	a.Logger.Info().Int("records", len(records)).Int("days", len(days)).Int("exported", len(downsampled)).Msg("exporting spend history")

	if opts.CSVPath != "" {
		if err := writeSpendCSV(opts.CSVPath, account, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSpendPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func aggregateDaily(records []storage.UsageRecord) []dailySpend {
	byDay := map[time.Time]*dailySpend{}
	for _, rec := range records {
		ts := rec.Timestamp.UTC()
		day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		entry, ok := byDay[day]
		if !ok {
			entry = &dailySpend{Day: day}
			byDay[day] = entry
		}
		entry.Cost = entry.Cost.Add(rec.Cost)
		entry.Calls += rec.RequestCount
	}

	days := make([]dailySpend, 0, len(byDay))
	for _, entry := range byDay {
		days = append(days, *entry)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Day.Before(days[j].Day) })
	return days
}

func downsampleDays(days []dailySpend, max int) []dailySpend {
	if max <= 0 || len(days) <= max {
		return days
	}

	result := make([]dailySpend, 0, max)
	step := float64(len(days)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(days) {
			idx = len(days) - 1
		}
		result = append(result, days[idx])
	}
	return result
}

func writeSpendCSV(path, account string, days []dailySpend) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"day", "account", "cost", "calls"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, day := range days {
		record := []string{
			day.Day.Format("2006-01-02"),
			account,
			day.Cost.String(),
			strconv.Itoa(day.Calls),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSpendPNG(path string, days []dailySpend) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(days))
	cost := make([]float64, len(days))
	calls := make([]float64, len(days))

	for i, day := range days {
		x[i] = day.Day
		cost[i] = day.Cost.InexactFloat64()
		calls[i] = float64(day.Calls)
	}

	costFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Daily spend (USD)",
			ValueFormatter: costFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "API calls",
			ValueFormatter: costFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Spend",
				XValues: x,
				YValues: cost,
			},
			chart.TimeSeries{
				Name:    "Calls",
				XValues: x,
				YValues: calls,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
