// Package budget implements the spend-tracking state machine: it turns the
// usage ledger into threshold alerts with cool-down de-duplication and
// escalates to the anomaly gate once enough recent volume exists.
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"budget-guardian/internal/alerting"
	"budget-guardian/internal/anomaly"
	"budget-guardian/internal/storage"
)

// Tier is the discrete budget-consumption classification.
type Tier string

const (
	TierOK       Tier = "ok"
	TierWarning  Tier = "warning"
	TierCritical Tier = "critical"
	TierPaused   Tier = "paused"
)

// fixedCriticalBand is the historical 95% critical threshold. It only
// applies while it sits strictly between warning and pause; see
// criticalBand.
const fixedCriticalBand = 0.95

// Status is the freshly computed budget position of an account. It is never
// cached across requests; every evaluation re-reads the ledger.
type Status struct {
	Account         string
	MonthlyLimit    decimal.Decimal
	CurrentSpend    decimal.Decimal
	RemainingBudget decimal.Decimal
	PercentUsed     float64
	DaysRemaining   int
	Tier            Tier
	IsActive        bool
	IsPaused        bool
}

// AlertOutcome reports whether an alert was created or an existing one was
// returned unchanged because it fell inside the cool-down window.
type AlertOutcome struct {
	Alert   storage.AlertRecord
	Created bool
}

// Result bundles the outcome of recording one usage event.
type Result struct {
	Usage   storage.UsageRecord
	Status  Status
	Alerts  []AlertOutcome
	Anomaly *anomaly.Finding
}

// Options tune the engine.
type Options struct {
	AlertCooldown  time.Duration
	AnalysisWindow time.Duration
	BaselineDays   int
	MinSamples     int
	Channels       []string
}

// Engine is the budget state machine. All dependencies are injected; there
// is no ambient global wallet or store.
type Engine struct {
	configs  storage.ConfigStore
	ledger   storage.LedgerStore
	alerts   storage.AlertStore
	gate     *anomaly.Gate
	notifier alerting.Notifier
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

// NewEngine constructs the engine; gate and notifier may be nil.
func NewEngine(configs storage.ConfigStore, ledger storage.LedgerStore, alerts storage.AlertStore, gate *anomaly.Gate, notifier alerting.Notifier, opts Options, logger zerolog.Logger) *Engine {
	if opts.AlertCooldown <= 0 {
		opts.AlertCooldown = time.Hour
	}
	if opts.AnalysisWindow <= 0 {
		opts.AnalysisWindow = 5 * time.Minute
	}
	if opts.BaselineDays <= 0 {
		opts.BaselineDays = 7
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 10
	}
	return &Engine{
		configs:  configs,
		ledger:   ledger,
		alerts:   alerts,
		gate:     gate,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "budget_engine").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NormalizeAccount canonicalises a wallet address for use as an account key.
func NormalizeAccount(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}

// Configure creates or mutates the account's unique budget configuration.
func (e *Engine) Configure(ctx context.Context, account string, monthlyLimit decimal.Decimal, warningThreshold, pauseThreshold float64, guardianWallet *string) (storage.BudgetConfigRecord, error) {
	if monthlyLimit.LessThanOrEqual(decimal.Zero) {
		return storage.BudgetConfigRecord{}, fmt.Errorf("monthly limit must be greater than zero")
	}
	if warningThreshold < 0 || warningThreshold > 1 || pauseThreshold < 0 || pauseThreshold > 1 {
		return storage.BudgetConfigRecord{}, fmt.Errorf("thresholds must be within [0,1]")
	}
	if warningThreshold > pauseThreshold {
		return storage.BudgetConfigRecord{}, fmt.Errorf("warning threshold cannot exceed pause threshold")
	}

	return e.configs.UpsertBudgetConfig(ctx, storage.BudgetConfigRecord{
		Account:          NormalizeAccount(account),
		MonthlyLimit:     monthlyLimit,
		WarningThreshold: warningThreshold,
		PauseThreshold:   pauseThreshold,
		GuardianWallet:   guardianWallet,
	})
}

// Status recomputes the budget position from the current ledger state.
// Accounts without configuration surface storage.ErrConfigNotFound.
func (e *Engine) Status(ctx context.Context, account string) (Status, error) {
	account = NormalizeAccount(account)

	cfg, err := e.configs.GetBudgetConfig(ctx, account)
	if err != nil {
		return Status{}, err
	}
	return e.statusFromConfig(ctx, cfg)
}

func (e *Engine) statusFromConfig(ctx context.Context, cfg storage.BudgetConfigRecord) (Status, error) {
	now := e.now()

	spend, err := e.ledger.SumCostSince(ctx, cfg.Account, startOfMonth(now))
	if err != nil {
		return Status{}, fmt.Errorf("sum month spend: %w", err)
	}

	percent := 0.0
	if cfg.MonthlyLimit.IsPositive() {
		percent = spend.Div(cfg.MonthlyLimit).InexactFloat64() * 100
	}

	remaining := cfg.MonthlyLimit.Sub(spend)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	tier := classifyTier(percent, cfg)
	return Status{
		Account:         cfg.Account,
		MonthlyLimit:    cfg.MonthlyLimit,
		CurrentSpend:    spend,
		RemainingBudget: remaining,
		PercentUsed:     percent,
		DaysRemaining:   daysRemaining(now),
		Tier:            tier,
		IsActive:        cfg.IsActive,
		IsPaused:        tier == TierPaused,
	}, nil
}

// RecordUsage appends a usage record, recomputes the budget status, emits at
// most one threshold alert (deduplicated within the cool-down), runs the
// pause path, and finally triggers anomaly evaluation.
func (e *Engine) RecordUsage(ctx context.Context, rec storage.UsageRecord) (Result, error) {
	rec.Account = NormalizeAccount(rec.Account)
	if rec.Cost.IsNegative() {
		return Result{}, fmt.Errorf("cost cannot be negative")
	}
	if rec.RequestCount <= 0 {
		rec.RequestCount = 1
	}
	if rec.Status == "" {
		rec.Status = "success"
	}

	cfg, err := e.configs.GetBudgetConfig(ctx, rec.Account)
	if err != nil {
		return Result{}, err
	}

	stored, err := e.ledger.AppendUsage(ctx, rec)
	if err != nil {
		return Result{}, fmt.Errorf("append usage: %w", err)
	}

	status, err := e.statusFromConfig(ctx, cfg)
	if err != nil {
		return Result{}, err
	}

	result, err := e.evaluate(ctx, cfg, status)
	result.Usage = stored
	return result, err
}

// Evaluate recomputes the account's budget position and runs the same alert
// and anomaly paths as RecordUsage without appending anything to the ledger.
// The periodic sweep uses it to catch threshold crossings from records
// written by other processes.
func (e *Engine) Evaluate(ctx context.Context, account string) (Result, error) {
	cfg, err := e.configs.GetBudgetConfig(ctx, NormalizeAccount(account))
	if err != nil {
		return Result{}, err
	}
	status, err := e.statusFromConfig(ctx, cfg)
	if err != nil {
		return Result{}, err
	}
	return e.evaluate(ctx, cfg, status)
}

func (e *Engine) evaluate(ctx context.Context, cfg storage.BudgetConfigRecord, status Status) (Result, error) {
	result := Result{Status: status}

	outcome, paused, err := e.evaluateThresholds(ctx, cfg, &status)
	if err != nil {
		return result, err
	}
	if outcome != nil {
		result.Alerts = append(result.Alerts, *outcome)
	}
	if paused {
		cfg.IsActive = false
		status.Tier = TierPaused
		status.IsActive = false
		status.IsPaused = true
	}
	result.Status = status

	anomalyOutcome, finding, err := e.checkUnusualPattern(ctx, cfg)
	if err != nil {
		return result, err
	}
	if anomalyOutcome != nil {
		result.Alerts = append(result.Alerts, *anomalyOutcome)
		result.Anomaly = finding
	}

	return result, nil
}

// evaluateThresholds classifies the single highest applicable tier and emits
// its alert. The pause path is the only place the account is deactivated as
// a side effect of budget consumption.
func (e *Engine) evaluateThresholds(ctx context.Context, cfg storage.BudgetConfigRecord, status *Status) (*AlertOutcome, bool, error) {
	warningPct := cfg.WarningThreshold * 100
	pausePct := cfg.PauseThreshold * 100
	criticalPct := criticalBand(cfg.WarningThreshold, cfg.PauseThreshold) * 100

	percent := status.PercentUsed

	switch {
	case percent >= pausePct:
		paused := false
		if cfg.IsActive {
			if err := e.configs.SetConfigActive(ctx, cfg.Account, false); err != nil {
				return nil, false, fmt.Errorf("deactivate account: %w", err)
			}
			paused = true
		}
		recommendation := "Increase your budget limit or wait until next month"
		outcome, err := e.createAlert(ctx, storage.AlertRecord{
			Account:        cfg.Account,
			Type:           storage.AlertTypePause,
			Severity:       storage.SeverityCritical,
			Message:        fmt.Sprintf("Budget paused: reached %.0f%% of your %s budget", percent, status.MonthlyLimit.StringFixed(2)),
			CurrentSpend:   status.CurrentSpend,
			BudgetLimit:    status.MonthlyLimit,
			Recommendation: &recommendation,
		})
		return outcome, paused, err

	case percent >= criticalPct:
		recommendation := "Budget almost exhausted. Consider pausing non-essential API calls."
		outcome, err := e.createAlert(ctx, storage.AlertRecord{
			Account:        cfg.Account,
			Type:           storage.AlertTypeCritical,
			Severity:       storage.SeverityCritical,
			Message:        fmt.Sprintf("Critical: %.0f%% of budget used (%s/%s)", percent, status.CurrentSpend.StringFixed(2), status.MonthlyLimit.StringFixed(2)),
			CurrentSpend:   status.CurrentSpend,
			BudgetLimit:    status.MonthlyLimit,
			Recommendation: &recommendation,
		})
		return outcome, false, err

	case percent >= warningPct:
		outcome, err := e.createAlert(ctx, storage.AlertRecord{
			Account:      cfg.Account,
			Type:         storage.AlertTypeWarning,
			Severity:     storage.SeverityWarning,
			Message:      fmt.Sprintf("Warning: %.0f%% of budget used with %d days remaining", percent, status.DaysRemaining),
			CurrentSpend: status.CurrentSpend,
			BudgetLimit:  status.MonthlyLimit,
		})
		return outcome, false, err
	}

	return nil, false, nil
}

// createAlert inserts the alert unless an alert of the same (account, type)
// already exists inside the cool-down window, in which case the existing
// record is returned unchanged. Two concurrent triggers can both pass the
// existence check before either commits; callers tolerate that rare
// duplicate as a liveness-over-strict-exclusivity tradeoff.
func (e *Engine) createAlert(ctx context.Context, rec storage.AlertRecord) (*AlertOutcome, error) {
	since := e.now().Add(-e.opts.AlertCooldown)
	existing, err := e.alerts.FindAlertSince(ctx, rec.Account, rec.Type, since)
	if err != nil {
		return nil, fmt.Errorf("find recent alert: %w", err)
	}
	if existing != nil {
		return &AlertOutcome{Alert: *existing, Created: false}, nil
	}

	stored, err := e.alerts.InsertAlert(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("insert alert: %w", err)
	}

	if e.notifier != nil {
		note := alerting.Notification{
			Account:      stored.Account,
			Type:         stored.Type,
			Severity:     stored.Severity,
			Message:      stored.Message,
			CurrentSpend: stored.CurrentSpend,
			BudgetLimit:  stored.BudgetLimit,
			Channels:     e.opts.Channels,
			CreatedAt:    stored.CreatedAt,
		}
		if stored.Recommendation != nil {
			note.Recommendation = *stored.Recommendation
		}
		if err := e.notifier.Notify(ctx, note); err != nil {
			e.logger.Error().Err(err).Str("account", stored.Account).Str("type", stored.Type).Msg("failed to dispatch alert")
		}
	}

	e.logger.Info().Str("account", stored.Account).
		Str("type", stored.Type).
		Str("severity", stored.Severity).
		Msg("alert created")

	return &AlertOutcome{Alert: stored, Created: true}, nil
}

// checkUnusualPattern runs the anomaly gate once the account has enough
// recent volume for the comparison to be statistically meaningful.
func (e *Engine) checkUnusualPattern(ctx context.Context, cfg storage.BudgetConfigRecord) (*AlertOutcome, *anomaly.Finding, error) {
	if e.gate == nil {
		return nil, nil, nil
	}

	now := e.now()
	windowStart := now.Add(-e.opts.AnalysisWindow)

	count, err := e.ledger.CountUsageSince(ctx, cfg.Account, windowStart)
	if err != nil {
		return nil, nil, fmt.Errorf("count recent usage: %w", err)
	}
	if count < int64(e.opts.MinSamples) {
		return nil, nil, nil
	}

	recentCost, recentCalls, err := e.ledger.SumCostBetween(ctx, cfg.Account, windowStart, now)
	if err != nil {
		return nil, nil, fmt.Errorf("aggregate recent window: %w", err)
	}

	// Baseline excludes the recent window so the event under test never
	// contaminates its own reference.
	baselineStart := now.AddDate(0, 0, -e.opts.BaselineDays)
	baselineCost, baselineCalls, err := e.ledger.SumCostBetween(ctx, cfg.Account, baselineStart, windowStart)
	if err != nil {
		return nil, nil, fmt.Errorf("aggregate baseline: %w", err)
	}

	baselineMinutes := float64(e.opts.BaselineDays) * 24 * 60
	finding := e.gate.Evaluate(ctx, cfg.Account,
		anomaly.Window{Cost: recentCost, Calls: recentCalls, Duration: e.opts.AnalysisWindow},
		anomaly.Baseline{
			CostPerMinute:  baselineCost.InexactFloat64() / baselineMinutes,
			CallsPerMinute: float64(baselineCalls) / baselineMinutes,
		},
	)
	if finding == nil {
		return nil, nil, nil
	}

	extra, _ := json.Marshal(finding)
	var recommendation *string
	if finding.Recommendation != "" {
		recommendation = &finding.Recommendation
	}
	outcome, err := e.createAlert(ctx, storage.AlertRecord{
		Account:        cfg.Account,
		Type:           storage.AlertTypeUnusualPattern,
		Severity:       alertSeverity(finding.Severity),
		Message:        fmt.Sprintf("Unusual pattern detected: %s", finding.LikelyCause),
		CurrentSpend:   recentCost,
		BudgetLimit:    decimal.Zero,
		Recommendation: recommendation,
		ExtraData:      extra,
	})
	if err != nil {
		return nil, nil, err
	}

	if finding.ShouldPause && cfg.IsActive {
		if err := e.configs.SetConfigActive(ctx, cfg.Account, false); err != nil {
			return outcome, finding, fmt.Errorf("auto-pause account: %w", err)
		}
		e.logger.Warn().Str("account", cfg.Account).
			Float64("cost_multiplier", finding.CostMultiplier).
			Msg("account auto-paused by anomaly gate")
	}

	return outcome, finding, nil
}

// classifyTier picks exactly one tier, highest first. Tiers never stack.
func classifyTier(percent float64, cfg storage.BudgetConfigRecord) Tier {
	warningPct := cfg.WarningThreshold * 100
	pausePct := cfg.PauseThreshold * 100
	criticalPct := criticalBand(cfg.WarningThreshold, cfg.PauseThreshold) * 100

	switch {
	case percent >= pausePct && !cfg.IsActive:
		return TierPaused
	case percent >= criticalPct:
		return TierCritical
	case percent >= warningPct:
		return TierWarning
	default:
		return TierOK
	}
}

// criticalBand keeps warning < critical <= pause. The historical fixed 95%
// band inverts the ordering whenever pause_threshold <= 0.95, so in that
// case the band collapses to the midpoint of warning and pause.
func criticalBand(warningThreshold, pauseThreshold float64) float64 {
	if pauseThreshold > fixedCriticalBand {
		return fixedCriticalBand
	}
	return (warningThreshold + pauseThreshold) / 2
}

// daysRemaining counts days to the first of next month, with the
// December rollover handled explicitly.
func daysRemaining(now time.Time) int {
	now = now.UTC()
	var next time.Time
	if now.Month() == time.December {
		next = time.Date(now.Year()+1, time.January, 1, 0, 0, 0, 0, time.UTC)
	} else {
		next = time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return int(next.Sub(today).Hours() / 24)
}

func startOfMonth(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func alertSeverity(findingSeverity string) string {
	switch findingSeverity {
	case "critical":
		return storage.SeverityCritical
	case "high", "medium":
		return storage.SeverityWarning
	default:
		return storage.SeverityInfo
	}
}
