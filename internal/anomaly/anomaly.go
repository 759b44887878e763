// Package anomaly compares a short recent window of activity against a
// trailing historical baseline and flags unusual cost/rate multipliers.
package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"budget-guardian/internal/classifier"
)

// Fallback escalation bands. The classifier may refine these, but the
// rule-based path must stand alone when it is unreachable.
const (
	criticalMultiplier = 10.0
	highMultiplier     = 5.0

	// epsilon guards the division when the baseline is tiny but non-zero.
	epsilon = 0.01
)

// Window aggregates the recent activity under test.
type Window struct {
	Cost     decimal.Decimal
	Calls    int64
	Duration time.Duration
}

// Baseline carries trailing per-minute averages. It must exclude the recent
// window itself so the event under test never contaminates its own baseline.
type Baseline struct {
	CostPerMinute  float64
	CallsPerMinute float64
}

// Finding describes a flagged anomaly.
type Finding struct {
	CostMultiplier float64
	RateMultiplier float64
	LikelyCause    string
	Severity       string
	Recommendation string
	ShouldPause    bool
}

// PatternClassifier is the optional external judgment step.
type PatternClassifier interface {
	ClassifyPattern(ctx context.Context, summary classifier.PatternSummary) (*classifier.Judgment, error)
}

// Options tune the gate.
type Options struct {
	MultiplierThreshold float64
	AutoPauseMultiplier float64
}

// Gate evaluates recent activity against the baseline.
type Gate struct {
	opts       Options
	classifier PatternClassifier
	logger     zerolog.Logger
}

// NewGate constructs a Gate; classifier may be nil.
func NewGate(opts Options, pc PatternClassifier, logger zerolog.Logger) *Gate {
	if opts.MultiplierThreshold <= 0 {
		opts.MultiplierThreshold = 3
	}
	if opts.AutoPauseMultiplier <= 0 {
		opts.AutoPauseMultiplier = 10
	}
	return &Gate{
		opts:       opts,
		classifier: pc,
		logger:     logger.With().Str("component", "anomaly_gate").Logger(),
	}
}

// Evaluate returns a Finding when either the cost or call-rate multiplier
// exceeds the configured threshold, nil otherwise. A zero baseline is
// treated as multiplier 1 so brand-new accounts never false-positive.
func (g *Gate) Evaluate(ctx context.Context, account string, recent Window, baseline Baseline) *Finding {
	minutes := recent.Duration.Minutes()
	if minutes <= 0 {
		minutes = 1
	}

	recentCostRate := recent.Cost.InexactFloat64() / minutes
	recentCallRate := float64(recent.Calls) / minutes

	costMultiplier := multiplier(recentCostRate, baseline.CostPerMinute)
	rateMultiplier := multiplier(recentCallRate, baseline.CallsPerMinute)

	if costMultiplier <= g.opts.MultiplierThreshold && rateMultiplier <= g.opts.MultiplierThreshold {
		return nil
	}

	finding := g.fallbackFinding(costMultiplier, rateMultiplier)

	if g.classifier != nil {
		summary := classifier.PatternSummary{
			Account:                account,
			RecentCostPerMinute:    recentCostRate,
			BaselineCostPerMinute:  baseline.CostPerMinute,
			RecentCallsPerMinute:   recentCallRate,
			BaselineCallsPerMinute: baseline.CallsPerMinute,
			CostMultiplier:         costMultiplier,
			RateMultiplier:         rateMultiplier,
		}
		judgment, err := g.classifier.ClassifyPattern(ctx, summary)
		if err != nil {
			g.logger.Debug().Err(err).Str("account", account).Msg("classifier unavailable, using rule-based fallback")
		} else if !judgment.IsUnusual {
			return nil
		} else {
			finding.LikelyCause = judgment.LikelyCause
			finding.Severity = judgment.Severity
			finding.Recommendation = judgment.Recommendation
			finding.ShouldPause = judgment.ShouldPause
		}
	}

	return finding
}

func (g *Gate) fallbackFinding(costMultiplier, rateMultiplier float64) *Finding {
	peak := costMultiplier
	if rateMultiplier > peak {
		peak = rateMultiplier
	}

	severity := "medium"
	switch {
	case peak > criticalMultiplier:
		severity = "critical"
	case peak > highMultiplier:
		severity = "high"
	}

	return &Finding{
		CostMultiplier: costMultiplier,
		RateMultiplier: rateMultiplier,
		LikelyCause:    "spike",
		Severity:       severity,
		Recommendation: fmt.Sprintf("Usage is %.1fx normal. Review your application.", peak),
		ShouldPause:    costMultiplier > g.opts.AutoPauseMultiplier,
	}
}

func multiplier(recentRate, baselineRate float64) float64 {
	if baselineRate <= 0 {
		return 1
	}
	denom := baselineRate
	if denom < epsilon {
		denom = epsilon
	}
	return recentRate / denom
}
