package anomaly

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"budget-guardian/internal/classifier"
)

func newTestGate(pc PatternClassifier) *Gate {
	return NewGate(Options{MultiplierThreshold: 3, AutoPauseMultiplier: 10}, pc, zerolog.Nop())
}

func fiveMinWindow(cost float64, calls int64) Window {
	return Window{Cost: decimal.NewFromFloat(cost), Calls: calls, Duration: 5 * time.Minute}
}

func TestEvaluateZeroBaselineNotAnomalous(t *testing.T) {
	g := newTestGate(nil)

	// Brand-new account: any positive recent rate over a zero baseline must
	// not flag.
	finding := g.Evaluate(context.Background(), "0xabc", fiveMinWindow(100, 500), Baseline{})
	if finding != nil {
		t.Fatalf("零基线不应判为异常: %+v", finding)
	}
}

func TestEvaluateFlagsCostMultiplier(t *testing.T) {
	g := newTestGate(nil)

	// Recent cost rate 4.0/min vs baseline 1.0/min -> 4x > 3x threshold.
	finding := g.Evaluate(context.Background(), "0xabc", fiveMinWindow(20, 5), Baseline{
		CostPerMinute:  1.0,
		CallsPerMinute: 1.0,
	})
	if finding == nil {
		t.Fatal("4x 成本倍数应判为异常")
	}
	if finding.CostMultiplier < 3.9 || finding.CostMultiplier > 4.1 {
		t.Fatalf("cost multiplier 应约为 4, 实际 %f", finding.CostMultiplier)
	}
	if finding.ShouldPause {
		t.Fatal("4x < 10x 不应触发自动暂停")
	}
	if finding.Severity != "medium" {
		t.Fatalf("severity 应为 medium, 实际 %s", finding.Severity)
	}
}

func TestEvaluateSeverityEscalation(t *testing.T) {
	g := newTestGate(nil)

	finding := g.Evaluate(context.Background(), "0xabc", fiveMinWindow(30, 5), Baseline{
		CostPerMinute:  1.0,
		CallsPerMinute: 1.0,
	})
	if finding == nil || finding.Severity != "high" {
		t.Fatalf("6x 应为 high, 实际 %+v", finding)
	}

	finding = g.Evaluate(context.Background(), "0xabc", fiveMinWindow(60, 5), Baseline{
		CostPerMinute:  1.0,
		CallsPerMinute: 1.0,
	})
	if finding == nil || finding.Severity != "critical" {
		t.Fatalf("12x 应为 critical, 实际 %+v", finding)
	}
	if !finding.ShouldPause {
		t.Fatal("12x > 10x 应触发自动暂停")
	}
}

func TestEvaluateBelowThreshold(t *testing.T) {
	g := newTestGate(nil)

	finding := g.Evaluate(context.Background(), "0xabc", fiveMinWindow(10, 10), Baseline{
		CostPerMinute:  1.0,
		CallsPerMinute: 1.0,
	})
	if finding != nil {
		t.Fatalf("2x 不应判为异常: %+v", finding)
	}
}

type stubClassifier struct {
	judgment *classifier.Judgment
	err      error
}

func (s *stubClassifier) ClassifyPattern(ctx context.Context, summary classifier.PatternSummary) (*classifier.Judgment, error) {
	return s.judgment, s.err
}

func TestEvaluateClassifierJudgmentWins(t *testing.T) {
	pc := &stubClassifier{judgment: &classifier.Judgment{
		IsUnusual:      true,
		LikelyCause:    "bug",
		Severity:       "critical",
		Recommendation: "kill the loop",
		ShouldPause:    true,
	}}
	g := newTestGate(pc)

	finding := g.Evaluate(context.Background(), "0xabc", fiveMinWindow(20, 5), Baseline{
		CostPerMinute:  1.0,
		CallsPerMinute: 1.0,
	})
	if finding == nil || finding.LikelyCause != "bug" || !finding.ShouldPause {
		t.Fatalf("分类器判定应覆盖回退值: %+v", finding)
	}
}

func TestEvaluateClassifierFailureFallsBack(t *testing.T) {
	pc := &stubClassifier{err: errors.New("timeout")}
	g := newTestGate(pc)

	finding := g.Evaluate(context.Background(), "0xabc", fiveMinWindow(20, 5), Baseline{
		CostPerMinute:  1.0,
		CallsPerMinute: 1.0,
	})
	if finding == nil || finding.LikelyCause != "spike" {
		t.Fatalf("分类器失败应回退到规则判定: %+v", finding)
	}
}
