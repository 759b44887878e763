package limiter

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestLimiter() *Limiter {
	return New(Limits{
		PerTransactionCap: decimal.NewFromInt(1),
		DailyCap:          decimal.NewFromInt(10),
		MinReserve:        decimal.NewFromInt(1),
	})
}

func TestAuthorizePerTransactionCapWinsFirst(t *testing.T) {
	l := newTestLimiter()

	// Even with exhausted daily spend and zero balance, the per-transaction
	// reason must win because it is checked first.
	v := l.Authorize(decimal.NewFromInt(2), decimal.NewFromInt(100), decimal.Zero)
	if v.Allowed {
		t.Fatal("超额交易应被拒绝")
	}
	if v.Reason != ReasonPerTransaction {
		t.Fatalf("reason 应为 %q, 实际 %q", ReasonPerTransaction, v.Reason)
	}
}

func TestAuthorizeDailyCap(t *testing.T) {
	l := newTestLimiter()

	v := l.Authorize(decimal.NewFromFloat(0.5), decimal.NewFromFloat(9.6), decimal.NewFromInt(100))
	if v.Allowed || v.Reason != ReasonDailyLimit {
		t.Fatalf("应因日限额拒绝, 实际 %+v", v)
	}

	// Exactly reaching the cap is allowed; only exceeding it is denied.
	v = l.Authorize(decimal.NewFromFloat(0.4), decimal.NewFromFloat(9.6), decimal.NewFromInt(100))
	if !v.Allowed {
		t.Fatalf("恰好达到日限额应放行, 实际 %+v", v)
	}
}

func TestAuthorizeMinReserve(t *testing.T) {
	l := newTestLimiter()

	v := l.Authorize(decimal.NewFromFloat(0.5), decimal.Zero, decimal.NewFromFloat(1.4))
	if v.Allowed || v.Reason != ReasonMinReserve {
		t.Fatalf("应因最低保留金拒绝, 实际 %+v", v)
	}

	v = l.Authorize(decimal.NewFromFloat(0.5), decimal.Zero, decimal.NewFromFloat(1.5))
	if !v.Allowed {
		t.Fatalf("保留金恰好满足应放行, 实际 %+v", v)
	}
}

func TestAuthorizeAllows(t *testing.T) {
	l := newTestLimiter()

	v := l.Authorize(decimal.NewFromFloat(0.5), decimal.NewFromInt(1), decimal.NewFromInt(5))
	if !v.Allowed || v.Reason != "" {
		t.Fatalf("合规支付应放行, 实际 %+v", v)
	}
}

func TestLimitErrorMessage(t *testing.T) {
	err := &LimitError{Reason: ReasonDailyLimit}
	if err.Error() != "payment blocked: "+ReasonDailyLimit {
		t.Fatalf("错误文案不正确: %s", err.Error())
	}
}

func TestStartOfUTCDay(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	now := time.Date(2024, 3, 1, 2, 30, 0, 0, loc) // 2024-02-29 18:30 UTC

	day := StartOfUTCDay(now)
	want := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	if !day.Equal(want) {
		t.Fatalf("UTC 日界错误: %s != %s", day, want)
	}
}
