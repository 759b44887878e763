// Package limiter implements the payment safety gate. Every candidate
// payment is evaluated against three limits in a fixed order: per-transaction
// cap, UTC daily cap, minimum reserve. The first failing check wins.
package limiter

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Denial reasons returned verbatim to callers.
const (
	ReasonPerTransaction = "exceeds per-transaction limit"
	ReasonDailyLimit     = "would exceed daily limit"
	ReasonMinReserve     = "insufficient balance to keep minimum reserve"
)

// Limits hold the configured safety caps.
type Limits struct {
	PerTransactionCap decimal.Decimal
	DailyCap          decimal.Decimal
	MinReserve        decimal.Decimal
}

// Verdict is the outcome of a limit evaluation.
type Verdict struct {
	Allowed bool
	Reason  string
}

// LimitError is returned when a payment attempt is blocked; it always
// carries the specific reason, never a generic denial.
type LimitError struct {
	Reason string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("payment blocked: %s", e.Reason)
}

// Limiter evaluates candidate payments against the configured limits.
// It is a pure decision function; daily spend and balance are supplied by
// the caller from the latest ledger and chain state.
type Limiter struct {
	limits Limits
}

// New constructs a Limiter.
func New(limits Limits) *Limiter {
	return &Limiter{limits: limits}
}

// Limits returns the configured caps.
func (l *Limiter) Limits() Limits {
	return l.limits
}

// Authorize evaluates the three checks strictly in order with short-circuit:
// per-transaction cap, then daily cap, then minimum reserve. The ordering
// keeps the purely numeric checks ahead of anything derived from a network
// balance read, so the most common violations fail fast.
func (l *Limiter) Authorize(amount, dailySpend, balance decimal.Decimal) Verdict {
	if err := l.CheckPerTransaction(amount); err != nil {
		return Verdict{Reason: err.Reason}
	}
	if err := l.CheckDailyCap(dailySpend, amount); err != nil {
		return Verdict{Reason: err.Reason}
	}
	if err := l.CheckReserve(balance, amount); err != nil {
		return Verdict{Reason: err.Reason}
	}
	return Verdict{Allowed: true}
}

// CheckPerTransaction rejects amounts above the per-transaction cap.
func (l *Limiter) CheckPerTransaction(amount decimal.Decimal) *LimitError {
	if amount.GreaterThan(l.limits.PerTransactionCap) {
		return &LimitError{Reason: ReasonPerTransaction}
	}
	return nil
}

// CheckDailyCap rejects payments that would push today's cumulative spend
// over the daily cap. Daily spend is bounded by the UTC calendar day, not a
// rolling 24h window.
func (l *Limiter) CheckDailyCap(dailySpend, amount decimal.Decimal) *LimitError {
	if dailySpend.Add(amount).GreaterThan(l.limits.DailyCap) {
		return &LimitError{Reason: ReasonDailyLimit}
	}
	return nil
}

// CheckReserve rejects payments that would leave the wallet below the
// minimum reserve.
func (l *Limiter) CheckReserve(balance, amount decimal.Decimal) *LimitError {
	if balance.Sub(amount).LessThan(l.limits.MinReserve) {
		return &LimitError{Reason: ReasonMinReserve}
	}
	return nil
}

// StartOfUTCDay returns the UTC calendar day boundary for the daily cap.
func StartOfUTCDay(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
