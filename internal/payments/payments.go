// Package payments drives the outbound payment path: limit checks, balance
// verification, authorization signing, and ledger append.
package payments

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"budget-guardian/internal/limiter"
	"budget-guardian/internal/oracle"
	"budget-guardian/internal/signer"
	"budget-guardian/internal/storage"
)

// ErrPaymentInFlight is returned when payment serialization is enabled and
// another payment currently holds the advisory lock.
var ErrPaymentInFlight = errors.New("another payment is in flight")

// Options tune the payment service.
type Options struct {
	// Facilitator receives every signed authorization.
	Facilitator string
	// TokenDecimals converts the dollar amount into token minor units.
	TokenDecimals int32
	// DailyCapScope selects whose spend counts against the daily cap:
	// "agent" sums every account the wallet pays for, "account" only the
	// account being charged.
	DailyCapScope string
	// SerializePayments funnels payments for the same account through a
	// Postgres advisory lock, keyed by account hash, so the
	// read-check-sign-append sequence never interleaves.
	SerializePayments bool
}

// Receipt is the outcome of a successful payment.
type Receipt struct {
	Usage         storage.UsageRecord
	Authorization signer.Authorization
	Balance       decimal.Decimal
	DailySpend    decimal.Decimal
}

// Service executes payments. It never mutates chain state; the signed
// authorization is handed to the facilitator for settlement.
type Service struct {
	signer  *signer.Signer
	oracle  oracle.BalanceOracle
	limiter *limiter.Limiter
	ledger  storage.LedgerStore
	locker  storage.AdvisoryLocker
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
}

// NewService wires the payment path. locker may be nil when serialization is
// disabled.
func NewService(sg *signer.Signer, bo oracle.BalanceOracle, lm *limiter.Limiter, ledger storage.LedgerStore, locker storage.AdvisoryLocker, opts Options, logger zerolog.Logger) *Service {
	if opts.TokenDecimals <= 0 {
		opts.TokenDecimals = 6
	}
	if opts.DailyCapScope == "" {
		opts.DailyCapScope = "agent"
	}
	return &Service{
		signer:  sg,
		oracle:  bo,
		limiter: lm,
		ledger:  ledger,
		locker:  locker,
		opts:    opts,
		logger:  logger.With().Str("component", "payments").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Pay runs the full payment sequence for one API call charge. Checks run in
// a fixed order with the purely numeric per-transaction check first, before
// any database or network read. A blocked payment returns *limiter.LimitError
// with the specific reason.
//
// The daily-spend read and the ledger append are not one atomic step, so two
// concurrent payments can overshoot the daily cap by at most one
// per-transaction-capped amount. serialize_payments closes that window via
// the advisory lock.
func (s *Service) Pay(ctx context.Context, account, apiID, provider string, amount decimal.Decimal) (Receipt, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return Receipt{}, fmt.Errorf("amount must be greater than zero")
	}
	account = strings.ToLower(strings.TrimSpace(account))

	if lerr := s.limiter.CheckPerTransaction(amount); lerr != nil {
		return Receipt{}, lerr
	}

	if s.opts.SerializePayments && s.locker != nil {
		unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, lockKeyFor(account))
		if err != nil {
			return Receipt{}, fmt.Errorf("acquire payment lock: %w", err)
		}
		if !acquired {
			return Receipt{}, ErrPaymentInFlight
		}
		defer unlock()
	}

	dailySpend, err := s.dailySpend(ctx, account)
	if err != nil {
		return Receipt{}, err
	}
	if lerr := s.limiter.CheckDailyCap(dailySpend, amount); lerr != nil {
		return Receipt{}, lerr
	}

	balance, err := s.oracle.GetBalance(ctx, s.signer.Address())
	if err != nil {
		return Receipt{}, fmt.Errorf("read wallet balance: %w", err)
	}
	if lerr := s.limiter.CheckReserve(balance, amount); lerr != nil {
		return Receipt{}, lerr
	}

	value := amount.Shift(s.opts.TokenDecimals).BigInt()
	auth, err := s.signer.Sign(s.opts.Facilitator, value, 0, 0)
	if err != nil {
		return Receipt{}, fmt.Errorf("sign authorization: %w", err)
	}

	usage, err := s.ledger.AppendUsage(ctx, storage.UsageRecord{
		Account:      account,
		APIID:        apiID,
		Provider:     provider,
		Cost:         amount,
		RequestCount: 1,
		Status:       "paid",
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("append usage: %w", err)
	}

	s.logger.Info().Str("account", account).
		Str("api_id", apiID).
		Str("amount", amount.String()).
		Str("nonce", auth.NonceHex()).
		Msg("payment authorized")

	return Receipt{
		Usage:         usage,
		Authorization: auth,
		Balance:       balance,
		DailySpend:    dailySpend,
	}, nil
}

// Evaluate runs the limit checks against current state without signing or
// recording anything. Used for dry runs.
func (s *Service) Evaluate(ctx context.Context, account string, amount decimal.Decimal) (limiter.Verdict, error) {
	account = strings.ToLower(strings.TrimSpace(account))

	dailySpend, err := s.dailySpend(ctx, account)
	if err != nil {
		return limiter.Verdict{}, err
	}
	balance, err := s.oracle.GetBalance(ctx, s.signer.Address())
	if err != nil {
		return limiter.Verdict{}, fmt.Errorf("read wallet balance: %w", err)
	}
	return s.limiter.Authorize(amount, dailySpend, balance), nil
}

func lockKeyFor(account string) int64 {
	h := fnv.New64a()
	h.Write([]byte(account))
	return int64(h.Sum64())
}

func (s *Service) dailySpend(ctx context.Context, account string) (decimal.Decimal, error) {
	dayStart := limiter.StartOfUTCDay(s.now())
	var (
		spend decimal.Decimal
		err   error
	)
	if s.opts.DailyCapScope == "account" {
		spend, err = s.ledger.SumCostSince(ctx, account, dayStart)
	} else {
		spend, err = s.ledger.SumCostAllSince(ctx, dayStart)
	}
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("sum daily spend: %w", err)
	}
	return spend, nil
}
