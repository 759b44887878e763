package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"budget-guardian/internal/limiter"
	"budget-guardian/internal/signer"
	"budget-guardian/internal/storage"
)

const testKeyHex = "4c0883a69102937d6231471b5dcb26350a5dc323fd5ef234d73007eb41c9d0c7"

const facilitator = "0x1111111111111111111111111111111111111111"

type fakeLedger struct {
	records   []storage.UsageRecord
	appendErr error
}

func (f *fakeLedger) AppendUsage(_ context.Context, rec storage.UsageRecord) (storage.UsageRecord, error) {
	if f.appendErr != nil {
		return storage.UsageRecord{}, f.appendErr
	}
	rec.ID = int64(len(f.records) + 1)
	rec.Timestamp = time.Now().UTC()
	f.records = append(f.records, rec)
	return rec, nil
}

func (f *fakeLedger) SumCostSince(_ context.Context, account string, _ time.Time) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, rec := range f.records {
		if rec.Account == account {
			sum = sum.Add(rec.Cost)
		}
	}
	return sum, nil
}

func (f *fakeLedger) SumCostAllSince(_ context.Context, _ time.Time) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, rec := range f.records {
		sum = sum.Add(rec.Cost)
	}
	return sum, nil
}

func (f *fakeLedger) SumCostBetween(context.Context, string, time.Time, time.Time) (decimal.Decimal, int64, error) {
	return decimal.Zero, 0, nil
}

func (f *fakeLedger) CountUsageSince(context.Context, string, time.Time) (int64, error) {
	return int64(len(f.records)), nil
}

func (f *fakeLedger) ListUsageBetween(context.Context, string, time.Time, time.Time) ([]storage.UsageRecord, error) {
	return f.records, nil
}

type fakeOracle struct {
	balance decimal.Decimal
	err     error
}

func (f *fakeOracle) GetBalance(context.Context, common.Address) (decimal.Decimal, error) {
	return f.balance, f.err
}

type fakeLocker struct {
	acquired bool
	unlocked bool
}

func (f *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !f.acquired {
		return nil, false, nil
	}
	return func() { f.unlocked = true }, true, nil
}

func newTestService(t *testing.T, ledger *fakeLedger, bo *fakeOracle, locker storage.AdvisoryLocker, opts Options) *Service {
	t.Helper()
	sg, err := signer.New(signer.Options{
		PrivateKeyHex:     testKeyHex,
		TokenName:         "USD Coin",
		TokenVersion:      "2",
		ChainID:           25,
		VerifyingContract: "0x2222222222222222222222222222222222222222",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("构造签名器失败: %v", err)
	}
	lm := limiter.New(limiter.Limits{
		PerTransactionCap: decimal.NewFromInt(10),
		DailyCap:          decimal.NewFromInt(50),
		MinReserve:        decimal.NewFromInt(5),
	})
	if opts.Facilitator == "" {
		opts.Facilitator = facilitator
	}
	return NewService(sg, bo, lm, ledger, locker, opts, zerolog.Nop())
}

func TestPaySuccess(t *testing.T) {
	ledger := &fakeLedger{}
	svc := newTestService(t, ledger, &fakeOracle{balance: decimal.NewFromInt(100)}, nil, Options{})

	receipt, err := svc.Pay(context.Background(), "0xAbC", "openai/gpt-4", "openai", decimal.NewFromFloat(2.5))
	if err != nil {
		t.Fatalf("支付失败: %v", err)
	}
	if receipt.Usage.Account != "0xabc" {
		t.Fatalf("账户未归一化: %s", receipt.Usage.Account)
	}
	if receipt.Usage.Status != "paid" {
		t.Fatalf("用量状态应为 paid, got %s", receipt.Usage.Status)
	}
	// 2.5 美元按 6 位小数折算
	if receipt.Authorization.Value.String() != "2500000" {
		t.Fatalf("授权金额应为 2500000 最小单位, got %s", receipt.Authorization.Value)
	}
	if receipt.Authorization.To.Hex() != common.HexToAddress(facilitator).Hex() {
		t.Fatalf("授权接收方应为 facilitator, got %s", receipt.Authorization.To.Hex())
	}
	if len(receipt.Authorization.Signature) != 65 {
		t.Fatalf("签名长度应为 65 字节, got %d", len(receipt.Authorization.Signature))
	}
	if len(ledger.records) != 1 {
		t.Fatalf("账本应追加一条记录, got %d", len(ledger.records))
	}
}

func TestPayBlockedPerTransaction(t *testing.T) {
	ledger := &fakeLedger{}
	bo := &fakeOracle{err: errors.New("rpc should not be called")}
	svc := newTestService(t, ledger, bo, nil, Options{})

	_, err := svc.Pay(context.Background(), "0xabc", "api", "p", decimal.NewFromInt(11))
	var lerr *limiter.LimitError
	if !errors.As(err, &lerr) || lerr.Reason != limiter.ReasonPerTransaction {
		t.Fatalf("应命中单笔上限: %v", err)
	}
	if len(ledger.records) != 0 {
		t.Fatal("被拦截的支付不应写入账本")
	}
}

func TestPayBlockedDailyCap(t *testing.T) {
	ledger := &fakeLedger{}
	svc := newTestService(t, ledger, &fakeOracle{balance: decimal.NewFromInt(100)}, nil, Options{})
	ctx := context.Background()

	// 先消费到 45，日上限 50
	for i := 0; i < 9; i++ {
		if _, err := svc.Pay(ctx, "0xabc", "api", "p", decimal.NewFromInt(5)); err != nil {
			t.Fatalf("铺垫支付失败: %v", err)
		}
	}

	_, err := svc.Pay(ctx, "0xabc", "api", "p", decimal.NewFromInt(6))
	var lerr *limiter.LimitError
	if !errors.As(err, &lerr) || lerr.Reason != limiter.ReasonDailyLimit {
		t.Fatalf("应命中日上限: %v", err)
	}
}

func TestPayDailyCapScopeAgent(t *testing.T) {
	ledger := &fakeLedger{}
	svc := newTestService(t, ledger, &fakeOracle{balance: decimal.NewFromInt(1000)}, nil, Options{DailyCapScope: "agent"})
	ctx := context.Background()

	// 其他账户的消费同样计入 agent 口径的日上限
	for i := 0; i < 9; i++ {
		if _, err := svc.Pay(ctx, "0xother", "api", "p", decimal.NewFromInt(5)); err != nil {
			t.Fatalf("铺垫支付失败: %v", err)
		}
	}

	_, err := svc.Pay(ctx, "0xabc", "api", "p", decimal.NewFromInt(6))
	var lerr *limiter.LimitError
	if !errors.As(err, &lerr) || lerr.Reason != limiter.ReasonDailyLimit {
		t.Fatalf("agent 口径下应命中日上限: %v", err)
	}
}

func TestPayBlockedReserve(t *testing.T) {
	svc := newTestService(t, &fakeLedger{}, &fakeOracle{balance: decimal.NewFromInt(7)}, nil, Options{})

	_, err := svc.Pay(context.Background(), "0xabc", "api", "p", decimal.NewFromInt(3))
	var lerr *limiter.LimitError
	if !errors.As(err, &lerr) || lerr.Reason != limiter.ReasonMinReserve {
		t.Fatalf("应命中最低储备: %v", err)
	}
}

func TestPayOracleError(t *testing.T) {
	bo := &fakeOracle{err: errors.New("rpc down")}
	svc := newTestService(t, &fakeLedger{}, bo, nil, Options{})

	if _, err := svc.Pay(context.Background(), "0xabc", "api", "p", decimal.NewFromInt(1)); err == nil {
		t.Fatal("余额读取失败时支付应报错")
	}
}

func TestPaySerialized(t *testing.T) {
	locker := &fakeLocker{acquired: true}
	svc := newTestService(t, &fakeLedger{}, &fakeOracle{balance: decimal.NewFromInt(100)}, locker, Options{
		SerializePayments: true,
	})

	if _, err := svc.Pay(context.Background(), "0xabc", "api", "p", decimal.NewFromInt(1)); err != nil {
		t.Fatalf("持锁支付失败: %v", err)
	}
	if !locker.unlocked {
		t.Fatal("支付完成后应释放咨询锁")
	}

	locker.acquired = false
	if _, err := svc.Pay(context.Background(), "0xabc", "api", "p", decimal.NewFromInt(1)); !errors.Is(err, ErrPaymentInFlight) {
		t.Fatalf("锁被占用时应返回 ErrPaymentInFlight: %v", err)
	}
}

func TestEvaluateDryRun(t *testing.T) {
	svc := newTestService(t, &fakeLedger{}, &fakeOracle{balance: decimal.NewFromInt(100)}, nil, Options{})

	verdict, err := svc.Evaluate(context.Background(), "0xabc", decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if !verdict.Allowed {
		t.Fatalf("额度内评估应通过: %+v", verdict)
	}

	verdict, err = svc.Evaluate(context.Background(), "0xabc", decimal.NewFromInt(11))
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if verdict.Allowed || verdict.Reason != limiter.ReasonPerTransaction {
		t.Fatalf("超额评估应被拒绝: %+v", verdict)
	}
}
