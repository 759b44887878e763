package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"budget-guardian/internal/alerting"
	"budget-guardian/internal/anomaly"
	"budget-guardian/internal/storage"
)

// memStore 是内存版存储实现，行为与 Postgres 层保持一致。
type memStore struct {
	cfgs   map[string]storage.BudgetConfigRecord
	usage  []storage.UsageRecord
	alerts []storage.AlertRecord
	nextID int64
	now    func() time.Time
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{cfgs: map[string]storage.BudgetConfigRecord{}, now: now}
}

func (m *memStore) UpsertBudgetConfig(_ context.Context, cfg storage.BudgetConfigRecord) (storage.BudgetConfigRecord, error) {
	existing, ok := m.cfgs[cfg.Account]
	if ok {
		cfg.CreatedAt = existing.CreatedAt
	} else {
		cfg.CreatedAt = m.now()
	}
	cfg.IsActive = true
	cfg.UpdatedAt = m.now()
	m.cfgs[cfg.Account] = cfg
	return cfg, nil
}

func (m *memStore) GetBudgetConfig(_ context.Context, account string) (storage.BudgetConfigRecord, error) {
	cfg, ok := m.cfgs[account]
	if !ok {
		return storage.BudgetConfigRecord{}, storage.ErrConfigNotFound
	}
	return cfg, nil
}

func (m *memStore) SetConfigActive(_ context.Context, account string, active bool) error {
	cfg, ok := m.cfgs[account]
	if !ok {
		return storage.ErrConfigNotFound
	}
	cfg.IsActive = active
	m.cfgs[account] = cfg
	return nil
}

func (m *memStore) ListConfiguredAccounts(_ context.Context) ([]string, error) {
	accounts := make([]string, 0, len(m.cfgs))
	for account := range m.cfgs {
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func (m *memStore) AppendUsage(_ context.Context, rec storage.UsageRecord) (storage.UsageRecord, error) {
	m.nextID++
	rec.ID = m.nextID
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now()
	}
	m.usage = append(m.usage, rec)
	return rec, nil
}

func (m *memStore) SumCostSince(_ context.Context, account string, since time.Time) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, rec := range m.usage {
		if rec.Account == account && !rec.Timestamp.Before(since) {
			sum = sum.Add(rec.Cost)
		}
	}
	return sum, nil
}

func (m *memStore) SumCostAllSince(_ context.Context, since time.Time) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, rec := range m.usage {
		if !rec.Timestamp.Before(since) {
			sum = sum.Add(rec.Cost)
		}
	}
	return sum, nil
}

func (m *memStore) SumCostBetween(_ context.Context, account string, from, to time.Time) (decimal.Decimal, int64, error) {
	sum := decimal.Zero
	var count int64
	for _, rec := range m.usage {
		if rec.Account == account && !rec.Timestamp.Before(from) && rec.Timestamp.Before(to) {
			sum = sum.Add(rec.Cost)
			count += int64(rec.RequestCount)
		}
	}
	return sum, count, nil
}

func (m *memStore) CountUsageSince(_ context.Context, account string, since time.Time) (int64, error) {
	var count int64
	for _, rec := range m.usage {
		if rec.Account == account && !rec.Timestamp.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *memStore) ListUsageBetween(_ context.Context, account string, from, to time.Time) ([]storage.UsageRecord, error) {
	var out []storage.UsageRecord
	for _, rec := range m.usage {
		if rec.Account == account && !rec.Timestamp.Before(from) && rec.Timestamp.Before(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memStore) InsertAlert(_ context.Context, alert storage.AlertRecord) (storage.AlertRecord, error) {
	m.nextID++
	alert.ID = m.nextID
	alert.CreatedAt = m.now()
	m.alerts = append(m.alerts, alert)
	return alert, nil
}

func (m *memStore) FindAlertSince(_ context.Context, account, alertType string, since time.Time) (*storage.AlertRecord, error) {
	for i := len(m.alerts) - 1; i >= 0; i-- {
		alert := m.alerts[i]
		if alert.Account == account && alert.Type == alertType && !alert.CreatedAt.Before(since) {
			return &alert, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListRecentAlerts(_ context.Context, account string, limit int) ([]storage.AlertRecord, error) {
	var out []storage.AlertRecord
	for i := len(m.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		if m.alerts[i].Account == account {
			out = append(out, m.alerts[i])
		}
	}
	return out, nil
}

type recordingNotifier struct {
	sent []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n alerting.Notification) error {
	r.sent = append(r.sent, n)
	return nil
}

func newTestEngine(store *memStore, gate *anomaly.Gate, notifier alerting.Notifier, clock *time.Time) *Engine {
	e := NewEngine(store, store, store, gate, notifier, Options{
		AlertCooldown:  time.Hour,
		AnalysisWindow: 5 * time.Minute,
		BaselineDays:   7,
		MinSamples:     10,
	}, zerolog.Nop())
	e.now = func() time.Time { return *clock }
	return e
}

func usageOf(account string, cost float64) storage.UsageRecord {
	return storage.UsageRecord{
		Account:  account,
		APIID:    "openai/gpt-4",
		Provider: "openai",
		Cost:     decimal.NewFromFloat(cost),
	}
}

func TestConfigureValidation(t *testing.T) {
	clock := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	engine := newTestEngine(newMemStore(func() time.Time { return clock }), nil, nil, &clock)
	ctx := context.Background()

	if _, err := engine.Configure(ctx, "0xAbC", decimal.Zero, 0.8, 1.0, nil); err == nil {
		t.Fatal("月度预算为零应当报错")
	}
	if _, err := engine.Configure(ctx, "0xAbC", decimal.NewFromInt(100), 1.2, 1.0, nil); err == nil {
		t.Fatal("阈值超出 [0,1] 应当报错")
	}
	if _, err := engine.Configure(ctx, "0xAbC", decimal.NewFromInt(100), 0.9, 0.8, nil); err == nil {
		t.Fatal("warning 大于 pause 应当报错")
	}

	cfg, err := engine.Configure(ctx, "0xAbC", decimal.NewFromInt(100), 0.8, 1.0, nil)
	if err != nil {
		t.Fatalf("合法配置失败: %v", err)
	}
	if cfg.Account != "0xabc" {
		t.Fatalf("账户未归一化为小写: %s", cfg.Account)
	}
	if !cfg.IsActive {
		t.Fatal("新配置应当处于活跃状态")
	}
}

func TestStatusUnconfigured(t *testing.T) {
	clock := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	engine := newTestEngine(newMemStore(func() time.Time { return clock }), nil, nil, &clock)

	if _, err := engine.Status(context.Background(), "0xnobody"); !errors.Is(err, storage.ErrConfigNotFound) {
		t.Fatalf("未配置账户应返回 ErrConfigNotFound, got %v", err)
	}
}

// TestThresholdProgression 按顺序穿越 warning/critical/pause 三档。
func TestThresholdProgression(t *testing.T) {
	clock := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	store := newMemStore(func() time.Time { return clock })
	notifier := &recordingNotifier{}
	engine := newTestEngine(store, nil, notifier, &clock)
	ctx := context.Background()

	if _, err := engine.Configure(ctx, "0xabc", decimal.NewFromInt(100), 0.8, 1.0, nil); err != nil {
		t.Fatalf("配置失败: %v", err)
	}

	// 85% -> warning
	result, err := engine.RecordUsage(ctx, usageOf("0xABC", 85))
	if err != nil {
		t.Fatalf("记录用量失败: %v", err)
	}
	if result.Status.Tier != TierWarning {
		t.Fatalf("档位应为 warning, got %s", result.Status.Tier)
	}
	if len(result.Alerts) != 1 || result.Alerts[0].Alert.Type != storage.AlertTypeWarning || !result.Alerts[0].Created {
		t.Fatalf("应当新建一条 warning 告警: %+v", result.Alerts)
	}

	// 96% -> critical（pause=1.0 时临界档固定在 95%）
	clock = clock.Add(time.Minute)
	result, err = engine.RecordUsage(ctx, usageOf("0xabc", 11))
	if err != nil {
		t.Fatalf("记录用量失败: %v", err)
	}
	if result.Status.Tier != TierCritical {
		t.Fatalf("档位应为 critical, got %s", result.Status.Tier)
	}
	if len(result.Alerts) != 1 || result.Alerts[0].Alert.Type != storage.AlertTypeCritical {
		t.Fatalf("应当新建一条 critical 告警: %+v", result.Alerts)
	}

	// 101% -> pause，账户被停用
	clock = clock.Add(time.Minute)
	result, err = engine.RecordUsage(ctx, usageOf("0xabc", 5))
	if err != nil {
		t.Fatalf("记录用量失败: %v", err)
	}
	if result.Status.Tier != TierPaused || !result.Status.IsPaused {
		t.Fatalf("档位应为 paused: %+v", result.Status)
	}
	if len(result.Alerts) != 1 || result.Alerts[0].Alert.Type != storage.AlertTypePause {
		t.Fatalf("应当新建一条 pause 告警: %+v", result.Alerts)
	}
	cfg, _ := store.GetBudgetConfig(ctx, "0xabc")
	if cfg.IsActive {
		t.Fatal("触发 pause 后账户应被停用")
	}
	if len(notifier.sent) != 3 {
		t.Fatalf("应当推送 3 条通知, got %d", len(notifier.sent))
	}
}

// TestAlertDedup 验证冷却窗口内同类告警被抑制，窗口过后恢复。
func TestAlertDedup(t *testing.T) {
	clock := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	store := newMemStore(func() time.Time { return clock })
	notifier := &recordingNotifier{}
	engine := newTestEngine(store, nil, notifier, &clock)
	ctx := context.Background()

	if _, err := engine.Configure(ctx, "0xabc", decimal.NewFromInt(100), 0.8, 1.0, nil); err != nil {
		t.Fatalf("配置失败: %v", err)
	}

	result, err := engine.RecordUsage(ctx, usageOf("0xabc", 85))
	if err != nil {
		t.Fatalf("记录用量失败: %v", err)
	}
	if len(result.Alerts) != 1 || !result.Alerts[0].Created {
		t.Fatalf("首条 warning 告警应被创建: %+v", result.Alerts)
	}
	first := result.Alerts[0].Alert

	// 59 分钟后仍在冷却窗口内，零成本记录维持 85%
	clock = clock.Add(59 * time.Minute)
	result, err = engine.RecordUsage(ctx, usageOf("0xabc", 0))
	if err != nil {
		t.Fatalf("记录用量失败: %v", err)
	}
	if len(result.Alerts) != 1 {
		t.Fatalf("冷却窗口内应返回既有告警: %+v", result.Alerts)
	}
	if result.Alerts[0].Created {
		t.Fatal("冷却窗口内不应新建告警")
	}
	if result.Alerts[0].Alert.ID != first.ID {
		t.Fatalf("应复用首条告警, got id=%d want id=%d", result.Alerts[0].Alert.ID, first.ID)
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("被抑制的告警不应推送通知, got %d", len(notifier.sent))
	}

	// 再过 2 分钟越过冷却窗口
	clock = clock.Add(2 * time.Minute)
	result, err = engine.RecordUsage(ctx, usageOf("0xabc", 0))
	if err != nil {
		t.Fatalf("记录用量失败: %v", err)
	}
	if len(result.Alerts) != 1 || !result.Alerts[0].Created {
		t.Fatalf("冷却窗口过后应当新建告警: %+v", result.Alerts)
	}
	if len(store.alerts) != 2 {
		t.Fatalf("总告警条数应为 2, got %d", len(store.alerts))
	}
}

// TestAnomalyAutoPause 构造 10 倍以上的消费激增并验证自动停用。
func TestAnomalyAutoPause(t *testing.T) {
	clock := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	store := newMemStore(func() time.Time { return clock })
	engine := newTestEngine(store, anomaly.NewGate(anomaly.Options{}, nil, zerolog.Nop()), nil, &clock)
	ctx := context.Background()

	if _, err := engine.Configure(ctx, "0xabc", decimal.NewFromInt(1000000), 0.8, 1.0, nil); err != nil {
		t.Fatalf("配置失败: %v", err)
	}

	// 一周基线：每小时 0.6，约 0.01/分钟
	for i := 0; i < 7*24; i++ {
		store.usage = append(store.usage, storage.UsageRecord{
			Account:      "0xabc",
			Cost:         decimal.NewFromFloat(0.6),
			RequestCount: 1,
			Timestamp:    clock.Add(-time.Duration(i+1) * time.Hour),
		})
	}
	// 最近 5 分钟内灌入 11 条高额记录，总计 10
	for i := 0; i < 11; i++ {
		store.usage = append(store.usage, storage.UsageRecord{
			Account:      "0xabc",
			Cost:         decimal.NewFromFloat(10.0 / 11),
			RequestCount: 1,
			Timestamp:    clock.Add(-2 * time.Minute),
		})
	}

	result, err := engine.RecordUsage(ctx, usageOf("0xabc", 0.5))
	if err != nil {
		t.Fatalf("记录用量失败: %v", err)
	}
	if result.Anomaly == nil {
		t.Fatal("应当检出异常模式")
	}
	if !result.Anomaly.ShouldPause {
		t.Fatalf("超过自动停用倍数时 ShouldPause 应为 true: %+v", result.Anomaly)
	}
	if result.Anomaly.Severity != "critical" {
		t.Fatalf("severity 应为 critical, got %s", result.Anomaly.Severity)
	}

	var found bool
	for _, outcome := range result.Alerts {
		if outcome.Alert.Type == storage.AlertTypeUnusualPattern {
			found = true
			if outcome.Alert.Severity != storage.SeverityCritical {
				t.Fatalf("unusual_pattern 告警严重级应为 critical, got %s", outcome.Alert.Severity)
			}
		}
	}
	if !found {
		t.Fatalf("应当产生 unusual_pattern 告警: %+v", result.Alerts)
	}

	cfg, _ := store.GetBudgetConfig(ctx, "0xabc")
	if cfg.IsActive {
		t.Fatal("异常自动停用后账户应为非活跃")
	}
}

// TestAnomalySkipsBelowMinSamples 样本不足时不触发异常分析。
func TestAnomalySkipsBelowMinSamples(t *testing.T) {
	clock := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	store := newMemStore(func() time.Time { return clock })
	engine := newTestEngine(store, anomaly.NewGate(anomaly.Options{}, nil, zerolog.Nop()), nil, &clock)
	ctx := context.Background()

	if _, err := engine.Configure(ctx, "0xabc", decimal.NewFromInt(1000000), 0.8, 1.0, nil); err != nil {
		t.Fatalf("配置失败: %v", err)
	}

	result, err := engine.RecordUsage(ctx, usageOf("0xabc", 500))
	if err != nil {
		t.Fatalf("记录用量失败: %v", err)
	}
	if result.Anomaly != nil {
		t.Fatalf("样本不足时不应检出异常: %+v", result.Anomaly)
	}
}

// TestEvaluateSweep 巡检路径不追加账本也能发现阈值越界。
func TestEvaluateSweep(t *testing.T) {
	clock := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	store := newMemStore(func() time.Time { return clock })
	engine := newTestEngine(store, nil, nil, &clock)
	ctx := context.Background()

	if _, err := engine.Configure(ctx, "0xabc", decimal.NewFromInt(100), 0.8, 1.0, nil); err != nil {
		t.Fatalf("配置失败: %v", err)
	}

	// 外部进程直接写入账本
	store.usage = append(store.usage, storage.UsageRecord{
		Account:   "0xabc",
		Cost:      decimal.NewFromInt(85),
		Timestamp: clock.Add(-time.Minute),
	})

	result, err := engine.Evaluate(ctx, "0xabc")
	if err != nil {
		t.Fatalf("巡检评估失败: %v", err)
	}
	if result.Status.Tier != TierWarning {
		t.Fatalf("巡检应发现 warning 档位, got %s", result.Status.Tier)
	}
	if len(result.Alerts) != 1 || !result.Alerts[0].Created {
		t.Fatalf("巡检应创建 warning 告警: %+v", result.Alerts)
	}
	if len(store.usage) != 1 {
		t.Fatalf("巡检不应追加账本记录, got %d", len(store.usage))
	}
}

func TestDaysRemaining(t *testing.T) {
	cases := []struct {
		now  time.Time
		want int
	}{
		{time.Date(2025, 6, 10, 23, 59, 0, 0, time.UTC), 21},
		{time.Date(2025, 12, 15, 1, 0, 0, 0, time.UTC), 17},
		{time.Date(2025, 2, 28, 12, 0, 0, 0, time.UTC), 1},
	}
	for _, tc := range cases {
		if got := daysRemaining(tc.now); got != tc.want {
			t.Fatalf("daysRemaining(%s) = %d, want %d", tc.now, got, tc.want)
		}
	}
}

func TestCriticalBand(t *testing.T) {
	if got := criticalBand(0.8, 1.0); got != 0.95 {
		t.Fatalf("pause 高于 0.95 时沿用固定临界档, got %f", got)
	}
	if got := criticalBand(0.5, 0.9); got != 0.7 {
		t.Fatalf("pause 不高于 0.95 时取中点, got %f", got)
	}
}
