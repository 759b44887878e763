package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrConfigNotFound indicates the account has no budget configuration.
	ErrConfigNotFound = errors.New("storage: budget config not found")
)

const (
	createSchemaSQL = `CREATE TABLE IF NOT EXISTS budget_configs (
        account           TEXT PRIMARY KEY,
        monthly_limit     NUMERIC NOT NULL,
        warning_threshold DOUBLE PRECISION NOT NULL,
        pause_threshold   DOUBLE PRECISION NOT NULL,
        guardian_wallet   TEXT,
        is_active         BOOLEAN NOT NULL DEFAULT TRUE,
        created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
        updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE TABLE IF NOT EXISTS usage_records (
        id            BIGSERIAL PRIMARY KEY,
        account       TEXT NOT NULL,
        api_id        TEXT NOT NULL,
        provider      TEXT NOT NULL,
        cost          NUMERIC NOT NULL,
        request_count INTEGER NOT NULL DEFAULT 1,
        tokens_used   BIGINT,
        status        TEXT NOT NULL DEFAULT 'success',
        ts            TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS idx_usage_account_ts ON usage_records (account, ts);
    CREATE INDEX IF NOT EXISTS idx_usage_ts ON usage_records (ts);
    CREATE TABLE IF NOT EXISTS budget_alerts (
        id             BIGSERIAL PRIMARY KEY,
        account        TEXT NOT NULL,
        alert_type     TEXT NOT NULL,
        severity       TEXT NOT NULL DEFAULT 'info',
        message        TEXT NOT NULL,
        current_spend  NUMERIC NOT NULL,
        budget_limit   NUMERIC NOT NULL,
        recommendation TEXT,
        extra_data     JSONB,
        created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS idx_alerts_account_type_created
        ON budget_alerts (account, alert_type, created_at);
    CREATE TABLE IF NOT EXISTS optimizations (
        id                BIGSERIAL PRIMARY KEY,
        account           TEXT NOT NULL,
        optimization_type TEXT NOT NULL,
        current_api       TEXT NOT NULL,
        suggested_api     TEXT,
        estimated_savings NUMERIC NOT NULL,
        description       TEXT NOT NULL,
        is_applied        BOOLEAN NOT NULL DEFAULT FALSE,
        created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	upsertBudgetConfigSQL = `INSERT INTO budget_configs (
        account,
        monthly_limit,
        warning_threshold,
        pause_threshold,
        guardian_wallet,
        is_active
    ) VALUES (
        $1,$2,$3,$4,$5,TRUE
    )
    ON CONFLICT (account) DO UPDATE
    SET
        monthly_limit     = EXCLUDED.monthly_limit,
        warning_threshold = EXCLUDED.warning_threshold,
        pause_threshold   = EXCLUDED.pause_threshold,
        guardian_wallet   = EXCLUDED.guardian_wallet,
        updated_at        = now()
    RETURNING account, monthly_limit, warning_threshold, pause_threshold,
        guardian_wallet, is_active, created_at, updated_at;`

	getBudgetConfigSQL = `SELECT
        account, monthly_limit, warning_threshold, pause_threshold,
        guardian_wallet, is_active, created_at, updated_at
    FROM budget_configs
    WHERE account = $1;`

	setConfigActiveSQL = `UPDATE budget_configs
    SET is_active = $2, updated_at = now()
    WHERE account = $1;`

	listConfiguredAccountsSQL = `SELECT account FROM budget_configs ORDER BY account;`

	appendUsageSQL = `INSERT INTO usage_records (
        account, api_id, provider, cost, request_count, tokens_used, status, ts
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING id, account, api_id, provider, cost, request_count, tokens_used, status, ts;`

	sumCostSinceSQL = `SELECT COALESCE(SUM(cost), 0)
    FROM usage_records
    WHERE account = $1 AND ts >= $2;`

	sumCostAllSinceSQL = `SELECT COALESCE(SUM(cost), 0)
    FROM usage_records
    WHERE ts >= $1;`

	sumCostBetweenSQL = `SELECT COALESCE(SUM(cost), 0), COUNT(*)
    FROM usage_records
    WHERE account = $1 AND ts >= $2 AND ts < $3;`

	countUsageSinceSQL = `SELECT COUNT(*)
    FROM usage_records
    WHERE account = $1 AND ts >= $2;`

	listUsageBetweenSQL = `SELECT
        id, account, api_id, provider, cost, request_count, tokens_used, status, ts
    FROM usage_records
    WHERE account = $1 AND ts >= $2 AND ts < $3
    ORDER BY ts;`

	insertAlertSQL = `INSERT INTO budget_alerts (
        account, alert_type, severity, message, current_spend, budget_limit,
        recommendation, extra_data
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING id, account, alert_type, severity, message, current_spend,
        budget_limit, recommendation, extra_data, created_at;`

	findAlertSinceSQL = `SELECT
        id, account, alert_type, severity, message, current_spend,
        budget_limit, recommendation, extra_data, created_at
    FROM budget_alerts
    WHERE account = $1 AND alert_type = $2 AND created_at >= $3
    ORDER BY created_at DESC
    LIMIT 1;`

	listRecentAlertsSQL = `SELECT
        id, account, alert_type, severity, message, current_spend,
        budget_limit, recommendation, extra_data, created_at
    FROM budget_alerts
    WHERE account = $1
    ORDER BY created_at DESC
    LIMIT $2;`

	insertOptimizationSQL = `INSERT INTO optimizations (
        account, optimization_type, current_api, suggested_api,
        estimated_savings, description
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    RETURNING id;`

	listOpenOptimizationsSQL = `SELECT
        id, account, optimization_type, current_api, suggested_api,
        estimated_savings, description, is_applied, created_at
    FROM optimizations
    WHERE account = $1 AND is_applied = FALSE
    ORDER BY estimated_savings DESC
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ConfigStore defines operations for budget configuration persistence.
type ConfigStore interface {
	UpsertBudgetConfig(ctx context.Context, cfg BudgetConfigRecord) (BudgetConfigRecord, error)
	GetBudgetConfig(ctx context.Context, account string) (BudgetConfigRecord, error)
	SetConfigActive(ctx context.Context, account string, active bool) error
	ListConfiguredAccounts(ctx context.Context) ([]string, error)
}

// LedgerStore defines the append-only usage ledger and its windowed aggregates.
type LedgerStore interface {
	AppendUsage(ctx context.Context, rec UsageRecord) (UsageRecord, error)
	SumCostSince(ctx context.Context, account string, since time.Time) (decimal.Decimal, error)
	SumCostAllSince(ctx context.Context, since time.Time) (decimal.Decimal, error)
	SumCostBetween(ctx context.Context, account string, from, to time.Time) (decimal.Decimal, int64, error)
	CountUsageSince(ctx context.Context, account string, since time.Time) (int64, error)
	ListUsageBetween(ctx context.Context, account string, from, to time.Time) ([]UsageRecord, error)
}

// AlertStore defines operations for alert auditing and de-duplication.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	FindAlertSince(ctx context.Context, account, alertType string, since time.Time) (*AlertRecord, error)
	ListRecentAlerts(ctx context.Context, account string, limit int) ([]AlertRecord, error)
}

// OptimizationStore persists cost-saving suggestions.
type OptimizationStore interface {
	InsertOptimization(ctx context.Context, opt OptimizationRecord) (int64, error)
	ListOpenOptimizations(ctx context.Context, account string, limit int) ([]OptimizationRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to configs, the usage ledger, alerts, and optimizations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the guardian tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, createSchemaSQL); execErr != nil {
		return fmt.Errorf("ensure schema: %w", execErr)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertBudgetConfig creates or mutates the unique per-account configuration.
func (s *Store) UpsertBudgetConfig(ctx context.Context, cfg BudgetConfigRecord) (BudgetConfigRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return BudgetConfigRecord{}, err
	}

	var wallet interface{}
	if cfg.GuardianWallet != nil {
		wallet = *cfg.GuardianWallet
	}

	row := pool.QueryRow(ctx, upsertBudgetConfigSQL,
		cfg.Account,
		cfg.MonthlyLimit.String(),
		cfg.WarningThreshold,
		cfg.PauseThreshold,
		wallet,
	)
	rec, scanErr := scanBudgetConfig(row)
	if scanErr != nil {
		return BudgetConfigRecord{}, fmt.Errorf("upsert budget config: %w", scanErr)
	}
	return rec, nil
}

// GetBudgetConfig loads the account configuration or ErrConfigNotFound.
func (s *Store) GetBudgetConfig(ctx context.Context, account string) (BudgetConfigRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return BudgetConfigRecord{}, err
	}

	row := pool.QueryRow(ctx, getBudgetConfigSQL, account)
	rec, scanErr := scanBudgetConfig(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return BudgetConfigRecord{}, ErrConfigNotFound
		}
		return BudgetConfigRecord{}, fmt.Errorf("get budget config: %w", scanErr)
	}
	return rec, nil
}

// SetConfigActive flips the deactivation flag. Accounts are never deleted.
func (s *Store) SetConfigActive(ctx context.Context, account string, active bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, setConfigActiveSQL, account, active)
	if execErr != nil {
		return fmt.Errorf("set config active: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrConfigNotFound
	}
	return nil
}

// ListConfiguredAccounts lists every account holding a budget configuration.
func (s *Store) ListConfiguredAccounts(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listConfiguredAccountsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list configured accounts: %w", queryErr)
	}
	defer rows.Close()

	accounts := make([]string, 0)
	for rows.Next() {
		var account string
		if err := rows.Scan(&account); err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// AppendUsage inserts an immutable usage record.
func (s *Store) AppendUsage(ctx context.Context, rec UsageRecord) (UsageRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return UsageRecord{}, err
	}

	var tokens interface{}
	if rec.TokensUsed != nil {
		tokens = *rec.TokensUsed
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	row := pool.QueryRow(ctx, appendUsageSQL,
		rec.Account,
		rec.APIID,
		rec.Provider,
		rec.Cost.String(),
		rec.RequestCount,
		tokens,
		rec.Status,
		ts,
	)
	stored, scanErr := scanUsageRecord(row)
	if scanErr != nil {
		return UsageRecord{}, fmt.Errorf("append usage: %w", scanErr)
	}
	return stored, nil
}

// SumCostSince sums the account's cost from the given instant onwards.
func (s *Store) SumCostSince(ctx context.Context, account string, since time.Time) (decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Decimal{}, err
	}

	var sumStr string
	if scanErr := pool.QueryRow(ctx, sumCostSinceSQL, account, since).Scan(&sumStr); scanErr != nil {
		return decimal.Decimal{}, fmt.Errorf("sum cost since: %w", scanErr)
	}
	return decimal.NewFromString(sumStr)
}

// SumCostAllSince sums cost across all accounts, for the agent-wide daily cap.
func (s *Store) SumCostAllSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Decimal{}, err
	}

	var sumStr string
	if scanErr := pool.QueryRow(ctx, sumCostAllSinceSQL, since).Scan(&sumStr); scanErr != nil {
		return decimal.Decimal{}, fmt.Errorf("sum cost all since: %w", scanErr)
	}
	return decimal.NewFromString(sumStr)
}

// SumCostBetween returns the cost sum and record count within [from, to).
func (s *Store) SumCostBetween(ctx context.Context, account string, from, to time.Time) (decimal.Decimal, int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Decimal{}, 0, err
	}

	var sumStr string
	var count int64
	if scanErr := pool.QueryRow(ctx, sumCostBetweenSQL, account, from, to).Scan(&sumStr, &count); scanErr != nil {
		return decimal.Decimal{}, 0, fmt.Errorf("sum cost between: %w", scanErr)
	}
	sum, convErr := decimal.NewFromString(sumStr)
	if convErr != nil {
		return decimal.Decimal{}, 0, fmt.Errorf("parse cost sum: %w", convErr)
	}
	return sum, count, nil
}

// CountUsageSince counts the account's usage records from the given instant.
func (s *Store) CountUsageSince(ctx context.Context, account string, since time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countUsageSinceSQL, account, since).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count usage since: %w", scanErr)
	}
	return count, nil
}

// ListUsageBetween lists usage records within [from, to) ordered by time.
func (s *Store) ListUsageBetween(ctx context.Context, account string, from, to time.Time) ([]UsageRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listUsageBetweenSQL, account, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list usage between: %w", queryErr)
	}
	defer rows.Close()

	records := make([]UsageRecord, 0)
	for rows.Next() {
		rec, scanErr := scanUsageRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	var recommendation interface{}
	if alert.Recommendation != nil {
		recommendation = *alert.Recommendation
	}
	var extra interface{}
	if len(alert.ExtraData) > 0 {
		extra = []byte(alert.ExtraData)
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.Account,
		alert.Type,
		alert.Severity,
		alert.Message,
		alert.CurrentSpend.String(),
		alert.BudgetLimit.String(),
		recommendation,
		extra,
	)
	rec, scanErr := scanAlertRecord(row)
	if scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// FindAlertSince returns the latest alert of the given type inside the
// cool-down window, or nil when none exists.
func (s *Store) FindAlertSince(ctx context.Context, account, alertType string, since time.Time) (*AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	row := pool.QueryRow(ctx, findAlertSinceSQL, account, alertType, since)
	rec, scanErr := scanAlertRecord(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find alert since: %w", scanErr)
	}
	return &rec, nil
}

// ListRecentAlerts lists most recent alerts for an account.
func (s *Store) ListRecentAlerts(ctx context.Context, account string, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, account, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAlertRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	return alerts, rows.Err()
}

// InsertOptimization persists a suggestion and returns its id.
func (s *Store) InsertOptimization(ctx context.Context, opt OptimizationRecord) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var suggested interface{}
	if opt.SuggestedAPI != nil {
		suggested = *opt.SuggestedAPI
	}

	var id int64
	scanErr := pool.QueryRow(ctx, insertOptimizationSQL,
		opt.Account,
		opt.OptimizationType,
		opt.CurrentAPI,
		suggested,
		opt.EstimatedSavings.String(),
		opt.Description,
	).Scan(&id)
	if scanErr != nil {
		return 0, fmt.Errorf("insert optimization: %w", scanErr)
	}
	return id, nil
}

// ListOpenOptimizations lists unapplied suggestions, largest savings first.
func (s *Store) ListOpenOptimizations(ctx context.Context, account string, limit int) ([]OptimizationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listOpenOptimizationsSQL, account, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list open optimizations: %w", queryErr)
	}
	defer rows.Close()

	opts := make([]OptimizationRecord, 0, limit)
	for rows.Next() {
		var rec OptimizationRecord
		var suggested sql.NullString
		var savingsStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.Account,
			&rec.OptimizationType,
			&rec.CurrentAPI,
			&suggested,
			&savingsStr,
			&rec.Description,
			&rec.IsApplied,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if suggested.Valid {
			value := suggested.String
			rec.SuggestedAPI = &value
		}
		savings, convErr := decimal.NewFromString(savingsStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse estimated savings: %w", convErr)
		}
		rec.EstimatedSavings = savings
		opts = append(opts, rec)
	}
	return opts, rows.Err()
}

func scanBudgetConfig(row pgx.Row) (BudgetConfigRecord, error) {
	var (
		rec      BudgetConfigRecord
		limitStr string
		wallet   sql.NullString
	)
	if err := row.Scan(
		&rec.Account,
		&limitStr,
		&rec.WarningThreshold,
		&rec.PauseThreshold,
		&wallet,
		&rec.IsActive,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return BudgetConfigRecord{}, err
	}

	limit, err := decimal.NewFromString(limitStr)
	if err != nil {
		return BudgetConfigRecord{}, fmt.Errorf("parse monthly limit: %w", err)
	}
	rec.MonthlyLimit = limit
	if wallet.Valid {
		value := wallet.String
		rec.GuardianWallet = &value
	}
	return rec, nil
}

func scanUsageRecord(row pgx.Row) (UsageRecord, error) {
	var (
		rec     UsageRecord
		costStr string
		tokens  sql.NullInt64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Account,
		&rec.APIID,
		&rec.Provider,
		&costStr,
		&rec.RequestCount,
		&tokens,
		&rec.Status,
		&rec.Timestamp,
	); err != nil {
		return UsageRecord{}, err
	}

	cost, err := decimal.NewFromString(costStr)
	if err != nil {
		return UsageRecord{}, fmt.Errorf("parse cost: %w", err)
	}
	rec.Cost = cost
	if tokens.Valid {
		value := tokens.Int64
		rec.TokensUsed = &value
	}
	return rec, nil
}

func scanAlertRecord(row pgx.Row) (AlertRecord, error) {
	var (
		rec            AlertRecord
		spendStr       string
		limitStr       string
		recommendation sql.NullString
		extra          json.RawMessage
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Account,
		&rec.Type,
		&rec.Severity,
		&rec.Message,
		&spendStr,
		&limitStr,
		&recommendation,
		&extra,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	spend, err := decimal.NewFromString(spendStr)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("parse current spend: %w", err)
	}
	limit, err := decimal.NewFromString(limitStr)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("parse budget limit: %w", err)
	}
	rec.CurrentSpend = spend
	rec.BudgetLimit = limit
	if recommendation.Valid {
		value := recommendation.String
		rec.Recommendation = &value
	}
	rec.ExtraData = extra
	return rec, nil
}
