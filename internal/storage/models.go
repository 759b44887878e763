package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// BudgetConfigRecord is the per-account budget configuration. Exactly one
// row exists per account; reconfiguration mutates it in place.
type BudgetConfigRecord struct {
	Account          string
	MonthlyLimit     decimal.Decimal
	WarningThreshold float64
	PauseThreshold   float64
	GuardianWallet   *string
	IsActive         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// UsageRecord is an immutable, append-only usage ledger entry.
type UsageRecord struct {
	ID           int64
	Account      string
	APIID        string
	Provider     string
	Cost         decimal.Decimal
	RequestCount int
	TokensUsed   *int64
	Status       string
	Timestamp    time.Time
}

// AlertRecord captures an emitted budget alert for de-duplication/auditing.
type AlertRecord struct {
	ID             int64
	Account        string
	Type           string
	Severity       string
	Message        string
	CurrentSpend   decimal.Decimal
	BudgetLimit    decimal.Decimal
	Recommendation *string
	ExtraData      json.RawMessage
	CreatedAt      time.Time
}

// OptimizationRecord stores a cost-saving suggestion produced by analysis.
type OptimizationRecord struct {
	ID               int64
	Account          string
	OptimizationType string
	CurrentAPI       string
	SuggestedAPI     *string
	EstimatedSavings decimal.Decimal
	Description      string
	IsApplied        bool
	CreatedAt        time.Time
}

// Alert type and severity values mirrored in the alerts table.
const (
	AlertTypeWarning        = "warning"
	AlertTypeCritical       = "critical"
	AlertTypePause          = "pause"
	AlertTypeUnusualPattern = "unusual_pattern"

	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)
