package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"budget-guardian/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Ethereum   EthereumConfig   `mapstructure:"ethereum"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Anomaly    AnomalyConfig    `mapstructure:"anomaly"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs the periodic account sweep.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// EthereumConfig covers chain access and the settlement token domain.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	TokenName      string        `mapstructure:"token_name"`
	TokenVersion   string        `mapstructure:"token_version"`
	TokenAddress   string        `mapstructure:"token_address"`
	Facilitator    string        `mapstructure:"facilitator_address"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AgentConfig describes the paying wallet and its safety limits.
type AgentConfig struct {
	PrivateKey        string  `mapstructure:"private_key"`
	Address           string  `mapstructure:"address"`
	MaxPerTransaction float64 `mapstructure:"max_per_transaction"`
	MaxDailySpend     float64 `mapstructure:"max_daily_spend"`
	MinBalance        float64 `mapstructure:"min_balance"`
	// DailyCapScope selects whose spend counts against the daily cap:
	// "agent" sums everything the agent signed today, "account" sums only
	// the end-user account being charged.
	DailyCapScope     string `mapstructure:"daily_cap_scope"`
	SerializePayments bool   `mapstructure:"serialize_payments"`
}

// BudgetConfig carries default thresholds and alert behaviour.
type BudgetConfig struct {
	DefaultMonthlyLimit float64       `mapstructure:"default_monthly_limit"`
	WarningThreshold    float64       `mapstructure:"warning_threshold"`
	PauseThreshold      float64       `mapstructure:"pause_threshold"`
	AlertCooldown       time.Duration `mapstructure:"alert_cooldown"`
}

// AnomalyConfig tunes unusual-pattern detection.
type AnomalyConfig struct {
	MultiplierThreshold float64       `mapstructure:"multiplier_threshold"`
	AutoPauseMultiplier float64       `mapstructure:"auto_pause_multiplier"`
	AnalysisWindow      time.Duration `mapstructure:"analysis_window"`
	BaselineDays        int           `mapstructure:"baseline_days"`
	MinSamples          int           `mapstructure:"min_samples"`
}

// ClassifierConfig wires the optional LLM pattern classifier.
type ClassifierConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AlertingConfig defines alert delivery routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GUARDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "guardian")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x67756172))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("ethereum.chain_id", int64(25))
	v.SetDefault("ethereum.token_name", "USD Coin")
	v.SetDefault("ethereum.token_version", "2")
	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("agent.max_per_transaction", 1.0)
	v.SetDefault("agent.max_daily_spend", 10.0)
	v.SetDefault("agent.min_balance", 1.0)
	v.SetDefault("agent.daily_cap_scope", "agent")
	v.SetDefault("agent.serialize_payments", false)

	v.SetDefault("budget.default_monthly_limit", 100.0)
	v.SetDefault("budget.warning_threshold", 0.8)
	v.SetDefault("budget.pause_threshold", 1.0)
	v.SetDefault("budget.alert_cooldown", "1h")

	v.SetDefault("anomaly.multiplier_threshold", 3.0)
	v.SetDefault("anomaly.auto_pause_multiplier", 10.0)
	v.SetDefault("anomaly.analysis_window", "5m")
	v.SetDefault("anomaly.baseline_days", 7)
	v.SetDefault("anomaly.min_samples", 10)

	v.SetDefault("classifier.enabled", false)
	v.SetDefault("classifier.base_url", "https://api.deepseek.com/v1")
	v.SetDefault("classifier.model", "deepseek-chat")
	v.SetDefault("classifier.request_timeout", "15s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Agent.MaxPerTransaction < 0 {
		return fmt.Errorf("agent.max_per_transaction cannot be negative")
	}
	if c.Agent.MaxDailySpend < 0 {
		return fmt.Errorf("agent.max_daily_spend cannot be negative")
	}
	if c.Agent.MinBalance < 0 {
		return fmt.Errorf("agent.min_balance cannot be negative")
	}
	switch c.Agent.DailyCapScope {
	case "agent", "account":
	default:
		return fmt.Errorf("agent.daily_cap_scope must be \"agent\" or \"account\"")
	}
	if c.Budget.DefaultMonthlyLimit <= 0 {
		return fmt.Errorf("budget.default_monthly_limit must be greater than zero")
	}
	if c.Budget.WarningThreshold < 0 || c.Budget.WarningThreshold > 1 {
		return fmt.Errorf("budget.warning_threshold must be within [0,1]")
	}
	if c.Budget.PauseThreshold < 0 || c.Budget.PauseThreshold > 1 {
		return fmt.Errorf("budget.pause_threshold must be within [0,1]")
	}
	if c.Budget.WarningThreshold > c.Budget.PauseThreshold {
		return fmt.Errorf("budget.warning_threshold cannot exceed budget.pause_threshold")
	}
	if c.Budget.AlertCooldown <= 0 {
		return fmt.Errorf("budget.alert_cooldown must be greater than zero")
	}
	if c.Anomaly.MultiplierThreshold < 1 {
		return fmt.Errorf("anomaly.multiplier_threshold must be at least 1")
	}
	if c.Anomaly.AutoPauseMultiplier < c.Anomaly.MultiplierThreshold {
		return fmt.Errorf("anomaly.auto_pause_multiplier cannot be below anomaly.multiplier_threshold")
	}
	if c.Anomaly.AnalysisWindow <= 0 {
		return fmt.Errorf("anomaly.analysis_window must be greater than zero")
	}
	if c.Anomaly.BaselineDays <= 0 {
		return fmt.Errorf("anomaly.baseline_days must be greater than zero")
	}
	if c.Anomaly.MinSamples <= 0 {
		return fmt.Errorf("anomaly.min_samples must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Classifier.Enabled && c.Classifier.APIKey == "" {
		return fmt.Errorf("classifier.api_key 必须配置")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
