package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"budget-guardian/internal/alerting"
	"budget-guardian/internal/anomaly"
	"budget-guardian/internal/budget"
	"budget-guardian/internal/classifier"
	"budget-guardian/internal/config"
	"budget-guardian/internal/limiter"
	"budget-guardian/internal/oracle"
	"budget-guardian/internal/payments"
	"budget-guardian/internal/scheduler"
	"budget-guardian/internal/service"
	"budget-guardian/internal/signer"
	"budget-guardian/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, fmt.Errorf("database.dsn not configured")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newGate() *anomaly.Gate {
	var pc anomaly.PatternClassifier
	if a.Config.Classifier.Enabled {
		pc = classifier.NewClient(classifier.Options{
			BaseURL: a.Config.Classifier.BaseURL,
			APIKey:  a.Config.Classifier.APIKey,
			Model:   a.Config.Classifier.Model,
			Timeout: a.Config.Classifier.RequestTimeout,
		}, a.Logger)
	}
	return anomaly.NewGate(anomaly.Options{
		MultiplierThreshold: a.Config.Anomaly.MultiplierThreshold,
		AutoPauseMultiplier: a.Config.Anomaly.AutoPauseMultiplier,
	}, pc, a.Logger)
}

func (a *App) newEngine(store *storage.Store) *budget.Engine {
	return budget.NewEngine(store, store, store, a.newGate(), a.newNotifier(), budget.Options{
		AlertCooldown:  a.Config.Budget.AlertCooldown,
		AnalysisWindow: a.Config.Anomaly.AnalysisWindow,
		BaselineDays:   a.Config.Anomaly.BaselineDays,
		MinSamples:     a.Config.Anomaly.MinSamples,
		Channels:       a.Config.Alerting.Channels,
	}, a.Logger)
}

func (a *App) newSigner() (*signer.Signer, error) {
	return signer.New(signer.Options{
		PrivateKeyHex:     a.Config.Agent.PrivateKey,
		TokenName:         a.Config.Ethereum.TokenName,
		TokenVersion:      a.Config.Ethereum.TokenVersion,
		ChainID:           a.Config.Ethereum.ChainID,
		VerifyingContract: a.Config.Ethereum.TokenAddress,
	}, a.Logger)
}

func (a *App) newPayments(store *storage.Store) (*payments.Service, error) {
	sg, err := a.newSigner()
	if err != nil {
		return nil, err
	}

	chain := oracle.NewChain(oracle.Options{
		RPCURL:  a.Config.Ethereum.RPCURL,
		Timeout: a.Config.Ethereum.RequestTimeout,
	}, a.Logger)

	lm := limiter.New(limiter.Limits{
		PerTransactionCap: decimal.NewFromFloat(a.Config.Agent.MaxPerTransaction),
		DailyCap:          decimal.NewFromFloat(a.Config.Agent.MaxDailySpend),
		MinReserve:        decimal.NewFromFloat(a.Config.Agent.MinBalance),
	})

	return payments.NewService(sg, chain, lm, store, store, payments.Options{
		Facilitator:       a.Config.Ethereum.Facilitator,
		DailyCapScope:     a.Config.Agent.DailyCapScope,
		SerializePayments: a.Config.Agent.SerializePayments,
	}, a.Logger), nil
}

// Run executes the long-running guardian sweep service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc := service.New(a.Config, sched, a.newEngine(store), store, a.Logger)

	a.Logger.Info().Msg("starting guardian service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("guardian service stopped")
	return nil
}

// ExportOptions hold parameters for exporting the spend history.
type ExportOptions struct {
	Account   string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Account string
	Limit   int
}

// AnalyzeOptions configure the optimization analysis job.
type AnalyzeOptions struct {
	Account string
	Days    int
	DryRun  bool
	Workers int
}
