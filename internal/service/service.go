// Package service runs the periodic guardian sweep: every interval each
// configured account is re-evaluated against its budget so threshold
// crossings and anomalies surface even when no usage flows through this
// process.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"budget-guardian/internal/budget"
	"budget-guardian/internal/config"
	"budget-guardian/internal/scheduler"
	"budget-guardian/internal/storage"
)

// Service orchestrates the scheduled sweep.
type Service struct {
	scheduler *scheduler.Scheduler
	engine    *budget.Engine
	configs   storage.ConfigStore
	logger    zerolog.Logger

	locker  storage.AdvisoryLocker
	lockKey int64
}

// New constructs the sweep service.
func New(cfg *config.Config, sched *scheduler.Scheduler, engine *budget.Engine, configs storage.ConfigStore, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := configs.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler: sched,
		engine:    engine,
		configs:   configs,
		logger:    logger.With().Str("component", "service").Logger(),
		locker:    locker,
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the aligned sweep loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessSweep)
}

// ProcessSweep 执行单个时间桶的账户巡检。
func (s *Service) ProcessSweep(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip sweep because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeSweep(ctx, bucket)
}

func (s *Service) executeSweep(ctx context.Context, bucket time.Time) error {
	accounts, err := s.configs.ListConfiguredAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list configured accounts: %w", err)
	}

	var created, anomalies int
	for _, account := range accounts {
		result, err := s.engine.Evaluate(ctx, account)
		if err != nil {
			s.logger.Error().Err(err).Str("account", account).Msg("sweep evaluation failed")
			continue
		}
		for _, outcome := range result.Alerts {
			if outcome.Created {
				created++
			}
		}
		if result.Anomaly != nil {
			anomalies++
		}
	}

	s.logger.Info().Time("bucket", bucket).
		Int("accounts", len(accounts)).
		Int("alerts_created", created).
		Int("anomalies", anomalies).
		Msg("sweep complete")

	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
