package service

import (
	"context"
	"log/slog"
	"time"
)

// Accruer is the slice of storage the reward worker needs.
type Accruer interface {
	AccrueRewards(ctx context.Context, perYear int) (int, error)
}

// RewardWorker periodically applies staking yield to open lots.
type RewardWorker struct {
	store    Accruer
	interval time.Duration
	logger   *slog.Logger
	metrics  *Metrics
}

func NewRewardWorker(store Accruer, interval time.Duration, logger *slog.Logger, metrics *Metrics) *RewardWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RewardWorker{
		store:    store,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run blocks until the context is cancelled. Each tick is one accrual pass;
// perYear is derived from the interval so shorter intervals do not inflate
// the effective APR.
func (w *RewardWorker) Run(ctx context.Context) {
	perYear := int((365 * 24 * time.Hour) / w.interval)
	if perYear <= 0 {
		perYear = 1
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("reward worker started", "interval", w.interval.String(), "accruals_per_year", perYear)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reward worker stopped")
			return
		case <-ticker.C:
			accrued, err := w.store.AccrueRewards(ctx, perYear)
			if err != nil {
				w.logger.Error("reward accrual failed", "error", err)
				continue
			}
			if w.metrics != nil {
				w.metrics.RewardAccruals.Inc()
			}
			w.logger.Info("reward accrual complete", "lots", accrued)
		}
	}
}
