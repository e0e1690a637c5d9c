package reconcile

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the reconciliation cadence.
type SchedulerConfig struct {
	Reconciler *Reconciler
	Interval   time.Duration
	Logger     *slog.Logger
}

// Scheduler runs reconciliation on a fixed interval.
type Scheduler struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reconciler: cfg.Reconciler,
		interval:   interval,
		logger:     logger.With("component", "reconcile"),
	}
}

// Start runs a pass immediately and then every interval until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		report, err := s.reconciler.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("reconciliation pass failed", "error", err)
		} else if report.Checked > 0 {
			s.logger.Info("reconciliation pass complete",
				"checked", report.Checked,
				"confirmed", report.Confirmed,
				"reverted", report.Reverted,
				"dropped", report.Dropped,
				"pending", report.Pending)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
