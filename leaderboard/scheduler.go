package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// =============================================================================
// SCHEDULER - Periodic recomputation of every active leaderboard
// =============================================================================

// Scheduler drives Ranker.RecomputeAll on a fixed interval. A cycle that is
// still running when the next one is due is skipped, not queued.
type Scheduler struct {
	ranker   *Ranker
	interval time.Duration
	logger   *zap.Logger
	sched    gocron.Scheduler
	cancel   context.CancelFunc
}

func NewScheduler(ranker *Ranker, interval time.Duration) *Scheduler {
	return &Scheduler{
		ranker:   ranker,
		interval: interval,
		logger:   ranker.logger.Named("scheduler"),
	}
}

// Start registers the job and starts the scheduler. The first cycle runs
// immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("leaderboard interval must be positive, got %s", s.interval)
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	_, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() { s.RunOnce(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithName("leaderboard-recompute"),
	)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to schedule leaderboard job: %w", err)
	}

	s.sched = sched
	s.cancel = cancel
	sched.Start()
	s.logger.Info("leaderboard scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// RunOnce performs one recomputation cycle and logs its outcome.
func (s *Scheduler) RunOnce(ctx context.Context) {
	results, err := s.ranker.RecomputeAll(ctx)
	if err != nil {
		s.logger.Error("leaderboard cycle finished with failures",
			zap.Int("succeeded", len(results)),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("leaderboard cycle finished", zap.Int("succeeded", len(results)))
}

// Stop cancels any in-flight cycle and shuts the scheduler down.
func (s *Scheduler) Stop() error {
	if s.sched == nil {
		return nil
	}
	s.cancel()
	err := s.sched.Shutdown()
	s.sched = nil
	s.logger.Info("leaderboard scheduler stopped")
	return err
}
