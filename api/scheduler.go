/*
scheduler.go - Automated challenge reconciliation sweep

PURPOSE:
  Periodically reconciles running challenges from participation and
  streak data so progress missed by the event hooks catches up.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Sweeps once immediately on start
  - Stop cancels the context of an in-flight sweep
  - Each sweep is idempotent: reconciliation never moves progress back
    and completion fires once per user and challenge

USAGE:
  scheduler := NewSweepScheduler(progressionService, logger)
  scheduler.CheckInterval = time.Hour
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Sweep endpoint (manual sweep)
  - progression/service.go: Sweep
  - leaderboard/scheduler.go: Leaderboard recomputation schedule
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/progression-engine/progression"
)

// Sweeper is the part of progression.Service the scheduler drives.
type Sweeper interface {
	Sweep(ctx context.Context) (progression.SweepReport, error)
}

// SweepScheduler runs challenge reconciliation on an interval.
type SweepScheduler struct {
	Sweeper       Sweeper
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSweepScheduler(sweeper Sweeper, logger *zap.Logger) *SweepScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SweepScheduler{
		Sweeper:       sweeper,
		Logger:        logger.Named("sweep"),
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (ss *SweepScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		ss.Logger.Info("sweep scheduler disabled, not starting")
		return
	}
	if ss.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ss.ticker = time.NewTicker(ss.CheckInterval)
	ss.stop = make(chan struct{})
	ss.cancel = cancel
	ss.wg.Add(1)

	go ss.run(ctx, ss.ticker, ss.stop)

	ss.Logger.Info("sweep scheduler started", zap.Duration("interval", ss.CheckInterval))
}

// Stop stops the scheduler, cancels an in-flight sweep and waits for it
// to return.
func (ss *SweepScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker == nil {
		return
	}
	ss.ticker.Stop()
	close(ss.stop)
	ss.cancel()
	ss.wg.Wait()
	ss.ticker = nil
	ss.Logger.Info("sweep scheduler stopped")
}

func (ss *SweepScheduler) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer ss.wg.Done()

	ss.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			ss.sweep(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow sweeps immediately and returns the report.
func (ss *SweepScheduler) RunNow() progression.SweepReport {
	return ss.sweep(context.Background())
}

func (ss *SweepScheduler) sweep(ctx context.Context) progression.SweepReport {
	started := time.Now()
	report, err := ss.Sweeper.Sweep(ctx)
	if err != nil {
		ss.Logger.Warn("sweep finished with errors",
			zap.Int("challenges", report.Challenges),
			zap.Error(err),
		)
		return report
	}

	if report.Updated > 0 || report.Completed > 0 {
		ss.Logger.Info("sweep completed",
			zap.Int("challenges", report.Challenges),
			zap.Int("updated", report.Updated),
			zap.Int("completed", report.Completed),
			zap.Duration("took", time.Since(started)),
		)
	}
	return report
}

// NextRunTime returns when the next scheduled sweep will occur.
func (ss *SweepScheduler) NextRunTime() time.Time {
	return time.Now().Add(ss.CheckInterval)
}
