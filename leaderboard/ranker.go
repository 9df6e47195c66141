/*
Package leaderboard recomputes periodic rankings and pays tiered bonuses.

RECOMPUTATION (one leaderboard, one unit of work):
  1. Resolve the window and period key from timePeriod
     (Streak leaderboards and AllTime have no window)
  2. Score every user through the Scorer registered for scoreType
  3. Drop zero scores and assign dense ranks
  4. Carry previousRank from the prior snapshot by userId
  5. Pay ranks 1-3 rewardPoints x 3/2/1 unless already rewarded this period
  6. Swap in the new entry set and record the run

  Steps 2 to 6 share one transaction, so a failure anywhere restores the
  prior snapshot and readers never see a half-replaced table.

CARRY-FORWARD:
  isRewarded survives a recomputation only when the prior entry carries the
  same period key. A user who stays in the top 3 all week is paid once for
  that week; next week starts unrewarded.

SEE ALSO:
  - registry.go: Scorer strategies
  - scheduler.go: Periodic driver
*/
package leaderboard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/progression-engine/engine"
	"github.com/warp/progression-engine/ledger"
)

// DefaultConcurrency bounds RecomputeAll when the ranker is not configured.
const DefaultConcurrency = 4

// Multipliers applied to rewardPoints for ranks 1, 2 and 3.
var payoutMultipliers = map[int]int64{1: 3, 2: 2, 3: 1}

// Payout is one bonus paid during a recomputation.
type Payout struct {
	UserID engine.UserID
	Rank   int
	Points int64
}

// Result describes one recomputation.
type Result struct {
	Run     engine.LeaderboardRun
	Entries []engine.LeaderboardEntry
	Payouts []Payout
}

type Ranker struct {
	runner   *engine.Runner
	ledger   *ledger.Ledger
	registry *Registry
	clock    engine.Clock
	logger   *zap.Logger

	// Concurrency bounds how many leaderboards RecomputeAll works on at once.
	Concurrency int
}

func New(runner *engine.Runner, l *ledger.Ledger, registry *Registry, clock engine.Clock) *Ranker {
	if registry == nil {
		registry = NewRegistry()
	}
	if clock == nil {
		clock = engine.SystemClock
	}
	logger := runner.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ranker{
		runner:      runner,
		ledger:      l,
		registry:    registry,
		clock:       clock,
		logger:      logger.Named("leaderboard"),
		Concurrency: DefaultConcurrency,
	}
}

// =============================================================================
// RANKING
// =============================================================================

// DenseRank orders users by score descending and assigns dense ranks.
// Zero and negative scores are dropped. Ties are listed by user id.
func DenseRank(scores map[engine.UserID]int64) []engine.LeaderboardEntry {
	entries := make([]engine.LeaderboardEntry, 0, len(scores))
	for userID, score := range scores {
		if score <= 0 {
			continue
		}
		entries = append(entries, engine.LeaderboardEntry{UserID: userID, Score: score})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].UserID < entries[j].UserID
	})

	rank := 0
	for i := range entries {
		if i == 0 || entries[i].Score != entries[i-1].Score {
			rank++
		}
		entries[i].Rank = rank
	}
	return entries
}

// =============================================================================
// RECOMPUTATION
// =============================================================================

// RecomputeLeaderboard rebuilds one leaderboard's entries and pays bonuses.
// A failed run is recorded after the rollback.
func (r *Ranker) RecomputeLeaderboard(ctx context.Context, leaderboardID string) (Result, error) {
	started := r.clock()
	var res Result

	err := r.runner.Run(ctx, "leaderboard.recompute", func(u *engine.Unit) error {
		res = Result{}
		return r.recompute(ctx, u, leaderboardID, started, &res)
	})
	if err != nil {
		if !engine.IsNotFound(err) {
			r.recordFailure(ctx, leaderboardID, started, err)
		}
		return Result{}, err
	}

	r.logger.Info("leaderboard recomputed",
		zap.String("leaderboard_id", leaderboardID),
		zap.String("period", res.Run.PeriodKey),
		zap.Int("entries", len(res.Entries)),
		zap.Int("payouts", len(res.Payouts)),
	)
	return res, nil
}

func (r *Ranker) recompute(ctx context.Context, u *engine.Unit, leaderboardID string, now time.Time, res *Result) error {
	def, err := u.Store.GetLeaderboard(ctx, leaderboardID)
	if err != nil {
		return err
	}
	if def == nil {
		return engine.NewNotFoundError("leaderboard", leaderboardID)
	}
	if !def.IsActive {
		return engine.NewValidationError("leaderboard %s is not active", leaderboardID)
	}
	scorer, ok := r.registry.Get(def.ScoreType)
	if !ok {
		return engine.NewValidationError("leaderboard %s has unknown score type %q", leaderboardID, def.ScoreType)
	}

	var window engine.Window
	if windowed(def.ScoreType) {
		window, _ = engine.WindowFor(def.TimePeriod, now)
	}
	periodKey := engine.PeriodKey(def.TimePeriod, now)

	scores, err := scorer.Score(ctx, u.Store, window, now)
	if err != nil {
		return fmt.Errorf("failed to score leaderboard %s: %w", leaderboardID, err)
	}
	entries := DenseRank(scores)

	prior, err := u.Store.ListEntries(ctx, leaderboardID)
	if err != nil {
		return err
	}
	previous := make(map[engine.UserID]engine.LeaderboardEntry, len(prior))
	for _, e := range prior {
		previous[e.UserID] = e
	}

	for i := range entries {
		e := &entries[i]
		e.LeaderboardID = leaderboardID
		e.PeriodKey = periodKey
		e.UpdatedAt = now

		if p, ok := previous[e.UserID]; ok {
			rank := p.Rank
			e.PreviousRank = &rank
			e.IsRewarded = p.IsRewarded && p.PeriodKey == periodKey
		}

		payout, err := r.pay(ctx, u, *def, e, now)
		if err != nil {
			return err
		}
		if payout != nil {
			res.Payouts = append(res.Payouts, *payout)
		}
	}

	if err := u.Store.ReplaceEntries(ctx, leaderboardID, entries); err != nil {
		return err
	}

	completed := now
	res.Entries = entries
	res.Run = engine.LeaderboardRun{
		ID:            uuid.NewString(),
		LeaderboardID: leaderboardID,
		PeriodKey:     periodKey,
		Status:        engine.RunCompleted,
		Entries:       len(entries),
		Payouts:       len(res.Payouts),
		StartedAt:     now,
		CompletedAt:   &completed,
	}
	return u.Store.SaveRun(ctx, res.Run)
}

// pay credits the tiered bonus for e when it qualifies and marks it rewarded.
func (r *Ranker) pay(ctx context.Context, u *engine.Unit, def engine.LeaderboardDefinition, e *engine.LeaderboardEntry, now time.Time) (*Payout, error) {
	multiplier, top := payoutMultipliers[e.Rank]
	if def.RewardPoints <= 0 || !top || e.IsRewarded {
		return nil, nil
	}

	points := def.RewardPoints * multiplier
	_, _, err := r.ledger.Post(ctx, u, ledger.Entry{
		UserID:      e.UserID,
		Amount:      points,
		Kind:        engine.KindEarned,
		ActionType:  engine.ActionLeaderboardReward,
		ReferenceID: def.ID + ":" + e.PeriodKey,
		Actor:       engine.ActorSystem,
	})
	if err != nil {
		return nil, err
	}
	e.IsRewarded = true

	err = u.Notify(ctx, engine.Notification{
		UserID:        e.UserID,
		Title:         "Leaderboard reward",
		Message:       fmt.Sprintf("You placed #%d on %q and earned %d points", e.Rank, def.Name, points),
		ReferenceID:   def.ID,
		ReferenceType: engine.RefLeaderboard,
		CreatedAt:     now,
	})
	if err != nil {
		return nil, err
	}
	return &Payout{UserID: e.UserID, Rank: e.Rank, Points: points}, nil
}

func (r *Ranker) recordFailure(ctx context.Context, leaderboardID string, started time.Time, cause error) {
	var periodKey string
	if def, err := r.runner.Store.GetLeaderboard(ctx, leaderboardID); err == nil && def != nil {
		periodKey = engine.PeriodKey(def.TimePeriod, started)
	}

	run := engine.LeaderboardRun{
		ID:            uuid.NewString(),
		LeaderboardID: leaderboardID,
		PeriodKey:     periodKey,
		Status:        engine.RunFailed,
		Error:         cause.Error(),
		StartedAt:     started,
	}
	if err := r.runner.Store.SaveRun(ctx, run); err != nil {
		r.logger.Error("failed to record leaderboard run",
			zap.String("leaderboard_id", leaderboardID),
			zap.Error(err),
		)
	}
	r.logger.Warn("leaderboard recomputation failed",
		zap.String("leaderboard_id", leaderboardID),
		zap.Error(cause),
	)
}

// RecomputeAll recomputes every active leaderboard. One failure does not stop
// the others; all failures are returned together.
func (r *Ranker) RecomputeAll(ctx context.Context) ([]Result, error) {
	defs, err := r.runner.Store.ListLeaderboards(ctx, true)
	if err != nil {
		return nil, err
	}

	limit := r.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	var (
		mu      sync.Mutex
		results []Result
		errs    error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, def := range defs {
		def := def
		g.Go(func() error {
			res, err := r.RecomputeLeaderboard(gctx, def.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("leaderboard %s: %w", def.ID, err))
				return nil
			}
			results = append(results, res)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Run.LeaderboardID < results[j].Run.LeaderboardID
	})
	return results, errs
}

// =============================================================================
// READS
// =============================================================================

// Standings returns the current entries ordered by rank.
func (r *Ranker) Standings(ctx context.Context, leaderboardID string) (engine.LeaderboardDefinition, []engine.LeaderboardEntry, error) {
	def, err := r.runner.Store.GetLeaderboard(ctx, leaderboardID)
	if err != nil {
		return engine.LeaderboardDefinition{}, nil, err
	}
	if def == nil {
		return engine.LeaderboardDefinition{}, nil, engine.NewNotFoundError("leaderboard", leaderboardID)
	}
	entries, err := r.runner.Store.ListEntries(ctx, leaderboardID)
	if err != nil {
		return engine.LeaderboardDefinition{}, nil, err
	}
	return *def, entries, nil
}

// Runs lists recent runs, newest first.
func (r *Ranker) Runs(ctx context.Context, leaderboardID string, limit int) ([]engine.LeaderboardRun, error) {
	return r.runner.Store.ListRuns(ctx, leaderboardID, limit)
}
