/*
Package challenge advances progress on time-boxed goals and detects
completion exactly once.

UPDATE MODES:
  Incremental     progress = min(progress + value, required)
                  Used on discrete event hooks (UpdateChallengeProgress).
                  An event only counts toward challenges whose window
                  contains the time it happened.
  Reconciliation  progress = max(progress, min(measurement, required))
                  Used by periodic sweeps that recompute from counters.

  Both are monotonic and capped. A completed challenge never changes again.

COMPLETION:
  The first update that drives progress to the requirement, with the
  previously stored row not completed, sets isCompleted, stamps
  completedDate, credits pointsAwarded through the ledger and, when the
  challenge names a reward, issues a challenge-origin grant. All of it is
  one unit of work; the progress row is saved with an expected version so
  concurrent updates for the same user serialize through retry.

SEE ALSO:
  - rewards/rewards.go: IssueGrant
  - progression/service.go: Event hooks and sweep
*/
package challenge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/warp/progression-engine/engine"
	"github.com/warp/progression-engine/ledger"
)

// GrantIssuer creates reward grants inside an existing unit.
type GrantIssuer interface {
	IssueGrant(ctx context.Context, u *engine.Unit, req engine.GrantRequest) (engine.UserRewardGrant, error)
}

// Update reports the effect of one progress change.
type Update struct {
	Challenge engine.ChallengeDefinition
	Before    int64
	Progress  engine.UserChallengeProgress
	Completed bool                    // this update completed the challenge
	Grant     *engine.UserRewardGrant // set when completion issued a reward
}

// Tracker applies progress updates.
type Tracker struct {
	runner  *engine.Runner
	ledger  *ledger.Ledger
	rewards GrantIssuer
	clock   engine.Clock
	logger  *zap.Logger
}

func New(runner *engine.Runner, l *ledger.Ledger, rewards GrantIssuer, clock engine.Clock) *Tracker {
	if clock == nil {
		clock = engine.SystemClock
	}
	logger := runner.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{runner: runner, ledger: l, rewards: rewards, clock: clock, logger: logger.Named("challenge")}
}

// =============================================================================
// INCREMENTAL MODE
// =============================================================================

// UpdateChallengeProgress adds value to every running challenge that tracks
// actionType. Failures on one challenge do not stop the others.
func (t *Tracker) UpdateChallengeProgress(ctx context.Context, userID engine.UserID, actionType string, value int64) ([]Update, error) {
	return t.UpdateChallengeProgressAt(ctx, userID, actionType, value, time.Time{})
}

// UpdateChallengeProgressAt is UpdateChallengeProgress for an action that
// happened at the given instant. Only challenges that are running now and
// whose window contains at are advanced. A zero at means now.
func (t *Tracker) UpdateChallengeProgressAt(ctx context.Context, userID engine.UserID, actionType string, value int64, at time.Time) ([]Update, error) {
	if userID == "" {
		return nil, engine.NewValidationError("user id is required")
	}
	if actionType == "" {
		return nil, engine.NewValidationError("action type is required")
	}
	if value <= 0 {
		return nil, engine.NewValidationError("progress value must be positive, got %d", value)
	}

	now := t.clock()
	if at.IsZero() {
		at = now
	}

	defs, err := t.runner.Store.ListRunningChallenges(ctx, now, actionType)
	if err != nil {
		return nil, err
	}

	var (
		updates []Update
		errs    error
	)
	for _, def := range defs {
		if !def.Running(at) {
			continue
		}
		upd, changed, err := t.apply(ctx, userID, def, func(current int64) int64 { return current + value })
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("challenge %s: %w", def.ID, err))
			continue
		}
		if changed {
			updates = append(updates, upd)
		}
	}
	return updates, errs
}

// =============================================================================
// RECONCILIATION MODE
// =============================================================================

// Reconcile sets progress from an absolute measurement. Progress never moves
// backwards, so a stale or partial measurement is harmless.
func (t *Tracker) Reconcile(ctx context.Context, userID engine.UserID, challengeID string, measurement int64) (Update, error) {
	if userID == "" {
		return Update{}, engine.NewValidationError("user id is required")
	}
	if measurement < 0 {
		return Update{}, engine.NewValidationError("measurement must not be negative, got %d", measurement)
	}

	def, err := t.runner.Store.GetChallenge(ctx, challengeID)
	if err != nil {
		return Update{}, err
	}
	if def == nil {
		return Update{}, engine.NewNotFoundError("challenge", challengeID)
	}
	if !def.Running(t.clock()) {
		return Update{}, engine.NewValidationError("challenge %s is not running", challengeID)
	}

	upd, _, err := t.apply(ctx, userID, *def, func(current int64) int64 { return max(current, measurement) })
	return upd, err
}

// ReconcileStats reconciles every running challenge against stats, reading
// each challenge's measurement from stats[requiredActionType].
func (t *Tracker) ReconcileStats(ctx context.Context, userID engine.UserID, stats engine.Stats) ([]Update, error) {
	defs, err := t.runner.Store.ListRunningChallenges(ctx, t.clock(), "")
	if err != nil {
		return nil, err
	}

	var (
		updates []Update
		errs    error
	)
	for _, def := range defs {
		measurement := stats.Get(def.RequiredActionType)
		upd, changed, err := t.apply(ctx, userID, def, func(current int64) int64 { return max(current, measurement) })
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("challenge %s: %w", def.ID, err))
			continue
		}
		if changed {
			updates = append(updates, upd)
		}
	}
	return updates, errs
}

// =============================================================================
// CORE TRANSITION
// =============================================================================

// apply runs one progress change as a unit. target maps the stored progress
// to the requested progress before capping.
func (t *Tracker) apply(ctx context.Context, userID engine.UserID, def engine.ChallengeDefinition, target func(int64) int64) (Update, bool, error) {
	var (
		upd     Update
		changed bool
	)

	err := t.runner.Run(ctx, "challenge.progress", func(u *engine.Unit) error {
		changed = false
		now := t.clock()

		prev, err := u.Store.GetChallengeProgress(ctx, userID, def.ID)
		if err != nil {
			return err
		}

		cur := engine.UserChallengeProgress{UserID: userID, ChallengeID: def.ID}
		if prev != nil {
			cur = *prev
		}
		upd = Update{Challenge: def, Before: cur.Progress, Progress: cur}

		if cur.IsCompleted {
			return nil
		}

		next := min(target(cur.Progress), def.RequiredActionCount)
		if next <= cur.Progress {
			return nil
		}

		cur.Progress = next
		cur.UpdatedAt = now
		completing := next >= def.RequiredActionCount

		if completing {
			cur.IsCompleted = true
			cur.CompletedDate = &now
			if err := t.complete(ctx, u, def, &cur, &upd, now); err != nil {
				return err
			}
		}

		if err := u.Store.SaveChallengeProgress(ctx, cur, prev); err != nil {
			return err
		}

		upd.Progress = cur
		upd.Completed = completing
		changed = true
		return nil
	})
	if err != nil {
		return Update{}, false, err
	}

	if upd.Completed {
		t.logger.Info("challenge completed",
			zap.String("user_id", string(userID)),
			zap.String("challenge_id", def.ID),
		)
	}
	return upd, changed, nil
}

func (t *Tracker) complete(ctx context.Context, u *engine.Unit, def engine.ChallengeDefinition, p *engine.UserChallengeProgress, upd *Update, now time.Time) error {
	if def.PointsAwarded > 0 {
		_, _, err := t.ledger.Post(ctx, u, ledger.Entry{
			UserID:      p.UserID,
			Amount:      def.PointsAwarded,
			Kind:        engine.KindEarned,
			ActionType:  engine.ActionChallenge,
			ReferenceID: def.ID,
			Actor:       engine.ActorSystem,
		})
		if err != nil {
			return err
		}
	}

	if def.RewardID != "" {
		if t.rewards == nil {
			return fmt.Errorf("challenge %s names reward %s but no issuer is configured", def.ID, def.RewardID)
		}
		grant, err := t.rewards.IssueGrant(ctx, u, engine.GrantRequest{
			UserID:    p.UserID,
			RewardID:  def.RewardID,
			Origin:    engine.OriginChallenge,
			OriginRef: def.ID,
			Actor:     engine.ActorSystem,
		})
		if err != nil {
			return err
		}
		upd.Grant = &grant
	}
	p.IsRewarded = true

	msg := fmt.Sprintf("You completed %q", def.Name)
	if def.PointsAwarded > 0 {
		msg = fmt.Sprintf("You completed %q and earned %d points", def.Name, def.PointsAwarded)
	}
	return u.Notify(ctx, engine.Notification{
		UserID:        p.UserID,
		Title:         "Challenge completed",
		Message:       msg,
		ReferenceID:   def.ID,
		ReferenceType: engine.RefChallenge,
		CreatedAt:     now,
	})
}

// Progress lists the user's progress rows.
func (t *Tracker) Progress(ctx context.Context, userID engine.UserID) ([]engine.UserChallengeProgress, error) {
	return t.runner.Store.ListChallengeProgress(ctx, userID)
}
