/*
Package achievement evaluates rule-based, possibly repeatable milestones.

STATE PER (user, definition):
  Unearned -> Earned(count=1) -> Earned(count=N)   (repeatable only)

QUALIFICATION:
  1. stats[requiredActionType] >= requiredActionCount
  2. Non-repeatable: never earned before
  3. Repeatable: never earned, or now - lastEarnedDate >= cooldown days

AWARD UNIT:
  Each qualifying definition is awarded in its own unit of work:
  progress row + ledger credit (referenceId = definition id) + notification.
  Progress is saved with an expected earned count, so two evaluations
  racing for the same user cannot both award; the loser re-runs, re-reads
  the progress and finds nothing to do.

  One definition failing does not stop the others; failures are combined
  with multierr.

SEE ALSO:
  - ledger/ledger.go: Post inside the unit
  - progression/service.go: Calls EvaluateAchievements after each action
*/
package achievement

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/warp/progression-engine/engine"
	"github.com/warp/progression-engine/ledger"
)

// Award describes one unlock.
type Award struct {
	Definition  engine.AchievementDefinition
	Progress    engine.UserAchievementProgress
	Transaction *engine.PointTransaction // nil when the definition awards no points
}

// Engine evaluates achievement definitions.
type Engine struct {
	runner *engine.Runner
	ledger *ledger.Ledger
	clock  engine.Clock
	logger *zap.Logger
}

func New(runner *engine.Runner, l *ledger.Ledger, clock engine.Clock) *Engine {
	if clock == nil {
		clock = engine.SystemClock
	}
	logger := runner.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{runner: runner, ledger: l, clock: clock, logger: logger.Named("achievement")}
}

// =============================================================================
// POLICY
// =============================================================================

// Qualifies reports whether def may be awarded given the user's current
// progress (nil when never earned). It ignores the stat threshold.
func Qualifies(def engine.AchievementDefinition, p *engine.UserAchievementProgress, now time.Time) bool {
	if p == nil || p.EarnedCount == 0 {
		return true
	}
	if !def.IsRepeatable {
		return false
	}
	if p.LastEarnedDate == nil {
		return true
	}
	cooldown := time.Duration(def.RepeatCooldownDays) * 24 * time.Hour
	return now.Sub(*p.LastEarnedDate) >= cooldown
}

// Meets reports whether stats satisfy the definition's threshold.
func Meets(def engine.AchievementDefinition, stats engine.Stats) bool {
	return stats.Get(def.RequiredActionType) >= def.RequiredActionCount
}

// =============================================================================
// EVALUATION
// =============================================================================

// EvaluateAchievements awards every active definition the stats satisfy.
// Returns the awards made; err combines per-definition failures.
func (e *Engine) EvaluateAchievements(ctx context.Context, userID engine.UserID, stats engine.Stats) ([]Award, error) {
	if userID == "" {
		return nil, engine.NewValidationError("user id is required")
	}

	defs, err := e.runner.Store.ListAchievements(ctx, true)
	if err != nil {
		return nil, err
	}

	var (
		awards []Award
		errs   error
	)
	for _, def := range defs {
		if !Meets(def, stats) {
			continue
		}

		award, ok, err := e.tryAward(ctx, userID, def, engine.ActorSystem, false)
		if err != nil {
			e.logger.Warn("achievement evaluation failed",
				zap.String("user_id", string(userID)),
				zap.String("achievement_id", def.ID),
				zap.Error(err),
			)
			errs = multierr.Append(errs, fmt.Errorf("achievement %s: %w", def.ID, err))
			continue
		}
		if ok {
			awards = append(awards, award)
		}
	}
	return awards, errs
}

// Grant awards a definition regardless of stats. Re-granting a non-repeatable
// achievement, or a repeatable one inside its cooldown, is a Conflict.
func (e *Engine) Grant(ctx context.Context, userID engine.UserID, achievementID string, actor engine.Actor) (Award, error) {
	if userID == "" {
		return Award{}, engine.NewValidationError("user id is required")
	}
	def, err := e.runner.Store.GetAchievement(ctx, achievementID)
	if err != nil {
		return Award{}, err
	}
	if def == nil {
		return Award{}, engine.NewNotFoundError("achievement", achievementID)
	}
	if !def.IsActive {
		return Award{}, engine.NewValidationError("achievement %s is not active", achievementID)
	}

	award, _, err := e.tryAward(ctx, userID, *def, actor, true)
	return award, err
}

// tryAward runs one definition as its own unit. With strict set, a
// definition that does not qualify is a Conflict instead of a no-op.
func (e *Engine) tryAward(ctx context.Context, userID engine.UserID, def engine.AchievementDefinition, actor engine.Actor, strict bool) (Award, bool, error) {
	var (
		award   Award
		awarded bool
	)

	err := e.runner.Run(ctx, "achievement.award", func(u *engine.Unit) error {
		awarded = false
		now := e.clock()

		prev, err := u.Store.GetAchievementProgress(ctx, userID, def.ID)
		if err != nil {
			return err
		}
		if !Qualifies(def, prev, now) {
			if strict {
				return engine.NewConflictError("achievement %s already earned by %s", def.ID, userID)
			}
			return nil
		}

		award, err = e.award(ctx, u, userID, def, prev, actor, now)
		if err != nil {
			return err
		}
		awarded = true
		return nil
	})
	if err != nil {
		return Award{}, false, err
	}

	if awarded {
		e.logger.Info("achievement unlocked",
			zap.String("user_id", string(userID)),
			zap.String("achievement_id", def.ID),
			zap.Int("earned_count", award.Progress.EarnedCount),
		)
	}
	return award, awarded, nil
}

func (e *Engine) award(ctx context.Context, u *engine.Unit, userID engine.UserID, def engine.AchievementDefinition, prev *engine.UserAchievementProgress, actor engine.Actor, now time.Time) (Award, error) {
	expected := 0
	if prev != nil {
		expected = prev.EarnedCount
	}

	next := engine.UserAchievementProgress{
		UserID:         userID,
		AchievementID:  def.ID,
		EarnedCount:    expected + 1,
		LastEarnedDate: &now,
	}
	if err := u.Store.SaveAchievementProgress(ctx, next, expected); err != nil {
		return Award{}, err
	}

	award := Award{Definition: def, Progress: next}

	if def.PointsAwarded > 0 {
		tx, _, err := e.ledger.Post(ctx, u, ledger.Entry{
			UserID:      userID,
			Amount:      def.PointsAwarded,
			Kind:        engine.KindEarned,
			ActionType:  engine.ActionAchievement,
			ReferenceID: def.ID,
			Actor:       actor,
		})
		if err != nil {
			return Award{}, err
		}
		award.Transaction = &tx
	}

	msg := fmt.Sprintf("You earned %q", def.Name)
	if def.PointsAwarded > 0 {
		msg = fmt.Sprintf("You earned %q and %d points", def.Name, def.PointsAwarded)
	}
	err := u.Notify(ctx, engine.Notification{
		UserID:        userID,
		Title:         "Achievement unlocked",
		Message:       msg,
		ReferenceID:   def.ID,
		ReferenceType: engine.RefAchievement,
		CreatedAt:     now,
	})
	if err != nil {
		return Award{}, err
	}
	return award, nil
}

// Progress lists every achievement the user has earned at least once.
func (e *Engine) Progress(ctx context.Context, userID engine.UserID) ([]engine.UserAchievementProgress, error) {
	return e.runner.Store.ListAchievementProgress(ctx, userID)
}
