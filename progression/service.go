/*
Package progression ingests collaborator events and drives evaluation.

FLOW PER EVENT:
  1. One unit: record the raw event (participation, streak, counter) and
     credit the configured points through the ledger
  2. After commit: refresh statistics, evaluate achievements, advance
     challenges for the action type

  Evaluation runs after the credit commits, so an evaluation failure never
  loses the credit. Failed evaluations are logged; the periodic Sweep
  reconciles challenge progress from the raw data.

STATISTICS:
  stats[actionType]   lifetime count of the action
  stats[LoginStreak]  current consecutive-day login streak (0 once broken)
  stats[PointsEarned] lifetime total
*/
package progression

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/warp/progression-engine/achievement"
	"github.com/warp/progression-engine/challenge"
	"github.com/warp/progression-engine/engine"
	"github.com/warp/progression-engine/ledger"
)

// Points credited per ingested event.
type Points struct {
	Survey   int64
	Referral int64
}

// DefaultPoints is used when configuration does not override it.
var DefaultPoints = Points{Survey: 50, Referral: 100}

// Outcome summarises what one event caused.
type Outcome struct {
	Balance engine.PointBalance
	Stats   engine.Stats
	Awards  []achievement.Award
	Updates []challenge.Update
}

type Service struct {
	runner       *engine.Runner
	ledger       *ledger.Ledger
	achievements *achievement.Engine
	challenges   *challenge.Tracker
	points       Points
	clock        engine.Clock
	logger       *zap.Logger
}

func New(runner *engine.Runner, l *ledger.Ledger, a *achievement.Engine, c *challenge.Tracker, points Points, clock engine.Clock) *Service {
	if clock == nil {
		clock = engine.SystemClock
	}
	logger := runner.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		runner:       runner,
		ledger:       l,
		achievements: a,
		challenges:   c,
		points:       points,
		clock:        clock,
		logger:       logger.Named("progression"),
	}
}

// =============================================================================
// EVENTS
// =============================================================================

// RecordSurveyCompletion credits a completed survey once per (user, survey).
// A repeated completion returns a ConflictError and credits nothing.
func (s *Service) RecordSurveyCompletion(ctx context.Context, userID engine.UserID, surveyID string, completedAt time.Time) (Outcome, error) {
	if userID == "" || surveyID == "" {
		return Outcome{}, engine.NewValidationError("user id and survey id are required")
	}
	if completedAt.IsZero() {
		completedAt = s.clock()
	}

	err := s.runner.Run(ctx, "progression.survey", func(u *engine.Unit) error {
		err := u.Store.RecordParticipation(ctx, engine.Participation{
			UserID:      userID,
			SurveyID:    surveyID,
			CompletedAt: completedAt.UTC(),
		})
		if err != nil {
			return err
		}
		if _, err := u.Store.IncrementCounter(ctx, userID, engine.ActionSurveyCompletion, 1); err != nil {
			return err
		}
		return s.credit(ctx, u, userID, s.points.Survey, engine.ActionSurveyCompletion, surveyID)
	})
	if err != nil {
		return Outcome{}, err
	}

	return s.evaluate(ctx, userID, engine.ActionSurveyCompletion, completedAt, nil), nil
}

// RecordLogin advances the consecutive-day streak. A second login on the
// same calendar day (or an out-of-order one) changes nothing.
func (s *Service) RecordLogin(ctx context.Context, userID engine.UserID, at time.Time) (Outcome, error) {
	if userID == "" {
		return Outcome{}, engine.NewValidationError("user id is required")
	}
	if at.IsZero() {
		at = s.clock()
	}

	var (
		streak  engine.LoginStreak
		counted bool
	)
	err := s.runner.Run(ctx, "progression.login", func(u *engine.Unit) error {
		counted = false
		prev, err := u.Store.GetStreak(ctx, userID)
		if err != nil {
			return err
		}

		streak = engine.LoginStreak{UserID: userID, Current: 1, Longest: 1, LastLoginDate: at.UTC()}
		if prev != nil {
			streak = *prev
			switch days := engine.DaysBetween(prev.LastLoginDate, at); {
			case days <= 0:
				return nil
			case days == 1:
				streak.Current++
			default:
				streak.Current = 1
			}
			streak.LastLoginDate = at.UTC()
			streak.Longest = max(streak.Longest, streak.Current)
		}

		if err := u.Store.SaveStreak(ctx, streak); err != nil {
			return err
		}
		if _, err := u.Store.IncrementCounter(ctx, userID, engine.ActionLogin, 1); err != nil {
			return err
		}
		counted = true
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if !counted {
		return s.snapshot(ctx, userID), nil
	}

	return s.evaluate(ctx, userID, engine.ActionLogin, at, &streak), nil
}

// RecordReferral credits the referrer for a new referred user.
func (s *Service) RecordReferral(ctx context.Context, referrerID, referredID engine.UserID) (Outcome, error) {
	if referrerID == "" || referredID == "" {
		return Outcome{}, engine.NewValidationError("referrer and referred user ids are required")
	}
	if referrerID == referredID {
		return Outcome{}, engine.NewValidationError("users cannot refer themselves")
	}

	err := s.runner.Run(ctx, "progression.referral", func(u *engine.Unit) error {
		if _, err := u.Store.IncrementCounter(ctx, referrerID, engine.ActionReferral, 1); err != nil {
			return err
		}
		return s.credit(ctx, u, referrerID, s.points.Referral, engine.ActionReferral, string(referredID))
	})
	if err != nil {
		return Outcome{}, err
	}

	return s.evaluate(ctx, referrerID, engine.ActionReferral, s.clock(), nil), nil
}

func (s *Service) credit(ctx context.Context, u *engine.Unit, userID engine.UserID, points int64, actionType, ref string) error {
	if points <= 0 {
		return nil
	}
	_, _, err := s.ledger.Post(ctx, u, ledger.Entry{
		UserID:      userID,
		Amount:      points,
		Kind:        engine.KindEarned,
		ActionType:  actionType,
		ReferenceID: ref,
		Actor:       engine.ActorSystem,
	})
	return err
}

// =============================================================================
// EVALUATION
// =============================================================================

// evaluate refreshes stats and runs achievements and challenges for an
// action that happened at at. A non-nil streak also reconciles streak
// challenges against it.
func (s *Service) evaluate(ctx context.Context, userID engine.UserID, actionType string, at time.Time, streak *engine.LoginStreak) Outcome {
	var errs error

	stats, err := s.Stats(ctx, userID)
	if err != nil {
		s.logger.Warn("failed to load stats", zap.String("user_id", string(userID)), zap.Error(err))
		return s.snapshot(ctx, userID)
	}

	out := Outcome{Stats: stats}

	awards, err := s.achievements.EvaluateAchievements(ctx, userID, stats)
	errs = multierr.Append(errs, err)
	out.Awards = awards

	updates, err := s.challenges.UpdateChallengeProgressAt(ctx, userID, actionType, 1, at)
	errs = multierr.Append(errs, err)
	out.Updates = updates

	if streak != nil {
		reconciled, err := s.reconcileStreak(ctx, *streak)
		errs = multierr.Append(errs, err)
		out.Updates = append(out.Updates, reconciled...)
	}

	if errs != nil {
		s.logger.Warn("evaluation finished with failures",
			zap.String("user_id", string(userID)),
			zap.String("action_type", actionType),
			zap.Error(errs),
		)
	}

	if b, err := s.ledger.GetBalance(ctx, userID); err == nil {
		out.Balance = b
	}
	return out
}

// reconcileStreak moves the user's running streak challenges up to the
// streak days that fall inside each challenge window.
func (s *Service) reconcileStreak(ctx context.Context, st engine.LoginStreak) ([]challenge.Update, error) {
	now := s.clock()
	defs, err := s.runner.Store.ListRunningChallenges(ctx, now, engine.StatLoginStreak)
	if err != nil {
		return nil, err
	}

	var (
		updates []challenge.Update
		errs    error
	)
	for _, def := range defs {
		days := StreakDays(st, def, now)
		if days == 0 {
			continue
		}
		upd, err := s.challenges.Reconcile(ctx, st.UserID, def.ID, days)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("challenge %s: %w", def.ID, err))
			continue
		}
		if upd.Progress.Progress > upd.Before || upd.Completed {
			updates = append(updates, upd)
		}
	}
	return updates, errs
}

// StreakDays returns how many days of st count toward def at now. A broken
// streak counts nothing, and days before the challenge opened are dropped.
func StreakDays(st engine.LoginStreak, def engine.ChallengeDefinition, now time.Time) int64 {
	if engine.DaysBetween(st.LastLoginDate, now) > 1 || st.LastLoginDate.Before(def.StartDate) {
		return 0
	}
	last := st.LastLoginDate
	if last.After(def.EndDate) {
		last = def.EndDate
	}
	return min(st.Current, int64(engine.DaysBetween(def.StartDate, last))+1)
}

func (s *Service) snapshot(ctx context.Context, userID engine.UserID) Outcome {
	var out Outcome
	if stats, err := s.Stats(ctx, userID); err == nil {
		out.Stats = stats
	}
	if b, err := s.ledger.GetBalance(ctx, userID); err == nil {
		out.Balance = b
	}
	return out
}

// Stats assembles the user's current statistics.
func (s *Service) Stats(ctx context.Context, userID engine.UserID) (engine.Stats, error) {
	stats, err := s.runner.Store.Counters(ctx, userID)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		stats = engine.Stats{}
	}

	streak, err := s.runner.Store.GetStreak(ctx, userID)
	if err != nil {
		return nil, err
	}
	if streak != nil && engine.DaysBetween(streak.LastLoginDate, s.clock()) <= 1 {
		stats[engine.StatLoginStreak] = streak.Current
	} else {
		stats[engine.StatLoginStreak] = 0
	}

	balance, err := s.runner.Store.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance != nil {
		stats[engine.StatPointsEarned] = balance.Total
	}
	return stats, nil
}

// =============================================================================
// SWEEP
// =============================================================================

// SweepReport counts what one sweep did.
type SweepReport struct {
	Challenges int
	Updated    int
	Completed  int
}

// Sweep reconciles running survey and streak challenges from raw data.
// Survey challenges count participations inside each challenge window;
// streak challenges count only unbroken streak days inside it.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	var (
		report SweepReport
		errs   error
	)

	now := s.clock()
	defs, err := s.runner.Store.ListRunningChallenges(ctx, now, "")
	if err != nil {
		return report, err
	}

	var streaks []engine.LoginStreak
	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			return report, multierr.Append(errs, err)
		}
		var measurements map[engine.UserID]int64
		err = nil

		switch def.RequiredActionType {
		case engine.ActionSurveyCompletion:
			measurements, err = s.runner.Store.ParticipationCounts(ctx, def.StartDate, def.EndDate)
		case engine.StatLoginStreak:
			if streaks == nil {
				streaks, err = s.runner.Store.ListStreaks(ctx)
			}
			measurements = make(map[engine.UserID]int64, len(streaks))
			for _, st := range streaks {
				if days := StreakDays(st, def, now); days > 0 {
					measurements[st.UserID] = days
				}
			}
		default:
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("challenge %s: %w", def.ID, err))
			continue
		}

		report.Challenges++
		for userID, m := range measurements {
			upd, err := s.challenges.Reconcile(ctx, userID, def.ID, m)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("challenge %s user %s: %w", def.ID, userID, err))
				continue
			}
			if upd.Progress.Progress > upd.Before {
				report.Updated++
			}
			if upd.Completed {
				report.Completed++
			}
		}
	}

	s.logger.Info("challenge sweep finished",
		zap.Int("challenges", report.Challenges),
		zap.Int("updated", report.Updated),
		zap.Int("completed", report.Completed),
	)
	return report, errs
}
