/*
Package ledger implements the points ledger: an append-only transaction log
with a reconciled balance per user.

PURPOSE:
  Every point movement goes through Post, which appends one immutable row
  and applies the same movement to the balance in the same unit of work.

BALANCE RULES:
  earned   -> total += amount; available += amount
  adjusted -> total += amount; available += amount (admin credit)
  redeemed -> available -= amount; redeemed += amount
  expired  -> available -= amount; expired += amount

  available = total - redeemed - expired, never negative. Debits are a
  guarded write in the store, so two concurrent deductions cannot both
  pass the check.

LEVELS:
  After every credit the level is recomputed from the lifetime total with
  engine.LevelCurve. Debits never lower a level.

USAGE:
  l := ledger.New(runner, engine.DefaultLevelCurve(), engine.SystemClock)
  bal, err := l.PostTransaction(ctx, ledger.Entry{
      UserID: "u1", Amount: 50, Kind: engine.KindEarned,
      ActionType: engine.ActionSurveyCompletion, ReferenceID: "survey-9",
  })

SEE ALSO:
  - engine/unit.go: Unit of work the ledger posts through
  - reconcile.go: Ledger replay audit
*/
package ledger

import (
	"context"
	"time"

	"github.com/warp/progression-engine/engine"
	"go.uber.org/zap"
)

// Entry is one requested movement.
type Entry struct {
	UserID      engine.UserID
	Amount      int64
	Kind        engine.TransactionKind
	ActionType  string
	ReferenceID string
	Actor       engine.Actor // defaults to ActorSystem
}

// Ledger posts and reads point movements.
type Ledger struct {
	runner *engine.Runner
	curve  engine.LevelCurve
	clock  engine.Clock
	logger *zap.Logger
}

func New(runner *engine.Runner, curve engine.LevelCurve, clock engine.Clock) *Ledger {
	if clock == nil {
		clock = engine.SystemClock
	}
	logger := runner.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{runner: runner, curve: curve, clock: clock, logger: logger.Named("ledger")}
}

// Curve returns the level curve in use.
func (l *Ledger) Curve() engine.LevelCurve { return l.curve }

// =============================================================================
// WRITES
// =============================================================================

// PostTransaction appends a ledger row and updates the balance as one unit.
func (l *Ledger) PostTransaction(ctx context.Context, e Entry) (engine.PointBalance, error) {
	var balance engine.PointBalance
	err := l.runner.Run(ctx, "ledger.post", func(u *engine.Unit) error {
		var err error
		_, balance, err = l.Post(ctx, u, e)
		return err
	})
	if err != nil {
		return engine.PointBalance{}, err
	}
	return balance, nil
}

// Deduct spends points from available. Fails with *engine.InsufficientPointsError
// when the guard rejects the debit.
func (l *Ledger) Deduct(ctx context.Context, userID engine.UserID, points int64, referenceID string, actor engine.Actor) (engine.PointBalance, error) {
	return l.PostTransaction(ctx, Entry{
		UserID:      userID,
		Amount:      points,
		Kind:        engine.KindRedeemed,
		ActionType:  engine.ActionDeduction,
		ReferenceID: referenceID,
		Actor:       actor,
	})
}

// Post applies e inside an existing unit. Composite operations (achievement
// awards, redemptions, leaderboard payouts) call this so their ledger row
// commits or rolls back with the rest of the unit.
func (l *Ledger) Post(ctx context.Context, u *engine.Unit, e Entry) (engine.PointTransaction, engine.PointBalance, error) {
	if err := validate(&e); err != nil {
		return engine.PointTransaction{}, engine.PointBalance{}, err
	}
	now := l.clock()

	balance, err := u.Store.ApplyBalance(ctx, e.UserID, e.Kind, e.Amount, now)
	if err != nil {
		return engine.PointTransaction{}, engine.PointBalance{}, err
	}

	tx := engine.PointTransaction{
		UserID:      e.UserID,
		Amount:      e.Amount,
		Kind:        e.Kind,
		ActionType:  e.ActionType,
		ReferenceID: e.ReferenceID,
		Actor:       e.Actor,
		CreatedAt:   now,
	}
	if err := u.Store.AppendTransaction(ctx, &tx); err != nil {
		return engine.PointTransaction{}, engine.PointBalance{}, err
	}

	if !e.Kind.IsDebit() {
		if level := l.curve.LevelFor(balance.Total); level > balance.Level {
			if err := u.Store.SetLevel(ctx, e.UserID, level); err != nil {
				return engine.PointTransaction{}, engine.PointBalance{}, err
			}
			l.logger.Debug("level up",
				zap.String("user_id", string(e.UserID)),
				zap.Int("from", balance.Level),
				zap.Int("to", level),
			)
			balance.Level = level
		}
	}

	return tx, balance, nil
}

func validate(e *Entry) error {
	if e.UserID == "" {
		return engine.NewValidationError("user id is required")
	}
	if e.Amount <= 0 {
		return engine.NewValidationError("amount must be positive, got %d", e.Amount)
	}
	if !e.Kind.Valid() {
		return engine.NewValidationError("unknown transaction kind %q", e.Kind)
	}
	if e.ActionType == "" {
		return engine.NewValidationError("action type is required")
	}
	if e.Actor == "" {
		e.Actor = engine.ActorSystem
	}
	if !e.Actor.Valid() {
		return engine.NewValidationError("unknown actor %q", e.Actor)
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

// GetBalance returns the current snapshot, creating the zero balance on first read.
func (l *Ledger) GetBalance(ctx context.Context, userID engine.UserID) (engine.PointBalance, error) {
	if userID == "" {
		return engine.PointBalance{}, engine.NewValidationError("user id is required")
	}
	b, err := l.runner.Store.GetBalance(ctx, userID)
	if err != nil {
		return engine.PointBalance{}, err
	}
	if b != nil {
		return *b, nil
	}
	return l.runner.Store.EnsureBalance(ctx, userID, l.clock())
}

// History returns a user's ledger rows in [from, to]. Zero bounds are open.
func (l *Ledger) History(ctx context.Context, userID engine.UserID, from, to time.Time) ([]engine.PointTransaction, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, engine.NewValidationError("history range ends before it starts")
	}
	return l.runner.Store.LoadTransactions(ctx, userID, from, to)
}
