package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/warp/progression-engine/engine"
)

// =============================================================================
// RECONCILIATION - Replay the ledger and compare with the stored balance
// =============================================================================

// Audit is the outcome of replaying one user's ledger.
type Audit struct {
	UserID       engine.UserID
	Stored       engine.PointBalance
	Replayed     engine.PointBalance
	Transactions int
	Consistent   bool
}

// Reconcile replays every ledger row for userID and reports whether the
// stored balance matches. It never writes.
func (l *Ledger) Reconcile(ctx context.Context, userID engine.UserID) (Audit, error) {
	txs, err := l.runner.Store.LoadTransactions(ctx, userID, time.Time{}, time.Time{})
	if err != nil {
		return Audit{}, err
	}

	stored, err := l.runner.Store.GetBalance(ctx, userID)
	if err != nil {
		return Audit{}, err
	}

	replayed := Replay(userID, txs)
	replayed.Level = l.curve.LevelFor(replayed.Total)

	audit := Audit{
		UserID:       userID,
		Replayed:     replayed,
		Transactions: len(txs),
	}
	if stored != nil {
		audit.Stored = *stored
	} else {
		audit.Stored = engine.NewPointBalance(userID, replayed.UpdatedAt)
	}

	audit.Consistent = audit.Stored.Total == replayed.Total &&
		audit.Stored.Available == replayed.Available &&
		audit.Stored.Redeemed == replayed.Redeemed &&
		audit.Stored.Expired == replayed.Expired &&
		audit.Stored.Reconciles()

	if !audit.Consistent {
		l.logger.Warn("balance drift",
			zap.String("user_id", string(userID)),
			zap.Int64("stored_available", audit.Stored.Available),
			zap.Int64("replayed_available", replayed.Available),
			zap.Int("transactions", len(txs)),
		)
	}
	return audit, nil
}

// Replay folds ledger rows into a balance.
func Replay(userID engine.UserID, txs []engine.PointTransaction) engine.PointBalance {
	b := engine.PointBalance{UserID: userID, Level: 1}
	for _, tx := range txs {
		b = b.Apply(tx.Kind, tx.Amount)
		b.UpdatedAt = tx.CreatedAt
	}
	return b
}
