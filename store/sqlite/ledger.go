package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/progression-engine/engine"
)

// =============================================================================
// LEDGER (engine.LedgerStore interface)
// =============================================================================

// AppendTransaction adds a ledger row. Append-only.
func (q *queries) AppendTransaction(ctx context.Context, tx *engine.PointTransaction) error {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO point_transactions
		(user_id, amount, kind, action_type, reference_id, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		tx.UserID, tx.Amount, tx.Kind, tx.ActionType, tx.ReferenceID, tx.Actor, formatTime(tx.CreatedAt),
	)
	if err != nil {
		return classify(fmt.Errorf("failed to append transaction: %w", err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read transaction id: %w", err)
	}
	tx.ID = id
	return nil
}

func (q *queries) LoadTransactions(ctx context.Context, userID engine.UserID, from, to time.Time) ([]engine.PointTransaction, error) {
	clause, args := rangeClause("created_at", from, to)
	query := `
		SELECT id, user_id, amount, kind, action_type, reference_id, actor, created_at
		FROM point_transactions
		WHERE user_id = ?` + clause + `
		ORDER BY created_at ASC, id ASC
	`

	rows, err := q.db.QueryContext(ctx, query, append([]any{userID}, args...)...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query transactions: %w", err))
	}
	defer rows.Close()

	var txs []engine.PointTransaction
	for rows.Next() {
		var (
			tx        engine.PointTransaction
			createdAt string
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.Kind, &tx.ActionType,
			&tx.ReferenceID, &tx.Actor, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.CreatedAt = parseTime(createdAt)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (q *queries) GetBalance(ctx context.Context, userID engine.UserID) (*engine.PointBalance, error) {
	var (
		b         engine.PointBalance
		updatedAt string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, total, available, redeemed, expired, level, updated_at
		FROM point_balances WHERE user_id = ?
	`, userID).Scan(&b.UserID, &b.Total, &b.Available, &b.Redeemed, &b.Expired, &b.Level, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get balance: %w", err))
	}
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

func (q *queries) EnsureBalance(ctx context.Context, userID engine.UserID, at time.Time) (engine.PointBalance, error) {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO point_balances (user_id, total, available, redeemed, expired, level, updated_at)
		VALUES (?, 0, 0, 0, 0, 1, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, userID, formatTime(at))
	if err != nil {
		return engine.PointBalance{}, classify(fmt.Errorf("failed to create balance: %w", err))
	}

	b, err := q.GetBalance(ctx, userID)
	if err != nil {
		return engine.PointBalance{}, err
	}
	return *b, nil
}

// ApplyBalance applies one movement. The debit guard and the write are the
// same UPDATE, so two spenders cannot both pass the check.
func (q *queries) ApplyBalance(ctx context.Context, userID engine.UserID, kind engine.TransactionKind, amount int64, at time.Time) (engine.PointBalance, error) {
	var result engine.PointBalance

	err := q.atomic(ctx, func(q *queries) error {
		if _, err := q.EnsureBalance(ctx, userID, at); err != nil {
			return err
		}

		var (
			query string
			args  []any
		)
		switch kind {
		case engine.KindEarned, engine.KindAdjusted:
			query = `UPDATE point_balances SET total = total + ?, available = available + ?, updated_at = ?
				WHERE user_id = ?`
			args = []any{amount, amount, formatTime(at), userID}
		case engine.KindRedeemed:
			query = `UPDATE point_balances SET available = available - ?, redeemed = redeemed + ?, updated_at = ?
				WHERE user_id = ? AND available >= ?`
			args = []any{amount, amount, formatTime(at), userID, amount}
		case engine.KindExpired:
			query = `UPDATE point_balances SET available = available - ?, expired = expired + ?, updated_at = ?
				WHERE user_id = ? AND available >= ?`
			args = []any{amount, amount, formatTime(at), userID, amount}
		default:
			return engine.NewValidationError("unknown transaction kind %q", kind)
		}

		res, err := q.db.ExecContext(ctx, query, args...)
		if err != nil {
			return classify(fmt.Errorf("failed to update balance: %w", err))
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}

		b, err := q.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		if n == 0 {
			return &engine.InsufficientPointsError{UserID: userID, Available: b.Available, Requested: amount}
		}
		result = *b
		return nil
	})
	return result, err
}

func (q *queries) SetLevel(ctx context.Context, userID engine.UserID, level int) error {
	res, err := q.db.ExecContext(ctx, `UPDATE point_balances SET level = ? WHERE user_id = ?`, level, userID)
	if err != nil {
		return classify(fmt.Errorf("failed to set level: %w", err))
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.NewNotFoundError("balance", userID)
	}
	return nil
}

func (q *queries) SumEarned(ctx context.Context, from, to time.Time) (map[engine.UserID]int64, error) {
	clause, args := rangeClause("created_at", from, to)
	query := `
		SELECT user_id, SUM(amount)
		FROM point_transactions
		WHERE kind = 'earned' AND action_type <> ?` + clause + `
		GROUP BY user_id
	`
	return q.sumByUser(ctx, query, append([]any{engine.ActionLeaderboardReward}, args...)...)
}

func (q *queries) sumByUser(ctx context.Context, query string, args ...any) (map[engine.UserID]int64, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to aggregate scores: %w", err))
	}
	defer rows.Close()

	out := make(map[engine.UserID]int64)
	for rows.Next() {
		var (
			userID engine.UserID
			sum    int64
		)
		if err := rows.Scan(&userID, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan score: %w", err)
		}
		out[userID] = sum
	}
	return out, rows.Err()
}
