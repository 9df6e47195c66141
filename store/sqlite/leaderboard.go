package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/progression-engine/engine"
)

// =============================================================================
// LEADERBOARDS (engine.LeaderboardStore interface)
// =============================================================================

func (q *queries) SaveLeaderboard(ctx context.Context, def engine.LeaderboardDefinition) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO leaderboard_definitions (id, name, score_type, time_period, reward_points, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			score_type = excluded.score_type,
			time_period = excluded.time_period,
			reward_points = excluded.reward_points,
			is_active = excluded.is_active
	`, def.ID, def.Name, def.ScoreType, def.TimePeriod, def.RewardPoints, def.IsActive)
	if err != nil {
		return classify(fmt.Errorf("failed to save leaderboard: %w", err))
	}
	return nil
}

func scanLeaderboard(row interface{ Scan(...any) error }) (engine.LeaderboardDefinition, error) {
	var def engine.LeaderboardDefinition
	err := row.Scan(&def.ID, &def.Name, &def.ScoreType, &def.TimePeriod, &def.RewardPoints, &def.IsActive)
	return def, err
}

func (q *queries) GetLeaderboard(ctx context.Context, id string) (*engine.LeaderboardDefinition, error) {
	def, err := scanLeaderboard(q.db.QueryRowContext(ctx, `
		SELECT id, name, score_type, time_period, reward_points, is_active
		FROM leaderboard_definitions WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get leaderboard: %w", err))
	}
	return &def, nil
}

func (q *queries) ListLeaderboards(ctx context.Context, activeOnly bool) ([]engine.LeaderboardDefinition, error) {
	query := `SELECT id, name, score_type, time_period, reward_points, is_active FROM leaderboard_definitions`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY id`

	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list leaderboards: %w", err))
	}
	defer rows.Close()

	var defs []engine.LeaderboardDefinition
	for rows.Next() {
		def, err := scanLeaderboard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (q *queries) ListEntries(ctx context.Context, leaderboardID string) ([]engine.LeaderboardEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT leaderboard_id, user_id, score, rank, previous_rank, is_rewarded, period_key, updated_at
		FROM leaderboard_entries
		WHERE leaderboard_id = ?
		ORDER BY rank ASC, user_id ASC
	`, leaderboardID)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list entries: %w", err))
	}
	defer rows.Close()

	var entries []engine.LeaderboardEntry
	for rows.Next() {
		var (
			e         engine.LeaderboardEntry
			prev      sql.NullInt64
			updatedAt string
		)
		if err := rows.Scan(&e.LeaderboardID, &e.UserID, &e.Score, &e.Rank, &prev,
			&e.IsRewarded, &e.PeriodKey, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if prev.Valid {
			r := int(prev.Int64)
			e.PreviousRank = &r
		}
		e.UpdatedAt = parseTime(updatedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ReplaceEntries swaps the entry set. Outside WithTx it opens its own
// transaction so readers see either the old set or the new one.
func (q *queries) ReplaceEntries(ctx context.Context, leaderboardID string, entries []engine.LeaderboardEntry) error {
	return q.atomic(ctx, func(q *queries) error {
		if _, err := q.db.ExecContext(ctx,
			`DELETE FROM leaderboard_entries WHERE leaderboard_id = ?`, leaderboardID); err != nil {
			return classify(fmt.Errorf("failed to clear entries: %w", err))
		}

		for _, e := range entries {
			var prev sql.NullInt64
			if e.PreviousRank != nil {
				prev = sql.NullInt64{Int64: int64(*e.PreviousRank), Valid: true}
			}
			_, err := q.db.ExecContext(ctx, `
				INSERT INTO leaderboard_entries
				(leaderboard_id, user_id, score, rank, previous_rank, is_rewarded, period_key, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, leaderboardID, e.UserID, e.Score, e.Rank, prev, e.IsRewarded, e.PeriodKey, formatTime(e.UpdatedAt))
			if isUniqueConstraintError(err) {
				return engine.NewConflictError("duplicate leaderboard entry for %s", e.UserID)
			}
			if err != nil {
				return classify(fmt.Errorf("failed to insert entry: %w", err))
			}
		}
		return nil
	})
}

func (q *queries) SaveRun(ctx context.Context, run engine.LeaderboardRun) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO leaderboard_runs
		(id, leaderboard_id, period_key, status, entries, payouts, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			entries = excluded.entries,
			payouts = excluded.payouts,
			error = excluded.error,
			completed_at = excluded.completed_at
	`, run.ID, run.LeaderboardID, run.PeriodKey, run.Status, run.Entries, run.Payouts, run.Error,
		formatTime(run.StartedAt), nullTime(run.CompletedAt))
	if err != nil {
		return classify(fmt.Errorf("failed to save leaderboard run: %w", err))
	}
	return nil
}

func (q *queries) ListRuns(ctx context.Context, leaderboardID string, limit int) ([]engine.LeaderboardRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, leaderboard_id, period_key, status, entries, payouts, error, started_at, completed_at
		FROM leaderboard_runs
		WHERE leaderboard_id = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, leaderboardID, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list leaderboard runs: %w", err))
	}
	defer rows.Close()

	var runs []engine.LeaderboardRun
	for rows.Next() {
		var (
			r         engine.LeaderboardRun
			startedAt string
			completed sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.LeaderboardID, &r.PeriodKey, &r.Status, &r.Entries,
			&r.Payouts, &r.Error, &startedAt, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard run: %w", err)
		}
		r.StartedAt = parseTime(startedAt)
		r.CompletedAt = parseNullTime(completed)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
