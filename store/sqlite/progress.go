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
// ACHIEVEMENTS (engine.AchievementStore interface)
// =============================================================================

func (q *queries) SaveAchievement(ctx context.Context, def engine.AchievementDefinition) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO achievement_definitions
		(id, name, description, required_action_type, required_action_count, points_awarded,
		 is_repeatable, repeat_cooldown_days, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			required_action_type = excluded.required_action_type,
			required_action_count = excluded.required_action_count,
			points_awarded = excluded.points_awarded,
			is_repeatable = excluded.is_repeatable,
			repeat_cooldown_days = excluded.repeat_cooldown_days,
			is_active = excluded.is_active
	`,
		def.ID, def.Name, def.Description, def.RequiredActionType, def.RequiredActionCount,
		def.PointsAwarded, def.IsRepeatable, def.RepeatCooldownDays, def.IsActive,
	)
	if err != nil {
		return classify(fmt.Errorf("failed to save achievement: %w", err))
	}
	return nil
}

const achievementColumns = `id, name, description, required_action_type, required_action_count,
	points_awarded, is_repeatable, repeat_cooldown_days, is_active`

func scanAchievement(row interface{ Scan(...any) error }) (engine.AchievementDefinition, error) {
	var def engine.AchievementDefinition
	err := row.Scan(&def.ID, &def.Name, &def.Description, &def.RequiredActionType,
		&def.RequiredActionCount, &def.PointsAwarded, &def.IsRepeatable,
		&def.RepeatCooldownDays, &def.IsActive)
	return def, err
}

func (q *queries) GetAchievement(ctx context.Context, id string) (*engine.AchievementDefinition, error) {
	def, err := scanAchievement(q.db.QueryRowContext(ctx,
		`SELECT `+achievementColumns+` FROM achievement_definitions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get achievement: %w", err))
	}
	return &def, nil
}

func (q *queries) ListAchievements(ctx context.Context, activeOnly bool) ([]engine.AchievementDefinition, error) {
	query := `SELECT ` + achievementColumns + ` FROM achievement_definitions`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY id`

	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list achievements: %w", err))
	}
	defer rows.Close()

	var defs []engine.AchievementDefinition
	for rows.Next() {
		def, err := scanAchievement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan achievement: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (q *queries) GetAchievementProgress(ctx context.Context, userID engine.UserID, achievementID string) (*engine.UserAchievementProgress, error) {
	var (
		p          engine.UserAchievementProgress
		lastEarned sql.NullString
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, achievement_id, earned_count, last_earned_date
		FROM user_achievement_progress WHERE user_id = ? AND achievement_id = ?
	`, userID, achievementID).Scan(&p.UserID, &p.AchievementID, &p.EarnedCount, &lastEarned)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get achievement progress: %w", err))
	}
	p.LastEarnedDate = parseNullTime(lastEarned)
	return &p, nil
}

// SaveAchievementProgress writes the row only if earned_count still equals
// expectedCount. A lost race returns engine.ErrConcurrentModification.
func (q *queries) SaveAchievementProgress(ctx context.Context, p engine.UserAchievementProgress, expectedCount int) error {
	if expectedCount == 0 {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO user_achievement_progress (user_id, achievement_id, earned_count, last_earned_date)
			VALUES (?, ?, ?, ?)
		`, p.UserID, p.AchievementID, p.EarnedCount, nullTime(p.LastEarnedDate))
		if isUniqueConstraintError(err) {
			return engine.ErrConcurrentModification
		}
		if err != nil {
			return classify(fmt.Errorf("failed to insert achievement progress: %w", err))
		}
		return nil
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE user_achievement_progress SET earned_count = ?, last_earned_date = ?
		WHERE user_id = ? AND achievement_id = ? AND earned_count = ?
	`, p.EarnedCount, nullTime(p.LastEarnedDate), p.UserID, p.AchievementID, expectedCount)
	if err != nil {
		return classify(fmt.Errorf("failed to update achievement progress: %w", err))
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrConcurrentModification
	}
	return nil
}

func (q *queries) ListAchievementProgress(ctx context.Context, userID engine.UserID) ([]engine.UserAchievementProgress, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT user_id, achievement_id, earned_count, last_earned_date
		FROM user_achievement_progress WHERE user_id = ?
		ORDER BY achievement_id
	`, userID)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list achievement progress: %w", err))
	}
	defer rows.Close()

	var out []engine.UserAchievementProgress
	for rows.Next() {
		var (
			p          engine.UserAchievementProgress
			lastEarned sql.NullString
		)
		if err := rows.Scan(&p.UserID, &p.AchievementID, &p.EarnedCount, &lastEarned); err != nil {
			return nil, fmt.Errorf("failed to scan achievement progress: %w", err)
		}
		p.LastEarnedDate = parseNullTime(lastEarned)
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// CHALLENGES (engine.ChallengeStore interface)
// =============================================================================

func (q *queries) SaveChallenge(ctx context.Context, def engine.ChallengeDefinition) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO challenge_definitions
		(id, name, description, start_date, end_date, required_action_type, required_action_count,
		 points_awarded, reward_id, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			required_action_type = excluded.required_action_type,
			required_action_count = excluded.required_action_count,
			points_awarded = excluded.points_awarded,
			reward_id = excluded.reward_id,
			is_active = excluded.is_active
	`,
		def.ID, def.Name, def.Description, formatTime(def.StartDate), formatTime(def.EndDate),
		def.RequiredActionType, def.RequiredActionCount, def.PointsAwarded, def.RewardID, def.IsActive,
	)
	if err != nil {
		return classify(fmt.Errorf("failed to save challenge: %w", err))
	}
	return nil
}

const challengeColumns = `id, name, description, start_date, end_date, required_action_type,
	required_action_count, points_awarded, reward_id, is_active`

func scanChallenge(row interface{ Scan(...any) error }) (engine.ChallengeDefinition, error) {
	var (
		def        engine.ChallengeDefinition
		start, end string
	)
	err := row.Scan(&def.ID, &def.Name, &def.Description, &start, &end, &def.RequiredActionType,
		&def.RequiredActionCount, &def.PointsAwarded, &def.RewardID, &def.IsActive)
	if err != nil {
		return def, err
	}
	def.StartDate = parseTime(start)
	def.EndDate = parseTime(end)
	return def, nil
}

func (q *queries) GetChallenge(ctx context.Context, id string) (*engine.ChallengeDefinition, error) {
	def, err := scanChallenge(q.db.QueryRowContext(ctx,
		`SELECT `+challengeColumns+` FROM challenge_definitions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get challenge: %w", err))
	}
	return &def, nil
}

func (q *queries) ListRunningChallenges(ctx context.Context, at time.Time, actionType string) ([]engine.ChallengeDefinition, error) {
	query := `SELECT ` + challengeColumns + ` FROM challenge_definitions
		WHERE is_active = TRUE AND start_date <= ? AND end_date >= ?`
	args := []any{formatTime(at), formatTime(at)}
	if actionType != "" {
		query += ` AND required_action_type = ?`
		args = append(args, actionType)
	}
	query += ` ORDER BY id`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list challenges: %w", err))
	}
	defer rows.Close()

	var defs []engine.ChallengeDefinition
	for rows.Next() {
		def, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan challenge: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

const challengeProgressColumns = `user_id, challenge_id, progress, is_completed, completed_date,
	is_rewarded, updated_at`

func scanChallengeProgress(row interface{ Scan(...any) error }) (engine.UserChallengeProgress, error) {
	var (
		p         engine.UserChallengeProgress
		completed sql.NullString
		updatedAt string
	)
	err := row.Scan(&p.UserID, &p.ChallengeID, &p.Progress, &p.IsCompleted, &completed,
		&p.IsRewarded, &updatedAt)
	if err != nil {
		return p, err
	}
	p.CompletedDate = parseNullTime(completed)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func (q *queries) GetChallengeProgress(ctx context.Context, userID engine.UserID, challengeID string) (*engine.UserChallengeProgress, error) {
	p, err := scanChallengeProgress(q.db.QueryRowContext(ctx,
		`SELECT `+challengeProgressColumns+` FROM user_challenge_progress
		WHERE user_id = ? AND challenge_id = ?`, userID, challengeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get challenge progress: %w", err))
	}
	return &p, nil
}

// SaveChallengeProgress writes the row only if (progress, is_completed) still
// match what the caller read. A lost race returns engine.ErrConcurrentModification.
func (q *queries) SaveChallengeProgress(ctx context.Context, p engine.UserChallengeProgress, expected *engine.UserChallengeProgress) error {
	if expected == nil {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO user_challenge_progress (`+challengeProgressColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.UserID, p.ChallengeID, p.Progress, p.IsCompleted, nullTime(p.CompletedDate),
			p.IsRewarded, formatTime(p.UpdatedAt))
		if isUniqueConstraintError(err) {
			return engine.ErrConcurrentModification
		}
		if err != nil {
			return classify(fmt.Errorf("failed to insert challenge progress: %w", err))
		}
		return nil
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE user_challenge_progress
		SET progress = ?, is_completed = ?, completed_date = ?, is_rewarded = ?, updated_at = ?
		WHERE user_id = ? AND challenge_id = ? AND progress = ? AND is_completed = ?
	`, p.Progress, p.IsCompleted, nullTime(p.CompletedDate), p.IsRewarded, formatTime(p.UpdatedAt),
		p.UserID, p.ChallengeID, expected.Progress, expected.IsCompleted)
	if err != nil {
		return classify(fmt.Errorf("failed to update challenge progress: %w", err))
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrConcurrentModification
	}
	return nil
}

func (q *queries) ListChallengeProgress(ctx context.Context, userID engine.UserID) ([]engine.UserChallengeProgress, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+challengeProgressColumns+` FROM user_challenge_progress
		WHERE user_id = ? ORDER BY challenge_id`, userID)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list challenge progress: %w", err))
	}
	defer rows.Close()

	var out []engine.UserChallengeProgress
	for rows.Next() {
		p, err := scanChallengeProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan challenge progress: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
