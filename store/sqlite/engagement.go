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
// ENGAGEMENT (engine.EngagementStore interface)
// =============================================================================

func (q *queries) RecordParticipation(ctx context.Context, p engine.Participation) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO survey_participations (user_id, survey_id, completed_at) VALUES (?, ?, ?)
	`, p.UserID, p.SurveyID, formatTime(p.CompletedAt))
	if isUniqueConstraintError(err) {
		return engine.NewConflictError("survey %s already completed by %s", p.SurveyID, p.UserID)
	}
	if err != nil {
		return classify(fmt.Errorf("failed to record participation: %w", err))
	}
	return nil
}

func (q *queries) ParticipationCounts(ctx context.Context, from, to time.Time) (map[engine.UserID]int64, error) {
	clause, args := rangeClause("completed_at", from, to)
	query := `
		SELECT user_id, COUNT(*)
		FROM survey_participations
		WHERE 1 = 1` + clause + `
		GROUP BY user_id
	`
	return q.sumByUser(ctx, query, args...)
}

func (q *queries) GetStreak(ctx context.Context, userID engine.UserID) (*engine.LoginStreak, error) {
	var (
		s         engine.LoginStreak
		lastLogin string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, current, longest, last_login_date FROM login_streaks WHERE user_id = ?
	`, userID).Scan(&s.UserID, &s.Current, &s.Longest, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get streak: %w", err))
	}
	s.LastLoginDate = parseTime(lastLogin)
	return &s, nil
}

func (q *queries) SaveStreak(ctx context.Context, s engine.LoginStreak) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO login_streaks (user_id, current, longest, last_login_date)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			current = excluded.current,
			longest = excluded.longest,
			last_login_date = excluded.last_login_date
	`, s.UserID, s.Current, s.Longest, formatTime(s.LastLoginDate))
	if err != nil {
		return classify(fmt.Errorf("failed to save streak: %w", err))
	}
	return nil
}

func (q *queries) ListStreaks(ctx context.Context) ([]engine.LoginStreak, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT user_id, current, longest, last_login_date FROM login_streaks ORDER BY user_id
	`)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list streaks: %w", err))
	}
	defer rows.Close()

	var out []engine.LoginStreak
	for rows.Next() {
		var (
			s         engine.LoginStreak
			lastLogin string
		)
		if err := rows.Scan(&s.UserID, &s.Current, &s.Longest, &lastLogin); err != nil {
			return nil, fmt.Errorf("failed to scan streak: %w", err)
		}
		s.LastLoginDate = parseTime(lastLogin)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (q *queries) IncrementCounter(ctx context.Context, userID engine.UserID, actionType string, by int64) (int64, error) {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO action_counters (user_id, action_type, count) VALUES (?, ?, ?)
		ON CONFLICT(user_id, action_type) DO UPDATE SET count = count + excluded.count
	`, userID, actionType, by)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to increment counter: %w", err))
	}

	var count int64
	err = q.db.QueryRowContext(ctx, `
		SELECT count FROM action_counters WHERE user_id = ? AND action_type = ?
	`, userID, actionType).Scan(&count)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to read counter: %w", err))
	}
	return count, nil
}

func (q *queries) Counters(ctx context.Context, userID engine.UserID) (engine.Stats, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT action_type, count FROM action_counters WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to load counters: %w", err))
	}
	defer rows.Close()

	stats := engine.Stats{}
	for rows.Next() {
		var (
			action string
			count  int64
		)
		if err := rows.Scan(&action, &count); err != nil {
			return nil, fmt.Errorf("failed to scan counter: %w", err)
		}
		stats[action] = count
	}
	return stats, rows.Err()
}

// =============================================================================
// NOTIFICATIONS (engine.NotificationStore interface)
// =============================================================================

func (q *queries) RecordNotification(ctx context.Context, n *engine.Notification) error {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO notifications (user_id, title, message, reference_id, reference_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, n.UserID, n.Title, n.Message, n.ReferenceID, n.ReferenceType, formatTime(n.CreatedAt))
	if err != nil {
		return classify(fmt.Errorf("failed to record notification: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read notification id: %w", err)
	}
	n.ID = id
	return nil
}

func (q *queries) ListNotifications(ctx context.Context, userID engine.UserID) ([]engine.Notification, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, title, message, reference_id, reference_type, created_at
		FROM notifications WHERE user_id = ? ORDER BY id
	`, userID)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list notifications: %w", err))
	}
	defer rows.Close()

	var out []engine.Notification
	for rows.Next() {
		var (
			n         engine.Notification
			createdAt string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.ReferenceID,
			&n.ReferenceType, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.CreatedAt = parseTime(createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}
