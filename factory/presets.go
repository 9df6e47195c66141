package factory

import "fmt"

// =============================================================================
// PRESETS - Ready-made catalog documents
// =============================================================================

// DefaultCatalogJSON is seeded when no catalog file is configured.
const DefaultCatalogJSON = `{
  "achievements": [
    {"id": "first-survey", "name": "First Survey", "description": "Complete your first survey",
     "required_action_type": "SurveyCompletion", "required_action_count": 1, "points_awarded": 10, "is_active": true},
    {"id": "survey-veteran", "name": "Survey Veteran", "description": "Complete 25 surveys",
     "required_action_type": "SurveyCompletion", "required_action_count": 25, "points_awarded": 250, "is_active": true},
    {"id": "week-streak", "name": "Seven Day Streak", "description": "Log in seven days in a row",
     "required_action_type": "LoginStreak", "required_action_count": 7, "points_awarded": 70,
     "is_repeatable": true, "repeat_cooldown_days": 7, "is_active": true},
    {"id": "connector", "name": "Connector", "description": "Refer three friends",
     "required_action_type": "Referral", "required_action_count": 3, "points_awarded": 150, "is_active": true}
  ],
  "challenges": [
    {"id": "weekly-three", "name": "Three surveys this week", "period": "weekly",
     "required_action_type": "SurveyCompletion", "required_action_count": 3, "points_awarded": 50,
     "reward_id": "sticker-pack", "is_active": true},
    {"id": "monthly-streak", "name": "Five day streak this month", "period": "monthly",
     "required_action_type": "LoginStreak", "required_action_count": 5, "points_awarded": 40, "is_active": true}
  ],
  "leaderboards": [
    {"id": "weekly-points", "name": "Weekly Points", "score_type": "points", "time_period": "weekly",
     "reward_points": 25, "is_active": true},
    {"id": "monthly-surveys", "name": "Monthly Surveys", "score_type": "surveys", "time_period": "monthly",
     "reward_points": 50, "is_active": true},
    {"id": "streaks", "name": "Login Streaks", "score_type": "streak", "time_period": "alltime",
     "reward_points": 0, "is_active": true}
  ],
  "rewards": [
    {"id": "sticker-pack", "name": "Sticker Pack", "points_cost": 100, "minimum_user_level": 1, "is_active": true},
    {"id": "gift-card-5", "name": "$5 Gift Card", "points_cost": 500, "minimum_user_level": 2,
     "available_quantity": 100, "is_active": true},
    {"id": "gift-card-25", "name": "$25 Gift Card", "points_cost": 2250, "minimum_user_level": 5,
     "available_quantity": 20, "is_active": true}
  ]
}`

// WeeklySurveyChallengeJSON builds a single-challenge catalog for the
// current week. Handy for tests and one-off campaigns.
func WeeklySurveyChallengeJSON(id, name string, surveys, points int64) string {
	return fmt.Sprintf(`{
  "challenges": [
    {"id": %q, "name": %q, "period": "weekly",
     "required_action_type": "SurveyCompletion", "required_action_count": %d,
     "points_awarded": %d, "is_active": true}
  ]
}`, id, name, surveys, points)
}
