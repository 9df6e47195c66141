/*
Package factory converts JSON catalog definitions into engine definitions.

PURPOSE:
  Achievements, challenges, leaderboards and catalog rewards are authored
  as JSON so they can change without code changes. The factory validates
  the document and seeds it into a store.

JSON SCHEMA:
  {
    "achievements": [
      {"id": "first-survey", "name": "First Survey",
       "required_action_type": "SurveyCompletion", "required_action_count": 1,
       "points_awarded": 10, "is_active": true}
    ],
    "challenges": [
      {"id": "weekly-three", "name": "Three surveys this week",
       "period": "weekly",
       "required_action_type": "SurveyCompletion", "required_action_count": 3,
       "points_awarded": 50, "reward_id": "sticker-pack", "is_active": true}
    ],
    "leaderboards": [
      {"id": "weekly-points", "name": "Weekly Points", "score_type": "points",
       "time_period": "weekly", "reward_points": 25, "is_active": true}
    ],
    "rewards": [
      {"id": "gift-card-5", "name": "$5 Gift Card", "points_cost": 500,
       "minimum_user_level": 2, "available_quantity": 100, "is_active": true}
    ]
  }

CHALLENGE WINDOWS:
  A challenge gives either explicit start_date/end_date (RFC 3339) or a
  period (daily, weekly, monthly). A period resolves to the window
  containing the parse time.

SEEDING:
  Seed upserts every definition in one transaction. Existing catalog
  items keep their remaining quantity so restarts do not restock.

SEE ALSO:
  - engine/types.go: Definition types
  - cmd/server/main.go: Seeds the catalog on startup
*/
package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/warp/progression-engine/engine"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type CatalogJSON struct {
	Achievements []AchievementJSON `json:"achievements" validate:"dive"`
	Challenges   []ChallengeJSON   `json:"challenges" validate:"dive"`
	Leaderboards []LeaderboardJSON `json:"leaderboards" validate:"dive"`
	Rewards      []RewardJSON      `json:"rewards" validate:"dive"`
}

type AchievementJSON struct {
	ID                  string `json:"id" validate:"required"`
	Name                string `json:"name" validate:"required"`
	Description         string `json:"description,omitempty"`
	RequiredActionType  string `json:"required_action_type" validate:"required"`
	RequiredActionCount int64  `json:"required_action_count" validate:"gte=1"`
	PointsAwarded       int64  `json:"points_awarded" validate:"gte=0"`
	IsRepeatable        bool   `json:"is_repeatable,omitempty"`
	RepeatCooldownDays  int    `json:"repeat_cooldown_days,omitempty" validate:"gte=0"`
	IsActive            bool   `json:"is_active"`
}

type ChallengeJSON struct {
	ID                  string     `json:"id" validate:"required"`
	Name                string     `json:"name" validate:"required"`
	Description         string     `json:"description,omitempty"`
	Period              string     `json:"period,omitempty" validate:"omitempty,oneof=daily weekly monthly"`
	StartDate           *time.Time `json:"start_date,omitempty" validate:"required_without=Period"`
	EndDate             *time.Time `json:"end_date,omitempty" validate:"required_without=Period"`
	RequiredActionType  string     `json:"required_action_type" validate:"required"`
	RequiredActionCount int64      `json:"required_action_count" validate:"gte=1"`
	PointsAwarded       int64      `json:"points_awarded" validate:"gte=0"`
	RewardID            string     `json:"reward_id,omitempty"`
	IsActive            bool       `json:"is_active"`
}

type LeaderboardJSON struct {
	ID           string `json:"id" validate:"required"`
	Name         string `json:"name" validate:"required"`
	ScoreType    string `json:"score_type" validate:"oneof=points surveys streak"`
	TimePeriod   string `json:"time_period" validate:"oneof=daily weekly monthly alltime"`
	RewardPoints int64  `json:"reward_points" validate:"gte=0"`
	IsActive     bool   `json:"is_active"`
}

type RewardJSON struct {
	ID                string `json:"id" validate:"required"`
	Name              string `json:"name" validate:"required"`
	Description       string `json:"description,omitempty"`
	PointsCost        int64  `json:"points_cost" validate:"gte=0"`
	MinimumUserLevel  int    `json:"minimum_user_level" validate:"gte=0"`
	AvailableQuantity *int64 `json:"available_quantity,omitempty" validate:"omitempty,gte=0"`
	IsActive          bool   `json:"is_active"`
}

// Catalog is a parsed, validated definition set.
type Catalog struct {
	Achievements []engine.AchievementDefinition
	Challenges   []engine.ChallengeDefinition
	Leaderboards []engine.LeaderboardDefinition
	Rewards      []engine.RewardCatalogItem
}

// =============================================================================
// CATALOG FACTORY
// =============================================================================

// CatalogFactory converts JSON catalogs to engine definitions.
type CatalogFactory struct {
	validate *validator.Validate
	clock    engine.Clock
}

func NewCatalogFactory(clock engine.Clock) *CatalogFactory {
	if clock == nil {
		clock = engine.SystemClock
	}
	return &CatalogFactory{validate: validator.New(), clock: clock}
}

// Parse decodes and validates a catalog document.
func (f *CatalogFactory) Parse(data []byte) (*Catalog, error) {
	var cj CatalogJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	return f.FromJSON(cj)
}

// FromJSON validates cj and converts it.
func (f *CatalogFactory) FromJSON(cj CatalogJSON) (*Catalog, error) {
	if err := f.validate.Struct(cj); err != nil {
		return nil, engine.NewValidationError("invalid catalog: %s", describe(err))
	}

	cat := &Catalog{}
	rewardIDs := make(map[string]bool, len(cj.Rewards))

	seen := make(map[string]bool)
	for _, r := range cj.Rewards {
		if err := unique(seen, "reward", r.ID); err != nil {
			return nil, err
		}
		rewardIDs[r.ID] = true
		level := r.MinimumUserLevel
		if level < 1 {
			level = 1
		}
		cat.Rewards = append(cat.Rewards, engine.RewardCatalogItem{
			ID:                r.ID,
			Name:              r.Name,
			Description:       r.Description,
			PointsCost:        r.PointsCost,
			MinimumUserLevel:  level,
			AvailableQuantity: r.AvailableQuantity,
			IsActive:          r.IsActive,
		})
	}

	seen = make(map[string]bool)
	for _, a := range cj.Achievements {
		if err := unique(seen, "achievement", a.ID); err != nil {
			return nil, err
		}
		if a.IsRepeatable && a.RepeatCooldownDays == 0 {
			return nil, engine.NewValidationError("achievement %s: repeatable achievements need a cooldown", a.ID)
		}
		cat.Achievements = append(cat.Achievements, engine.AchievementDefinition{
			ID:                  a.ID,
			Name:                a.Name,
			Description:         a.Description,
			RequiredActionType:  a.RequiredActionType,
			RequiredActionCount: a.RequiredActionCount,
			PointsAwarded:       a.PointsAwarded,
			IsRepeatable:        a.IsRepeatable,
			RepeatCooldownDays:  a.RepeatCooldownDays,
			IsActive:            a.IsActive,
		})
	}

	seen = make(map[string]bool)
	for _, c := range cj.Challenges {
		if err := unique(seen, "challenge", c.ID); err != nil {
			return nil, err
		}
		def, err := f.challenge(c)
		if err != nil {
			return nil, err
		}
		if def.RewardID != "" && !rewardIDs[def.RewardID] {
			return nil, engine.NewValidationError("challenge %s: unknown reward %s", c.ID, def.RewardID)
		}
		cat.Challenges = append(cat.Challenges, def)
	}

	seen = make(map[string]bool)
	for _, l := range cj.Leaderboards {
		if err := unique(seen, "leaderboard", l.ID); err != nil {
			return nil, err
		}
		cat.Leaderboards = append(cat.Leaderboards, engine.LeaderboardDefinition{
			ID:           l.ID,
			Name:         l.Name,
			ScoreType:    engine.ScoreType(l.ScoreType),
			TimePeriod:   engine.TimePeriod(l.TimePeriod),
			RewardPoints: l.RewardPoints,
			IsActive:     l.IsActive,
		})
	}

	return cat, nil
}

func (f *CatalogFactory) challenge(c ChallengeJSON) (engine.ChallengeDefinition, error) {
	def := engine.ChallengeDefinition{
		ID:                  c.ID,
		Name:                c.Name,
		Description:         c.Description,
		RequiredActionType:  c.RequiredActionType,
		RequiredActionCount: c.RequiredActionCount,
		PointsAwarded:       c.PointsAwarded,
		RewardID:            c.RewardID,
		IsActive:            c.IsActive,
	}

	if c.StartDate != nil && c.EndDate != nil {
		def.StartDate = c.StartDate.UTC()
		def.EndDate = c.EndDate.UTC()
	} else {
		w, ok := engine.WindowFor(engine.TimePeriod(c.Period), f.clock())
		if !ok {
			return def, engine.NewValidationError("challenge %s: period %q has no window", c.ID, c.Period)
		}
		def.StartDate, def.EndDate = w.Start, w.End
	}

	if !def.EndDate.After(def.StartDate) {
		return def, engine.NewValidationError("challenge %s: end_date must be after start_date", c.ID)
	}
	return def, nil
}

func unique(seen map[string]bool, what, id string) error {
	if seen[id] {
		return engine.NewValidationError("duplicate %s id %s", what, id)
	}
	seen[id] = true
	return nil
}

// describe flattens validator errors into one line.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msg := ""
	for i, fe := range verrs {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
	}
	return msg
}

// =============================================================================
// SEEDING
// =============================================================================

// Seed writes every definition in one transaction.
func Seed(ctx context.Context, store engine.TxStore, cat *Catalog) error {
	return store.WithTx(ctx, func(s engine.Store) error {
		for _, item := range cat.Rewards {
			existing, err := s.GetCatalogItem(ctx, item.ID)
			if err != nil {
				return err
			}
			if existing != nil && existing.AvailableQuantity != nil && item.AvailableQuantity != nil {
				item.AvailableQuantity = existing.AvailableQuantity
			}
			if err := s.SaveCatalogItem(ctx, item); err != nil {
				return fmt.Errorf("failed to seed reward %s: %w", item.ID, err)
			}
		}
		for _, def := range cat.Achievements {
			if err := s.SaveAchievement(ctx, def); err != nil {
				return fmt.Errorf("failed to seed achievement %s: %w", def.ID, err)
			}
		}
		for _, def := range cat.Challenges {
			if err := s.SaveChallenge(ctx, def); err != nil {
				return fmt.Errorf("failed to seed challenge %s: %w", def.ID, err)
			}
		}
		for _, def := range cat.Leaderboards {
			if err := s.SaveLeaderboard(ctx, def); err != nil {
				return fmt.Errorf("failed to seed leaderboard %s: %w", def.ID, err)
			}
		}
		return nil
	})
}
