package factory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/progression-engine/engine"
	"github.com/warp/progression-engine/engine/store"
	"github.com/warp/progression-engine/factory"
)

var testNow = time.Date(2026, time.October, 16, 9, 0, 0, 0, time.UTC)

func newFactory() *factory.CatalogFactory {
	return factory.NewCatalogFactory(func() time.Time { return testNow })
}

func TestParse_DefaultCatalog(t *testing.T) {
	cat, err := newFactory().Parse([]byte(factory.DefaultCatalogJSON))
	require.NoError(t, err)

	assert.Len(t, cat.Achievements, 4)
	assert.Len(t, cat.Challenges, 2)
	assert.Len(t, cat.Leaderboards, 3)
	assert.Len(t, cat.Rewards, 3)

	weekly := cat.Challenges[0]
	assert.Equal(t, time.Date(2026, time.October, 12, 0, 0, 0, 0, time.UTC), weekly.StartDate)
	assert.True(t, weekly.Running(testNow))
	assert.Equal(t, "sticker-pack", weekly.RewardID)

	assert.Nil(t, cat.Rewards[0].AvailableQuantity)
	require.NotNil(t, cat.Rewards[1].AvailableQuantity)
	assert.Equal(t, int64(100), *cat.Rewards[1].AvailableQuantity)
}

func TestParse_ExplicitDates(t *testing.T) {
	cat, err := newFactory().Parse([]byte(`{"challenges": [
		{"id": "c", "name": "C", "start_date": "2026-11-01T00:00:00Z", "end_date": "2026-11-30T23:59:59Z",
		 "required_action_type": "Login", "required_action_count": 10, "points_awarded": 5, "is_active": true}
	]}`))
	require.NoError(t, err)
	require.Len(t, cat.Challenges, 1)
	assert.Equal(t, 11, int(cat.Challenges[0].StartDate.Month()))
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"malformed", `{"achievements": [`},
		{"missing id", `{"achievements": [{"name": "x", "required_action_type": "Login", "required_action_count": 1}]}`},
		{"zero count", `{"achievements": [{"id": "a", "name": "x", "required_action_type": "Login", "required_action_count": 0}]}`},
		{"repeatable without cooldown", `{"achievements": [{"id": "a", "name": "x", "required_action_type": "Login", "required_action_count": 1, "is_repeatable": true}]}`},
		{"bad score type", `{"leaderboards": [{"id": "l", "name": "x", "score_type": "karma", "time_period": "daily"}]}`},
		{"challenge without window", `{"challenges": [{"id": "c", "name": "x", "required_action_type": "Login", "required_action_count": 1}]}`},
		{"unknown reward", `{"challenges": [{"id": "c", "name": "x", "period": "weekly", "required_action_type": "Login", "required_action_count": 1, "reward_id": "nope"}]}`},
		{"duplicate ids", `{"rewards": [{"id": "r", "name": "x", "points_cost": 1}, {"id": "r", "name": "y", "points_cost": 1}]}`},
		{"negative stock", `{"rewards": [{"id": "r", "name": "x", "points_cost": 1, "available_quantity": -1}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newFactory().Parse([]byte(tt.json))
			assert.Error(t, err)
		})
	}
}

func TestParse_ValidationErrorsAreClassified(t *testing.T) {
	_, err := newFactory().Parse([]byte(`{"rewards": [{"name": "x"}]}`))
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestWeeklySurveyChallengeJSON(t *testing.T) {
	cat, err := newFactory().Parse([]byte(factory.WeeklySurveyChallengeJSON("c1", "Campaign", 4, 80)))
	require.NoError(t, err)
	require.Len(t, cat.Challenges, 1)
	assert.Equal(t, int64(4), cat.Challenges[0].RequiredActionCount)
	assert.Equal(t, int64(80), cat.Challenges[0].PointsAwarded)
}

func TestSeed_KeepsRemainingStock(t *testing.T) {
	// GIVEN: A seeded catalog whose finite item has been partly redeemed
	// WHEN: The catalog is seeded again
	// THEN: The remaining quantity is kept

	mem := store.NewMemory()
	ctx := context.Background()
	cat, err := newFactory().Parse([]byte(factory.DefaultCatalogJSON))
	require.NoError(t, err)

	require.NoError(t, factory.Seed(ctx, mem, cat))
	require.NoError(t, mem.DecrementStock(ctx, "gift-card-5"))
	require.NoError(t, factory.Seed(ctx, mem, cat))

	item, err := mem.GetCatalogItem(ctx, "gift-card-5")
	require.NoError(t, err)
	assert.Equal(t, int64(99), *item.AvailableQuantity)

	lbs, err := mem.ListLeaderboards(ctx, true)
	require.NoError(t, err)
	assert.Len(t, lbs, 3)

	achievements, err := mem.ListAchievements(ctx, true)
	require.NoError(t, err)
	assert.Len(t, achievements, 4)
}
