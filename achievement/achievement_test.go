package achievement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/progression-engine/achievement"
	"github.com/warp/progression-engine/engine"
	"github.com/warp/progression-engine/engine/store"
	"github.com/warp/progression-engine/ledger"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	engine   *achievement.Engine
	ledger   *ledger.Ledger
	mem      *store.Memory
	clock    *testClock
	notifier *engine.RecordingNotifier
}

func newFixture(t *testing.T, tx engine.TxStore) fixture {
	t.Helper()
	mem := store.NewMemory()
	if tx == nil {
		tx = mem
	}
	clock := &testClock{now: time.Date(2026, time.October, 1, 9, 0, 0, 0, time.UTC)}
	notifier := &engine.RecordingNotifier{}
	runner := engine.NewRunner(tx, notifier, zap.NewNop())
	l := ledger.New(runner, engine.DefaultLevelCurve(), clock.Now)
	return fixture{
		engine:   achievement.New(runner, l, clock.Now),
		ledger:   l,
		mem:      mem,
		clock:    clock,
		notifier: notifier,
	}
}

func firstSurvey() engine.AchievementDefinition {
	return engine.AchievementDefinition{
		ID:                  "first-survey",
		Name:                "First Survey",
		RequiredActionType:  engine.ActionSurveyCompletion,
		RequiredActionCount: 1,
		PointsAwarded:       10,
		IsActive:            true,
	}
}

func weeklyRegular() engine.AchievementDefinition {
	return engine.AchievementDefinition{
		ID:                  "weekly-regular",
		Name:                "Weekly Regular",
		RequiredActionType:  engine.ActionLogin,
		RequiredActionCount: 1,
		PointsAwarded:       5,
		IsRepeatable:        true,
		RepeatCooldownDays:  7,
		IsActive:            true,
	}
}

// =============================================================================
// POLICY TESTS
// =============================================================================

func TestQualifies(t *testing.T) {
	now := time.Date(2026, time.October, 16, 0, 0, 0, 0, time.UTC)
	threeDaysAgo := now.AddDate(0, 0, -3)
	eightDaysAgo := now.AddDate(0, 0, -8)

	tests := []struct {
		name string
		def  engine.AchievementDefinition
		p    *engine.UserAchievementProgress
		want bool
	}{
		{"never earned", firstSurvey(), nil, true},
		{"non-repeatable earned", firstSurvey(), &engine.UserAchievementProgress{EarnedCount: 1, LastEarnedDate: &eightDaysAgo}, false},
		{"repeatable inside cooldown", weeklyRegular(), &engine.UserAchievementProgress{EarnedCount: 1, LastEarnedDate: &threeDaysAgo}, false},
		{"repeatable after cooldown", weeklyRegular(), &engine.UserAchievementProgress{EarnedCount: 1, LastEarnedDate: &eightDaysAgo}, true},
		{"repeatable without date", weeklyRegular(), &engine.UserAchievementProgress{EarnedCount: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, achievement.Qualifies(tt.def, tt.p, now))
		})
	}
}

// =============================================================================
// EVALUATION TESTS
// =============================================================================

func TestEvaluate_NonRepeatable_AwardedOnce(t *testing.T) {
	// GIVEN: "complete 1 survey" worth 10 points
	// WHEN: Evaluated twice with the same qualifying stats
	// THEN: earnedCount == 1 and 10 points were credited once

	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.mem.SaveAchievement(ctx, firstSurvey()))

	stats := engine.Stats{engine.ActionSurveyCompletion: 1}

	awards, err := f.engine.EvaluateAchievements(ctx, "u1", stats)
	require.NoError(t, err)
	require.Len(t, awards, 1)
	require.NotNil(t, awards[0].Transaction)
	assert.Equal(t, "first-survey", awards[0].Transaction.ReferenceID)

	awards, err = f.engine.EvaluateAchievements(ctx, "u1", stats)
	require.NoError(t, err)
	assert.Empty(t, awards)

	p, err := f.mem.GetAchievementProgress(ctx, "u1", "first-survey")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 1, p.EarnedCount)

	bal, err := f.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal.Total)

	sent := f.notifier.For("u1")
	require.Len(t, sent, 1)
	assert.Equal(t, engine.RefAchievement, sent[0].ReferenceType)
}

func TestEvaluate_BelowThreshold_NoProgressRow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	def := firstSurvey()
	def.RequiredActionCount = 3
	require.NoError(t, f.mem.SaveAchievement(ctx, def))

	awards, err := f.engine.EvaluateAchievements(ctx, "u1", engine.Stats{engine.ActionSurveyCompletion: 2})
	require.NoError(t, err)
	assert.Empty(t, awards)

	p, err := f.mem.GetAchievementProgress(ctx, "u1", def.ID)
	require.NoError(t, err)
	assert.Nil(t, p, "progress exists only once the user qualifies")
}

func TestEvaluate_Repeatable_RespectsCooldown(t *testing.T) {
	// GIVEN: Repeatable achievement with a 7-day cooldown, earned today
	// WHEN: Re-qualifying on day 3, then on day 8
	// THEN: Day 3 is a no-op; day 8 increments earnedCount

	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.mem.SaveAchievement(ctx, weeklyRegular()))
	stats := engine.Stats{engine.ActionLogin: 1}

	_, err := f.engine.EvaluateAchievements(ctx, "u1", stats)
	require.NoError(t, err)

	f.clock.Advance(3 * 24 * time.Hour)
	awards, err := f.engine.EvaluateAchievements(ctx, "u1", stats)
	require.NoError(t, err)
	assert.Empty(t, awards, "day 3 is inside the cooldown")

	f.clock.Advance(5 * 24 * time.Hour)
	awards, err = f.engine.EvaluateAchievements(ctx, "u1", stats)
	require.NoError(t, err)
	require.Len(t, awards, 1)
	assert.Equal(t, 2, awards[0].Progress.EarnedCount)

	bal, err := f.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal.Total)
}

func TestEvaluate_InactiveDefinition_Ignored(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	def := firstSurvey()
	def.IsActive = false
	require.NoError(t, f.mem.SaveAchievement(ctx, def))

	awards, err := f.engine.EvaluateAchievements(ctx, "u1", engine.Stats{engine.ActionSurveyCompletion: 5})
	require.NoError(t, err)
	assert.Empty(t, awards)
}

// =============================================================================
// ATOMICITY TESTS
// =============================================================================

// brokenOutbox fails every notification write made inside a transaction.
type brokenOutbox struct{ engine.Store }

func (brokenOutbox) RecordNotification(context.Context, *engine.Notification) error {
	return errors.New("outbox unavailable")
}

type brokenOutboxTx struct{ *store.Memory }

func (b brokenOutboxTx) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	return b.Memory.WithTx(ctx, func(s engine.Store) error { return fn(brokenOutbox{s}) })
}

func TestEvaluate_NotificationFailure_RollsBackAward(t *testing.T) {
	// GIVEN: The notification record cannot be written
	// WHEN: A qualifying evaluation runs
	// THEN: No progress row, no points, and the error is reported

	mem := store.NewMemory()
	f := newFixture(t, brokenOutboxTx{mem})
	f.mem = mem
	ctx := context.Background()
	require.NoError(t, mem.SaveAchievement(ctx, firstSurvey()))

	awards, err := f.engine.EvaluateAchievements(ctx, "u1", engine.Stats{engine.ActionSurveyCompletion: 1})
	require.Error(t, err)
	assert.Empty(t, awards)

	p, err := mem.GetAchievementProgress(ctx, "u1", "first-survey")
	require.NoError(t, err)
	assert.Nil(t, p)

	bal, err := mem.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, bal, "the rolled-back unit never created a balance")
	assert.Empty(t, f.notifier.Sent())
}

// =============================================================================
// MANUAL GRANT TESTS
// =============================================================================

func TestGrant_DuplicateNonRepeatable_Conflict(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.mem.SaveAchievement(ctx, firstSurvey()))

	award, err := f.engine.Grant(ctx, "u1", "first-survey", engine.ActorAdmin)
	require.NoError(t, err)
	assert.Equal(t, 1, award.Progress.EarnedCount)

	txs, err := f.ledger.History(ctx, "u1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, engine.ActorAdmin, txs[0].Actor)

	_, err = f.engine.Grant(ctx, "u1", "first-survey", engine.ActorAdmin)
	assert.ErrorIs(t, err, engine.ErrConflict)
}

func TestGrant_UnknownDefinition_NotFound(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.Grant(context.Background(), "u1", "missing", engine.ActorAdmin)
	assert.True(t, engine.IsNotFound(err))
}
