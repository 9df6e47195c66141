package sqlite_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/progression-engine/engine"
	"github.com/warp/progression-engine/ledger"
	"github.com/warp/progression-engine/rewards"
	"github.com/warp/progression-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2026, time.October, 16, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newLedger(s *sqlite.Store) (*ledger.Ledger, *engine.Runner) {
	runner := engine.NewRunner(s, nil, zap.NewNop())
	return ledger.New(runner, engine.DefaultLevelCurve(), func() time.Time { return testNow }), runner
}

// =============================================================================
// LEDGER TESTS
// =============================================================================

func TestApplyBalance_GuardedDebit(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	b, err := s.ApplyBalance(ctx, "u1", engine.KindEarned, 100, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Available)

	_, err = s.ApplyBalance(ctx, "u1", engine.KindRedeemed, 150, testNow)
	var insufficient *engine.InsufficientPointsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(100), insufficient.Available)

	b, err = s.ApplyBalance(ctx, "u1", engine.KindExpired, 40, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(60), b.Available)
	assert.Equal(t, int64(40), b.Expired)
	assert.True(t, b.Reconciles())
}

func TestLedger_PostAndHistory(t *testing.T) {
	s := newStore(t)
	l, _ := newLedger(s)
	ctx := context.Background()

	_, err := l.PostTransaction(ctx, ledger.Entry{UserID: "u1", Amount: 300, Kind: engine.KindEarned, ActionType: engine.ActionSurveyCompletion, ReferenceID: "s1"})
	require.NoError(t, err)
	b, err := l.Deduct(ctx, "u1", 50, "manual", engine.ActorAdmin)
	require.NoError(t, err)

	assert.Equal(t, int64(250), b.Available)
	assert.Equal(t, 3, b.Level)

	txs, err := l.History(ctx, "u1", testNow.Add(-time.Hour), testNow.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "s1", txs[0].ReferenceID)
	assert.Equal(t, engine.ActorAdmin, txs[1].Actor)
	assert.True(t, txs[0].CreatedAt.Equal(testNow))

	audit, err := l.Reconcile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, audit.Consistent)
}

func TestLedger_ConcurrentDeduct_NeverOverdraws(t *testing.T) {
	// GIVEN: A balance of 100
	// WHEN: Five concurrent deductions of 30 run
	// THEN: Exactly three succeed and available ends at 10

	s := newStore(t)
	l, _ := newLedger(s)
	ctx := context.Background()
	_, err := l.PostTransaction(ctx, ledger.Entry{UserID: "u1", Amount: 100, Kind: engine.KindEarned, ActionType: engine.ActionSurveyCompletion})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		okCount int
		failed  int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Deduct(ctx, "u1", 30, "", engine.ActorUser)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				okCount++
			} else if errors.Is(err, engine.ErrInsufficientPoints) {
				failed++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, okCount)
	assert.Equal(t, 2, failed)

	b, err := l.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Available)
}

func TestWithTx_RollsBack(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(st engine.Store) error {
		if _, err := st.ApplyBalance(ctx, "u1", engine.KindEarned, 10, testNow); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	b, err := s.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestSumEarned_Window(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for _, tx := range []engine.PointTransaction{
		{UserID: "a", Amount: 10, Kind: engine.KindEarned, ActionType: "x", Actor: engine.ActorSystem, CreatedAt: testNow},
		{UserID: "a", Amount: 5, Kind: engine.KindEarned, ActionType: "x", Actor: engine.ActorSystem, CreatedAt: testNow.AddDate(0, 0, -10)},
		{UserID: "a", Amount: 99, Kind: engine.KindAdjusted, ActionType: "x", Actor: engine.ActorAdmin, CreatedAt: testNow},
		{UserID: "b", Amount: 7, Kind: engine.KindEarned, ActionType: "x", Actor: engine.ActorSystem, CreatedAt: testNow},
		{UserID: "b", Amount: 30, Kind: engine.KindEarned, ActionType: engine.ActionLeaderboardReward, Actor: engine.ActorSystem, CreatedAt: testNow},
	} {
		tx := tx
		require.NoError(t, s.AppendTransaction(ctx, &tx))
	}

	w, _ := engine.WindowFor(engine.PeriodWeekly, testNow)
	sums, err := s.SumEarned(ctx, w.Start, w.End)
	require.NoError(t, err)
	assert.Equal(t, map[engine.UserID]int64{"a": 10, "b": 7}, sums)

	all, err := s.SumEarned(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(15), all["a"])
}

// =============================================================================
// PROGRESS TESTS
// =============================================================================

func TestSaveAchievementProgress_VersionCheck(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveAchievement(ctx, engine.AchievementDefinition{
		ID: "a1", Name: "A1", RequiredActionType: "x", RequiredActionCount: 1, IsActive: true,
	}))

	now := testNow
	p := engine.UserAchievementProgress{UserID: "u1", AchievementID: "a1", EarnedCount: 1, LastEarnedDate: &now}
	require.NoError(t, s.SaveAchievementProgress(ctx, p, 0))

	// a second first-award loses
	err := s.SaveAchievementProgress(ctx, p, 0)
	assert.ErrorIs(t, err, engine.ErrConcurrentModification)

	p.EarnedCount = 2
	require.NoError(t, s.SaveAchievementProgress(ctx, p, 1))
	err = s.SaveAchievementProgress(ctx, p, 1)
	assert.ErrorIs(t, err, engine.ErrConcurrentModification)

	got, err := s.GetAchievementProgress(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.EarnedCount)
	assert.True(t, got.LastEarnedDate.Equal(now))
}

func TestListRunningChallenges(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	base := engine.ChallengeDefinition{
		Name: "c", StartDate: testNow.AddDate(0, 0, -1), EndDate: testNow.AddDate(0, 0, 1),
		RequiredActionType: engine.ActionSurveyCompletion, RequiredActionCount: 3, IsActive: true,
	}
	running := base
	running.ID = "running"
	future := base
	future.ID = "future"
	future.StartDate = testNow.AddDate(0, 0, 2)
	future.EndDate = testNow.AddDate(0, 0, 3)
	logins := base
	logins.ID = "logins"
	logins.RequiredActionType = engine.ActionLogin

	for _, c := range []engine.ChallengeDefinition{running, future, logins} {
		require.NoError(t, s.SaveChallenge(ctx, c))
	}

	defs, err := s.ListRunningChallenges(ctx, testNow, engine.ActionSurveyCompletion)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "running", defs[0].ID)

	defs, err = s.ListRunningChallenges(ctx, testNow, "")
	require.NoError(t, err)
	assert.Len(t, defs, 2)
}

// =============================================================================
// LEADERBOARD TESTS
// =============================================================================

func TestReplaceEntries_SwapsWholeSet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveLeaderboard(ctx, engine.LeaderboardDefinition{
		ID: "lb", Name: "LB", ScoreType: engine.ScorePoints, TimePeriod: engine.PeriodDaily, IsActive: true,
	}))

	first := []engine.LeaderboardEntry{
		{LeaderboardID: "lb", UserID: "a", Score: 10, Rank: 1, PeriodKey: "k", UpdatedAt: testNow},
		{LeaderboardID: "lb", UserID: "b", Score: 5, Rank: 2, PeriodKey: "k", UpdatedAt: testNow},
	}
	require.NoError(t, s.ReplaceEntries(ctx, "lb", first))

	prev := 1
	second := []engine.LeaderboardEntry{
		{LeaderboardID: "lb", UserID: "c", Score: 20, Rank: 1, PeriodKey: "k", UpdatedAt: testNow},
		{LeaderboardID: "lb", UserID: "a", Score: 10, Rank: 2, PreviousRank: &prev, IsRewarded: true, PeriodKey: "k", UpdatedAt: testNow},
	}
	require.NoError(t, s.ReplaceEntries(ctx, "lb", second))

	got, err := s.ListEntries(ctx, "lb")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, engine.UserID("c"), got[0].UserID)
	assert.Nil(t, got[0].PreviousRank)
	require.NotNil(t, got[1].PreviousRank)
	assert.Equal(t, 1, *got[1].PreviousRank)
	assert.True(t, got[1].IsRewarded)
}

func TestReplaceEntries_DuplicateUser_KeepsPriorSet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveLeaderboard(ctx, engine.LeaderboardDefinition{
		ID: "lb", Name: "LB", ScoreType: engine.ScorePoints, TimePeriod: engine.PeriodDaily, IsActive: true,
	}))
	require.NoError(t, s.ReplaceEntries(ctx, "lb", []engine.LeaderboardEntry{
		{LeaderboardID: "lb", UserID: "a", Score: 1, Rank: 1, UpdatedAt: testNow},
	}))

	err := s.ReplaceEntries(ctx, "lb", []engine.LeaderboardEntry{
		{LeaderboardID: "lb", UserID: "b", Score: 2, Rank: 1, UpdatedAt: testNow},
		{LeaderboardID: "lb", UserID: "b", Score: 2, Rank: 1, UpdatedAt: testNow},
	})
	require.Error(t, err)

	got, err := s.ListEntries(ctx, "lb")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, engine.UserID("a"), got[0].UserID)
}

// =============================================================================
// REWARD TESTS
// =============================================================================

func TestDecrementStock(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	one := int64(1)
	require.NoError(t, s.SaveCatalogItem(ctx, engine.RewardCatalogItem{ID: "r", Name: "R", PointsCost: 1, MinimumUserLevel: 1, AvailableQuantity: &one, IsActive: true}))
	require.NoError(t, s.SaveCatalogItem(ctx, engine.RewardCatalogItem{ID: "u", Name: "U", PointsCost: 1, MinimumUserLevel: 1, IsActive: true}))

	require.NoError(t, s.DecrementStock(ctx, "r"))
	assert.ErrorIs(t, s.DecrementStock(ctx, "r"), engine.ErrOutOfStock)
	assert.True(t, engine.IsNotFound(s.DecrementStock(ctx, "missing")))

	require.NoError(t, s.DecrementStock(ctx, "u"))
	item, err := s.GetCatalogItem(ctx, "u")
	require.NoError(t, err)
	assert.Nil(t, item.AvailableQuantity)
}

func TestRedemptionWorkflow_SQLite(t *testing.T) {
	// GIVEN: One unit of stock and two funded users on SQLite
	// WHEN: Both redeem, then the winner claims twice
	// THEN: One grant, one OutOfStock, and the second claim conflicts

	s := newStore(t)
	l, runner := newLedger(s)
	svc := rewards.New(runner, l, func() time.Time { return testNow })
	ctx := context.Background()

	one := int64(1)
	require.NoError(t, s.SaveCatalogItem(ctx, engine.RewardCatalogItem{
		ID: "mug", Name: "Mug", PointsCost: 40, MinimumUserLevel: 1, AvailableQuantity: &one, IsActive: true,
	}))
	for _, u := range []engine.UserID{"a", "b"} {
		_, err := l.PostTransaction(ctx, ledger.Entry{UserID: u, Amount: 50, Kind: engine.KindEarned, ActionType: engine.ActionSurveyCompletion})
		require.NoError(t, err)
	}

	grant, err := svc.RedeemReward(ctx, "a", "mug")
	require.NoError(t, err)
	_, err = svc.RedeemReward(ctx, "b", "mug")
	assert.ErrorIs(t, err, engine.ErrOutOfStock)

	bal, err := l.GetBalance(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal.Available)

	_, err = svc.ClaimGrant(ctx, grant.ID, "a")
	require.NoError(t, err)
	_, err = svc.ClaimGrant(ctx, grant.ID, "a")
	assert.ErrorIs(t, err, engine.ErrConflict)

	delivered, err := svc.ProcessDelivery(ctx, grant.ID, engine.GrantDelivered)
	require.NoError(t, err)
	assert.Equal(t, engine.GrantDelivered, delivered.Status)

	stored, err := s.GetGrant(ctx, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.GrantDelivered, stored.Status)
	require.NotNil(t, stored.ClaimedDate)
	assert.Equal(t, string(engine.GrantDelivered), stored.DeliveryStatus)

	notes, err := s.ListNotifications(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, notes, 2)
}

// =============================================================================
// ENGAGEMENT TESTS
// =============================================================================

func TestEngagement(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordParticipation(ctx, engine.Participation{UserID: "u1", SurveyID: "s1", CompletedAt: testNow}))
	err := s.RecordParticipation(ctx, engine.Participation{UserID: "u1", SurveyID: "s1", CompletedAt: testNow})
	assert.ErrorIs(t, err, engine.ErrConflict)

	counts, err := s.ParticipationCounts(ctx, testNow.Add(-time.Minute), testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["u1"])

	n, err := s.IncrementCounter(ctx, "u1", engine.ActionLogin, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.IncrementCounter(ctx, "u1", engine.ActionLogin, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	stats, err := s.Counters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Get(engine.ActionLogin))

	require.NoError(t, s.SaveStreak(ctx, engine.LoginStreak{UserID: "u1", Current: 2, Longest: 5, LastLoginDate: testNow}))
	streak, err := s.GetStreak(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), streak.Longest)
	assert.True(t, streak.LastLoginDate.Equal(testNow))
}
