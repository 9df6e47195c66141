package store

import (
	"context"
	"time"

	"github.com/warp/progression-engine/engine"
)

// =============================================================================
// LOCKED ACCESS - Memory outside WithTx
// =============================================================================

var (
	_ engine.TxStore = (*Memory)(nil)
	_ engine.Store   = (*state)(nil)
)

func (m *Memory) AppendTransaction(ctx context.Context, tx *engine.PointTransaction) error {
	s, unlock := m.write()
	defer unlock()
	return s.AppendTransaction(ctx, tx)
}

func (m *Memory) LoadTransactions(ctx context.Context, userID engine.UserID, from, to time.Time) ([]engine.PointTransaction, error) {
	s, unlock := m.read()
	defer unlock()
	return s.LoadTransactions(ctx, userID, from, to)
}

func (m *Memory) GetBalance(ctx context.Context, userID engine.UserID) (*engine.PointBalance, error) {
	s, unlock := m.read()
	defer unlock()
	return s.GetBalance(ctx, userID)
}

func (m *Memory) EnsureBalance(ctx context.Context, userID engine.UserID, at time.Time) (engine.PointBalance, error) {
	s, unlock := m.write()
	defer unlock()
	return s.EnsureBalance(ctx, userID, at)
}

func (m *Memory) ApplyBalance(ctx context.Context, userID engine.UserID, kind engine.TransactionKind, amount int64, at time.Time) (engine.PointBalance, error) {
	s, unlock := m.write()
	defer unlock()
	return s.ApplyBalance(ctx, userID, kind, amount, at)
}

func (m *Memory) SetLevel(ctx context.Context, userID engine.UserID, level int) error {
	s, unlock := m.write()
	defer unlock()
	return s.SetLevel(ctx, userID, level)
}

func (m *Memory) SumEarned(ctx context.Context, from, to time.Time) (map[engine.UserID]int64, error) {
	s, unlock := m.read()
	defer unlock()
	return s.SumEarned(ctx, from, to)
}

func (m *Memory) SaveAchievement(ctx context.Context, def engine.AchievementDefinition) error {
	s, unlock := m.write()
	defer unlock()
	return s.SaveAchievement(ctx, def)
}

func (m *Memory) GetAchievement(ctx context.Context, id string) (*engine.AchievementDefinition, error) {
	s, unlock := m.read()
	defer unlock()
	return s.GetAchievement(ctx, id)
}

func (m *Memory) ListAchievements(ctx context.Context, activeOnly bool) ([]engine.AchievementDefinition, error) {
	s, unlock := m.read()
	defer unlock()
	return s.ListAchievements(ctx, activeOnly)
}

func (m *Memory) GetAchievementProgress(ctx context.Context, userID engine.UserID, achievementID string) (*engine.UserAchievementProgress, error) {
	s, unlock := m.read()
	defer unlock()
	return s.GetAchievementProgress(ctx, userID, achievementID)
}

func (m *Memory) SaveAchievementProgress(ctx context.Context, p engine.UserAchievementProgress, expectedCount int) error {
	s, unlock := m.write()
	defer unlock()
	return s.SaveAchievementProgress(ctx, p, expectedCount)
}

func (m *Memory) ListAchievementProgress(ctx context.Context, userID engine.UserID) ([]engine.UserAchievementProgress, error) {
	s, unlock := m.read()
	defer unlock()
	return s.ListAchievementProgress(ctx, userID)
}

func (m *Memory) SaveChallenge(ctx context.Context, def engine.ChallengeDefinition) error {
	s, unlock := m.write()
	defer unlock()
	return s.SaveChallenge(ctx, def)
}

func (m *Memory) GetChallenge(ctx context.Context, id string) (*engine.ChallengeDefinition, error) {
	s, unlock := m.read()
	defer unlock()
	return s.GetChallenge(ctx, id)
}

func (m *Memory) ListRunningChallenges(ctx context.Context, at time.Time, actionType string) ([]engine.ChallengeDefinition, error) {
	s, unlock := m.read()
	defer unlock()
	return s.ListRunningChallenges(ctx, at, actionType)
}

func (m *Memory) GetChallengeProgress(ctx context.Context, userID engine.UserID, challengeID string) (*engine.UserChallengeProgress, error) {
	s, unlock := m.read()
	defer unlock()
	return s.GetChallengeProgress(ctx, userID, challengeID)
}

func (m *Memory) SaveChallengeProgress(ctx context.Context, p engine.UserChallengeProgress, expected *engine.UserChallengeProgress) error {
	s, unlock := m.write()
	defer unlock()
	return s.SaveChallengeProgress(ctx, p, expected)
}

func (m *Memory) ListChallengeProgress(ctx context.Context, userID engine.UserID) ([]engine.UserChallengeProgress, error) {
	s, unlock := m.read()
	defer unlock()
	return s.ListChallengeProgress(ctx, userID)
}

func (m *Memory) SaveLeaderboard(ctx context.Context, def engine.LeaderboardDefinition) error {
	s, unlock := m.write()
	defer unlock()
	return s.SaveLeaderboard(ctx, def)
}

func (m *Memory) GetLeaderboard(ctx context.Context, id string) (*engine.LeaderboardDefinition, error) {
	s, unlock := m.read()
	defer unlock()
	return s.GetLeaderboard(ctx, id)
}

func (m *Memory) ListLeaderboards(ctx context.Context, activeOnly bool) ([]engine.LeaderboardDefinition, error) {
	s, unlock := m.read()
	defer unlock()
	return s.ListLeaderboards(ctx, activeOnly)
}

func (m *Memory) ListEntries(ctx context.Context, leaderboardID string) ([]engine.LeaderboardEntry, error) {
	s, unlock := m.read()
	defer unlock()
	return s.ListEntries(ctx, leaderboardID)
}

func (m *Memory) ReplaceEntries(ctx context.Context, leaderboardID string, entries []engine.LeaderboardEntry) error {
	s, unlock := m.write()
	defer unlock()
	return s.ReplaceEntries(ctx, leaderboardID, entries)
}

func (m *Memory) SaveRun(ctx context.Context, run engine.LeaderboardRun) error {
	s, unlock := m.write()
	defer unlock()
	return s.SaveRun(ctx, run)
}

func (m *Memory) ListRuns(ctx context.Context, leaderboardID string, limit int) ([]engine.LeaderboardRun, error) {
	s, unlock := m.read()
	defer unlock()
	return s.ListRuns(ctx, leaderboardID, limit)
}

func (m *Memory) SaveCatalogItem(ctx context.Context, item engine.RewardCatalogItem) error {
	s, unlock := m.write()
	defer unlock()
	return s.SaveCatalogItem(ctx, item)
}

func (m *Memory) GetCatalogItem(ctx context.Context, id string) (*engine.RewardCatalogItem, error) {
	s, unlock := m.read()
	defer unlock()
	return s.GetCatalogItem(ctx, id)
}

func (m *Memory) ListCatalogItems(ctx context.Context, activeOnly bool) ([]engine.RewardCatalogItem, error) {
	s, unlock := m.read()
	defer unlock()
	return s.ListCatalogItems(ctx, activeOnly)
}

func (m *Memory) DecrementStock(ctx context.Context, rewardID string) error {
	s, unlock := m.write()
	defer unlock()
	return s.DecrementStock(ctx, rewardID)
}

func (m *Memory) CreateGrant(ctx context.Context, g *engine.UserRewardGrant) error {
	s, unlock := m.write()
	defer unlock()
	return s.CreateGrant(ctx, g)
}

func (m *Memory) GetGrant(ctx context.Context, id int64) (*engine.UserRewardGrant, error) {
	s, unlock := m.read()
	defer unlock()
	return s.GetGrant(ctx, id)
}

func (m *Memory) ListGrants(ctx context.Context, userID engine.UserID) ([]engine.UserRewardGrant, error) {
	s, unlock := m.read()
	defer unlock()
	return s.ListGrants(ctx, userID)
}

func (m *Memory) TransitionGrant(ctx context.Context, g engine.UserRewardGrant, from engine.GrantStatus) error {
	s, unlock := m.write()
	defer unlock()
	return s.TransitionGrant(ctx, g, from)
}

func (m *Memory) RecordParticipation(ctx context.Context, p engine.Participation) error {
	s, unlock := m.write()
	defer unlock()
	return s.RecordParticipation(ctx, p)
}

func (m *Memory) ParticipationCounts(ctx context.Context, from, to time.Time) (map[engine.UserID]int64, error) {
	s, unlock := m.read()
	defer unlock()
	return s.ParticipationCounts(ctx, from, to)
}

func (m *Memory) GetStreak(ctx context.Context, userID engine.UserID) (*engine.LoginStreak, error) {
	s, unlock := m.read()
	defer unlock()
	return s.GetStreak(ctx, userID)
}

func (m *Memory) SaveStreak(ctx context.Context, st engine.LoginStreak) error {
	s, unlock := m.write()
	defer unlock()
	return s.SaveStreak(ctx, st)
}

func (m *Memory) ListStreaks(ctx context.Context) ([]engine.LoginStreak, error) {
	s, unlock := m.read()
	defer unlock()
	return s.ListStreaks(ctx)
}

func (m *Memory) IncrementCounter(ctx context.Context, userID engine.UserID, actionType string, by int64) (int64, error) {
	s, unlock := m.write()
	defer unlock()
	return s.IncrementCounter(ctx, userID, actionType, by)
}

func (m *Memory) Counters(ctx context.Context, userID engine.UserID) (engine.Stats, error) {
	s, unlock := m.read()
	defer unlock()
	return s.Counters(ctx, userID)
}

func (m *Memory) RecordNotification(ctx context.Context, n *engine.Notification) error {
	s, unlock := m.write()
	defer unlock()
	return s.RecordNotification(ctx, n)
}

func (m *Memory) ListNotifications(ctx context.Context, userID engine.UserID) ([]engine.Notification, error) {
	s, unlock := m.read()
	defer unlock()
	return s.ListNotifications(ctx, userID)
}
