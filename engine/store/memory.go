// Package store provides an in-memory engine.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/progression-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a TxStore backed by maps. WithTx holds the write lock for the
// whole closure, so units are serialized and rollback restores a snapshot.
type Memory struct {
	mu sync.RWMutex
	st *state
}

type progressKey struct {
	UserID engine.UserID
	DefID  string
}

type participationKey struct {
	UserID   engine.UserID
	SurveyID string
}

type state struct {
	transactions []engine.PointTransaction
	nextTxID     int64
	balances     map[engine.UserID]engine.PointBalance

	achievements map[string]engine.AchievementDefinition
	achProgress  map[progressKey]engine.UserAchievementProgress

	challenges map[string]engine.ChallengeDefinition
	chProgress map[progressKey]engine.UserChallengeProgress

	leaderboards map[string]engine.LeaderboardDefinition
	entries      map[string][]engine.LeaderboardEntry
	runs         map[string][]engine.LeaderboardRun

	catalog     map[string]engine.RewardCatalogItem
	grants      map[int64]engine.UserRewardGrant
	codes       map[string]bool
	nextGrantID int64

	participations map[participationKey]engine.Participation
	streaks        map[engine.UserID]engine.LoginStreak
	counters       map[engine.UserID]engine.Stats

	notifications []engine.Notification
	nextNotifID   int64
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

func newState() *state {
	return &state{
		balances:       make(map[engine.UserID]engine.PointBalance),
		achievements:   make(map[string]engine.AchievementDefinition),
		achProgress:    make(map[progressKey]engine.UserAchievementProgress),
		challenges:     make(map[string]engine.ChallengeDefinition),
		chProgress:     make(map[progressKey]engine.UserChallengeProgress),
		leaderboards:   make(map[string]engine.LeaderboardDefinition),
		entries:        make(map[string][]engine.LeaderboardEntry),
		runs:           make(map[string][]engine.LeaderboardRun),
		catalog:        make(map[string]engine.RewardCatalogItem),
		grants:         make(map[int64]engine.UserRewardGrant),
		codes:          make(map[string]bool),
		participations: make(map[participationKey]engine.Participation),
		streaks:        make(map[engine.UserID]engine.LoginStreak),
		counters:       make(map[engine.UserID]engine.Stats),
	}
}

// clone copies every map and slice. Values holding pointers are never
// mutated in place, so sharing them between snapshots is safe.
func (s *state) clone() *state {
	c := &state{
		transactions:   append([]engine.PointTransaction(nil), s.transactions...),
		nextTxID:       s.nextTxID,
		balances:       copyMap(s.balances),
		achievements:   copyMap(s.achievements),
		achProgress:    copyMap(s.achProgress),
		challenges:     copyMap(s.challenges),
		chProgress:     copyMap(s.chProgress),
		leaderboards:   copyMap(s.leaderboards),
		entries:        make(map[string][]engine.LeaderboardEntry, len(s.entries)),
		runs:           make(map[string][]engine.LeaderboardRun, len(s.runs)),
		catalog:        copyMap(s.catalog),
		grants:         copyMap(s.grants),
		codes:          copyMap(s.codes),
		nextGrantID:    s.nextGrantID,
		participations: copyMap(s.participations),
		streaks:        copyMap(s.streaks),
		counters:       make(map[engine.UserID]engine.Stats, len(s.counters)),
		notifications:  append([]engine.Notification(nil), s.notifications...),
		nextNotifID:    s.nextNotifID,
	}
	for k, v := range s.entries {
		c.entries[k] = append([]engine.LeaderboardEntry(nil), v...)
	}
	for k, v := range s.runs {
		c.runs[k] = append([]engine.LeaderboardRun(nil), v...)
	}
	for k, v := range s.counters {
		c.counters[k] = copyMap(v)
	}
	return c
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (m *Memory) read() (*state, func()) {
	m.mu.RLock()
	return m.st, m.mu.RUnlock
}

func (m *Memory) write() (*state, func()) {
	m.mu.Lock()
	return m.st, m.mu.Unlock
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *state) AppendTransaction(_ context.Context, tx *engine.PointTransaction) error {
	s.nextTxID++
	tx.ID = s.nextTxID
	s.transactions = append(s.transactions, *tx)
	return nil
}

func (s *state) LoadTransactions(_ context.Context, userID engine.UserID, from, to time.Time) ([]engine.PointTransaction, error) {
	var out []engine.PointTransaction
	for _, tx := range s.transactions {
		if tx.UserID == userID && inRange(tx.CreatedAt, from, to) {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *state) GetBalance(_ context.Context, userID engine.UserID) (*engine.PointBalance, error) {
	b, ok := s.balances[userID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *state) EnsureBalance(_ context.Context, userID engine.UserID, at time.Time) (engine.PointBalance, error) {
	b, ok := s.balances[userID]
	if !ok {
		b = engine.NewPointBalance(userID, at)
		s.balances[userID] = b
	}
	return b, nil
}

func (s *state) ApplyBalance(ctx context.Context, userID engine.UserID, kind engine.TransactionKind, amount int64, at time.Time) (engine.PointBalance, error) {
	b, _ := s.EnsureBalance(ctx, userID, at)
	if kind.IsDebit() && b.Available < amount {
		return b, &engine.InsufficientPointsError{UserID: userID, Available: b.Available, Requested: amount}
	}
	b = b.Apply(kind, amount)
	b.UpdatedAt = at
	s.balances[userID] = b
	return b, nil
}

func (s *state) SetLevel(_ context.Context, userID engine.UserID, level int) error {
	b, ok := s.balances[userID]
	if !ok {
		return engine.NewNotFoundError("balance", userID)
	}
	b.Level = level
	s.balances[userID] = b
	return nil
}

func (s *state) SumEarned(_ context.Context, from, to time.Time) (map[engine.UserID]int64, error) {
	out := make(map[engine.UserID]int64)
	for _, tx := range s.transactions {
		if tx.Kind == engine.KindEarned && tx.ActionType != engine.ActionLeaderboardReward && inRange(tx.CreatedAt, from, to) {
			out[tx.UserID] += tx.Amount
		}
	}
	return out, nil
}

// =============================================================================
// ACHIEVEMENTS
// =============================================================================

func (s *state) SaveAchievement(_ context.Context, def engine.AchievementDefinition) error {
	s.achievements[def.ID] = def
	return nil
}

func (s *state) GetAchievement(_ context.Context, id string) (*engine.AchievementDefinition, error) {
	def, ok := s.achievements[id]
	if !ok {
		return nil, nil
	}
	return &def, nil
}

func (s *state) ListAchievements(_ context.Context, activeOnly bool) ([]engine.AchievementDefinition, error) {
	var out []engine.AchievementDefinition
	for _, def := range s.achievements {
		if !activeOnly || def.IsActive {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) GetAchievementProgress(_ context.Context, userID engine.UserID, achievementID string) (*engine.UserAchievementProgress, error) {
	p, ok := s.achProgress[progressKey{userID, achievementID}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *state) SaveAchievementProgress(_ context.Context, p engine.UserAchievementProgress, expectedCount int) error {
	k := progressKey{p.UserID, p.AchievementID}
	current, ok := s.achProgress[k]
	if (!ok && expectedCount != 0) || (ok && current.EarnedCount != expectedCount) {
		return engine.ErrConcurrentModification
	}
	s.achProgress[k] = p
	return nil
}

func (s *state) ListAchievementProgress(_ context.Context, userID engine.UserID) ([]engine.UserAchievementProgress, error) {
	var out []engine.UserAchievementProgress
	for k, p := range s.achProgress {
		if k.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AchievementID < out[j].AchievementID })
	return out, nil
}

// =============================================================================
// CHALLENGES
// =============================================================================

func (s *state) SaveChallenge(_ context.Context, def engine.ChallengeDefinition) error {
	s.challenges[def.ID] = def
	return nil
}

func (s *state) GetChallenge(_ context.Context, id string) (*engine.ChallengeDefinition, error) {
	def, ok := s.challenges[id]
	if !ok {
		return nil, nil
	}
	return &def, nil
}

func (s *state) ListRunningChallenges(_ context.Context, at time.Time, actionType string) ([]engine.ChallengeDefinition, error) {
	var out []engine.ChallengeDefinition
	for _, def := range s.challenges {
		if !def.Running(at) {
			continue
		}
		if actionType != "" && def.RequiredActionType != actionType {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) GetChallengeProgress(_ context.Context, userID engine.UserID, challengeID string) (*engine.UserChallengeProgress, error) {
	p, ok := s.chProgress[progressKey{userID, challengeID}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *state) SaveChallengeProgress(_ context.Context, p engine.UserChallengeProgress, expected *engine.UserChallengeProgress) error {
	k := progressKey{p.UserID, p.ChallengeID}
	current, ok := s.chProgress[k]
	switch {
	case expected == nil && ok:
		return engine.ErrConcurrentModification
	case expected != nil && !ok:
		return engine.ErrConcurrentModification
	case expected != nil && (current.Progress != expected.Progress || current.IsCompleted != expected.IsCompleted):
		return engine.ErrConcurrentModification
	}
	s.chProgress[k] = p
	return nil
}

func (s *state) ListChallengeProgress(_ context.Context, userID engine.UserID) ([]engine.UserChallengeProgress, error) {
	var out []engine.UserChallengeProgress
	for k, p := range s.chProgress {
		if k.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChallengeID < out[j].ChallengeID })
	return out, nil
}

// =============================================================================
// LEADERBOARDS
// =============================================================================

func (s *state) SaveLeaderboard(_ context.Context, def engine.LeaderboardDefinition) error {
	s.leaderboards[def.ID] = def
	return nil
}

func (s *state) GetLeaderboard(_ context.Context, id string) (*engine.LeaderboardDefinition, error) {
	def, ok := s.leaderboards[id]
	if !ok {
		return nil, nil
	}
	return &def, nil
}

func (s *state) ListLeaderboards(_ context.Context, activeOnly bool) ([]engine.LeaderboardDefinition, error) {
	var out []engine.LeaderboardDefinition
	for _, def := range s.leaderboards {
		if !activeOnly || def.IsActive {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) ListEntries(_ context.Context, leaderboardID string) ([]engine.LeaderboardEntry, error) {
	out := append([]engine.LeaderboardEntry(nil), s.entries[leaderboardID]...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *state) ReplaceEntries(_ context.Context, leaderboardID string, entries []engine.LeaderboardEntry) error {
	seen := make(map[engine.UserID]bool, len(entries))
	for _, e := range entries {
		if seen[e.UserID] {
			return engine.NewConflictError("duplicate leaderboard entry for %s", e.UserID)
		}
		seen[e.UserID] = true
	}
	s.entries[leaderboardID] = append([]engine.LeaderboardEntry(nil), entries...)
	return nil
}

func (s *state) SaveRun(_ context.Context, run engine.LeaderboardRun) error {
	s.runs[run.LeaderboardID] = append(s.runs[run.LeaderboardID], run)
	return nil
}

func (s *state) ListRuns(_ context.Context, leaderboardID string, limit int) ([]engine.LeaderboardRun, error) {
	runs := s.runs[leaderboardID]
	var out []engine.LeaderboardRun
	for i := len(runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, runs[i])
	}
	return out, nil
}

// =============================================================================
// REWARDS
// =============================================================================

func (s *state) SaveCatalogItem(_ context.Context, item engine.RewardCatalogItem) error {
	s.catalog[item.ID] = item
	return nil
}

func (s *state) GetCatalogItem(_ context.Context, id string) (*engine.RewardCatalogItem, error) {
	item, ok := s.catalog[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *state) ListCatalogItems(_ context.Context, activeOnly bool) ([]engine.RewardCatalogItem, error) {
	var out []engine.RewardCatalogItem
	for _, item := range s.catalog {
		if !activeOnly || item.IsActive {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) DecrementStock(_ context.Context, rewardID string) error {
	item, ok := s.catalog[rewardID]
	if !ok {
		return engine.NewNotFoundError("reward", rewardID)
	}
	if item.AvailableQuantity == nil {
		return nil
	}
	if *item.AvailableQuantity <= 0 {
		return &engine.OutOfStockError{RewardID: rewardID}
	}
	left := *item.AvailableQuantity - 1
	item.AvailableQuantity = &left
	s.catalog[rewardID] = item
	return nil
}

func (s *state) CreateGrant(_ context.Context, g *engine.UserRewardGrant) error {
	if s.codes[g.RedemptionCode] {
		return engine.NewConflictError("redemption code %s already issued", g.RedemptionCode)
	}
	s.nextGrantID++
	g.ID = s.nextGrantID
	s.grants[g.ID] = *g
	s.codes[g.RedemptionCode] = true
	return nil
}

func (s *state) GetGrant(_ context.Context, id int64) (*engine.UserRewardGrant, error) {
	g, ok := s.grants[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (s *state) ListGrants(_ context.Context, userID engine.UserID) ([]engine.UserRewardGrant, error) {
	var out []engine.UserRewardGrant
	for _, g := range s.grants {
		if g.UserID == userID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) TransitionGrant(_ context.Context, g engine.UserRewardGrant, from engine.GrantStatus) error {
	current, ok := s.grants[g.ID]
	if !ok {
		return engine.NewNotFoundError("grant", g.ID)
	}
	if current.Status != from {
		return engine.NewConflictError("grant %d is %s, expected %s", g.ID, current.Status, from)
	}
	s.grants[g.ID] = g
	return nil
}

// =============================================================================
// ENGAGEMENT
// =============================================================================

func (s *state) RecordParticipation(_ context.Context, p engine.Participation) error {
	k := participationKey{p.UserID, p.SurveyID}
	if _, ok := s.participations[k]; ok {
		return engine.NewConflictError("survey %s already completed by %s", p.SurveyID, p.UserID)
	}
	s.participations[k] = p
	return nil
}

func (s *state) ParticipationCounts(_ context.Context, from, to time.Time) (map[engine.UserID]int64, error) {
	out := make(map[engine.UserID]int64)
	for _, p := range s.participations {
		if inRange(p.CompletedAt, from, to) {
			out[p.UserID]++
		}
	}
	return out, nil
}

func (s *state) GetStreak(_ context.Context, userID engine.UserID) (*engine.LoginStreak, error) {
	st, ok := s.streaks[userID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *state) SaveStreak(_ context.Context, st engine.LoginStreak) error {
	s.streaks[st.UserID] = st
	return nil
}

func (s *state) ListStreaks(_ context.Context) ([]engine.LoginStreak, error) {
	out := make([]engine.LoginStreak, 0, len(s.streaks))
	for _, st := range s.streaks {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *state) IncrementCounter(_ context.Context, userID engine.UserID, actionType string, by int64) (int64, error) {
	c, ok := s.counters[userID]
	if !ok {
		c = engine.Stats{}
		s.counters[userID] = c
	}
	c[actionType] += by
	return c[actionType], nil
}

func (s *state) Counters(_ context.Context, userID engine.UserID) (engine.Stats, error) {
	return copyMap(s.counters[userID]), nil
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func (s *state) RecordNotification(_ context.Context, n *engine.Notification) error {
	s.nextNotifID++
	n.ID = s.nextNotifID
	s.notifications = append(s.notifications, *n)
	return nil
}

func (s *state) ListNotifications(_ context.Context, userID engine.UserID) ([]engine.Notification, error) {
	var out []engine.Notification
	for _, n := range s.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}
