/*
store.go - Persistence contracts for the gamification engine

PURPOSE:
  Defines the interface between the components and the database. One
  Store groups the per-aggregate repositories so a single transaction
  can span ledger, progress, leaderboard and grant writes.

KEY INTERFACES:
  LedgerStore:       Append-only transaction log + guarded balance row
  AchievementStore:  Definitions + per-user progress (optimistic version)
  ChallengeStore:    Definitions + per-user progress (optimistic version)
  LeaderboardStore:  Definitions, wholesale entry replacement, run records
  RewardStore:       Catalog (guarded stock) + grants (status compare-and-set)
  EngagementStore:   Participations, login streaks, action counters
  NotificationStore: Outbox rows recorded inside the unit of work
  TxStore:           Store + WithTx for all-or-nothing units

GUARDED WRITES:
  Every write that can race is a single conditional statement:
  - ApplyBalance debits only WHERE available >= amount
  - DecrementStock only WHERE quantity IS NULL OR quantity > 0
  - TransitionGrant only WHERE status = expected
  - Save*Progress only WHERE the stored version matches
  A failed guard returns a domain error (InsufficientPoints, OutOfStock,
  Conflict) or ErrConcurrentModification, which the Runner retries.

APPEND-ONLY CONTRACT:
  There is no Update or Delete for ledger rows. Corrections are new rows.

IMPLEMENTATIONS:
  - store/sqlite: SQLite with goose migrations
  - engine/store: In-memory for tests and demos

SEE ALSO:
  - unit.go: Runner that drives WithTx
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER STORE
// =============================================================================

type LedgerStore interface {
	// AppendTransaction persists a ledger row and sets tx.ID.
	AppendTransaction(ctx context.Context, tx *PointTransaction) error

	// LoadTransactions returns a user's rows in [from, to], oldest first.
	// Zero from/to mean unbounded.
	LoadTransactions(ctx context.Context, userID UserID, from, to time.Time) ([]PointTransaction, error)

	// GetBalance returns the balance row or nil if none exists yet.
	GetBalance(ctx context.Context, userID UserID) (*PointBalance, error)

	// EnsureBalance returns the balance row, creating the zero/level-1 row if missing.
	EnsureBalance(ctx context.Context, userID UserID, at time.Time) (PointBalance, error)

	// ApplyBalance applies one movement. Debits are guarded against available
	// and fail with *InsufficientPointsError without writing.
	ApplyBalance(ctx context.Context, userID UserID, kind TransactionKind, amount int64, at time.Time) (PointBalance, error)

	SetLevel(ctx context.Context, userID UserID, level int) error

	// SumEarned returns per-user sums of earned-kind amounts in [from, to].
	// Leaderboard payouts are excluded so a bonus never feeds the next ranking.
	SumEarned(ctx context.Context, from, to time.Time) (map[UserID]int64, error)
}

// =============================================================================
// ACHIEVEMENT STORE
// =============================================================================

type AchievementStore interface {
	SaveAchievement(ctx context.Context, def AchievementDefinition) error
	GetAchievement(ctx context.Context, id string) (*AchievementDefinition, error)
	ListAchievements(ctx context.Context, activeOnly bool) ([]AchievementDefinition, error)

	GetAchievementProgress(ctx context.Context, userID UserID, achievementID string) (*UserAchievementProgress, error)

	// SaveAchievementProgress inserts or updates the (user, achievement) row.
	// expectedCount is the EarnedCount the caller read (0 = row must not exist).
	SaveAchievementProgress(ctx context.Context, p UserAchievementProgress, expectedCount int) error

	ListAchievementProgress(ctx context.Context, userID UserID) ([]UserAchievementProgress, error)
}

// =============================================================================
// CHALLENGE STORE
// =============================================================================

type ChallengeStore interface {
	SaveChallenge(ctx context.Context, def ChallengeDefinition) error
	GetChallenge(ctx context.Context, id string) (*ChallengeDefinition, error)

	// ListRunningChallenges returns active challenges whose window contains at.
	// An empty actionType matches every challenge.
	ListRunningChallenges(ctx context.Context, at time.Time, actionType string) ([]ChallengeDefinition, error)

	GetChallengeProgress(ctx context.Context, userID UserID, challengeID string) (*UserChallengeProgress, error)

	// SaveChallengeProgress inserts or updates the (user, challenge) row.
	// expected is the row the caller read, nil when it did not exist.
	SaveChallengeProgress(ctx context.Context, p UserChallengeProgress, expected *UserChallengeProgress) error

	ListChallengeProgress(ctx context.Context, userID UserID) ([]UserChallengeProgress, error)
}

// =============================================================================
// LEADERBOARD STORE
// =============================================================================

type LeaderboardStore interface {
	SaveLeaderboard(ctx context.Context, def LeaderboardDefinition) error
	GetLeaderboard(ctx context.Context, id string) (*LeaderboardDefinition, error)
	ListLeaderboards(ctx context.Context, activeOnly bool) ([]LeaderboardDefinition, error)

	// ListEntries returns the current entry set ordered by rank then user.
	ListEntries(ctx context.Context, leaderboardID string) ([]LeaderboardEntry, error)

	// ReplaceEntries swaps the full entry set. Inside WithTx the old set is
	// never visible as partially replaced.
	ReplaceEntries(ctx context.Context, leaderboardID string, entries []LeaderboardEntry) error

	SaveRun(ctx context.Context, run LeaderboardRun) error
	ListRuns(ctx context.Context, leaderboardID string, limit int) ([]LeaderboardRun, error)
}

// =============================================================================
// REWARD STORE
// =============================================================================

type RewardStore interface {
	SaveCatalogItem(ctx context.Context, item RewardCatalogItem) error
	GetCatalogItem(ctx context.Context, id string) (*RewardCatalogItem, error)
	ListCatalogItems(ctx context.Context, activeOnly bool) ([]RewardCatalogItem, error)

	// DecrementStock takes one unit of a finite item; unlimited items are untouched.
	// Fails with *OutOfStockError when nothing is left.
	DecrementStock(ctx context.Context, rewardID string) error

	// CreateGrant persists a grant and sets g.ID. Redemption codes are unique.
	CreateGrant(ctx context.Context, g *UserRewardGrant) error
	GetGrant(ctx context.Context, id int64) (*UserRewardGrant, error)
	ListGrants(ctx context.Context, userID UserID) ([]UserRewardGrant, error)

	// TransitionGrant writes g only if the stored status equals from.
	// Otherwise it returns a Conflict error.
	TransitionGrant(ctx context.Context, g UserRewardGrant, from GrantStatus) error
}

// =============================================================================
// ENGAGEMENT STORE
// =============================================================================

type EngagementStore interface {
	// RecordParticipation fails with a Conflict error when (user, survey) exists.
	RecordParticipation(ctx context.Context, p Participation) error

	// ParticipationCounts returns per-user completed counts in [from, to].
	ParticipationCounts(ctx context.Context, from, to time.Time) (map[UserID]int64, error)

	GetStreak(ctx context.Context, userID UserID) (*LoginStreak, error)
	SaveStreak(ctx context.Context, s LoginStreak) error
	ListStreaks(ctx context.Context) ([]LoginStreak, error)

	// IncrementCounter adds by to (user, actionType) and returns the new value.
	IncrementCounter(ctx context.Context, userID UserID, actionType string, by int64) (int64, error)
	Counters(ctx context.Context, userID UserID) (Stats, error)
}

// =============================================================================
// NOTIFICATION STORE
// =============================================================================

type NotificationStore interface {
	// RecordNotification persists an outbox row and sets n.ID.
	RecordNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, userID UserID) ([]Notification, error)
}

// =============================================================================
// COMPOSITE STORE
// =============================================================================

type Store interface {
	LedgerStore
	AchievementStore
	ChallengeStore
	LeaderboardStore
	RewardStore
	EngagementStore
	NotificationStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the Store passed to fn
	// is rolled back. If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
