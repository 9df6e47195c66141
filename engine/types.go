/*
Package engine provides the core types shared by every gamification component.

PURPOSE:
  This package holds the domain model (balances, ledger rows, definitions,
  progress records, leaderboard entries, reward grants), the persistence
  contracts, the error taxonomy and the unit-of-work runner. Component
  packages (ledger, achievement, challenge, leaderboard, rewards) build on
  these types and never talk to a database directly.

KEY CONCEPTS IN THIS FILE (types.go):
  - PointTransaction: an immutable ledger row (always a positive amount)
  - PointBalance: the reconciled aggregate, one per user
  - Definitions: achievement, challenge, leaderboard and catalog rules
  - Progress: per-user state against a definition
  - Actor: who caused a mutation (user, system, admin)

DESIGN PRINCIPLES:
  1. Append-only ledger: transactions are never updated or deleted
  2. Reconciliation: available = total - redeemed - expired, never negative
  3. Explicit actors: automated mutations are attributed to ActorSystem
  4. Integer points: no fractional points anywhere in the ledger

SEE ALSO:
  - store.go: Persistence contracts
  - unit.go: Atomic unit of work with retry and notification outbox
  - errors.go: Error taxonomy
*/
package engine

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS & ACTORS
// =============================================================================

type UserID string

// Actor identifies who performed a mutation. Stored on ledger rows and grants.
type Actor string

const (
	ActorUser   Actor = "user"
	ActorSystem Actor = "system"
	ActorAdmin  Actor = "admin"
)

func (a Actor) Valid() bool {
	switch a {
	case ActorUser, ActorSystem, ActorAdmin:
		return true
	}
	return false
}

// Action types recognised by the engine. Collaborators may post others;
// the engine only needs these to label its own ledger rows and statistics.
const (
	ActionSurveyCompletion  = "SurveyCompletion"
	ActionLogin             = "Login"
	ActionReferral          = "Referral"
	ActionAchievement       = "Achievement"
	ActionChallenge         = "ChallengeCompletion"
	ActionLeaderboardReward = "LeaderboardReward"
	ActionRedemption        = "RewardRedemption"
	ActionDeduction         = "Deduction"
	ActionAdjustment        = "Adjustment"
)

// Statistic keys that are not plain action counters.
const (
	StatLoginStreak  = "LoginStreak"
	StatPointsEarned = "PointsEarned"
)

// Stats maps an action type (or derived statistic) to its current measurement.
type Stats map[string]int64

func (s Stats) Get(key string) int64 {
	if s == nil {
		return 0
	}
	return s[key]
}

// =============================================================================
// LEDGER
// =============================================================================

type TransactionKind string

const (
	KindEarned   TransactionKind = "earned"   // credit: total and available grow
	KindRedeemed TransactionKind = "redeemed" // debit against available, counted as redeemed
	KindExpired  TransactionKind = "expired"  // debit against available, counted as expired
	KindAdjusted TransactionKind = "adjusted" // admin credit, not counted as earned for rankings
)

func (k TransactionKind) Valid() bool {
	switch k {
	case KindEarned, KindRedeemed, KindExpired, KindAdjusted:
		return true
	}
	return false
}

// IsDebit reports whether the kind draws on the available balance.
func (k TransactionKind) IsDebit() bool {
	return k == KindRedeemed || k == KindExpired
}

// PointTransaction is one immutable ledger row. Amount is always positive;
// Kind carries the direction.
type PointTransaction struct {
	ID          int64
	UserID      UserID
	Amount      int64
	Kind        TransactionKind
	ActionType  string
	ReferenceID string
	Actor       Actor
	CreatedAt   time.Time
}

// PointBalance is the per-user aggregate maintained alongside the ledger.
type PointBalance struct {
	UserID    UserID
	Total     int64
	Available int64
	Redeemed  int64
	Expired   int64
	Level     int
	UpdatedAt time.Time
}

// NewPointBalance returns the lazily-created zero balance.
func NewPointBalance(userID UserID, at time.Time) PointBalance {
	return PointBalance{UserID: userID, Level: 1, UpdatedAt: at}
}

// Reconciles reports whether the balance satisfies its invariant.
func (b PointBalance) Reconciles() bool {
	return b.Available == b.Total-b.Redeemed-b.Expired && b.Available >= 0
}

// Apply returns the balance after applying one ledger movement.
// It does not enforce the non-negative guard; stores do that atomically.
func (b PointBalance) Apply(kind TransactionKind, amount int64) PointBalance {
	switch kind {
	case KindEarned, KindAdjusted:
		b.Total += amount
		b.Available += amount
	case KindRedeemed:
		b.Available -= amount
		b.Redeemed += amount
	case KindExpired:
		b.Available -= amount
		b.Expired += amount
	}
	return b
}

// =============================================================================
// ACHIEVEMENTS
// =============================================================================

type AchievementDefinition struct {
	ID                  string
	Name                string
	Description         string
	RequiredActionType  string
	RequiredActionCount int64
	PointsAwarded       int64
	IsRepeatable        bool
	RepeatCooldownDays  int
	IsActive            bool
}

// UserAchievementProgress exists only once the user first qualifies.
type UserAchievementProgress struct {
	UserID         UserID
	AchievementID  string
	EarnedCount    int
	LastEarnedDate *time.Time
}

// =============================================================================
// CHALLENGES
// =============================================================================

type ChallengeDefinition struct {
	ID                  string
	Name                string
	Description         string
	StartDate           time.Time
	EndDate             time.Time
	RequiredActionType  string
	RequiredActionCount int64
	PointsAwarded       int64
	RewardID            string // empty when the challenge pays points only
	IsActive            bool
}

// Running reports whether the challenge accepts progress at the given instant.
func (c ChallengeDefinition) Running(at time.Time) bool {
	return c.IsActive && !at.Before(c.StartDate) && !at.After(c.EndDate)
}

type UserChallengeProgress struct {
	UserID        UserID
	ChallengeID   string
	Progress      int64
	IsCompleted   bool
	CompletedDate *time.Time
	IsRewarded    bool
	UpdatedAt     time.Time
}

// =============================================================================
// LEADERBOARDS
// =============================================================================

type ScoreType string

const (
	ScorePoints  ScoreType = "points"
	ScoreSurveys ScoreType = "surveys"
	ScoreStreak  ScoreType = "streak"
)

type LeaderboardDefinition struct {
	ID           string
	Name         string
	ScoreType    ScoreType
	TimePeriod   TimePeriod
	RewardPoints int64
	IsActive     bool
}

type LeaderboardEntry struct {
	LeaderboardID string
	UserID        UserID
	Score         int64
	Rank          int
	PreviousRank  *int
	IsRewarded    bool
	PeriodKey     string
	UpdatedAt     time.Time
}

// LeaderboardRun records one recomputation cycle.
type LeaderboardRun struct {
	ID            string
	LeaderboardID string
	PeriodKey     string
	Status        RunStatus
	Entries       int
	Payouts       int
	Error         string
	StartedAt     time.Time
	CompletedAt   *time.Time
}

type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// =============================================================================
// REWARDS
// =============================================================================

type RewardCatalogItem struct {
	ID                string
	Name              string
	Description       string
	PointsCost        int64
	MinimumUserLevel  int
	AvailableQuantity *int64 // nil = unlimited
	IsActive          bool
}

// InStock reports whether at least one unit remains.
func (r RewardCatalogItem) InStock() bool {
	return r.AvailableQuantity == nil || *r.AvailableQuantity > 0
}

type GrantStatus string

const (
	GrantUnclaimed GrantStatus = "unclaimed"
	GrantClaimed   GrantStatus = "claimed"
	GrantDelivered GrantStatus = "delivered"
	GrantRejected  GrantStatus = "rejected"
)

// GrantOrigin records why a grant was issued.
type GrantOrigin string

const (
	OriginRedemption GrantOrigin = "redemption"
	OriginChallenge  GrantOrigin = "challenge"
)

const DeliveryProcessing = "processing"

type UserRewardGrant struct {
	ID             int64
	UserID         UserID
	RewardID       string
	Origin         GrantOrigin
	OriginRef      string
	Status         GrantStatus
	RedemptionCode string
	PointsSpent    int64
	ClaimedDate    *time.Time
	DeliveryStatus string
	Actor          Actor
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// GrantRequest asks for a grant issued outside the redemption flow.
type GrantRequest struct {
	UserID    UserID
	RewardID  string
	Origin    GrantOrigin
	OriginRef string
	Actor     Actor
}

// =============================================================================
// ENGAGEMENT (collaborator data ingested by the progression package)
// =============================================================================

type Participation struct {
	UserID      UserID
	SurveyID    string
	CompletedAt time.Time
}

type LoginStreak struct {
	UserID        UserID
	Current       int64
	Longest       int64
	LastLoginDate time.Time
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

type ReferenceType string

const (
	RefAchievement ReferenceType = "achievement"
	RefChallenge   ReferenceType = "challenge"
	RefLeaderboard ReferenceType = "leaderboard"
	RefRewardGrant ReferenceType = "reward_grant"
)

// Notification is one outbound message for the external sink.
type Notification struct {
	ID            int64
	UserID        UserID
	Title         string
	Message       string
	ReferenceID   string
	ReferenceType ReferenceType
	CreatedAt     time.Time
}

func (n Notification) String() string {
	return fmt.Sprintf("%s -> %s (%s:%s)", n.Title, n.UserID, n.ReferenceType, n.ReferenceID)
}
