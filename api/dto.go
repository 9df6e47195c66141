/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Composite response wrappers

VALIDATION:
  Request types carry validator/v10 struct tags. Handlers decode, then call
  h.validate.Struct before touching the engine. Domain rules (balance,
  eligibility, state machine) stay in the engine.

SEE ALSO:
  - handlers.go: Uses these types
  - engine/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/progression-engine/achievement"
	"github.com/warp/progression-engine/challenge"
	"github.com/warp/progression-engine/engine"
	"github.com/warp/progression-engine/ledger"
	"github.com/warp/progression-engine/leaderboard"
	"github.com/warp/progression-engine/progression"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// PostPointsRequest credits or debits a user through the ledger.
type PostPointsRequest struct {
	Amount      int64  `json:"amount" validate:"gt=0"`
	Kind        string `json:"kind" validate:"required,oneof=earned redeemed expired adjusted"`
	ActionType  string `json:"action_type" validate:"required"`
	ReferenceID string `json:"reference_id"`
	Actor       string `json:"actor" validate:"omitempty,oneof=user system admin"`
}

// DeductRequest spends points against the available balance.
type DeductRequest struct {
	Points      int64  `json:"points" validate:"gt=0"`
	ReferenceID string `json:"reference_id"`
	Actor       string `json:"actor" validate:"omitempty,oneof=user system admin"`
}

// EvaluateRequest supplies the statistics to evaluate achievements against.
// An empty stats map evaluates against the ingested counters.
type EvaluateRequest struct {
	Stats map[string]int64 `json:"stats"`
}

// ChallengeProgressRequest is an incremental progress update.
type ChallengeProgressRequest struct {
	ActionType string `json:"action_type" validate:"required"`
	Value      int64  `json:"value" validate:"gt=0"`
}

// ReconcileChallengeRequest sets progress from an absolute measurement.
type ReconcileChallengeRequest struct {
	ChallengeID string `json:"challenge_id" validate:"required"`
	Measurement int64  `json:"measurement" validate:"gte=0"`
}

type RedeemRequest struct {
	RewardID string `json:"reward_id" validate:"required"`
}

type ClaimRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

type DeliveryRequest struct {
	Status string `json:"status" validate:"required,oneof=delivered rejected"`
}

type GrantAchievementRequest struct {
	AchievementID string `json:"achievement_id" validate:"required"`
}

// SurveyEventRequest reports a completed survey. CompletedAt defaults to now.
type SurveyEventRequest struct {
	UserID      string     `json:"user_id" validate:"required"`
	SurveyID    string     `json:"survey_id" validate:"required"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type LoginEventRequest struct {
	UserID string     `json:"user_id" validate:"required"`
	At     *time.Time `json:"at,omitempty"`
}

type ReferralEventRequest struct {
	ReferrerID string `json:"referrer_id" validate:"required"`
	ReferredID string `json:"referred_id" validate:"required,nefield=ReferrerID"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type BalanceDTO struct {
	UserID    string `json:"user_id"`
	Total     int64  `json:"total"`
	Available int64  `json:"available"`
	Redeemed  int64  `json:"redeemed"`
	Expired   int64  `json:"expired"`
	Level     int    `json:"level"`
	UpdatedAt string `json:"updated_at"`
}

type TransactionDTO struct {
	ID          int64  `json:"id"`
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Kind        string `json:"kind"`
	ActionType  string `json:"action_type"`
	ReferenceID string `json:"reference_id,omitempty"`
	Actor       string `json:"actor"`
	CreatedAt   string `json:"created_at"`
}

type AuditDTO struct {
	UserID       string     `json:"user_id"`
	Stored       BalanceDTO `json:"stored"`
	Replayed     BalanceDTO `json:"replayed"`
	Transactions int        `json:"transactions"`
	Consistent   bool       `json:"consistent"`
}

type AwardDTO struct {
	AchievementID string `json:"achievement_id"`
	Name          string `json:"name"`
	EarnedCount   int    `json:"earned_count"`
	PointsAwarded int64  `json:"points_awarded"`
}

type AchievementProgressDTO struct {
	AchievementID  string  `json:"achievement_id"`
	EarnedCount    int     `json:"earned_count"`
	LastEarnedDate *string `json:"last_earned_date,omitempty"`
}

type ChallengeUpdateDTO struct {
	ChallengeID string `json:"challenge_id"`
	Before      int64  `json:"before"`
	Progress    int64  `json:"progress"`
	Required    int64  `json:"required"`
	Completed   bool   `json:"completed"`
	GrantID     *int64 `json:"grant_id,omitempty"`
}

type ChallengeProgressDTO struct {
	ChallengeID   string  `json:"challenge_id"`
	Progress      int64   `json:"progress"`
	IsCompleted   bool    `json:"is_completed"`
	CompletedDate *string `json:"completed_date,omitempty"`
	IsRewarded    bool    `json:"is_rewarded"`
}

type GrantDTO struct {
	ID             int64   `json:"id"`
	UserID         string  `json:"user_id"`
	RewardID       string  `json:"reward_id"`
	Origin         string  `json:"origin"`
	OriginRef      string  `json:"origin_ref,omitempty"`
	Status         string  `json:"status"`
	RedemptionCode string  `json:"redemption_code"`
	PointsSpent    int64   `json:"points_spent"`
	ClaimedDate    *string `json:"claimed_date,omitempty"`
	DeliveryStatus string  `json:"delivery_status,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

type CatalogItemDTO struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	PointsCost        int64  `json:"points_cost"`
	MinimumUserLevel  int    `json:"minimum_user_level"`
	AvailableQuantity *int64 `json:"available_quantity"`
}

type LeaderboardEntryDTO struct {
	UserID       string `json:"user_id"`
	Score        int64  `json:"score"`
	Rank         int    `json:"rank"`
	PreviousRank *int   `json:"previous_rank"`
	IsRewarded   bool   `json:"is_rewarded"`
}

type StandingsDTO struct {
	LeaderboardID string                `json:"leaderboard_id"`
	Name          string                `json:"name"`
	ScoreType     string                `json:"score_type"`
	TimePeriod    string                `json:"time_period"`
	PeriodKey     string                `json:"period_key,omitempty"`
	Entries       []LeaderboardEntryDTO `json:"entries"`
}

type PayoutDTO struct {
	UserID string `json:"user_id"`
	Rank   int    `json:"rank"`
	Points int64  `json:"points"`
}

type RunDTO struct {
	ID            string  `json:"id"`
	LeaderboardID string  `json:"leaderboard_id"`
	PeriodKey     string  `json:"period_key"`
	Status        string  `json:"status"`
	Entries       int     `json:"entries"`
	Payouts       int     `json:"payouts"`
	Error         string  `json:"error,omitempty"`
	StartedAt     string  `json:"started_at"`
	CompletedAt   *string `json:"completed_at,omitempty"`
}

type RecomputeResponse struct {
	Run     RunDTO                `json:"run"`
	Entries []LeaderboardEntryDTO `json:"entries"`
	Payouts []PayoutDTO           `json:"payouts"`
}

type NotificationDTO struct {
	ID            int64  `json:"id"`
	Title         string `json:"title"`
	Message       string `json:"message"`
	ReferenceID   string `json:"reference_id"`
	ReferenceType string `json:"reference_type"`
	CreatedAt     string `json:"created_at"`
}

// OutcomeResponse is returned by the event endpoints.
type OutcomeResponse struct {
	Balance    BalanceDTO           `json:"balance"`
	Stats      map[string]int64     `json:"stats"`
	Awards     []AwardDTO           `json:"awards"`
	Challenges []ChallengeUpdateDTO `json:"challenges"`
}

type SweepResponse struct {
	Challenges int `json:"challenges"`
	Updated    int `json:"updated"`
	Completed  int `json:"completed"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func toBalanceDTO(b engine.PointBalance) BalanceDTO {
	return BalanceDTO{
		UserID:    string(b.UserID),
		Total:     b.Total,
		Available: b.Available,
		Redeemed:  b.Redeemed,
		Expired:   b.Expired,
		Level:     b.Level,
		UpdatedAt: b.UpdatedAt.Format(time.RFC3339),
	}
}

func toTransactionDTOs(txs []engine.PointTransaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = TransactionDTO{
			ID:          tx.ID,
			UserID:      string(tx.UserID),
			Amount:      tx.Amount,
			Kind:        string(tx.Kind),
			ActionType:  tx.ActionType,
			ReferenceID: tx.ReferenceID,
			Actor:       string(tx.Actor),
			CreatedAt:   tx.CreatedAt.Format(time.RFC3339),
		}
	}
	return dtos
}

func toAuditDTO(a ledger.Audit) AuditDTO {
	return AuditDTO{
		UserID:       string(a.UserID),
		Stored:       toBalanceDTO(a.Stored),
		Replayed:     toBalanceDTO(a.Replayed),
		Transactions: a.Transactions,
		Consistent:   a.Consistent,
	}
}

func toAwardDTOs(awards []achievement.Award) []AwardDTO {
	dtos := make([]AwardDTO, len(awards))
	for i, a := range awards {
		dtos[i] = AwardDTO{
			AchievementID: a.Definition.ID,
			Name:          a.Definition.Name,
			EarnedCount:   a.Progress.EarnedCount,
			PointsAwarded: a.Definition.PointsAwarded,
		}
	}
	return dtos
}

func toUpdateDTOs(updates []challenge.Update) []ChallengeUpdateDTO {
	dtos := make([]ChallengeUpdateDTO, len(updates))
	for i, u := range updates {
		dtos[i] = toUpdateDTO(u)
	}
	return dtos
}

func toUpdateDTO(u challenge.Update) ChallengeUpdateDTO {
	dto := ChallengeUpdateDTO{
		ChallengeID: u.Challenge.ID,
		Before:      u.Before,
		Progress:    u.Progress.Progress,
		Required:    u.Challenge.RequiredActionCount,
		Completed:   u.Completed,
	}
	if u.Grant != nil {
		id := u.Grant.ID
		dto.GrantID = &id
	}
	return dto
}

func toGrantDTO(g engine.UserRewardGrant) GrantDTO {
	return GrantDTO{
		ID:             g.ID,
		UserID:         string(g.UserID),
		RewardID:       g.RewardID,
		Origin:         string(g.Origin),
		OriginRef:      g.OriginRef,
		Status:         string(g.Status),
		RedemptionCode: g.RedemptionCode,
		PointsSpent:    g.PointsSpent,
		ClaimedDate:    formatOptional(g.ClaimedDate),
		DeliveryStatus: g.DeliveryStatus,
		CreatedAt:      g.CreatedAt.Format(time.RFC3339),
	}
}

func toEntryDTOs(entries []engine.LeaderboardEntry) []LeaderboardEntryDTO {
	dtos := make([]LeaderboardEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = LeaderboardEntryDTO{
			UserID:       string(e.UserID),
			Score:        e.Score,
			Rank:         e.Rank,
			PreviousRank: e.PreviousRank,
			IsRewarded:   e.IsRewarded,
		}
	}
	return dtos
}

func toRunDTO(r engine.LeaderboardRun) RunDTO {
	return RunDTO{
		ID:            r.ID,
		LeaderboardID: r.LeaderboardID,
		PeriodKey:     r.PeriodKey,
		Status:        string(r.Status),
		Entries:       r.Entries,
		Payouts:       r.Payouts,
		Error:         r.Error,
		StartedAt:     r.StartedAt.Format(time.RFC3339),
		CompletedAt:   formatOptional(r.CompletedAt),
	}
}

func toRecomputeResponse(res leaderboard.Result) RecomputeResponse {
	payouts := make([]PayoutDTO, len(res.Payouts))
	for i, p := range res.Payouts {
		payouts[i] = PayoutDTO{UserID: string(p.UserID), Rank: p.Rank, Points: p.Points}
	}
	return RecomputeResponse{
		Run:     toRunDTO(res.Run),
		Entries: toEntryDTOs(res.Entries),
		Payouts: payouts,
	}
}

func toOutcomeResponse(o progression.Outcome) OutcomeResponse {
	stats := map[string]int64(o.Stats)
	if stats == nil {
		stats = map[string]int64{}
	}
	return OutcomeResponse{
		Balance:    toBalanceDTO(o.Balance),
		Stats:      stats,
		Awards:     toAwardDTOs(o.Awards),
		Challenges: toUpdateDTOs(o.Updates),
	}
}
