/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Event ingestion (surveys, logins, referrals) and their side effects
- Ledger endpoints and error status mapping
- Redemption, claim and delivery over HTTP
- Leaderboard recomputation and standings
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/progression-engine/achievement"
	"github.com/warp/progression-engine/challenge"
	"github.com/warp/progression-engine/engine"
	"github.com/warp/progression-engine/factory"
	"github.com/warp/progression-engine/leaderboard"
	"github.com/warp/progression-engine/ledger"
	"github.com/warp/progression-engine/progression"
	"github.com/warp/progression-engine/rewards"
	"github.com/warp/progression-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// Friday of ISO week 42.
var testNow = time.Date(2026, time.October, 16, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

type testServer struct {
	router   *chi.Mux
	store    *sqlite.Store
	notifier *engine.RecordingNotifier
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cat, err := factory.NewCatalogFactory(clock).Parse([]byte(factory.DefaultCatalogJSON))
	require.NoError(t, err)
	require.NoError(t, factory.Seed(context.Background(), store, cat))

	notifier := &engine.RecordingNotifier{}
	runner := engine.NewRunner(store, notifier, zap.NewNop())
	l := ledger.New(runner, engine.DefaultLevelCurve(), clock)
	rw := rewards.New(runner, l, clock)
	ach := achievement.New(runner, l, clock)
	ch := challenge.New(runner, l, rw, clock)

	h := NewHandler(Services{
		Store:        store,
		Ledger:       l,
		Achievements: ach,
		Challenges:   ch,
		Rewards:      rw,
		Ranker:       leaderboard.New(runner, l, leaderboard.NewRegistry(), clock),
		Progression:  progression.New(runner, l, ach, ch, progression.DefaultPoints, clock),
	}, zap.NewNop())

	return &testServer{router: NewRouter(h, nil), store: store, notifier: notifier}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) credit(t *testing.T, userID string, amount int64) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/users/"+userID+"/points", map[string]any{
		"amount": amount, "kind": "earned", "action_type": "Bonus", "reference_id": "test",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

// =============================================================================
// EVENT TESTS
// =============================================================================

func TestSurveyEvent_CreditsAndEvaluates(t *testing.T) {
	// GIVEN: The default catalog (first-survey achievement, weekly-three challenge)
	// WHEN: A user completes a survey
	// THEN: Survey points and the first-survey award are credited and the challenge advances

	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/events/surveys", map[string]any{"user_id": "u1", "survey_id": "s1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	out := decodeBody[OutcomeResponse](t, rec)
	assert.Equal(t, int64(60), out.Balance.Total)
	require.Len(t, out.Awards, 1)
	assert.Equal(t, "first-survey", out.Awards[0].AchievementID)
	require.Len(t, out.Challenges, 1)
	assert.Equal(t, "weekly-three", out.Challenges[0].ChallengeID)
	assert.Equal(t, int64(1), out.Challenges[0].Progress)
	assert.Equal(t, int64(1), out.Stats[engine.ActionSurveyCompletion])

	// Duplicate completion is a conflict
	rec = ts.do(t, http.MethodPost, "/api/events/surveys", map[string]any{"user_id": "u1", "survey_id": "s1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decodeBody[ErrorResponse](t, rec).Code)
}

func TestSurveyEvent_ChallengeCompletionIssuesGrant(t *testing.T) {
	ts := setupTestServer(t)

	var out OutcomeResponse
	for i := 1; i <= 3; i++ {
		rec := ts.do(t, http.MethodPost, "/api/events/surveys", map[string]any{
			"user_id": "u1", "survey_id": fmt.Sprintf("s%d", i),
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		out = decodeBody[OutcomeResponse](t, rec)
	}

	require.Len(t, out.Challenges, 1)
	assert.True(t, out.Challenges[0].Completed)
	require.NotNil(t, out.Challenges[0].GrantID)

	rec := ts.do(t, http.MethodGet, "/api/users/u1/grants", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	grants := decodeBody[struct {
		Grants []GrantDTO `json:"grants"`
	}](t, rec).Grants
	require.Len(t, grants, 1)
	assert.Equal(t, "challenge", grants[0].Origin)
	assert.Equal(t, "sticker-pack", grants[0].RewardID)
	assert.Equal(t, int64(0), grants[0].PointsSpent)
}

func TestLoginEvent(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/events/logins", map[string]any{"user_id": "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeBody[OutcomeResponse](t, rec)
	assert.Equal(t, int64(1), out.Stats[engine.StatLoginStreak])

	rec = ts.do(t, http.MethodPost, "/api/events/logins", map[string]any{
		"user_id": "u1", "at": testNow.AddDate(0, 0, 1).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/users/u1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[struct {
		Stats map[string]int64 `json:"stats"`
	}](t, rec).Stats
	assert.Equal(t, int64(2), stats[engine.ActionLogin])
}

func TestReferralEvent(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/events/referrals", map[string]any{"referrer_id": "u1", "referred_id": "u2"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(100), decodeBody[OutcomeResponse](t, rec).Balance.Available)

	rec = ts.do(t, http.MethodPost, "/api/events/referrals", map[string]any{"referrer_id": "u1", "referred_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// LEDGER TESTS
// =============================================================================

func TestPostPointsAndDeduct(t *testing.T) {
	// GIVEN: A user credited 200 points
	// WHEN: Deducting more than available, then a valid amount
	// THEN: The first is 422 and leaves the balance alone, the second succeeds

	ts := setupTestServer(t)
	ts.credit(t, "u1", 200)

	rec := ts.do(t, http.MethodGet, "/api/users/u1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decodeBody[BalanceDTO](t, rec)
	assert.Equal(t, int64(200), bal.Available)
	assert.Equal(t, 2, bal.Level)

	rec = ts.do(t, http.MethodPost, "/api/users/u1/deductions", map[string]any{"points": 500})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "insufficient_points", decodeBody[ErrorResponse](t, rec).Code)

	rec = ts.do(t, http.MethodPost, "/api/users/u1/deductions", map[string]any{"points": 50, "reference_id": "coffee"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bal = decodeBody[BalanceDTO](t, rec)
	assert.Equal(t, int64(150), bal.Available)
	assert.Equal(t, int64(50), bal.Redeemed)
	assert.Equal(t, 2, bal.Level)

	rec = ts.do(t, http.MethodGet, "/api/users/u1/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decodeBody[struct {
		Transactions []TransactionDTO `json:"transactions"`
	}](t, rec).Transactions
	require.Len(t, txs, 2)
	assert.Equal(t, "earned", txs[0].Kind)
	assert.Equal(t, "redeemed", txs[1].Kind)

	rec = ts.do(t, http.MethodGet, "/api/users/u1/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decodeBody[AuditDTO](t, rec)
	assert.True(t, audit.Consistent)
	assert.Equal(t, 2, audit.Transactions)
}

func TestPostPoints_Validation(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"zero amount", map[string]any{"amount": 0, "kind": "earned", "action_type": "Bonus"}},
		{"negative amount", map[string]any{"amount": -5, "kind": "earned", "action_type": "Bonus"}},
		{"unknown kind", map[string]any{"amount": 5, "kind": "gifted", "action_type": "Bonus"}},
		{"missing action", map[string]any{"amount": 5, "kind": "earned"}},
		{"bad actor", map[string]any{"amount": 5, "kind": "earned", "action_type": "Bonus", "actor": "robot"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/users/u1/points", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetTransactions_InvalidRange(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/users/u1/transactions?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/users/u1/transactions?from=2026-10-16T00:00:00Z&to=2026-10-01T00:00:00Z", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ACHIEVEMENT & CHALLENGE TESTS
// =============================================================================

func TestEvaluateAchievements_WithStats(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/users/u1/achievements/evaluate", map[string]any{
		"stats": map[string]int64{engine.ActionReferral: 3},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	awards := decodeBody[struct {
		Awards []AwardDTO `json:"awards"`
	}](t, rec).Awards
	require.Len(t, awards, 1)
	assert.Equal(t, "connector", awards[0].AchievementID)

	// Re-evaluating a non-repeatable achievement awards nothing
	rec = ts.do(t, http.MethodPost, "/api/users/u1/achievements/evaluate", map[string]any{
		"stats": map[string]int64{engine.ActionReferral: 4},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	awards = decodeBody[struct {
		Awards []AwardDTO `json:"awards"`
	}](t, rec).Awards
	assert.Empty(t, awards)

	rec = ts.do(t, http.MethodGet, "/api/users/u1/achievements", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"achievement_id":"connector"`)
}

func TestGrantAchievement(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/users/u1/achievements/grant", map[string]any{"achievement_id": "survey-veteran"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/users/u1/achievements/grant", map[string]any{"achievement_id": "survey-veteran"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/users/u1/achievements/grant", map[string]any{"achievement_id": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChallengeProgressAndReconcile(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/users/u1/challenges/progress", map[string]any{
		"action_type": engine.ActionSurveyCompletion, "value": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updates := decodeBody[struct {
		Challenges []ChallengeUpdateDTO `json:"challenges"`
	}](t, rec).Challenges
	require.Len(t, updates, 1)
	assert.Equal(t, int64(2), updates[0].Progress)

	// Reconciliation never moves progress back
	rec = ts.do(t, http.MethodPost, "/api/users/u1/challenges/reconcile", map[string]any{
		"challenge_id": "weekly-three", "measurement": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(2), decodeBody[ChallengeUpdateDTO](t, rec).Progress)

	rec = ts.do(t, http.MethodPost, "/api/users/u1/challenges/reconcile", map[string]any{
		"challenge_id": "weekly-three", "measurement": 10,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	upd := decodeBody[ChallengeUpdateDTO](t, rec)
	assert.Equal(t, int64(3), upd.Progress)
	assert.True(t, upd.Completed)

	rec = ts.do(t, http.MethodGet, "/api/users/u1/challenges", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"is_completed":true`)

	rec = ts.do(t, http.MethodPost, "/api/users/u1/challenges/progress", map[string]any{"action_type": "", "value": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// REWARD TESTS
// =============================================================================

func TestRedemptionLifecycle(t *testing.T) {
	// GIVEN: A user with 300 points
	// WHEN: Redeeming, claiming and delivering a reward
	// THEN: Each transition succeeds once and out-of-order transitions are rejected

	ts := setupTestServer(t)
	ts.credit(t, "u1", 300)

	rec := ts.do(t, http.MethodPost, "/api/users/u1/redemptions", map[string]any{"reward_id": "sticker-pack"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	grant := decodeBody[GrantDTO](t, rec)
	assert.Equal(t, "unclaimed", grant.Status)
	assert.Equal(t, int64(100), grant.PointsSpent)
	assert.NotEmpty(t, grant.RedemptionCode)

	grantPath := fmt.Sprintf("/api/grants/%d", grant.ID)

	// Delivery before claim is a conflict
	rec = ts.do(t, http.MethodPost, grantPath+"/delivery", map[string]any{"status": "delivered"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Another user's grant is not found
	rec = ts.do(t, http.MethodPost, grantPath+"/claim", map[string]any{"user_id": "u2"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, grantPath+"/claim", map[string]any{"user_id": "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "claimed", decodeBody[GrantDTO](t, rec).Status)

	rec = ts.do(t, http.MethodPost, grantPath+"/claim", map[string]any{"user_id": "u1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, grantPath+"/delivery", map[string]any{"status": "shipped"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, grantPath+"/delivery", map[string]any{"status": "delivered"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "delivered", decodeBody[GrantDTO](t, rec).Status)

	rec = ts.do(t, http.MethodGet, "/api/users/u1/notifications", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Reward delivered")
	assert.NotEmpty(t, ts.notifier.For("u1"))
}

func TestRedeem_Errors(t *testing.T) {
	ts := setupTestServer(t)
	ts.credit(t, "u1", 300) // level 3, 300 available

	tests := []struct {
		name     string
		rewardID string
		status   int
		code     string
	}{
		{"unknown reward", "nope", http.StatusNotFound, "not_found"},
		{"insufficient points", "gift-card-5", http.StatusUnprocessableEntity, "insufficient_points"},
		{"level too low", "gift-card-25", http.StatusUnprocessableEntity, "not_eligible"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/users/u1/redemptions", map[string]any{"reward_id": tt.rewardID})
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeBody[ErrorResponse](t, rec).Code)
		})
	}

	rec := ts.do(t, http.MethodGet, "/api/users/u1/balance", nil)
	assert.Equal(t, int64(300), decodeBody[BalanceDTO](t, rec).Available)
}

func TestListCatalog(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/rewards", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeBody[struct {
		Rewards []CatalogItemDTO `json:"rewards"`
	}](t, rec).Rewards
	assert.Len(t, items, 3)
}

// =============================================================================
// LEADERBOARD TESTS
// =============================================================================

func TestLeaderboardRecomputeAndStandings(t *testing.T) {
	// GIVEN: Two users with weekly earnings of 300 and 100
	// WHEN: The weekly points leaderboard is recomputed
	// THEN: Ranks are 1 and 2 and the top finishers are paid 3x and 2x reward points

	ts := setupTestServer(t)
	ts.credit(t, "u1", 300)
	ts.credit(t, "u2", 100)

	rec := ts.do(t, http.MethodPost, "/api/leaderboards/weekly-points/recompute", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[RecomputeResponse](t, rec)
	assert.Equal(t, "completed", res.Run.Status)
	assert.Equal(t, "2026-W42", res.Run.PeriodKey)
	require.Len(t, res.Payouts, 2)
	assert.Equal(t, PayoutDTO{UserID: "u1", Rank: 1, Points: 75}, res.Payouts[0])
	assert.Equal(t, PayoutDTO{UserID: "u2", Rank: 2, Points: 50}, res.Payouts[1])

	rec = ts.do(t, http.MethodGet, "/api/leaderboards/weekly-points", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	standings := decodeBody[StandingsDTO](t, rec)
	assert.Equal(t, "2026-W42", standings.PeriodKey)
	require.Len(t, standings.Entries, 2)
	assert.Equal(t, "u1", standings.Entries[0].UserID)
	assert.True(t, standings.Entries[0].IsRewarded)

	rec = ts.do(t, http.MethodGet, "/api/leaderboards/weekly-points/runs?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)

	rec = ts.do(t, http.MethodGet, "/api/users/u1/balance", nil)
	assert.Equal(t, int64(375), decodeBody[BalanceDTO](t, rec).Total)
}

func TestLeaderboard_NotFound(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/leaderboards/nope/recompute", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/leaderboards/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/leaderboards/weekly-points/runs?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecomputeAll(t *testing.T) {
	ts := setupTestServer(t)
	ts.credit(t, "u1", 50)

	rec := ts.do(t, http.MethodPost, "/api/leaderboards/recompute", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody[struct {
		Results []RecomputeResponse `json:"results"`
		Errors  []string            `json:"errors"`
	}](t, rec)
	assert.Len(t, body.Results, 3)
	assert.Empty(t, body.Errors)
}

// =============================================================================
// ADMIN TESTS
// =============================================================================

func TestSweepAndHealth(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/admin/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"challenges":2`)
}

// =============================================================================
// ERROR MAPPING TESTS
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", engine.NewValidationError("bad"), http.StatusBadRequest},
		{"not found", engine.NewNotFoundError("grant", 1), http.StatusNotFound},
		{"conflict", engine.NewConflictError("dup"), http.StatusConflict},
		{"eligibility", engine.NewEligibilityError("level"), http.StatusUnprocessableEntity},
		{"insufficient", &engine.InsufficientPointsError{UserID: "u1"}, http.StatusUnprocessableEntity},
		{"out of stock", &engine.OutOfStockError{RewardID: "r"}, http.StatusUnprocessableEntity},
		{"unavailable", &engine.UnavailableError{Op: "x", Attempts: 5, Cause: engine.ErrConcurrentModification}, http.StatusServiceUnavailable},
		{"internal", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
		})
	}
}
