/*
handlers.go - HTTP API handlers for the progression engine

PURPOSE:
  Exposes the ledger, achievements, challenges, leaderboards, rewards and
  event ingestion over REST. Handles HTTP request/response and JSON
  serialization; every rule lives in the engine packages.

ENDPOINTS:
  Ledger:
    GET    /api/users/{userID}/balance               Current balance
    POST   /api/users/{userID}/points                Post a ledger transaction
    POST   /api/users/{userID}/deductions            Guarded deduction
    GET    /api/users/{userID}/transactions          Ledger history (?from=&to=)
    GET    /api/users/{userID}/audit                 Replay ledger against balance

  Achievements and challenges:
    GET    /api/users/{userID}/achievements          Earned achievements
    POST   /api/users/{userID}/achievements/evaluate Evaluate against stats
    POST   /api/users/{userID}/achievements/grant    Manual grant (admin)
    GET    /api/users/{userID}/challenges            Challenge progress
    POST   /api/users/{userID}/challenges/progress   Incremental update
    POST   /api/users/{userID}/challenges/reconcile  Absolute measurement

  Rewards:
    GET    /api/rewards                              Active catalog
    POST   /api/users/{userID}/redemptions           Redeem a catalog item
    GET    /api/users/{userID}/grants                User's grants
    POST   /api/grants/{grantID}/claim               Unclaimed -> Claimed
    POST   /api/grants/{grantID}/delivery            Claimed -> Delivered/Rejected

  Leaderboards:
    POST   /api/leaderboards/recompute               Recompute all
    GET    /api/leaderboards/{id}                    Standings
    POST   /api/leaderboards/{id}/recompute          Recompute one
    GET    /api/leaderboards/{id}/runs               Run history

  Events:
    POST   /api/events/surveys                       Survey completed
    POST   /api/events/logins                        User logged in
    POST   /api/events/referrals                     User referred another

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the engine's
  error taxonomy:
  - 400: Validation errors, malformed input
  - 404: Unknown user resource, grant, definition
  - 409: Conflict (duplicate event, grant already claimed)
  - 422: Eligibility (insufficient points, out of stock, level too low)
  - 503: Unavailable (transient storage errors after retries)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/warp/progression-engine/achievement"
	"github.com/warp/progression-engine/challenge"
	"github.com/warp/progression-engine/engine"
	"github.com/warp/progression-engine/ledger"
	"github.com/warp/progression-engine/leaderboard"
	"github.com/warp/progression-engine/progression"
	"github.com/warp/progression-engine/rewards"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Services are the engine components the handlers delegate to.
type Services struct {
	Store        engine.Store
	Ledger       *ledger.Ledger
	Achievements *achievement.Engine
	Challenges   *challenge.Tracker
	Rewards      *rewards.Service
	Ranker       *leaderboard.Ranker
	Progression  *progression.Service
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Services
	Logger *zap.Logger

	validate *validator.Validate
}

func NewHandler(svc Services, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Services: svc,
		Logger:   logger.Named("api"),
		validate: validator.New(),
	}
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// GetBalance returns the user's balance, creating it at zero on first read.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.Ledger.GetBalance(r.Context(), userParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// PostPoints appends one ledger transaction.
func (h *Handler) PostPoints(w http.ResponseWriter, r *http.Request) {
	var req PostPointsRequest
	if !h.decode(w, r, &req) {
		return
	}

	b, err := h.Ledger.PostTransaction(r.Context(), ledger.Entry{
		UserID:      userParam(r),
		Amount:      req.Amount,
		Kind:        engine.TransactionKind(req.Kind),
		ActionType:  req.ActionType,
		ReferenceID: req.ReferenceID,
		Actor:       actorOr(req.Actor, engine.ActorAdmin),
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to post transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBalanceDTO(b))
}

// DeductPoints spends points. Fails with 422 when the balance is short.
func (h *Handler) DeductPoints(w http.ResponseWriter, r *http.Request) {
	var req DeductRequest
	if !h.decode(w, r, &req) {
		return
	}

	b, err := h.Ledger.Deduct(r.Context(), userParam(r), req.Points, req.ReferenceID, actorOr(req.Actor, engine.ActorUser))
	if err != nil {
		h.writeDomainError(w, r, "Failed to deduct points", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// GetTransactions returns ledger rows, optionally bounded by ?from= and ?to= (RFC 3339).
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	from, err := timeQuery(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from (use RFC 3339)", err)
		return
	}
	to, err := timeQuery(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to (use RFC 3339)", err)
		return
	}

	txs, err := h.Ledger.History(r.Context(), userParam(r), from, to)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": toTransactionDTOs(txs)})
}

// GetAudit replays the user's ledger and compares it with the stored balance.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	audit, err := h.Ledger.Reconcile(r.Context(), userParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to audit ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(audit))
}

// GetStats returns the statistics achievements are evaluated against.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Progression.Stats(r.Context(), userParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

// =============================================================================
// ACHIEVEMENT HANDLERS
// =============================================================================

func (h *Handler) ListAchievements(w http.ResponseWriter, r *http.Request) {
	progress, err := h.Achievements.Progress(r.Context(), userParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get achievements", err)
		return
	}

	dtos := make([]AchievementProgressDTO, len(progress))
	for i, p := range progress {
		dtos[i] = AchievementProgressDTO{
			AchievementID:  p.AchievementID,
			EarnedCount:    p.EarnedCount,
			LastEarnedDate: formatOptional(p.LastEarnedDate),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"achievements": dtos})
}

// EvaluateAchievements awards every definition the stats satisfy. Without
// stats in the body the user's ingested counters are used.
func (h *Handler) EvaluateAchievements(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	userID := userParam(r)
	stats := engine.Stats(req.Stats)
	if len(stats) == 0 {
		var err error
		if stats, err = h.Progression.Stats(ctx, userID); err != nil {
			h.writeDomainError(w, r, "Failed to get stats", err)
			return
		}
	}

	awards, err := h.Achievements.EvaluateAchievements(ctx, userID, stats)
	if err != nil && len(awards) == 0 {
		h.writeDomainError(w, r, "Failed to evaluate achievements", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"awards": toAwardDTOs(awards),
		"errors": errorStrings(err),
	})
}

// GrantAchievement awards an achievement by hand.
func (h *Handler) GrantAchievement(w http.ResponseWriter, r *http.Request) {
	var req GrantAchievementRequest
	if !h.decode(w, r, &req) {
		return
	}

	award, err := h.Achievements.Grant(r.Context(), userParam(r), req.AchievementID, engine.ActorAdmin)
	if err != nil {
		h.writeDomainError(w, r, "Failed to grant achievement", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAwardDTOs([]achievement.Award{award})[0])
}

// =============================================================================
// CHALLENGE HANDLERS
// =============================================================================

func (h *Handler) ListChallenges(w http.ResponseWriter, r *http.Request) {
	progress, err := h.Challenges.Progress(r.Context(), userParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get challenges", err)
		return
	}

	dtos := make([]ChallengeProgressDTO, len(progress))
	for i, p := range progress {
		dtos[i] = ChallengeProgressDTO{
			ChallengeID:   p.ChallengeID,
			Progress:      p.Progress,
			IsCompleted:   p.IsCompleted,
			CompletedDate: formatOptional(p.CompletedDate),
			IsRewarded:    p.IsRewarded,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"challenges": dtos})
}

// UpdateChallengeProgress adds value to every running challenge tracking the action.
func (h *Handler) UpdateChallengeProgress(w http.ResponseWriter, r *http.Request) {
	var req ChallengeProgressRequest
	if !h.decode(w, r, &req) {
		return
	}

	updates, err := h.Challenges.UpdateChallengeProgress(r.Context(), userParam(r), req.ActionType, req.Value)
	if err != nil && len(updates) == 0 {
		h.writeDomainError(w, r, "Failed to update challenge progress", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"challenges": toUpdateDTOs(updates),
		"errors":     errorStrings(err),
	})
}

// ReconcileChallenge sets one challenge's progress from an absolute measurement.
func (h *Handler) ReconcileChallenge(w http.ResponseWriter, r *http.Request) {
	var req ReconcileChallengeRequest
	if !h.decode(w, r, &req) {
		return
	}

	upd, err := h.Challenges.Reconcile(r.Context(), userParam(r), req.ChallengeID, req.Measurement)
	if err != nil {
		h.writeDomainError(w, r, "Failed to reconcile challenge", err)
		return
	}
	writeJSON(w, http.StatusOK, toUpdateDTO(upd))
}

// =============================================================================
// REWARD HANDLERS
// =============================================================================

func (h *Handler) ListCatalog(w http.ResponseWriter, r *http.Request) {
	items, err := h.Rewards.Catalog(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to list rewards", err)
		return
	}

	dtos := make([]CatalogItemDTO, len(items))
	for i, it := range items {
		dtos[i] = CatalogItemDTO{
			ID:                it.ID,
			Name:              it.Name,
			Description:       it.Description,
			PointsCost:        it.PointsCost,
			MinimumUserLevel:  it.MinimumUserLevel,
			AvailableQuantity: it.AvailableQuantity,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rewards": dtos})
}

// RedeemReward spends points on a catalog item and returns the new grant.
func (h *Handler) RedeemReward(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !h.decode(w, r, &req) {
		return
	}

	g, err := h.Rewards.RedeemReward(r.Context(), userParam(r), req.RewardID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to redeem reward", err)
		return
	}
	writeJSON(w, http.StatusCreated, toGrantDTO(g))
}

func (h *Handler) ListGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := h.Rewards.Grants(r.Context(), userParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to list grants", err)
		return
	}

	dtos := make([]GrantDTO, len(grants))
	for i, g := range grants {
		dtos[i] = toGrantDTO(g)
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": dtos})
}

// ClaimGrant moves a grant to Claimed.
func (h *Handler) ClaimGrant(w http.ResponseWriter, r *http.Request) {
	grantID, ok := grantParam(w, r)
	if !ok {
		return
	}
	var req ClaimRequest
	if !h.decode(w, r, &req) {
		return
	}

	g, err := h.Rewards.ClaimGrant(r.Context(), grantID, engine.UserID(req.UserID))
	if err != nil {
		h.writeDomainError(w, r, "Failed to claim grant", err)
		return
	}
	writeJSON(w, http.StatusOK, toGrantDTO(g))
}

// ProcessDelivery finishes a claimed grant.
func (h *Handler) ProcessDelivery(w http.ResponseWriter, r *http.Request) {
	grantID, ok := grantParam(w, r)
	if !ok {
		return
	}
	var req DeliveryRequest
	if !h.decode(w, r, &req) {
		return
	}

	g, err := h.Rewards.ProcessDelivery(r.Context(), grantID, engine.GrantStatus(req.Status))
	if err != nil {
		h.writeDomainError(w, r, "Failed to process delivery", err)
		return
	}
	writeJSON(w, http.StatusOK, toGrantDTO(g))
}

// =============================================================================
// LEADERBOARD HANDLERS
// =============================================================================

// GetStandings returns the current entries of a leaderboard.
func (h *Handler) GetStandings(w http.ResponseWriter, r *http.Request) {
	def, entries, err := h.Ranker.Standings(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get standings", err)
		return
	}

	resp := StandingsDTO{
		LeaderboardID: def.ID,
		Name:          def.Name,
		ScoreType:     string(def.ScoreType),
		TimePeriod:    string(def.TimePeriod),
		Entries:       toEntryDTOs(entries),
	}
	if len(entries) > 0 {
		resp.PeriodKey = entries[0].PeriodKey
	}
	writeJSON(w, http.StatusOK, resp)
}

// RecomputeLeaderboard recomputes one leaderboard now.
func (h *Handler) RecomputeLeaderboard(w http.ResponseWriter, r *http.Request) {
	res, err := h.Ranker.RecomputeLeaderboard(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to recompute leaderboard", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecomputeResponse(res))
}

// RecomputeAll recomputes every active leaderboard. Failures are listed
// alongside the successful results.
func (h *Handler) RecomputeAll(w http.ResponseWriter, r *http.Request) {
	results, err := h.Ranker.RecomputeAll(r.Context())
	if err != nil && len(results) == 0 {
		h.writeDomainError(w, r, "Failed to recompute leaderboards", err)
		return
	}

	dtos := make([]RecomputeResponse, len(results))
	for i, res := range results {
		dtos[i] = toRecomputeResponse(res)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": dtos,
		"errors":  errorStrings(err),
	})
}

// ListRuns returns the recomputation history (?limit=, default 20).
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Ranker.Runs(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list runs", err)
		return
	}

	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// SurveyCompleted ingests a survey completion. Duplicates return 409.
func (h *Handler) SurveyCompleted(w http.ResponseWriter, r *http.Request) {
	var req SurveyEventRequest
	if !h.decode(w, r, &req) {
		return
	}

	var at time.Time
	if req.CompletedAt != nil {
		at = *req.CompletedAt
	}
	out, err := h.Progression.RecordSurveyCompletion(r.Context(), engine.UserID(req.UserID), req.SurveyID, at)
	if err != nil {
		h.writeDomainError(w, r, "Failed to record survey completion", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOutcomeResponse(out))
}

// LoggedIn ingests a login and advances the streak.
func (h *Handler) LoggedIn(w http.ResponseWriter, r *http.Request) {
	var req LoginEventRequest
	if !h.decode(w, r, &req) {
		return
	}

	var at time.Time
	if req.At != nil {
		at = *req.At
	}
	out, err := h.Progression.RecordLogin(r.Context(), engine.UserID(req.UserID), at)
	if err != nil {
		h.writeDomainError(w, r, "Failed to record login", err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeResponse(out))
}

// Referred ingests a referral and credits the referrer.
func (h *Handler) Referred(w http.ResponseWriter, r *http.Request) {
	var req ReferralEventRequest
	if !h.decode(w, r, &req) {
		return
	}

	out, err := h.Progression.RecordReferral(r.Context(), engine.UserID(req.ReferrerID), engine.UserID(req.ReferredID))
	if err != nil {
		h.writeDomainError(w, r, "Failed to record referral", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOutcomeResponse(out))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Sweep reconciles running challenges from participation and streak data.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.Progression.Sweep(r.Context())
	if err != nil && report.Challenges == 0 {
		h.writeDomainError(w, r, "Failed to sweep challenges", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report": SweepResponse{Challenges: report.Challenges, Updated: report.Updated, Completed: report.Completed},
		"errors": errorStrings(err),
	})
}

// ListNotifications returns the outbox rows recorded for a user.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ns, err := h.Store.ListNotifications(r.Context(), userParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to list notifications", err)
		return
	}

	dtos := make([]NotificationDTO, len(ns))
	for i, n := range ns {
		dtos[i] = NotificationDTO{
			ID:            n.ID,
			Title:         n.Title,
			Message:       n.Message,
			ReferenceID:   n.ReferenceID,
			ReferenceType: string(n.ReferenceType),
			CreatedAt:     n.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": dtos})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func userParam(r *http.Request) engine.UserID {
	return engine.UserID(chi.URLParam(r, "userID"))
}

func grantParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "grantID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid grant id", err)
		return 0, false
	}
	return id, true
}

func timeQuery(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func actorOr(s string, fallback engine.Actor) engine.Actor {
	if s == "" {
		return fallback
	}
	return engine.Actor(s)
}

func errorStrings(err error) []string {
	errs := multierr.Errors(err)
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Error()
	}
	return out
}

// decode reads a JSON body into dst and validates it. On failure it writes
// a 400 and returns false. An empty body decodes as {}.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return false
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Code: "validation", Details: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// statusFor maps the engine error taxonomy to an HTTP status and code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, engine.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, engine.ErrInsufficientPoints):
		return http.StatusUnprocessableEntity, "insufficient_points"
	case errors.Is(err, engine.ErrOutOfStock):
		return http.StatusUnprocessableEntity, "out_of_stock"
	case errors.Is(err, engine.ErrEligibility):
		return http.StatusUnprocessableEntity, "not_eligible"
	case errors.Is(err, engine.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, engine.ErrTransient):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message,
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
