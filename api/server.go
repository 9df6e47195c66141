/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     One zap line per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests from configured origins

ROUTE GROUPS:
  /api/users/{userID}/*     Ledger, achievements, challenges, grants
  /api/grants/*             Grant state machine
  /api/rewards              Catalog
  /api/leaderboards/*       Standings and recomputation
  /api/events/*             Collaborator event ingestion
  /api/admin/*              Sweep
  /healthz                  Liveness

SECURITY NOTE:
  No authentication middleware. Identity is the caller's concern; the
  engine trusts the user ids it is given.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		// User routes
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Post("/points", h.PostPoints)
			r.Post("/deductions", h.DeductPoints)
			r.Get("/transactions", h.GetTransactions)
			r.Get("/audit", h.GetAudit)
			r.Get("/stats", h.GetStats)
			r.Get("/notifications", h.ListNotifications)

			r.Get("/achievements", h.ListAchievements)
			r.Post("/achievements/evaluate", h.EvaluateAchievements)
			r.Post("/achievements/grant", h.GrantAchievement)

			r.Get("/challenges", h.ListChallenges)
			r.Post("/challenges/progress", h.UpdateChallengeProgress)
			r.Post("/challenges/reconcile", h.ReconcileChallenge)

			r.Post("/redemptions", h.RedeemReward)
			r.Get("/grants", h.ListGrants)
		})

		// Grant routes
		r.Route("/grants/{grantID}", func(r chi.Router) {
			r.Post("/claim", h.ClaimGrant)
			r.Post("/delivery", h.ProcessDelivery)
		})

		r.Get("/rewards", h.ListCatalog)

		// Leaderboard routes
		r.Route("/leaderboards", func(r chi.Router) {
			r.Post("/recompute", h.RecomputeAll)
			r.Get("/{id}", h.GetStandings)
			r.Post("/{id}/recompute", h.RecomputeLeaderboard)
			r.Get("/{id}/runs", h.ListRuns)
		})

		// Event routes
		r.Route("/events", func(r chi.Router) {
			r.Post("/surveys", h.SurveyCompleted)
			r.Post("/logins", h.LoggedIn)
			r.Post("/referrals", h.Referred)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.Sweep)
		})
	})

	return r
}

// RequestLogger writes one zap line per request.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
