package leaderboard

import (
	"context"
	"sync"
	"time"

	"github.com/warp/progression-engine/engine"
)

// =============================================================================
// SCORERS
// =============================================================================

// Scorer computes raw scores for one score type. window is zero for
// leaderboards without one; stores treat zero bounds as open.
type Scorer interface {
	Score(ctx context.Context, s engine.Store, window engine.Window, now time.Time) (map[engine.UserID]int64, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, s engine.Store, window engine.Window, now time.Time) (map[engine.UserID]int64, error)

func (f ScorerFunc) Score(ctx context.Context, s engine.Store, window engine.Window, now time.Time) (map[engine.UserID]int64, error) {
	return f(ctx, s, window, now)
}

// PointsScorer sums Earned ledger amounts inside the window.
var PointsScorer = ScorerFunc(func(ctx context.Context, s engine.Store, w engine.Window, _ time.Time) (map[engine.UserID]int64, error) {
	return s.SumEarned(ctx, w.Start, w.End)
})

// SurveysScorer counts completed participations inside the window.
var SurveysScorer = ScorerFunc(func(ctx context.Context, s engine.Store, w engine.Window, _ time.Time) (map[engine.UserID]int64, error) {
	return s.ParticipationCounts(ctx, w.Start, w.End)
})

// StreakScorer reads the current login streak. A streak whose last login is
// older than yesterday is already broken and scores zero.
var StreakScorer = ScorerFunc(func(ctx context.Context, s engine.Store, _ engine.Window, now time.Time) (map[engine.UserID]int64, error) {
	streaks, err := s.ListStreaks(ctx)
	if err != nil {
		return nil, err
	}
	scores := make(map[engine.UserID]int64, len(streaks))
	for _, st := range streaks {
		if engine.DaysBetween(st.LastLoginDate, now) > 1 {
			continue
		}
		scores[st.UserID] = st.Current
	}
	return scores, nil
})

// =============================================================================
// REGISTRY
// =============================================================================

// Registry maps score types to scorers.
type Registry struct {
	mu      sync.RWMutex
	scorers map[engine.ScoreType]Scorer
}

// NewRegistry returns a registry with the built-in scorers.
func NewRegistry() *Registry {
	r := &Registry{scorers: make(map[engine.ScoreType]Scorer)}
	r.Register(engine.ScorePoints, PointsScorer)
	r.Register(engine.ScoreSurveys, SurveysScorer)
	r.Register(engine.ScoreStreak, StreakScorer)
	return r
}

// Register adds or replaces the scorer for t.
func (r *Registry) Register(t engine.ScoreType, s Scorer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scorers[t] = s
}

func (r *Registry) Get(t engine.ScoreType) (Scorer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scorers[t]
	return s, ok
}

// windowed reports whether the score type is restricted to the period window.
func windowed(t engine.ScoreType) bool {
	return t != engine.ScoreStreak
}
