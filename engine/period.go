package engine

import (
	"fmt"
	"time"
)

// =============================================================================
// CLOCK
// =============================================================================

// Clock returns the current instant. Components take one so tests can pin time.
type Clock func() time.Time

// SystemClock returns time.Now in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

// =============================================================================
// TIME PERIOD - The window a leaderboard ranks over
// =============================================================================

type TimePeriod string

const (
	PeriodDaily   TimePeriod = "daily"   // calendar day, UTC
	PeriodWeekly  TimePeriod = "weekly"  // ISO week, Monday start
	PeriodMonthly TimePeriod = "monthly" // calendar month
	PeriodAllTime TimePeriod = "alltime" // no window
)

func (p TimePeriod) Valid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodAllTime:
		return true
	}
	return false
}

// Window is the closed interval [Start, End] a score is computed over.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains returns true if t is within [Start, End].
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

func (w Window) String() string {
	return "[" + w.Start.Format(time.RFC3339) + ", " + w.End.Format(time.RFC3339) + "]"
}

// WindowFor returns the window of the period containing now.
// The second result is false for all-time, which has no window.
func WindowFor(p TimePeriod, now time.Time) (Window, bool) {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch p {
	case PeriodDaily:
		return Window{Start: day, End: day.AddDate(0, 0, 1).Add(-time.Nanosecond)}, true

	case PeriodWeekly:
		// time.Weekday has Sunday = 0; ISO weeks start on Monday
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		return Window{Start: start, End: start.AddDate(0, 0, 7).Add(-time.Nanosecond)}, true

	case PeriodMonthly:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Window{Start: start, End: start.AddDate(0, 1, 0).Add(-time.Nanosecond)}, true

	default:
		return Window{}, false
	}
}

// PeriodKey labels the period containing now, e.g. "2026-10-16", "2026-W42",
// "2026-10" or "all-time". Entries carry it so rewards are paid once per period.
func PeriodKey(p TimePeriod, now time.Time) string {
	now = now.UTC()
	switch p {
	case PeriodDaily:
		return now.Format("2006-01-02")
	case PeriodWeekly:
		year, week := now.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case PeriodMonthly:
		return now.Format("2006-01")
	default:
		return "all-time"
	}
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns whole calendar days from a to b (negative if b is earlier).
func DaysBetween(a, b time.Time) int {
	return int(StartOfDay(b).Sub(StartOfDay(a)).Hours() / 24)
}
