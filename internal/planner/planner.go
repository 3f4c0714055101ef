// Package planner decides the calendar window and fetch depth for a sync run
// from the user's last-synced watermark.
package planner

import "time"

// Mode selects the fetch depth for a run.
type Mode string

const (
	// ModeInitial is the first sync for a user (no watermark).
	ModeInitial Mode = "initial"
	// ModeIncremental resyncs a short window from the watermark forward.
	ModeIncremental Mode = "incremental"
	// ModeForced is a full resync requested despite an existing watermark.
	ModeForced Mode = "forced"
)

const (
	// ActivityLookbackDays bounds an initial/forced activity fetch (5 years).
	ActivityLookbackDays = 1825
	// DailyLookbackDays bounds an initial/forced daily fetch. Daily streams
	// are per-day, multi-call, and expensive.
	DailyLookbackDays = 30
	// OverlapDays is the backward overlap on incremental syncs, absorbing
	// late-arriving provider backfills.
	OverlapDays = 3
)

// Window is the calendar range for one sync run. Dates are inclusive and
// carry date precision (UTC midnight).
type Window struct {
	Mode          Mode
	ActivityStart time.Time
	DailyStart    time.Time
	End           time.Time
}

// Plan computes the window for a run. A nil watermark or an explicit force
// yields a full-depth window; otherwise the window reaches back OverlapDays
// before the watermark.
func Plan(lastSyncedAt *time.Time, force bool, today time.Time) Window {
	today = DateOf(today)

	if lastSyncedAt == nil || force {
		mode := ModeInitial
		if lastSyncedAt != nil {
			mode = ModeForced
		}
		return Window{
			Mode:          mode,
			ActivityStart: today.AddDate(0, 0, -ActivityLookbackDays),
			DailyStart:    today.AddDate(0, 0, -DailyLookbackDays),
			End:           today,
		}
	}

	start := DateOf(*lastSyncedAt).AddDate(0, 0, -OverlapDays)
	return Window{
		Mode:          ModeIncremental,
		ActivityStart: start,
		DailyStart:    start,
		End:           today,
	}
}

// ClampDailyStart pulls the daily window start forward to the earliest
// fetched activity date. Applies to initial/forced runs only: an account
// younger than the default lookback should not pay for empty daily calls.
func (w *Window) ClampDailyStart(earliestActivity time.Time) {
	if w.Mode == ModeIncremental || earliestActivity.IsZero() {
		return
	}
	earliest := DateOf(earliestActivity)
	if earliest.After(w.DailyStart) {
		w.DailyStart = earliest
	}
}

// DailyDays returns every calendar day in [DailyStart, End), oldest first.
// The still-in-progress current day is excluded; the next run's backward
// overlap picks it up once the provider has a complete day.
func (w Window) DailyDays() []time.Time {
	var days []time.Time
	for d := w.DailyStart; d.Before(w.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// DateOf truncates t to date precision in UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
