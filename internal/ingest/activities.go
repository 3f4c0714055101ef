package ingest

import (
	"context"
	"time"

	"github.com/gymbro/garmin-sync/internal/logging"
	"github.com/gymbro/garmin-sync/internal/planner"
	"github.com/gymbro/garmin-sync/internal/progress"
	"github.com/gymbro/garmin-sync/internal/provider"
	"github.com/gymbro/garmin-sync/internal/retry"
	"github.com/gymbro/garmin-sync/internal/store"
)

// earlyStopSlackDays widens the pagination cutoff past the window start.
// The activity list is ordered by start time, which can jitter across
// timezone boundaries; a week of slack keeps the early stop safe.
const earlyStopSlackDays = 7

// detailAttempts caps detail fetches. Details are heavy and optional, so
// they get fewer tries than page fetches.
const detailAttempts = 2

// Activities ingests the activity list for one window.
type Activities struct {
	Session     Session
	Store       ActivityStore
	Reporter    progress.Reporter
	Retry       retry.Policy
	PageSize    int
	DetailLimit int
	BatchSize   int
}

// ActivityResult summarizes an activity stage run.
type ActivityResult struct {
	Count    int
	Earliest time.Time // zero when no activity was ingested
}

// Run paginates the provider's activity list newest-first, keeps the
// entries inside the window, attaches details per the window mode, and
// upserts in batches. A page failure after retries ends pagination with
// whatever was already fetched; only store failures are returned as errors.
func (a *Activities) Run(ctx context.Context, userID string, win planner.Window) (ActivityResult, error) {
	summaries := a.collect(ctx, win)
	if len(summaries) == 0 {
		return ActivityResult{}, nil
	}

	detailBudget := len(summaries)
	if win.Mode != planner.ModeIncremental && detailBudget > a.DetailLimit {
		detailBudget = a.DetailLimit
	}

	var result ActivityResult
	batch := make([]store.ActivityRecord, 0, a.BatchSize)
	for i, summary := range summaries {
		record := toRecord(summary)

		// Summaries arrive newest-first, so the detail budget naturally
		// covers the newest activities.
		if i < detailBudget {
			record.Detail = a.fetchDetail(ctx, summary.ID)
		}

		batch = append(batch, record)
		if len(batch) >= a.BatchSize {
			if err := a.flush(ctx, userID, batch, &result, len(summaries)); err != nil {
				return result, err
			}
			batch = batch[:0]
		}
	}
	if err := a.flush(ctx, userID, batch, &result, len(summaries)); err != nil {
		return result, err
	}

	for _, s := range summaries {
		d := s.Date()
		if result.Earliest.IsZero() || d.Before(result.Earliest) {
			result.Earliest = d
		}
	}

	return result, nil
}

// collect paginates until the list runs out, an entry falls behind the
// early-stop cutoff, or a page fetch fails after retries.
func (a *Activities) collect(ctx context.Context, win planner.Window) []provider.ActivitySummary {
	cutoff := win.ActivityStart.AddDate(0, 0, -earlyStopSlackDays)

	var summaries []provider.ActivitySummary
	for start := 0; ; start += a.PageSize {
		page, err := retry.DoValue(ctx, a.Retry, func() ([]provider.ActivitySummary, error) {
			return a.Session.Activities(ctx, start, a.PageSize)
		})
		if err != nil {
			logging.Warn("Activity page at offset %d failed, continuing with %d fetched: %v",
				start, len(summaries), err)
			return summaries
		}

		stop := len(page) < a.PageSize
		for _, s := range page {
			d := s.Date()
			if d.Before(cutoff) {
				stop = true
				break
			}
			if d.Before(win.ActivityStart) || d.After(win.End) {
				continue
			}
			summaries = append(summaries, s)
		}
		if stop {
			return summaries
		}
	}
}

// fetchDetail fetches the heavy detail payload with a reduced retry budget.
// On failure the activity is stored without detail.
func (a *Activities) fetchDetail(ctx context.Context, activityID string) []byte {
	policy := retry.Policy{MaxAttempts: detailAttempts, BaseDelay: a.Retry.BaseDelay}
	detail, err := retry.DoValue(ctx, policy, func() ([]byte, error) {
		return a.Session.ActivityDetail(ctx, activityID)
	})
	if err != nil {
		logging.Warn("Detail fetch for activity %s failed, storing summary only: %v", activityID, err)
		return nil
	}
	return detail
}

func (a *Activities) flush(ctx context.Context, userID string, batch []store.ActivityRecord, result *ActivityResult, total int) error {
	if len(batch) == 0 {
		return nil
	}
	if err := a.Store.UpsertActivities(ctx, userID, batch); err != nil {
		return err
	}
	result.Count += len(batch)
	a.Reporter.Report(ctx, userID, progress.Scale(activityProgressStart, progressSpan, result.Count, total))
	return nil
}

func toRecord(s provider.ActivitySummary) store.ActivityRecord {
	return store.ActivityRecord{
		ActivityID:     s.ID,
		Name:           s.Name,
		Type:           s.Type,
		StartTimeLocal: s.StartTimeLocal,
		DistanceM:      s.DistanceM,
		DurationS:      s.DurationS,
		Calories:       s.Calories,
		AverageHR:      s.AverageHR,
		MaxHR:          s.MaxHR,
		ElevationGainM: s.ElevationGainM,
		AverageSpeed:   s.AverageSpeed,
		MaxSpeed:       s.MaxSpeed,
		RawSummary:     s.Raw,
	}
}
