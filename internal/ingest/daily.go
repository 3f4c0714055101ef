package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gymbro/garmin-sync/internal/logging"
	"github.com/gymbro/garmin-sync/internal/normalize"
	"github.com/gymbro/garmin-sync/internal/planner"
	"github.com/gymbro/garmin-sync/internal/progress"
	"github.com/gymbro/garmin-sync/internal/retry"
	"github.com/gymbro/garmin-sync/internal/store"
)

// Daily ingests per-day wellness metrics for one window.
type Daily struct {
	Session   Session
	Store     DailyStore
	Reporter  progress.Reporter
	Retry     retry.Policy
	BatchDays int
}

// Run walks the window's days, fetches the wellness streams for each, and
// upserts in weekly batches. A failed day is logged and skipped; the stage
// only errors when the store rejects a batch.
func (d *Daily) Run(ctx context.Context, userID string, win planner.Window) (int, error) {
	days := win.DailyDays()
	if len(days) == 0 {
		return 0, nil
	}

	// The initial backfill skips days that already have a row; incremental
	// runs refetch everything in the overlap so corrections land.
	var existing map[time.Time]bool
	if win.Mode == planner.ModeInitial {
		var err error
		existing, err = d.Store.DailyDates(ctx, userID, days[0], days[len(days)-1])
		if err != nil {
			return 0, fmt.Errorf("loading existing daily dates: %w", err)
		}
	}

	processed := 0
	dailyBatch := make([]store.DailyRecord, 0, d.BatchDays)
	sleepBatch := make([]store.SleepRecord, 0, d.BatchDays)

	// Progress scales by days walked, not days upserted, so skipped and
	// failed days still move the bar proportionally across the window.
	flush := func(walked int) error {
		if err := d.Store.UpsertDaily(ctx, userID, dailyBatch); err != nil {
			return err
		}
		if err := d.Store.UpsertSleep(ctx, userID, sleepBatch); err != nil {
			return err
		}
		processed += len(dailyBatch)
		dailyBatch = dailyBatch[:0]
		sleepBatch = sleepBatch[:0]
		d.Reporter.Report(ctx, userID, progress.Scale(dailyProgressStart, progressSpan, walked, len(days)))
		return nil
	}

	for i, day := range days {
		if existing[day] {
			logging.Debug("Skipping %s for user %s, already backfilled", day.Format("2006-01-02"), userID)
		} else {
			record, sleep, err := d.fetchDay(ctx, day)
			if err != nil {
				logging.Warn("Daily fetch for %s failed, skipping day: %v", day.Format("2006-01-02"), err)
			} else {
				dailyBatch = append(dailyBatch, record)
				if sleep != nil {
					sleepBatch = append(sleepBatch, store.SleepRecord{Date: day, Sleep: sleep})
				}
			}
		}

		if (i+1)%d.BatchDays == 0 {
			if err := flush(i + 1); err != nil {
				return processed, err
			}
		}
	}
	if err := flush(len(days)); err != nil {
		return processed, err
	}

	return processed, nil
}

// fetchDay pulls the wellness streams for one day. Shape-varying payloads
// are normalized into scalars; respiration, pulse ox, and floors are kept
// as opaque JSON.
func (d *Daily) fetchDay(ctx context.Context, day time.Time) (store.DailyRecord, json.RawMessage, error) {
	steps, err := retry.DoValue(ctx, d.Retry, func() (any, error) {
		return d.Session.Steps(ctx, day)
	})
	if err != nil {
		return store.DailyRecord{}, nil, fmt.Errorf("fetching steps: %w", err)
	}

	heartRates, err := retry.DoValue(ctx, d.Retry, func() (any, error) {
		return d.Session.HeartRates(ctx, day)
	})
	if err != nil {
		return store.DailyRecord{}, nil, fmt.Errorf("fetching heart rates: %w", err)
	}

	restingHR, err := retry.DoValue(ctx, d.Retry, func() (any, error) {
		return d.Session.RestingHeartRate(ctx, day)
	})
	if err != nil {
		return store.DailyRecord{}, nil, fmt.Errorf("fetching resting heart rate: %w", err)
	}

	stress, err := retry.DoValue(ctx, d.Retry, func() (any, error) {
		return d.Session.Stress(ctx, day)
	})
	if err != nil {
		return store.DailyRecord{}, nil, fmt.Errorf("fetching stress: %w", err)
	}

	sleep, err := retry.DoValue(ctx, d.Retry, func() (any, error) {
		return d.Session.Sleep(ctx, day)
	})
	if err != nil {
		return store.DailyRecord{}, nil, fmt.Errorf("fetching sleep: %w", err)
	}

	respiration, err := retry.DoValue(ctx, d.Retry, func() (any, error) {
		return d.Session.Respiration(ctx, day)
	})
	if err != nil {
		return store.DailyRecord{}, nil, fmt.Errorf("fetching respiration: %w", err)
	}

	spo2, err := retry.DoValue(ctx, d.Retry, func() (any, error) {
		return d.Session.SpO2(ctx, day)
	})
	if err != nil {
		return store.DailyRecord{}, nil, fmt.Errorf("fetching pulse ox: %w", err)
	}

	floors, err := retry.DoValue(ctx, d.Retry, func() (any, error) {
		return d.Session.Floors(ctx, day)
	})
	if err != nil {
		return store.DailyRecord{}, nil, fmt.Errorf("fetching floors: %w", err)
	}

	record := store.DailyRecord{
		Date:        day,
		Steps:       normalize.Steps(steps),
		HeartRate:   marshalPayload(heartRates),
		RestingHR:   normalize.RestingHeartRate(restingHR),
		Stress:      normalize.Stress(stress),
		Respiration: marshalPayload(respiration),
		SpO2:        marshalPayload(spo2),
		Floors:      marshalPayload(floors),
	}
	return record, marshalPayload(sleep), nil
}

// marshalPayload keeps an untyped provider payload as JSON for storage.
// Nil and unmarshalable payloads come back nil.
func marshalPayload(payload any) json.RawMessage {
	if payload == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		logging.Warn("Discarding unmarshalable payload: %v", err)
		return nil
	}
	return raw
}
