// Package ingest pulls collections from the provider into the store for one
// sync window. Activities and daily metrics are separate stages so a failure
// in one never blocks the other.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gymbro/garmin-sync/internal/provider"
	"github.com/gymbro/garmin-sync/internal/store"
)

// Progress sub-ranges per stage. Each stage owns a 40-point span; the
// orchestrator reports the fixed milestones around them.
const (
	activityProgressStart = 10
	dailyProgressStart    = 50
	progressSpan          = 40
)

// Session is the authenticated provider surface the ingesters consume.
// *provider.Session satisfies it.
type Session interface {
	Activities(ctx context.Context, start, limit int) ([]provider.ActivitySummary, error)
	ActivityDetail(ctx context.Context, activityID string) (json.RawMessage, error)
	Steps(ctx context.Context, day time.Time) (any, error)
	HeartRates(ctx context.Context, day time.Time) (any, error)
	RestingHeartRate(ctx context.Context, day time.Time) (any, error)
	Stress(ctx context.Context, day time.Time) (any, error)
	Sleep(ctx context.Context, day time.Time) (any, error)
	Respiration(ctx context.Context, day time.Time) (any, error)
	SpO2(ctx context.Context, day time.Time) (any, error)
	Floors(ctx context.Context, day time.Time) (any, error)
	MaxMetrics(ctx context.Context, day time.Time) (any, error)
}

// ActivityStore receives batched activity upserts. *store.Store satisfies it.
type ActivityStore interface {
	UpsertActivities(ctx context.Context, userID string, records []store.ActivityRecord) error
}

// DailyStore receives batched daily upserts. *store.Store satisfies it.
type DailyStore interface {
	UpsertDaily(ctx context.Context, userID string, records []store.DailyRecord) error
	UpsertSleep(ctx context.Context, userID string, records []store.SleepRecord) error
	DailyDates(ctx context.Context, userID string, from, to time.Time) (map[time.Time]bool, error)
}
