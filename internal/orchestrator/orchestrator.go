// Package orchestrator runs the sequential sync pipeline and owns the
// sync_state machine: idle -> syncing -> {synced, error}. Whatever happens
// after the lease is acquired, the run converges to a terminal state.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gymbro/garmin-sync/internal/ingest"
	"github.com/gymbro/garmin-sync/internal/logging"
	"github.com/gymbro/garmin-sync/internal/planner"
	"github.com/gymbro/garmin-sync/internal/progress"
	"github.com/gymbro/garmin-sync/internal/retry"
	"github.com/gymbro/garmin-sync/internal/store"
)

// ErrAlreadySyncing reports that another run holds the user's sync lease.
var ErrAlreadySyncing = errors.New("a sync is already running for this user")

// ErrReconnectRequired is the terminal error for unusable credentials.
var ErrReconnectRequired = errors.New("reconnect your Garmin account")

// StateStore is the persistence surface the orchestrator needs.
// *store.Store satisfies it.
type StateStore interface {
	ingest.ActivityStore
	ingest.DailyStore
	GetSyncState(ctx context.Context, userID string) (store.SyncState, error)
	AcquireSyncLease(ctx context.Context, userID string, ttl time.Duration) (bool, error)
	FinishSync(ctx context.Context, userID, status string, errMsg string) error
	RefreshWatermark(ctx context.Context, userID string, at time.Time) error
	UpsertMaxMetrics(ctx context.Context, userID string, date time.Time, metrics json.RawMessage) error
}

// SessionOpener opens an authenticated provider session. A (nil, nil)
// return means the user has no usable credentials.
type SessionOpener interface {
	Open(ctx context.Context, userID string) (ingest.Session, error)
}

// RunJournal records run history. Journal failures never affect a sync.
type RunJournal interface {
	StartRun(id, userID, mode string, windowStart, windowEnd time.Time) error
	CompleteRun(id, status string, activities, dailyDays int, errMsg string) error
}

// BaselineTrigger is the post-sync analytics hook.
type BaselineTrigger interface {
	RecomputeBaselines(ctx context.Context, userID string)
}

// Options tunes a single invocation.
type Options struct {
	// Force requests a full resync regardless of the watermark.
	Force bool
	// DaysBack is accepted for caller compatibility and recorded, but the
	// window is derived from the watermark.
	DaysBack int
}

// Orchestrator drives one user's sync runs.
type Orchestrator struct {
	Store     StateStore
	Sessions  SessionOpener
	Journal   RunJournal
	Analytics BaselineTrigger
	Reporter  progress.Reporter

	Retry             retry.Policy
	LeaseTTL          time.Duration
	PageSize          int
	DetailLimit       int
	ActivityBatchSize int
	DailyBatchDays    int

	// Now is replaceable for tests; nil means time.Now.
	Now func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Start launches a run on a detached goroutine and returns immediately.
// It exists for embedders that trigger syncs from a request handler; the
// CLI calls Run directly. The goroutine's terminal-state write is the
// source of truth; a lease conflict or panic never leaves the user stuck
// at syncing.
func (o *Orchestrator) Start(userID string, opts Options) {
	go func() {
		if err := o.Run(context.Background(), userID, opts); err != nil && !errors.Is(err, ErrAlreadySyncing) {
			logging.Error("Background sync for user %s failed: %v", userID, err)
		}
	}()
}

// Run executes one sync. It returns ErrAlreadySyncing when another run
// holds the lease; any other error has already been written to sync_state
// as the terminal error status.
func (o *Orchestrator) Run(ctx context.Context, userID string, opts Options) error {
	state, err := o.Store.GetSyncState(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading sync state: %w", err)
	}

	acquired, err := o.Store.AcquireSyncLease(ctx, userID, o.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquiring sync lease: %w", err)
	}
	if !acquired {
		logging.Info("Sync already running for user %s, skipping", userID)
		return ErrAlreadySyncing
	}

	win := planner.Plan(state.LastSyncedAt, opts.Force, planner.DateOf(o.now()))
	if opts.DaysBack > 0 {
		logging.Debug("days_back=%d requested by caller; window is watermark-driven (%s mode)",
			opts.DaysBack, win.Mode)
	}

	runID := uuid.NewString()
	logging.Info("Sync run %s starting for user %s: mode=%s activities from %s, daily from %s",
		runID, userID, win.Mode,
		win.ActivityStart.Format("2006-01-02"), win.DailyStart.Format("2006-01-02"))

	if err := o.Journal.StartRun(runID, userID, string(win.Mode), win.ActivityStart, win.End); err != nil {
		logging.Warn("Journaling run %s failed: %v", runID, err)
	}

	activities, dailyDays, runErr := o.execute(ctx, userID, win)

	if runErr != nil {
		logging.Error("Sync run %s for user %s failed: %v", runID, userID, runErr)
		if err := o.Store.FinishSync(ctx, userID, store.StatusError, runErr.Error()); err != nil {
			logging.Error("Writing error state for user %s failed: %v", userID, err)
		}
		if err := o.Journal.CompleteRun(runID, store.StatusError, activities, dailyDays, runErr.Error()); err != nil {
			logging.Warn("Journaling run %s failed: %v", runID, err)
		}
		return runErr
	}

	o.Reporter.Report(ctx, userID, 100)
	if err := o.Store.FinishSync(ctx, userID, store.StatusSynced, ""); err != nil {
		logging.Error("Writing synced state for user %s failed: %v", userID, err)
	}
	if err := o.Journal.CompleteRun(runID, store.StatusSynced, activities, dailyDays, ""); err != nil {
		logging.Warn("Journaling run %s failed: %v", runID, err)
	}
	if o.Analytics != nil {
		o.Analytics.RecomputeBaselines(ctx, userID)
	}

	logging.Info("Sync run %s complete for user %s: %d activities, %d daily days",
		runID, userID, activities, dailyDays)
	return nil
}

// execute runs the pipeline stages. A hard failure in one stage is
// remembered but does not stop the next stage, so a failed daily day never
// erases successfully ingested activities. The recover guard turns a panic
// anywhere below into a terminal error instead of a wedged syncing state.
func (o *Orchestrator) execute(ctx context.Context, userID string, win planner.Window) (activities, dailyDays int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync panicked: %v", r)
		}
	}()

	o.Reporter.Report(ctx, userID, 5)

	session, err := o.Sessions.Open(ctx, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("opening provider session: %w", err)
	}
	if session == nil {
		return 0, 0, ErrReconnectRequired
	}

	o.Reporter.Report(ctx, userID, 10)

	var stageErrs []error

	actStage := &ingest.Activities{
		Session:     session,
		Store:       o.Store,
		Reporter:    o.Reporter,
		Retry:       o.Retry,
		PageSize:    o.PageSize,
		DetailLimit: o.DetailLimit,
		BatchSize:   o.ActivityBatchSize,
	}
	result, aerr := actStage.Run(ctx, userID, win)
	activities = result.Count
	if aerr != nil {
		logging.Error("Activity stage for user %s failed after %d activities: %v", userID, activities, aerr)
		stageErrs = append(stageErrs, fmt.Errorf("activity stage: %w", aerr))
	}
	if !result.Earliest.IsZero() {
		win.ClampDailyStart(result.Earliest)
	}

	o.Reporter.Report(ctx, userID, 50)

	dailyStage := &ingest.Daily{
		Session:   session,
		Store:     o.Store,
		Reporter:  o.Reporter,
		Retry:     o.Retry,
		BatchDays: o.DailyBatchDays,
	}
	dailyDays, derr := dailyStage.Run(ctx, userID, win)
	if derr != nil {
		logging.Error("Daily stage for user %s failed after %d days: %v", userID, dailyDays, derr)
		stageErrs = append(stageErrs, fmt.Errorf("daily stage: %w", derr))
	}

	o.Reporter.Report(ctx, userID, 90)

	if len(stageErrs) > 0 {
		return activities, dailyDays, errors.Join(stageErrs...)
	}

	o.fetchMaxMetrics(ctx, userID, session, win)

	if err := o.Store.RefreshWatermark(ctx, userID, o.now()); err != nil {
		return activities, dailyDays, fmt.Errorf("refreshing watermark: %w", err)
	}

	return activities, dailyDays, nil
}

// fetchMaxMetrics stores the derived fitness metrics for the window's final
// day. Best-effort; most days simply have no payload.
func (o *Orchestrator) fetchMaxMetrics(ctx context.Context, userID string, session ingest.Session, win planner.Window) {
	day := win.End.AddDate(0, 0, -1)
	payload, err := session.MaxMetrics(ctx, day)
	if err != nil {
		logging.Warn("Max metrics fetch for user %s failed: %v", userID, err)
		return
	}
	if payload == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		logging.Warn("Discarding unmarshalable max metrics for user %s: %v", userID, err)
		return
	}
	if err := o.Store.UpsertMaxMetrics(ctx, userID, day, raw); err != nil {
		logging.Warn("Storing max metrics for user %s failed: %v", userID, err)
	}
}
