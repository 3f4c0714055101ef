package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gymbro/garmin-sync/internal/ingest"
	"github.com/gymbro/garmin-sync/internal/provider"
	"github.com/gymbro/garmin-sync/internal/retry"
	"github.com/gymbro/garmin-sync/internal/store"
)

var testRetry = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}

var today = time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC)

// fakeStore records every state transition and upsert.
type fakeStore struct {
	state    store.SyncState
	acquired bool

	finishStatus string
	finishErrMsg string
	watermark    *time.Time

	activityBatches [][]store.ActivityRecord
	dailyBatches    [][]store.DailyRecord
	sleepBatches    [][]store.SleepRecord
	maxMetrics      map[string]json.RawMessage

	upsertActivitiesErr error
	upsertDailyErr      error
	watermarkErr        error
}

func (f *fakeStore) GetSyncState(ctx context.Context, userID string) (store.SyncState, error) {
	return f.state, nil
}

func (f *fakeStore) AcquireSyncLease(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	return f.acquired, nil
}

func (f *fakeStore) FinishSync(ctx context.Context, userID, status string, errMsg string) error {
	f.finishStatus = status
	f.finishErrMsg = errMsg
	return nil
}

func (f *fakeStore) RefreshWatermark(ctx context.Context, userID string, at time.Time) error {
	if f.watermarkErr != nil {
		return f.watermarkErr
	}
	f.watermark = &at
	return nil
}

func (f *fakeStore) UpsertActivities(ctx context.Context, userID string, records []store.ActivityRecord) error {
	if f.upsertActivitiesErr != nil {
		return f.upsertActivitiesErr
	}
	batch := make([]store.ActivityRecord, len(records))
	copy(batch, records)
	f.activityBatches = append(f.activityBatches, batch)
	return nil
}

func (f *fakeStore) UpsertDaily(ctx context.Context, userID string, records []store.DailyRecord) error {
	if f.upsertDailyErr != nil {
		return f.upsertDailyErr
	}
	if len(records) > 0 {
		batch := make([]store.DailyRecord, len(records))
		copy(batch, records)
		f.dailyBatches = append(f.dailyBatches, batch)
	}
	return nil
}

func (f *fakeStore) UpsertSleep(ctx context.Context, userID string, records []store.SleepRecord) error {
	if len(records) > 0 {
		f.sleepBatches = append(f.sleepBatches, records)
	}
	return nil
}

func (f *fakeStore) DailyDates(ctx context.Context, userID string, from, to time.Time) (map[time.Time]bool, error) {
	return nil, nil
}

func (f *fakeStore) UpsertMaxMetrics(ctx context.Context, userID string, date time.Time, metrics json.RawMessage) error {
	if f.maxMetrics == nil {
		f.maxMetrics = make(map[string]json.RawMessage)
	}
	f.maxMetrics[date.Format("2006-01-02")] = metrics
	return nil
}

// fakeSession serves one activity page and constant daily payloads.
type fakeSession struct {
	activities  []provider.ActivitySummary
	pageErr     error
	panicOnPage bool
	maxMetrics  any
}

func (f *fakeSession) Activities(ctx context.Context, start, limit int) ([]provider.ActivitySummary, error) {
	if f.panicOnPage {
		panic("page decode blew up")
	}
	if f.pageErr != nil {
		return nil, f.pageErr
	}
	if start > 0 {
		return nil, nil
	}
	return f.activities, nil
}

func (f *fakeSession) ActivityDetail(ctx context.Context, activityID string) (json.RawMessage, error) {
	return json.RawMessage(`{"samples":[]}`), nil
}

func (f *fakeSession) Steps(ctx context.Context, day time.Time) (any, error) {
	return float64(7500), nil
}
func (f *fakeSession) HeartRates(ctx context.Context, day time.Time) (any, error) { return nil, nil }
func (f *fakeSession) RestingHeartRate(ctx context.Context, day time.Time) (any, error) {
	return map[string]any{"restingHeartRate": float64(45)}, nil
}
func (f *fakeSession) Stress(ctx context.Context, day time.Time) (any, error)      { return nil, nil }
func (f *fakeSession) Sleep(ctx context.Context, day time.Time) (any, error)       { return nil, nil }
func (f *fakeSession) Respiration(ctx context.Context, day time.Time) (any, error) { return nil, nil }
func (f *fakeSession) SpO2(ctx context.Context, day time.Time) (any, error)        { return nil, nil }
func (f *fakeSession) Floors(ctx context.Context, day time.Time) (any, error)      { return nil, nil }
func (f *fakeSession) MaxMetrics(ctx context.Context, day time.Time) (any, error) {
	return f.maxMetrics, nil
}

type fakeOpener struct {
	session ingest.Session
	err     error
}

func (f *fakeOpener) Open(ctx context.Context, userID string) (ingest.Session, error) {
	return f.session, f.err
}

type fakeJournal struct {
	startedMode    string
	completeStatus string
	activities     int
	dailyDays      int
	errMsg         string
}

func (f *fakeJournal) StartRun(id, userID, mode string, windowStart, windowEnd time.Time) error {
	f.startedMode = mode
	return nil
}

func (f *fakeJournal) CompleteRun(id, status string, activities, dailyDays int, errMsg string) error {
	f.completeStatus = status
	f.activities = activities
	f.dailyDays = dailyDays
	f.errMsg = errMsg
	return nil
}

type fakeAnalytics struct{ calls int }

func (f *fakeAnalytics) RecomputeBaselines(ctx context.Context, userID string) { f.calls++ }

type recordingReporter struct{ pcts []int }

func (r *recordingReporter) Report(ctx context.Context, userID string, pct int) {
	r.pcts = append(r.pcts, pct)
}

func activityOn(id string, day time.Time) provider.ActivitySummary {
	return provider.ActivitySummary{
		ID:             id,
		Type:           "running",
		StartTimeLocal: day.Add(6 * time.Hour),
		Raw:            json.RawMessage(`{}`),
	}
}

func newOrchestrator(st *fakeStore, opener SessionOpener, j *fakeJournal, a *fakeAnalytics, rep *recordingReporter) *Orchestrator {
	return &Orchestrator{
		Store:             st,
		Sessions:          opener,
		Journal:           j,
		Analytics:         a,
		Reporter:          rep,
		Retry:             testRetry,
		LeaseTTL:          30 * time.Minute,
		PageSize:          50,
		DetailLimit:       50,
		ActivityBatchSize: 20,
		DailyBatchDays:    7,
		Now:               func() time.Time { return today.Add(15 * time.Hour) },
	}
}

func TestRunEndToEnd(t *testing.T) {
	watermark := today.AddDate(0, 0, -10).Add(9 * time.Hour)
	st := &fakeStore{
		acquired: true,
		state:    store.SyncState{UserID: "user-1", LastSyncedAt: &watermark},
	}
	session := &fakeSession{
		activities: []provider.ActivitySummary{
			activityOn("3", today.AddDate(0, 0, -2)),
			activityOn("2", today.AddDate(0, 0, -9)),
			activityOn("1", today.AddDate(0, 0, -12)),
		},
		maxMetrics: map[string]any{"vo2MaxValue": 52.1},
	}
	j := &fakeJournal{}
	a := &fakeAnalytics{}
	rep := &recordingReporter{}

	o := newOrchestrator(st, &fakeOpener{session: session}, j, a, rep)
	if err := o.Run(context.Background(), "user-1", Options{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if j.startedMode != "incremental" {
		t.Errorf("mode = %s, want incremental", j.startedMode)
	}

	total := 0
	for _, b := range st.activityBatches {
		total += len(b)
	}
	if total != 3 {
		t.Errorf("activities upserted = %d, want 3", total)
	}

	sizes := make([]int, len(st.dailyBatches))
	days := 0
	for i, b := range st.dailyBatches {
		sizes[i] = len(b)
		days += len(b)
	}
	if days != 13 || len(sizes) != 2 || sizes[0] != 7 || sizes[1] != 6 {
		t.Errorf("daily batches = %v (total %d), want [7 6]", sizes, days)
	}

	if st.finishStatus != store.StatusSynced {
		t.Errorf("terminal status = %s, want synced", st.finishStatus)
	}
	if st.watermark == nil || !st.watermark.Equal(today.Add(15*time.Hour)) {
		t.Errorf("watermark = %v, want run completion time", st.watermark)
	}
	if a.calls != 1 {
		t.Errorf("analytics calls = %d, want 1", a.calls)
	}
	if len(st.maxMetrics) != 1 {
		t.Errorf("max metrics rows = %d, want 1 (final day only)", len(st.maxMetrics))
	}
	if j.completeStatus != "synced" || j.activities != 3 || j.dailyDays != 13 {
		t.Errorf("journal = %+v", j)
	}

	last := 0
	for _, pct := range rep.pcts {
		if pct < last {
			t.Fatalf("progress regressed: %v", rep.pcts)
		}
		last = pct
	}
	if last != 100 {
		t.Errorf("final progress = %d, want 100", last)
	}
}

func TestRunAlreadySyncing(t *testing.T) {
	st := &fakeStore{acquired: false}
	opener := &fakeOpener{}
	o := newOrchestrator(st, opener, &fakeJournal{}, &fakeAnalytics{}, &recordingReporter{})

	err := o.Run(context.Background(), "user-1", Options{})
	if !errors.Is(err, ErrAlreadySyncing) {
		t.Fatalf("err = %v, want ErrAlreadySyncing", err)
	}
	if st.finishStatus != "" {
		t.Errorf("terminal state written despite lease conflict: %s", st.finishStatus)
	}
}

// leasingStore resolves lease acquisition against its in-memory state with
// the same predicate as the store's conditional write: the idle-to-syncing
// transition succeeds unless a live holder's lease is still in the future.
type leasingStore struct {
	fakeStore
	now time.Time
}

func (l *leasingStore) AcquireSyncLease(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	st := l.state
	if st.Status == store.StatusSyncing && st.LeaseExpiresAt != nil && st.LeaseExpiresAt.After(l.now) {
		return false, nil
	}
	expires := l.now.Add(ttl)
	l.state.Status = store.StatusSyncing
	l.state.LeaseExpiresAt = &expires
	return true, nil
}

func TestRunLeaseExpiry(t *testing.T) {
	now := today.Add(15 * time.Hour)
	watermark := today.AddDate(0, 0, -10)
	expired := now.Add(-time.Hour)
	live := now.Add(time.Hour)

	tests := []struct {
		name        string
		lease       *time.Time
		wantAcquire bool
	}{
		{"expired lease is re-acquired", &expired, true},
		{"crashed holder without lease is re-acquired", nil, true},
		{"live lease blocks the run", &live, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &leasingStore{
				now: now,
				fakeStore: fakeStore{state: store.SyncState{
					UserID:         "user-1",
					Status:         store.StatusSyncing,
					LastSyncedAt:   &watermark,
					LeaseExpiresAt: tt.lease,
				}},
			}

			o := newOrchestrator(&st.fakeStore, &fakeOpener{session: &fakeSession{}}, &fakeJournal{}, &fakeAnalytics{}, &recordingReporter{})
			o.Store = st
			err := o.Run(context.Background(), "user-1", Options{})

			if tt.wantAcquire {
				if err != nil {
					t.Fatalf("Run: %v", err)
				}
				if st.finishStatus != store.StatusSynced {
					t.Errorf("terminal status = %q, want synced", st.finishStatus)
				}
			} else {
				if !errors.Is(err, ErrAlreadySyncing) {
					t.Fatalf("err = %v, want ErrAlreadySyncing", err)
				}
				if st.finishStatus != "" {
					t.Errorf("terminal state written despite live lease: %s", st.finishStatus)
				}
			}
		})
	}
}

func TestRunTerminalConvergence(t *testing.T) {
	tests := []struct {
		name  string
		setup func(st *fakeStore, opener *fakeOpener)
		want  string
	}{
		{
			"session open network error",
			func(st *fakeStore, opener *fakeOpener) {
				opener.err = errors.New("dial tcp: connection refused")
			},
			"opening provider session",
		},
		{
			"missing credentials",
			func(st *fakeStore, opener *fakeOpener) {
				opener.session = nil
			},
			"reconnect your Garmin account",
		},
		{
			"activity store failure",
			func(st *fakeStore, opener *fakeOpener) {
				st.upsertActivitiesErr = errors.New("relation does not exist")
			},
			"activity stage",
		},
		{
			"daily store failure",
			func(st *fakeStore, opener *fakeOpener) {
				st.upsertDailyErr = errors.New("connection closed")
			},
			"daily stage",
		},
		{
			"watermark refresh failure",
			func(st *fakeStore, opener *fakeOpener) {
				st.watermarkErr = errors.New("deadlock detected")
			},
			"refreshing watermark",
		},
		{
			"panic in pipeline",
			func(st *fakeStore, opener *fakeOpener) {
				opener.session.(*fakeSession).panicOnPage = true
			},
			"sync panicked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			watermark := today.AddDate(0, 0, -10)
			st := &fakeStore{
				acquired: true,
				state:    store.SyncState{UserID: "user-1", LastSyncedAt: &watermark},
			}
			opener := &fakeOpener{session: &fakeSession{
				activities: []provider.ActivitySummary{activityOn("1", today.AddDate(0, 0, -2))},
			}}
			tt.setup(st, opener)

			o := newOrchestrator(st, opener, &fakeJournal{}, &fakeAnalytics{}, &recordingReporter{})
			err := o.Run(context.Background(), "user-1", Options{})
			if err == nil {
				t.Fatal("expected an error")
			}
			if st.finishStatus != store.StatusError {
				t.Errorf("terminal status = %q, want error", st.finishStatus)
			}
			if st.finishErrMsg == "" || !strings.Contains(st.finishErrMsg, tt.want) {
				t.Errorf("last_error = %q, want substring %q", st.finishErrMsg, tt.want)
			}
		})
	}
}

func TestRunStageFailureKeepsOtherStage(t *testing.T) {
	watermark := today.AddDate(0, 0, -10)
	st := &fakeStore{
		acquired:            true,
		state:               store.SyncState{UserID: "user-1", LastSyncedAt: &watermark},
		upsertActivitiesErr: errors.New("boom"),
	}
	session := &fakeSession{
		activities: []provider.ActivitySummary{activityOn("1", today.AddDate(0, 0, -2))},
	}
	a := &fakeAnalytics{}

	o := newOrchestrator(st, &fakeOpener{session: session}, &fakeJournal{}, a, &recordingReporter{})
	if err := o.Run(context.Background(), "user-1", Options{}); err == nil {
		t.Fatal("expected an error")
	}

	// The daily stage must have run despite the activity failure.
	days := 0
	for _, b := range st.dailyBatches {
		days += len(b)
	}
	if days != 13 {
		t.Errorf("daily days ingested = %d, want 13", days)
	}

	// A failed run never refreshes the watermark or triggers analytics.
	if st.watermark != nil {
		t.Error("watermark refreshed on a failed run")
	}
	if a.calls != 0 {
		t.Error("analytics triggered on a failed run")
	}
}

func TestRunForcedModeWithWatermark(t *testing.T) {
	watermark := today.AddDate(0, 0, -10)
	st := &fakeStore{
		acquired: true,
		state:    store.SyncState{UserID: "user-1", LastSyncedAt: &watermark},
	}
	session := &fakeSession{}
	j := &fakeJournal{}

	o := newOrchestrator(st, &fakeOpener{session: session}, j, &fakeAnalytics{}, &recordingReporter{})
	if err := o.Run(context.Background(), "user-1", Options{Force: true}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if j.startedMode != "forced" {
		t.Errorf("mode = %s, want forced", j.startedMode)
	}
	if st.finishStatus != store.StatusSynced {
		t.Errorf("status = %s, want synced", st.finishStatus)
	}
}

func TestStartIsFireAndForget(t *testing.T) {
	watermark := today.AddDate(0, 0, -10)
	done := make(chan struct{})
	st := &fakeStore{
		acquired: true,
		state:    store.SyncState{UserID: "user-1", LastSyncedAt: &watermark},
	}
	j := &fakeJournal{}
	rep := &recordingReporter{}

	o := newOrchestrator(st, &fakeOpener{session: &fakeSession{}}, j, &fakeAnalytics{}, rep)
	base := o.Store
	o.Store = &signalingStore{StateStore: base, done: done}

	o.Start("user-1", Options{})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("background run did not reach a terminal state")
	}
	if st.finishStatus != store.StatusSynced {
		t.Errorf("status = %s, want synced", st.finishStatus)
	}
}

// signalingStore closes done once the terminal state is written.
type signalingStore struct {
	StateStore
	done chan struct{}
}

func (s *signalingStore) FinishSync(ctx context.Context, userID, status string, errMsg string) error {
	err := s.StateStore.FinishSync(ctx, userID, status, errMsg)
	close(s.done)
	return err
}
