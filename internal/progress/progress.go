// Package progress reports sync progress percentages. The store reporter is
// what the API surface reads; the terminal tracker is for interactive runs.
package progress

import (
	"context"
	"time"

	"github.com/gymbro/garmin-sync/internal/logging"
)

// Reporter receives progress milestones in the 0..100 range.
type Reporter interface {
	Report(ctx context.Context, userID string, pct int)
}

// StateWriter is the store-side surface the reporter needs.
type StateWriter interface {
	SetProgress(ctx context.Context, userID string, pct int, ttl time.Duration) error
}

// StoreReporter persists progress into sync_state. Each write also refreshes
// the sync lease, so a progressing run never loses its lease. Write failures
// are logged and swallowed; progress is advisory.
type StoreReporter struct {
	Store    StateWriter
	LeaseTTL time.Duration
}

func (r *StoreReporter) Report(ctx context.Context, userID string, pct int) {
	if err := r.Store.SetProgress(ctx, userID, pct, r.LeaseTTL); err != nil {
		logging.Warn("Writing progress %d%% for user %s failed: %v", pct, userID, err)
	}
}

// MultiReporter fans a milestone out to several reporters.
type MultiReporter []Reporter

func (m MultiReporter) Report(ctx context.Context, userID string, pct int) {
	for _, r := range m {
		r.Report(ctx, userID, pct)
	}
}

// Scale maps an index within a stage onto the stage's percentage sub-range.
// The result is start + floor(i/total * span); total <= 0 returns start.
func Scale(start, span, i, total int) int {
	if total <= 0 {
		return start
	}
	return start + i*span/total
}
