package progress

import (
	"context"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Tracker renders sync progress on the terminal.
type Tracker struct {
	bar  *progressbar.ProgressBar
	last int
}

// NewTracker creates a terminal progress bar spanning 0..100.
func NewTracker(description string) *Tracker {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
	return &Tracker{bar: bar}
}

// Report advances the bar to pct. Regressions are ignored; the bar only
// moves forward.
func (t *Tracker) Report(ctx context.Context, userID string, pct int) {
	if pct <= t.last {
		return
	}
	t.bar.Add(pct - t.last)
	t.last = pct
}

// Finish completes the bar.
func (t *Tracker) Finish() {
	t.bar.Finish()
}
