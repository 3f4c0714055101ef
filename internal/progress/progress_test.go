package progress

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordingWriter struct {
	pcts []int
	ttls []time.Duration
	err  error
}

func (w *recordingWriter) SetProgress(ctx context.Context, userID string, pct int, ttl time.Duration) error {
	w.pcts = append(w.pcts, pct)
	w.ttls = append(w.ttls, ttl)
	return w.err
}

func TestStoreReporter(t *testing.T) {
	w := &recordingWriter{}
	r := &StoreReporter{Store: w, LeaseTTL: 30 * time.Minute}

	r.Report(context.Background(), "user-1", 10)
	r.Report(context.Background(), "user-1", 50)

	if len(w.pcts) != 2 || w.pcts[0] != 10 || w.pcts[1] != 50 {
		t.Errorf("pcts = %v, want [10 50]", w.pcts)
	}
	if w.ttls[0] != 30*time.Minute {
		t.Errorf("ttl = %v, want 30m", w.ttls[0])
	}
}

func TestStoreReporterSwallowsWriteFailure(t *testing.T) {
	w := &recordingWriter{err: errors.New("connection reset")}
	r := &StoreReporter{Store: w, LeaseTTL: time.Minute}

	// Must not panic or propagate
	r.Report(context.Background(), "user-1", 42)
	if len(w.pcts) != 1 {
		t.Errorf("expected the write to be attempted")
	}
}

type countingReporter struct{ calls int }

func (c *countingReporter) Report(ctx context.Context, userID string, pct int) { c.calls++ }

func TestMultiReporter(t *testing.T) {
	a := &countingReporter{}
	b := &countingReporter{}
	m := MultiReporter{a, b}

	m.Report(context.Background(), "user-1", 75)
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("calls = (%d, %d), want (1, 1)", a.calls, b.calls)
	}
}

func TestScale(t *testing.T) {
	tests := []struct {
		name                  string
		start, span, i, total int
		want                  int
	}{
		{"activities first", 10, 40, 0, 100, 10},
		{"activities midway", 10, 40, 50, 100, 30},
		{"activities last batch", 10, 40, 100, 100, 50},
		{"daily midway", 50, 40, 7, 13, 71},
		{"zero total", 10, 40, 0, 0, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Scale(tt.start, tt.span, tt.i, tt.total); got != tt.want {
				t.Errorf("Scale(%d, %d, %d, %d) = %d, want %d",
					tt.start, tt.span, tt.i, tt.total, got, tt.want)
			}
		})
	}
}
