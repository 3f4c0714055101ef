// Package analytics triggers the downstream baseline recompute after a sync.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gymbro/garmin-sync/internal/config"
	"github.com/gymbro/garmin-sync/internal/logging"
)

// Trigger asks the analytics service to recompute a user's baselines.
type Trigger struct {
	config     *config.AnalyticsConfig
	httpClient *http.Client
}

// New creates an analytics trigger.
func New(cfg *config.AnalyticsConfig) *Trigger {
	if cfg == nil {
		cfg = &config.AnalyticsConfig{Enabled: false}
	}
	return &Trigger{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true when the trigger is configured.
func (t *Trigger) IsEnabled() bool {
	return t.config != nil && t.config.Enabled && t.config.BaseURL != ""
}

// RecomputeBaselines notifies the analytics service that fresh data landed
// for the user. Failures are logged only; a sync never fails because the
// analytics service is down.
func (t *Trigger) RecomputeBaselines(ctx context.Context, userID string) {
	if !t.IsEnabled() {
		return
	}
	if err := t.send(ctx, userID); err != nil {
		logging.Warn("Analytics recompute for user %s failed: %v", userID, err)
		return
	}
	logging.Debug("Analytics recompute triggered for user %s", userID)
}

func (t *Trigger) send(ctx context.Context, userID string) error {
	payload, err := json.Marshal(map[string]string{"user_id": userID})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.config.BaseURL+"/internal/baselines/recompute", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting recompute: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("analytics returned status %d", resp.StatusCode)
	}

	return nil
}
