// Package provider is the HTTP client for the Garmin Connect API. Payloads
// beyond the activity list are treated as untyped JSON; callers defend
// against missing and shape-varying fields.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gymbro/garmin-sync/internal/logging"
	"github.com/gymbro/garmin-sync/internal/vault"
)

// Client talks to the provider API.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a provider client.
func NewClient(baseURL, userAgent string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   baseURL,
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Session is an authenticated provider session. All calls block; the
// provider is rate-limit-sensitive, so nothing here runs concurrently.
type Session struct {
	client *Client
	token  string
}

// CredentialSource supplies a user's stored provider credentials.
type CredentialSource interface {
	GetCredentials(ctx context.Context, userID string) (email string, passwordEnc []byte, err error)
}

// Login authenticates with the provider. A rejected login returns *AuthError;
// network-layer failures propagate as-is.
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	body, err := json.Marshal(map[string]string{
		"username": email,
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{Email: email}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Path: "/auth/login"}
	}

	var payload struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding login response: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("login response missing access token")
	}

	return &Session{client: c, token: payload.AccessToken}, nil
}

// OpenSession authenticates a user from stored credentials. It returns
// (nil, nil) when no usable session exists: missing credentials, a failed
// decryption, or a rejected login. The orchestrator treats a nil session as
// "abort gracefully"; only network faults during login propagate as errors.
func (c *Client) OpenSession(ctx context.Context, userID string, creds CredentialSource, key []byte) (*Session, error) {
	email, passwordEnc, err := creds.GetCredentials(ctx, userID)
	if err != nil {
		logging.Error("No provider credentials for user %s: %v", userID, err)
		return nil, nil
	}
	if email == "" || len(passwordEnc) == 0 {
		logging.Error("User %s has no provider credentials stored", userID)
		return nil, nil
	}

	password, err := vault.Decrypt(passwordEnc, key, userID)
	if err != nil {
		logging.Error("Decrypting provider credential for user %s failed: %v", userID, err)
		return nil, nil
	}

	session, err := c.Login(ctx, email, string(password))
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			logging.Error("Provider login rejected for user %s", userID)
			return nil, nil
		}
		return nil, err
	}

	logging.Info("Provider login successful for user %s", userID)
	return session, nil
}

// Activities fetches one page of the activity list, newest first.
func (s *Session) Activities(ctx context.Context, start, limit int) ([]ActivitySummary, error) {
	path := fmt.Sprintf("/activitylist-service/activities/search/activities?start=%d&limit=%d", start, limit)

	var raws []json.RawMessage
	if err := s.getJSON(ctx, path, &raws); err != nil {
		return nil, err
	}

	activities := make([]ActivitySummary, 0, len(raws))
	for _, raw := range raws {
		act, err := parseActivity(raw)
		if err != nil {
			logging.Warn("Skipping malformed activity summary: %v", err)
			continue
		}
		activities = append(activities, act)
	}
	return activities, nil
}

// ActivityDetail fetches the heavy per-activity stream payload.
func (s *Session) ActivityDetail(ctx context.Context, activityID string) (json.RawMessage, error) {
	path := fmt.Sprintf("/activity-service/activity/%s/details", url.PathEscape(activityID))
	var detail json.RawMessage
	if err := s.getJSON(ctx, path, &detail); err != nil {
		return nil, err
	}
	return detail, nil
}

// Steps fetches the step buckets for one day.
func (s *Session) Steps(ctx context.Context, day time.Time) (any, error) {
	return s.dayStream(ctx, "/wellness-service/wellness/dailySummaryChart", day)
}

// HeartRates fetches the heart-rate series for one day.
func (s *Session) HeartRates(ctx context.Context, day time.Time) (any, error) {
	return s.dayStream(ctx, "/wellness-service/wellness/dailyHeartRate", day)
}

// RestingHeartRate fetches the resting-heart-rate payload for one day.
// The response shape varies by account age and device; see normalize.
func (s *Session) RestingHeartRate(ctx context.Context, day time.Time) (any, error) {
	return s.dayStream(ctx, "/userstats-service/wellness/daily", day)
}

// Stress fetches the stress payload for one day.
func (s *Session) Stress(ctx context.Context, day time.Time) (any, error) {
	return s.dayStream(ctx, "/wellness-service/wellness/dailyStress", day)
}

// Sleep fetches the sleep payload for one day. Not every day has sleep data;
// absence shows up as a null or empty payload, not an error.
func (s *Session) Sleep(ctx context.Context, day time.Time) (any, error) {
	return s.dayStream(ctx, "/wellness-service/wellness/dailySleepData", day)
}

// Respiration fetches the respiration-rate payload for one day.
func (s *Session) Respiration(ctx context.Context, day time.Time) (any, error) {
	return s.dayStream(ctx, "/wellness-service/wellness/daily/respiration", day)
}

// SpO2 fetches the pulse-ox payload for one day. Only devices with a pulse-ox
// sensor produce data here.
func (s *Session) SpO2(ctx context.Context, day time.Time) (any, error) {
	return s.dayStream(ctx, "/wellness-service/wellness/daily/spo2", day)
}

// Floors fetches the floors-climbed chart for one day.
func (s *Session) Floors(ctx context.Context, day time.Time) (any, error) {
	return s.dayStream(ctx, "/wellness-service/wellness/floorsChartData/daily", day)
}

// MaxMetrics fetches derived fitness metrics (VO2max, fitness age) for one day.
func (s *Session) MaxMetrics(ctx context.Context, day time.Time) (any, error) {
	return s.dayStream(ctx, "/metrics-service/metrics/maxmet/daily", day)
}

func (s *Session) dayStream(ctx context.Context, base string, day time.Time) (any, error) {
	path := fmt.Sprintf("%s/%s", base, day.Format("2006-01-02"))
	var payload any
	if err := s.getJSON(ctx, path, &payload); err != nil {
		if IsNotFound(err) {
			// No data recorded for that day
			return nil, nil
		}
		return nil, err
	}
	return payload, nil
}

func (s *Session) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.client.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("User-Agent", s.client.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Path: strippedPath(path)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", strippedPath(path), err)
	}
	return nil
}

// strippedPath drops the query string for error messages.
func strippedPath(path string) string {
	if u, err := url.Parse(path); err == nil {
		return u.Path
	}
	return path
}
