// Package store is the PostgreSQL persistence layer: credentials, sync state,
// and the ingested Garmin collections.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status values for sync_state.status.
const (
	StatusIdle    = "idle"
	StatusSyncing = "syncing"
	StatusSynced  = "synced"
	StatusError   = "error"
)

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store from a postgres DSN and verifies connectivity.
func New(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}

	poolCfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close closes all connections in the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// schemaDDL creates every table the engine writes. All statements are
// idempotent so EnsureSchema can run on every startup.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS garmin_credentials (
		user_id      TEXT PRIMARY KEY,
		email        TEXT NOT NULL,
		password_enc BYTEA NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sync_state (
		user_id          TEXT PRIMARY KEY,
		status           TEXT NOT NULL DEFAULT 'idle',
		progress         INT NOT NULL DEFAULT 0,
		last_synced_at   TIMESTAMPTZ,
		last_error       TEXT,
		started_at       TIMESTAMPTZ,
		lease_expires_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS garmin_activities (
		user_id          TEXT NOT NULL,
		activity_id      TEXT NOT NULL,
		activity_name    TEXT,
		activity_type    TEXT,
		start_time_local TIMESTAMP NOT NULL,
		distance_m       DOUBLE PRECISION,
		duration_s       DOUBLE PRECISION,
		calories         DOUBLE PRECISION,
		avg_hr           DOUBLE PRECISION,
		max_hr           DOUBLE PRECISION,
		elevation_gain_m DOUBLE PRECISION,
		avg_speed        DOUBLE PRECISION,
		max_speed        DOUBLE PRECISION,
		raw_summary      JSONB,
		detail           JSONB,
		synced_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, activity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS garmin_daily (
		user_id     TEXT NOT NULL,
		date        DATE NOT NULL,
		steps       BIGINT,
		heart_rate  JSONB,
		resting_hr  DOUBLE PRECISION,
		stress      DOUBLE PRECISION,
		respiration JSONB,
		spo2        JSONB,
		floors      JSONB,
		synced_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, date)
	)`,
	`CREATE TABLE IF NOT EXISTS garmin_sleep (
		user_id   TEXT NOT NULL,
		date      DATE NOT NULL,
		sleep     JSONB NOT NULL,
		synced_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, date)
	)`,
	`CREATE TABLE IF NOT EXISTS garmin_maxmetrics (
		user_id   TEXT NOT NULL,
		date      DATE NOT NULL,
		metrics   JSONB NOT NULL,
		synced_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_garmin_activities_start
		ON garmin_activities (user_id, start_time_local DESC)`,
}

// EnsureSchema creates the tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// SaveCredentials stores a user's email and encrypted provider password.
func (s *Store) SaveCredentials(ctx context.Context, userID, email string, passwordEnc []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO garmin_credentials (user_id, email, password_enc, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE
		SET email = EXCLUDED.email,
		    password_enc = EXCLUDED.password_enc,
		    updated_at = now()
	`, userID, email, passwordEnc)
	if err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	return nil
}

// GetCredentials loads a user's stored credentials. A user without
// credentials returns empty values and no error.
func (s *Store) GetCredentials(ctx context.Context, userID string) (string, []byte, error) {
	var email string
	var passwordEnc []byte
	err := s.pool.QueryRow(ctx, `
		SELECT email, password_enc FROM garmin_credentials WHERE user_id = $1
	`, userID).Scan(&email, &passwordEnc)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("loading credentials: %w", err)
	}
	return email, passwordEnc, nil
}

// SyncState is one user's row in sync_state.
type SyncState struct {
	UserID         string
	Status         string
	Progress       int
	LastSyncedAt   *time.Time
	LastError      *string
	StartedAt      *time.Time
	LeaseExpiresAt *time.Time
}

// GetSyncState loads a user's sync state. A user never synced returns an
// idle state rather than an error.
func (s *Store) GetSyncState(ctx context.Context, userID string) (SyncState, error) {
	st := SyncState{UserID: userID, Status: StatusIdle}
	err := s.pool.QueryRow(ctx, `
		SELECT status, progress, last_synced_at, last_error, started_at, lease_expires_at
		FROM sync_state WHERE user_id = $1
	`, userID).Scan(&st.Status, &st.Progress, &st.LastSyncedAt, &st.LastError, &st.StartedAt, &st.LeaseExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return SyncState{}, fmt.Errorf("loading sync state: %w", err)
	}
	return st, nil
}

// AcquireSyncLease attempts the idle-to-syncing transition as a single
// conditional write. It succeeds when no sync is running or the previous
// holder's lease has expired; a live concurrent sync returns acquired=false.
func (s *Store) AcquireSyncLease(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sync_state (user_id, status, progress, started_at, last_error, lease_expires_at)
		VALUES ($1, 'syncing', 0, now(), NULL, now() + make_interval(secs => $2))
		ON CONFLICT (user_id) DO UPDATE
		SET status = 'syncing',
		    progress = 0,
		    started_at = now(),
		    last_error = NULL,
		    lease_expires_at = now() + make_interval(secs => $2)
		WHERE sync_state.status <> 'syncing'
		   OR sync_state.lease_expires_at IS NULL
		   OR sync_state.lease_expires_at < now()
	`, userID, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquiring sync lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetProgress writes the progress percentage and extends the lease. The
// lease refresh doubles as a heartbeat for stale-lease detection.
func (s *Store) SetProgress(ctx context.Context, userID string, pct int, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_state
		SET progress = $2, lease_expires_at = now() + make_interval(secs => $3)
		WHERE user_id = $1
	`, userID, pct, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("writing progress: %w", err)
	}
	return nil
}

// FinishSync writes the terminal state for a run and releases the lease.
// status must be synced or error; errMsg is stored only for error.
func (s *Store) FinishSync(ctx context.Context, userID, status string, errMsg string) error {
	var lastErr *string
	if status == StatusError && errMsg != "" {
		lastErr = &errMsg
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_state
		SET status = $2, last_error = $3, lease_expires_at = NULL
		WHERE user_id = $1
	`, userID, status, lastErr)
	if err != nil {
		return fmt.Errorf("finishing sync: %w", err)
	}
	return nil
}

// RefreshWatermark records the completion instant used to plan the next
// incremental window.
func (s *Store) RefreshWatermark(ctx context.Context, userID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_state SET last_synced_at = $2 WHERE user_id = $1
	`, userID, at)
	if err != nil {
		return fmt.Errorf("refreshing watermark: %w", err)
	}
	return nil
}

// ActivityRecord is one row destined for garmin_activities.
type ActivityRecord struct {
	ActivityID     string
	Name           string
	Type           string
	StartTimeLocal time.Time
	DistanceM      float64
	DurationS      float64
	Calories       float64
	AverageHR      float64
	MaxHR          float64
	ElevationGainM float64
	AverageSpeed   float64
	MaxSpeed       float64
	RawSummary     json.RawMessage
	Detail         json.RawMessage
}

// UpsertActivities writes a batch of activities in one round trip.
func (s *Store) UpsertActivities(ctx context.Context, userID string, records []ActivityRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO garmin_activities (
				user_id, activity_id, activity_name, activity_type, start_time_local,
				distance_m, duration_s, calories, avg_hr, max_hr,
				elevation_gain_m, avg_speed, max_speed, raw_summary, detail, synced_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
			ON CONFLICT (user_id, activity_id) DO UPDATE
			SET activity_name = EXCLUDED.activity_name,
			    activity_type = EXCLUDED.activity_type,
			    start_time_local = EXCLUDED.start_time_local,
			    distance_m = EXCLUDED.distance_m,
			    duration_s = EXCLUDED.duration_s,
			    calories = EXCLUDED.calories,
			    avg_hr = EXCLUDED.avg_hr,
			    max_hr = EXCLUDED.max_hr,
			    elevation_gain_m = EXCLUDED.elevation_gain_m,
			    avg_speed = EXCLUDED.avg_speed,
			    max_speed = EXCLUDED.max_speed,
			    raw_summary = EXCLUDED.raw_summary,
			    detail = COALESCE(EXCLUDED.detail, garmin_activities.detail),
			    synced_at = now()
		`, userID, r.ActivityID, r.Name, r.Type, r.StartTimeLocal,
			r.DistanceM, r.DurationS, r.Calories, r.AverageHR, r.MaxHR,
			r.ElevationGainM, r.AverageSpeed, r.MaxSpeed, r.RawSummary, r.Detail)
	}

	if err := s.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("upserting activities: %w", err)
	}
	return nil
}

// DailyRecord is one row destined for garmin_daily. Respiration, SpO2, and
// Floors stay opaque; nothing downstream reads inside them yet.
type DailyRecord struct {
	Date        time.Time
	Steps       int64
	HeartRate   json.RawMessage
	RestingHR   *float64
	Stress      *float64
	Respiration json.RawMessage
	SpO2        json.RawMessage
	Floors      json.RawMessage
}

// UpsertDaily writes a batch of daily summaries in one round trip.
func (s *Store) UpsertDaily(ctx context.Context, userID string, records []DailyRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO garmin_daily (
				user_id, date, steps, heart_rate, resting_hr, stress,
				respiration, spo2, floors, synced_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
			ON CONFLICT (user_id, date) DO UPDATE
			SET steps = EXCLUDED.steps,
			    heart_rate = EXCLUDED.heart_rate,
			    resting_hr = EXCLUDED.resting_hr,
			    stress = EXCLUDED.stress,
			    respiration = EXCLUDED.respiration,
			    spo2 = EXCLUDED.spo2,
			    floors = EXCLUDED.floors,
			    synced_at = now()
		`, userID, r.Date, r.Steps, r.HeartRate, r.RestingHR, r.Stress,
			r.Respiration, r.SpO2, r.Floors)
	}

	if err := s.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("upserting daily summaries: %w", err)
	}
	return nil
}

// SleepRecord is one row destined for garmin_sleep.
type SleepRecord struct {
	Date  time.Time
	Sleep json.RawMessage
}

// UpsertSleep writes a batch of sleep payloads in one round trip.
func (s *Store) UpsertSleep(ctx context.Context, userID string, records []SleepRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO garmin_sleep (user_id, date, sleep, synced_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (user_id, date) DO UPDATE
			SET sleep = EXCLUDED.sleep, synced_at = now()
		`, userID, r.Date, r.Sleep)
	}

	if err := s.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("upserting sleep: %w", err)
	}
	return nil
}

// UpsertMaxMetrics writes the derived fitness metrics for one day.
func (s *Store) UpsertMaxMetrics(ctx context.Context, userID string, date time.Time, metrics json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO garmin_maxmetrics (user_id, date, metrics, synced_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, date) DO UPDATE
		SET metrics = EXCLUDED.metrics, synced_at = now()
	`, userID, date, metrics)
	if err != nil {
		return fmt.Errorf("upserting max metrics: %w", err)
	}
	return nil
}

// DailyDates returns the dates in [from, to] that already have a daily row.
func (s *Store) DailyDates(ctx context.Context, userID string, from, to time.Time) (map[time.Time]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT date FROM garmin_daily
		WHERE user_id = $1 AND date BETWEEN $2 AND $3
	`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("loading daily dates: %w", err)
	}
	defer rows.Close()

	dates := make(map[time.Time]bool)
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scanning daily date: %w", err)
		}
		dates[d.UTC()] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading daily dates: %w", err)
	}
	return dates, nil
}

func (s *Store) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
