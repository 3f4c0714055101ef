// Package journal keeps a local record of sync runs in SQLite. It is an
// operator aid for the history command, not part of the sync data path.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteTimeLayout = "2006-01-02 15:04:05"

// Journal manages run history in SQLite.
type Journal struct {
	db *sql.DB
}

// Run is one sync run as recorded in the journal.
type Run struct {
	ID          string
	UserID      string
	Mode        string
	WindowStart time.Time
	WindowEnd   time.Time
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      string
	Activities  int
	DailyDays   int
	Error       string
}

// New opens the journal database under dataDir, creating both as needed.
func New(dataDir string) (*Journal, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "journal.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		window_start TEXT NOT NULL,
		window_end TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		activities INTEGER DEFAULT 0,
		daily_days INTEGER DEFAULT 0,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user_id, started_at);
	`

	_, err := j.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// StartRun records the beginning of a sync run.
func (j *Journal) StartRun(id, userID, mode string, windowStart, windowEnd time.Time) error {
	_, err := j.db.Exec(`
		INSERT INTO runs (id, user_id, mode, window_start, window_end, started_at, status)
		VALUES (?, ?, ?, ?, ?, datetime('now'), 'running')
	`, id, userID, mode,
		windowStart.UTC().Format(sqliteTimeLayout),
		windowEnd.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	return nil
}

// CompleteRun records the terminal outcome of a run.
func (j *Journal) CompleteRun(id, status string, activities, dailyDays int, errMsg string) error {
	_, err := j.db.Exec(`
		UPDATE runs
		SET status = ?, completed_at = datetime('now'), activities = ?, daily_days = ?, error = ?
		WHERE id = ?
	`, status, activities, dailyDays, errMsg, id)
	if err != nil {
		return fmt.Errorf("recording run completion: %w", err)
	}
	return nil
}

// Runs returns a user's most recent runs, newest first.
func (j *Journal) Runs(userID string, limit int) ([]Run, error) {
	rows, err := j.db.Query(`
		SELECT id, user_id, mode, window_start, window_end, started_at, completed_at,
		       status, activities, daily_days, COALESCE(error, '')
		FROM runs WHERE user_id = ?
		ORDER BY started_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var windowStart, windowEnd, startedAt string
		var completedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.UserID, &r.Mode, &windowStart, &windowEnd,
			&startedAt, &completedAt, &r.Status, &r.Activities, &r.DailyDays, &r.Error); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.WindowStart, _ = time.Parse(sqliteTimeLayout, windowStart)
		r.WindowEnd, _ = time.Parse(sqliteTimeLayout, windowEnd)
		r.StartedAt, _ = time.Parse(sqliteTimeLayout, startedAt)
		if completedAt.Valid {
			t, err := time.Parse(sqliteTimeLayout, completedAt.String)
			if err == nil {
				r.CompletedAt = &t
			}
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading runs: %w", err)
	}
	return runs, nil
}

// LastRun returns a user's most recent run, or nil when none exists.
func (j *Journal) LastRun(userID string) (*Run, error) {
	runs, err := j.Runs(userID, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// PruneOlderThan deletes completed runs older than the cutoff.
func (j *Journal) PruneOlderThan(age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age).Format(sqliteTimeLayout)
	result, err := j.db.Exec(`
		DELETE FROM runs WHERE status != 'running' AND completed_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return n, nil
}
