// Package journal persists run and task outcomes to SQLite so the status
// command can show recent runs after the process exits.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"shotline/internal/config"
)

// Store manages run history backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// RunRecord is one persisted run.
type RunRecord struct {
	ID          string
	ProjectName string
	ProjectID   string
	UploadOn    bool
	State       string
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// TaskRecord is one persisted task outcome within a run.
type TaskRecord struct {
	RunID    string
	Shot     string
	Kind     string
	State    string
	Progress float64
	Error    string
}

// Open initializes or connects to the run journal database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.LogDir, "journal.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project_name TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			upload_on INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			shot TEXT NOT NULL,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			progress REAL NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (run_id, shot, kind)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC)`,
	}
	for _, stmt := range schema {
		if err := s.execWithoutResultRetry(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// RecordRunStart inserts a new run in the given state.
func (s *Store) RecordRunStart(ctx context.Context, run RunRecord) error {
	return s.execWithoutResultRetry(ctx,
		`INSERT INTO runs (id, project_name, project_id, upload_on, state, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProjectName, run.ProjectID, boolToInt(run.UploadOn), run.State, run.StartedAt.UTC())
}

// UpdateRunState records a state transition, optionally with a failure cause.
func (s *Store) UpdateRunState(ctx context.Context, runID, state, errText string) error {
	return s.execWithoutResultRetry(ctx,
		`UPDATE runs SET state = ?, error = ? WHERE id = ?`,
		state, errText, runID)
}

// UpdateRunProject stores the resolved project id.
func (s *Store) UpdateRunProject(ctx context.Context, runID, projectID string) error {
	return s.execWithoutResultRetry(ctx,
		`UPDATE runs SET project_id = ? WHERE id = ?`,
		projectID, runID)
}

// RecordRunFinish marks the run terminal.
func (s *Store) RecordRunFinish(ctx context.Context, runID, state, errText string, finishedAt time.Time) error {
	return s.execWithoutResultRetry(ctx,
		`UPDATE runs SET state = ?, error = ?, finished_at = ? WHERE id = ?`,
		state, errText, finishedAt.UTC(), runID)
}

// UpsertTask stores the latest observed state of one task.
func (s *Store) UpsertTask(ctx context.Context, task TaskRecord) error {
	return s.execWithoutResultRetry(ctx,
		`INSERT INTO tasks (run_id, shot, kind, state, progress, error)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, shot, kind)
		 DO UPDATE SET state = excluded.state, progress = excluded.progress, error = excluded.error`,
		task.RunID, task.Shot, task.Kind, task.State, task.Progress, task.Error)
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_name, project_id, upload_on, state, error, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var run RunRecord
		var uploadOn int
		var finishedAt sql.NullTime
		if err := rows.Scan(&run.ID, &run.ProjectName, &run.ProjectID, &uploadOn, &run.State, &run.Error, &run.StartedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.UploadOn = uploadOn != 0
		if finishedAt.Valid {
			run.FinishedAt = finishedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// TasksForRun returns the task outcomes of one run, ordered by shot.
func (s *Store) TasksForRun(ctx context.Context, runID string) ([]TaskRecord, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, shot, kind, state, progress, error
		 FROM tasks WHERE run_id = ? ORDER BY shot, kind`, runID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []TaskRecord
	for rows.Next() {
		var task TaskRecord
		if err := rows.Scan(&task.RunID, &task.Shot, &task.Kind, &task.State, &task.Progress, &task.Error); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithoutResultRetry(ctx context.Context, query string, args ...any) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}
