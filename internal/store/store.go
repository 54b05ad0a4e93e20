// Package store archives verification and planning runs in SQLite. The
// ledger holds the canonical per-batch dataset; the store accumulates runs
// across batches for history queries.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"planverd/internal/classify"
	"planverd/internal/logging"
	"planverd/internal/oracle"
)

// Tool names recorded with each archived run.
const (
	ToolVerifier = "verifier"
	ToolPlanner  = "planner"
)

// RunStore is the SQLite-backed run archive.
type RunStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// ArchivedRun is one row of the archive.
type ArchivedRun struct {
	ID         int64
	RunID      string
	TaskID     string
	Tool       string
	Command    string
	ExitCode   int
	Success    bool
	Kind       classify.Kind
	Signature  string
	OutputHash string
	CreatedAt  time.Time
}

// NewRunStore opens (or creates) the archive database at path.
func NewRunStore(path string) (*RunStore, error) {
	logging.Store("opening run archive at %s", path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set synchronous=NORMAL: %v", err)
	}

	s := &RunStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *RunStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS verification_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		command TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		success INTEGER NOT NULL,
		error_type TEXT NOT NULL,
		error_signature TEXT NOT NULL DEFAULT '',
		output_hash TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_verification_runs_task ON verification_runs(task_id);
	CREATE INDEX IF NOT EXISTS idx_verification_runs_type ON verification_runs(error_type);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Archive stores one run, keyed by output hash. Archiving the same output
// twice is a no-op; the returned bool reports whether a row was inserted.
func (s *RunStore) Archive(runID, tool string, run *oracle.Run, parsed classify.ErrorRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	command := strings.Join(run.Command, " ")

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO verification_runs
			(run_id, task_id, tool, command, exit_code, success, error_type, error_signature, output_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, run.TaskID, tool, command, run.ExitCode, parsed.Success,
		string(parsed.Kind), parsed.Signature, run.OutputHash,
		run.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("failed to archive run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		logging.StoreDebug("run for task %s already archived", run.TaskID)
		return false, nil
	}
	logging.Store("archived %s run for task %s (%s)", tool, run.TaskID, parsed.Kind)
	return true, nil
}

// History returns the most recent archived runs for a task, newest first.
func (s *RunStore) History(taskID string, limit int) ([]ArchivedRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, run_id, task_id, tool, command, exit_code, success, error_type, error_signature, output_hash, created_at
		FROM verification_runs
		WHERE task_id = ?
		ORDER BY id DESC
		LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return scanRuns(rows)
}

// RecentRuns returns the most recent archived runs across all tasks.
func (s *RunStore) RecentRuns(limit int) ([]ArchivedRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, run_id, task_id, tool, command, exit_code, success, error_type, error_signature, output_hash, created_at
		FROM verification_runs
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]ArchivedRun, error) {
	var runs []ArchivedRun
	for rows.Next() {
		var r ArchivedRun
		var kind, createdAt string
		if err := rows.Scan(&r.ID, &r.RunID, &r.TaskID, &r.Tool, &r.Command,
			&r.ExitCode, &r.Success, &kind, &r.Signature, &r.OutputHash, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Kind = classify.Kind(kind)
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			r.CreatedAt = t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Stats counts archived runs by outcome class.
func (s *RunStore) Stats() (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT error_type, COUNT(*) FROM verification_runs GROUP BY error_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		stats[kind] = count
	}
	return stats, rows.Err()
}

// Close closes the underlying database.
func (s *RunStore) Close() error {
	logging.Store("closing run archive")
	return s.db.Close()
}
