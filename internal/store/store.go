// Package store provides SQLite-backed persistence for Conductor.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a dispatch claim lost its check-then-act race.
	ErrConflict = errors.New("claim conflict")
	// ErrInvalidLocation indicates an unknown or inconsistent task location.
	ErrInvalidLocation = errors.New("invalid task location")
	// ErrTaskRunning indicates the task is running and cannot be changed.
	ErrTaskRunning = errors.New("task is running")
	// ErrSessionFull indicates the session reached its project's task limit.
	ErrSessionFull = errors.New("session task limit reached")
	// ErrChainCycle indicates a next-session link would close a loop.
	ErrChainCycle = errors.New("session chain would form a cycle")
	// ErrCrossProject indicates records from different projects were linked.
	ErrCrossProject = errors.New("records belong to different projects")
	// ErrSessionRunning indicates the session is running and cannot be deleted.
	ErrSessionRunning = errors.New("session is running")
)

// Store provides access to the Conductor SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection also
	// serializes the claim transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		root_dir TEXT NOT NULL,
		default_model TEXT NOT NULL,
		permission_mode TEXT NOT NULL,
		auto_continue INTEGER NOT NULL DEFAULT 0,
		max_tasks_per_session INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		model TEXT,
		status TEXT NOT NULL DEFAULT 'idle',
		session_order INTEGER NOT NULL DEFAULT 0,
		conversation_id TEXT,
		next_session_id TEXT,
		is_active INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id)
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		session_id TEXT,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		location TEXT NOT NULL DEFAULT 'backlog',
		task_order INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		FOREIGN KEY (project_id) REFERENCES projects(id),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS task_events (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id, session_order);
	CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id, location, task_order);
	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id, location, task_order);
	CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
