// Package store provides the durable, transactional persistence layer for
// projects, epics, tasks, tests, sessions, interventions, and checkpoints.
// It is the single source of truth: every invariant named in the data model
// is enforced here, never only by callers.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/waypoint-labs/sessionctl/internal/metrics"
)

// DB wraps a SQLite connection pool with sessionctl-specific operations
// and the per-project advisory locks required by the completion gate.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex

	locks *projectLocks

	gateCfg gateSettings
	metrics *metrics.Metrics
}

// SetMetrics attaches the process-wide collectors. Optional: a nil
// receiver field simply disables instrumentation, which is what tests
// get.
func (db *DB) SetMetrics(m *metrics.Metrics) {
	db.metrics = m
}

// gateSettings carries the project-independent parts of the completion
// gate's configuration (the per-project epic_testing_mode lives on the
// Project row itself). Zero values fall back to the gate package defaults.
type gateSettings struct {
	CriticalKeywords     []string
	AutoFailureTolerance int
	RetestStride         int
}

// SetGateConfig overrides the completion gate's configuration knobs.
// Intended to be called once at startup from the loaded Config.
func (db *DB) SetGateConfig(criticalKeywords []string, autoFailureTolerance, retestStride int) {
	db.gateCfg = gateSettings{
		CriticalKeywords:     criticalKeywords,
		AutoFailureTolerance: autoFailureTolerance,
		RetestStride:         retestStride,
	}
}

// PoolConfig bounds the underlying database/sql connection pool. SQLite
// has no server-side advisory lock primitive, so per-project advisory
// locking is implemented in-process (see locks.go); the pool bound below
// plays the same role a Postgres connection pool would.
type PoolConfig struct {
	MaxOpenConns int
	MaxIdleConns int
}

// DefaultPoolConfig returns the default pool bound (20 open, 10 idle).
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxOpenConns: 20, MaxIdleConns: 10}
}

// DefaultDBPath returns the path to the default sessionctl database under
// the user's XDG data directory.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "sessionctl", "sessionctl.db")
}

// Open opens a SQLite database at the given path, creating parent
// directories as needed, and applies the connection pool bound.
func Open(path string, pool PoolConfig) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if pool.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(pool.MaxIdleConns)
	}

	return &DB{conn: conn, path: path, locks: newProjectLocks()}, nil
}

// OpenMemory opens an isolated, already-migrated in-memory SQLite
// database for tests. Each call gets its own database (SQLite's
// "file::memory:?cache=shared" sharing is deliberately not used, so
// tests never bleed state into one another).
func OpenMemory() (*DB, error) {
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	conn.SetMaxOpenConns(1) // avoid concurrent in-memory connections seeing different databases
	db := &DB{conn: conn, path: ":memory:", locks: newProjectLocks()}
	if err := db.Migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations in order, each inside its
// own transaction.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Core},
		{2, migrationV2Sessions},
		{3, migrationV3Support},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Core = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	spec TEXT NOT NULL DEFAULT '',
	initialized INTEGER NOT NULL DEFAULT 0,
	epic_testing_mode TEXT NOT NULL DEFAULT 'strict',
	sandbox_type TEXT NOT NULL DEFAULT 'local',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS epics (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_epics_project_priority ON epics(project_id, priority);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	epic_id TEXT NOT NULL REFERENCES epics(id) ON DELETE CASCADE,
	priority INTEGER NOT NULL DEFAULT 0,
	action TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	done INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_epic_priority_done ON tasks(epic_id, priority, done);

CREATE TABLE IF NOT EXISTS tests (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	category TEXT NOT NULL DEFAULT '',
	requirements TEXT NOT NULL DEFAULT '',
	success_criteria TEXT NOT NULL DEFAULT '',
	steps TEXT NOT NULL DEFAULT '',
	passes INTEGER NOT NULL DEFAULT 0,
	last_result TEXT NOT NULL DEFAULT '',
	execution_time_ms INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	notes TEXT NOT NULL DEFAULT '',
	error_detail TEXT NOT NULL DEFAULT '',
	verified_at DATETIME,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tests_task ON tests(task_id);

CREATE TABLE IF NOT EXISTS epic_tests (
	id TEXT PRIMARY KEY,
	epic_id TEXT NOT NULL REFERENCES epics(id) ON DELETE CASCADE,
	name TEXT NOT NULL DEFAULT '',
	last_result TEXT NOT NULL DEFAULT '',
	depends_on_tasks TEXT NOT NULL DEFAULT '[]',
	failure_log TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	verified_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_epic_tests_epic ON epic_tests(epic_id);
`

const migrationV2Sessions = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	session_number INTEGER NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'created',
	model TEXT NOT NULL DEFAULT '',
	sandbox_type TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	ended_at DATETIME,
	heartbeat_at DATETIME NOT NULL,
	tool_uses INTEGER NOT NULL DEFAULT 0,
	tokens_in INTEGER NOT NULL DEFAULT 0,
	tokens_out INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_project_number ON sessions(project_id, session_number DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_status_heartbeat ON sessions(status, heartbeat_at);
`

const migrationV3Support = `
CREATE TABLE IF NOT EXISTS interventions (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	epic_id TEXT NOT NULL REFERENCES epics(id) ON DELETE CASCADE,
	session_id TEXT NOT NULL DEFAULT '',
	failed_tests TEXT NOT NULL DEFAULT '[]',
	reason TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	resolved_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_interventions_project ON interventions(project_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	kind TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id);
`

// Exec executes a query that doesn't return rows.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRow(query, args...)
}

// querier is satisfied by both *DB and *sql.Tx, letting the scan/list
// helpers below run standalone or inside a transaction.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Transaction runs fn within a single transaction, committing on success
// and rolling back if fn returns an error.
func (db *DB) Transaction(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullableTimeString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
