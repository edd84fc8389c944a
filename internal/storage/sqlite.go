package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	// EnvDBPath overrides the SQLite database location.
	EnvDBPath         = "PHONEFLEET_DB_PATH"
	defaultDBDirName  = ".phonefleet"
	defaultDBFileName = "phonefleet.sqlite"

	timeLayout = time.RFC3339Nano
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS device_status (
		device_id TEXT PRIMARY KEY,
		role TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		connected INTEGER NOT NULL DEFAULT 0,
		last_check TEXT,
		reconnect_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS task_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL DEFAULT '',
		caller_id TEXT NOT NULL DEFAULT '',
		keyword TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		instruction TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		session_id TEXT NOT NULL DEFAULT '',
		stop_reason TEXT NOT NULL DEFAULT '',
		late INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_task_results_task ON task_results(task_id);`,
	`CREATE TABLE IF NOT EXISTS takeover_markers (
		task_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (task_id, role)
	);`,
	`CREATE TABLE IF NOT EXISTS task_backlog (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL UNIQUE,
		caller_id TEXT NOT NULL DEFAULT '',
		keyword TEXT NOT NULL DEFAULT '',
		tasks TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_task_backlog_status ON task_backlog(status, id);`,
}

// DB is the shared SQLite handle behind every local table.
type DB struct {
	db   *sql.DB
	path string
}

// ResolveDatabasePath returns the SQLite path, creating its directory.
func ResolveDatabasePath() (string, error) {
	if custom := strings.TrimSpace(os.Getenv(EnvDBPath)); custom != "" {
		if err := os.MkdirAll(filepath.Dir(custom), 0o755); err != nil {
			return "", errors.Wrapf(err, "storage: create dir for %s failed", custom)
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "storage: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "storage: create dir %s failed", dir)
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

// OpenDefault opens the database at ResolveDatabasePath.
func OpenDefault(ctx context.Context) (*DB, error) {
	path, err := ResolveDatabasePath()
	if err != nil {
		return nil, err
	}
	return Open(ctx, path)
}

// Open opens path and applies the schema.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "storage: open sqlite %s failed", path)
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "storage: apply schema failed")
		}
	}
	log.Debug().Str("path", path).Msg("sqlite storage opened")
	return &DB{db: db, path: path}, nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=60000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

// SQL exposes the underlying handle.
func (d *DB) SQL() *sql.DB { return d.db }

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Close releases the handle.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
