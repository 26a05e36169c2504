// Package store persists devices, the notification backlog and the heartbeat
// audit log in a single SQLite database. It is the only source of truth for
// delivery bookkeeping; nothing above it caches delivery state.
package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	pkgerrors "github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const (
	envDBPath         = "SIGNAGED_DB_PATH"
	defaultDBDirName  = ".signaged"
	defaultDBFileName = "signaged.sqlite"

	busyRetryAttempts = 3
	busyRetryDelay    = 200 * time.Millisecond
	busyRetryMax      = time.Second
)

// Store wraps the SQLite database holding all subsystem state.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the SQLite database at path and prepares
// the schema. The connection is configured for a single writer with WAL
// journaling, matching SQLite's concurrency model for this workload.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, pkgerrors.New("store: database path is empty")
	}
	if err := ensureDir(filepath.Dir(trimmed)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "store: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: trimmed}, nil
}

// DefaultPath resolves the database location from SIGNAGED_DB_PATH or falls
// back to ~/.signaged/signaged.sqlite, creating the parent directory.
func DefaultPath() (string, error) {
	if custom := strings.TrimSpace(os.Getenv(envDBPath)); custom != "" {
		if err := ensureDir(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pkgerrors.Wrap(err, "store: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDir(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "store: create dir %s failed", dir)
	}
	return nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "store: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL UNIQUE,
			device_token TEXT NOT NULL UNIQUE,
			name TEXT,
			status TEXT NOT NULL DEFAULT 'offline',
			last_seen_at INTEGER,
			last_sync_at INTEGER,
			sync_version INTEGER NOT NULL DEFAULT 0,
			system_info TEXT,
			display_info TEXT,
			current_content TEXT,
			error_info TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			delivered_at INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_pending
			ON notifications(device_id, delivered_at, created_at, id);`,
		`CREATE TABLE IF NOT EXISTS heartbeat_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			level TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_heartbeat_audit_device
			ON heartbeat_audit(device_id, created_at);`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "store: init sqlite schema failed")
		}
	}
	return nil
}

// execBusyRetry runs fn, retrying a bounded number of times when SQLite
// reports lock contention.
func execBusyRetry(fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(busyRetryAttempts),
		retry.Delay(busyRetryDelay),
		retry.MaxDelay(busyRetryMax),
		retry.RetryIf(isSQLiteBusy),
		retry.LastErrorOnly(true),
	)
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func unixMilli(t time.Time) int64 {
	return t.UnixMilli()
}

func timeFromMilli(val sql.NullInt64) time.Time {
	if !val.Valid || val.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(val.Int64).UTC()
}

func nullText(val string) any {
	if strings.TrimSpace(val) == "" {
		return nil
	}
	return val
}

func textOrEmpty(val sql.NullString) string {
	return val.String
}
