package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if err := checkLocalFilesystem(path, detectFilesystemType); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Invocations finish concurrently; one connection keeps writers from
	// tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS invocation_log (
  id               TEXT PRIMARY KEY,
  command          TEXT NOT NULL,
  fingerprint      TEXT NOT NULL,
  requester        TEXT NOT NULL,
  channel          TEXT NOT NULL,
  transport        TEXT,
  state            TEXT NOT NULL,
  exit_code        INTEGER,
  signal           TEXT,
  error            TEXT,
  status_line      TEXT,
  truncate_reason  TEXT,
  bytes_read       INTEGER NOT NULL DEFAULT 0,
  chunks_delivered INTEGER NOT NULL DEFAULT 0,
  bytes_delivered  INTEGER NOT NULL DEFAULT 0,
  lines_trimmed    INTEGER NOT NULL DEFAULT 0,
  sink_errors      INTEGER NOT NULL DEFAULT 0,
  started_at       TEXT NOT NULL,
  ended_at         TEXT,
  duration_ms      INTEGER
);`,
		`CREATE TABLE IF NOT EXISTS invocation_output (
  invocation_id TEXT NOT NULL REFERENCES invocation_log(id) ON DELETE CASCADE,
  seq           INTEGER NOT NULL,
  text          TEXT NOT NULL,
  final         INTEGER NOT NULL DEFAULT 0,
  created_at    TEXT NOT NULL,
  PRIMARY KEY (invocation_id, seq)
);`,
		`CREATE INDEX IF NOT EXISTS invocation_log_started_at_idx ON invocation_log(started_at);`,
		`CREATE INDEX IF NOT EXISTS invocation_log_state_idx ON invocation_log(state);`,
		`CREATE INDEX IF NOT EXISTS invocation_log_requester_idx ON invocation_log(requester, started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
