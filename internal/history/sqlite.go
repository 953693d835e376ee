// Package history is the supervisor's memory: watchdog remediations,
// guarded job outcomes and container state transitions, kept in a
// local SQLite database for the admin API and postmortems.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Open validates the path, opens (creating if needed) the database and
// ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history db path is empty")
	}
	if err := ValidateLocalFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// bootstrap creates tables and indexes if missing.
func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS action_log (
  id            TEXT PRIMARY KEY,
  plugin        TEXT NOT NULL,
  trigger_state TEXT NOT NULL,
  action        TEXT NOT NULL,
  outcome       TEXT NOT NULL,
  error         TEXT,
  created_at    TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS job_log (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  job         TEXT NOT NULL,
  outcome     TEXT NOT NULL,
  reason      TEXT,
  error       TEXT,
  started_at  TEXT,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  created_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS state_log (
  id        INTEGER PRIMARY KEY AUTOINCREMENT,
  container TEXT NOT NULL,
  state     TEXT NOT NULL,
  at        TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS action_log_created_at_idx ON action_log(created_at);`,
		`CREATE INDEX IF NOT EXISTS job_log_job_created_at_idx ON job_log(job, created_at);`,
		`CREATE INDEX IF NOT EXISTS state_log_container_at_idx ON state_log(container, at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap history db: %w", err)
		}
	}
	return nil
}
