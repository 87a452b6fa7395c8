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
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Arbiter journaling and attempt logging write from several goroutines;
	// one connection keeps SQLite from returning SQLITE_BUSY.
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

// BootstrapSQLite creates tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS test_run (
  id          TEXT PRIMARY KEY,
  status      TEXT NOT NULL,
  config_hash TEXT,
  started_at  TEXT NOT NULL,
  finished_at TEXT
);`,
		`CREATE TABLE IF NOT EXISTS test_job (
  id            TEXT PRIMARY KEY,
  run_id        TEXT NOT NULL REFERENCES test_run(id) ON DELETE CASCADE,
  path          TEXT NOT NULL,
  digest        TEXT NOT NULL,
  dedupe_key    TEXT NOT NULL,
  status        TEXT NOT NULL,
  attempts      INTEGER NOT NULL DEFAULT 0,
  max_attempts  INTEGER NOT NULL,
  worker_id     TEXT,
  created_at    TEXT NOT NULL,
  started_at    TEXT,
  completed_at  TEXT,
  last_error    TEXT,
  stderr        TEXT,
  UNIQUE(run_id, dedupe_key)
);`,
		`CREATE TABLE IF NOT EXISTS test_attempt (
  job_id       TEXT NOT NULL REFERENCES test_job(id) ON DELETE CASCADE,
  attempt      INTEGER NOT NULL,
  worker_id    TEXT,
  status       TEXT NOT NULL,
  error        TEXT,
  started_at   TEXT NOT NULL,
  duration_ms  INTEGER NOT NULL,
  PRIMARY KEY(job_id, attempt)
);`,
		`CREATE TABLE IF NOT EXISTS artifact (
  path        TEXT PRIMARY KEY,
  run_id      TEXT NOT NULL,
  request_id  TEXT NOT NULL,
  worker_id   TEXT NOT NULL,
  meta        JSON,
  created_at  TEXT NOT NULL,
  released_at TEXT
);`,
		`CREATE INDEX IF NOT EXISTS test_job_run_status_idx ON test_job(run_id, status, created_at);`,
		`CREATE INDEX IF NOT EXISTS artifact_run_worker_idx ON artifact(run_id, worker_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
