package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrConflict is returned by conditional updates whose row version moved on.
var ErrConflict = errors.New("row version conflict")

// InsertResult distinguishes a duplicate key from other insert failures so
// callers can retry without treating the collision as an exception.
type InsertResult int

const (
	InsertOK InsertResult = iota
	InsertDuplicate
	InsertFailed
)

func (r InsertResult) String() string {
	switch r {
	case InsertOK:
		return "ok"
	case InsertDuplicate:
		return "duplicate-key"
	default:
		return "failed"
	}
}

type SQLite struct {
	db *sql.DB
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS templates (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL UNIQUE,
  description TEXT NOT NULL DEFAULT '',
  blocks TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  state TEXT NOT NULL,
  type INTEGER NOT NULL DEFAULT 1,
  template_id INTEGER NOT NULL,
  video_id INTEGER NOT NULL,
  public_hash TEXT NOT NULL,
  private_hash TEXT NOT NULL,
  date_prefix TEXT NOT NULL,
  pending_blocks TEXT NOT NULL DEFAULT '',
  current_block TEXT,
  created_at INTEGER NOT NULL,
  last_update INTEGER,
  queued_at INTEGER,
  version INTEGER NOT NULL DEFAULT 0
);`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_video ON jobs (video_id);`,
	`CREATE TABLE IF NOT EXISTS videos (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  duration INTEGER,
  complete INTEGER NOT NULL DEFAULT 0
);`,
	`CREATE TABLE IF NOT EXISTS files (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  type TEXT NOT NULL,
  path TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS video_files (
  video_id INTEGER NOT NULL,
  file_id INTEGER NOT NULL,
  PRIMARY KEY (video_id, file_id)
);`,
	`CREATE TABLE IF NOT EXISTS callback_log (
  id TEXT PRIMARY KEY,
  job_id TEXT NOT NULL,
  received_at INTEGER NOT NULL,
  status TEXT NOT NULL,
  block TEXT NOT NULL DEFAULT '',
  process TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  host_ip TEXT NOT NULL DEFAULT '',
  host_name TEXT NOT NULL DEFAULT '',
  sge_job_id INTEGER NOT NULL DEFAULT 0
);`,
	`CREATE INDEX IF NOT EXISTS ix_callback_log_job ON callback_log (job_id, received_at);`,
	`CREATE TABLE IF NOT EXISTS sge_reports (
  id TEXT PRIMARY KEY,
  received_at INTEGER NOT NULL,
  body TEXT NOT NULL
);`,
}

func Open(path string) (*SQLite, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single writer connection keeps SQLite from returning SQLITE_BUSY
	// under concurrent request handlers
	db.SetMaxOpenConns(1)
	for i, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func joinBlocks(blocks []string) string {
	return strings.Join(blocks, ";")
}

func splitBlocks(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	return strings.Split(raw, ";")
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
