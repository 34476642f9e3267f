// Package index persists the authoritative record of cached workspaces in a
// SQLite database so it survives across independent process invocations.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the durable cache index. All mutations are applied inside
// transactions; concurrent processes coordinate through SQLite's own file
// locking plus the per-key flock in the oplock package.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the index database at path and ensures
// the schema exists. The path must be on a local filesystem; SQLite locking
// is unreliable on network mounts.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("index path is empty")
	}
	if err := validateIndexFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
  key                  TEXT PRIMARY KEY,
  repo_url             TEXT NOT NULL,
  branch               TEXT NOT NULL,
  path                 TEXT NOT NULL,
  size_bytes           INTEGER NOT NULL DEFAULT 0,
  state                TEXT NOT NULL,
  last_accessed_at     TEXT NOT NULL,
  created_at           TEXT NOT NULL,
  preserve_trigger     TEXT NOT NULL DEFAULT '',
  retention_expires_at TEXT,
  preserve_note        TEXT NOT NULL DEFAULT ''
);`,
		`CREATE INDEX IF NOT EXISTS workspaces_state_last_accessed_idx ON workspaces(state, last_accessed_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap index schema: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
