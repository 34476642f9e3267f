package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const recordColumns = `key, repo_url, branch, path, size_bytes, state,
  last_accessed_at, created_at, preserve_trigger, retention_expires_at, preserve_note`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec          Record
		state        string
		lastAccessed string
		created      string
		trigger      string
		expiresAt    sql.NullString
	)
	err := row.Scan(
		&rec.Key, &rec.RepoURL, &rec.Branch, &rec.Path, &rec.SizeBytes, &state,
		&lastAccessed, &created, &trigger, &expiresAt, &rec.PreserveNote,
	)
	if err != nil {
		return nil, err
	}
	rec.State = State(state)
	rec.LastAccessedAt = parseTime(lastAccessed)
	rec.CreatedAt = parseTime(created)
	rec.PreserveTrigger = Trigger(trigger)
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		rec.RetentionExpiresAt = &t
	}
	return &rec, nil
}

// LookupOrReserve returns the record for key with state transitioned to
// active, creating a fresh record when none is reusable. The second return
// value reports whether an existing usable checkout was found; false means
// the caller must populate the workspace (clone).
//
// Callers must hold the per-key file lock; that lock is the cross-process
// mutual exclusion. A row still marked active or locked under a held lock
// therefore belongs to a holder that died mid-operation and is reclaimed
// like an idle one; the workspace validation downstream decides whether its
// directory is still usable.
func (s *Store) LookupOrReserve(ctx context.Context, key, repoURL, branch, path string, now time.Time) (*Record, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM workspaces WHERE key = ?;`, key)
	rec, err := scanRecord(row)

	existed := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		rec = &Record{
			Key: key, RepoURL: repoURL, Branch: branch, Path: path,
			State: StateActive, LastAccessedAt: now, CreatedAt: now,
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO workspaces(key, repo_url, branch, path, size_bytes, state, last_accessed_at, created_at)
VALUES(?, ?, ?, ?, 0, ?, ?, ?);`,
			key, repoURL, branch, path, StateActive, formatTime(now), formatTime(now))
		if err != nil {
			return nil, false, fmt.Errorf("insert workspace record: %w", err)
		}

	case err != nil:
		return nil, false, fmt.Errorf("read workspace record: %w", err)

	case rec.State == StateCorrupted:
		// Reuse the slot; the directory is rebuilt from scratch.
		rec.State = StateActive
		rec.LastAccessedAt = now
		rec.CreatedAt = now
		rec.SizeBytes = 0
		rec.PreserveTrigger = ""
		rec.RetentionExpiresAt = nil
		rec.PreserveNote = ""
		_, err = tx.ExecContext(ctx, `
UPDATE workspaces SET repo_url = ?, branch = ?, path = ?, size_bytes = 0, state = ?,
  last_accessed_at = ?, created_at = ?, preserve_trigger = '', retention_expires_at = NULL, preserve_note = ''
WHERE key = ?;`,
			repoURL, branch, path, StateActive, formatTime(now), formatTime(now), key)
		if err != nil {
			return nil, false, fmt.Errorf("reset corrupted workspace record: %w", err)
		}

	default: // idle, preserved, or a stale active/locked row from a dead holder
		existed = true
		rec.State = StateActive
		rec.LastAccessedAt = now
		rec.PreserveTrigger = ""
		rec.RetentionExpiresAt = nil
		rec.PreserveNote = ""
		_, err = tx.ExecContext(ctx, `
UPDATE workspaces SET state = ?, last_accessed_at = ?,
  preserve_trigger = '', retention_expires_at = NULL, preserve_note = ''
WHERE key = ?;`,
			StateActive, formatTime(now), key)
		if err != nil {
			return nil, false, fmt.Errorf("reserve workspace record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}
	return rec, existed, nil
}

// Release transitions an active record to the given terminal state. Releasing
// to StatePreserved must go through Preserve instead.
func (s *Store) Release(ctx context.Context, key string, to State, now time.Time) error {
	if to == StatePreserved {
		return fmt.Errorf("release to preserved must use Preserve")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE workspaces SET state = ?, last_accessed_at = ?
WHERE key = ? AND state = ?;`,
		to, formatTime(now), key, StateActive)
	if err != nil {
		return fmt.Errorf("release workspace %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release workspace %q: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("release workspace %q: record is not active", key)
	}
	return nil
}

// Preserve transitions an active record to preserved with the given trigger,
// diagnostic note, and retention expiry (nil for indefinite).
func (s *Store) Preserve(ctx context.Context, key string, trigger Trigger, note string, expiresAt *time.Time, now time.Time) error {
	var expires any
	if expiresAt != nil {
		expires = formatTime(*expiresAt)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE workspaces SET state = ?, last_accessed_at = ?,
  preserve_trigger = ?, retention_expires_at = ?, preserve_note = ?
WHERE key = ? AND state = ?;`,
		StatePreserved, formatTime(now), string(trigger), expires, note, key, StateActive)
	if err != nil {
		return fmt.Errorf("preserve workspace %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("preserve workspace %q: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("preserve workspace %q: record is not active", key)
	}
	return nil
}

// Demote returns a preserved record to idle, making it evictable again.
func (s *Store) Demote(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE workspaces SET state = ?, preserve_trigger = '', retention_expires_at = NULL, preserve_note = ''
WHERE key = ? AND state = ?;`,
		StateIdle, key, StatePreserved)
	if err != nil {
		return fmt.Errorf("demote workspace %q: %w", key, err)
	}
	return nil
}

// SetState force-sets a record's state. The cleanup sweep uses it to flag
// active rows whose holding process vanished as locked.
func (s *Store) SetState(ctx context.Context, key string, to State) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workspaces SET state = ? WHERE key = ?;`, to, key)
	if err != nil {
		return fmt.Errorf("set state for workspace %q: %w", key, err)
	}
	return nil
}

// UpdateSize records a freshly measured on-disk size for key.
func (s *Store) UpdateSize(ctx context.Context, key string, sizeBytes int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workspaces SET size_bytes = ? WHERE key = ?;`, sizeBytes, key)
	if err != nil {
		return fmt.Errorf("update size for workspace %q: %w", key, err)
	}
	return nil
}

// Get returns the record for key, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM workspaces WHERE key = ?;`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace record %q: %w", key, err)
	}
	return rec, nil
}

// List returns all records, most recently accessed first.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM workspaces ORDER BY last_accessed_at DESC, key;`)
}

// PreservedRecords returns the preserved subset, oldest access first.
func (s *Store) PreservedRecords(ctx context.Context) ([]*Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM workspaces WHERE state = ? ORDER BY last_accessed_at ASC, key;`,
		StatePreserved)
}

// Delete removes the record for key from the index. The caller is
// responsible for the directory itself.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE key = ?;`, key)
	if err != nil {
		return fmt.Errorf("delete workspace record %q: %w", key, err)
	}
	return nil
}

// DeleteIfState removes the record for key only when its state still matches
// expected, reporting whether the row was claimed. Removal paths use it so a
// record reclaimed by a concurrent request between candidate selection and
// deletion is left alone.
func (s *Store) DeleteIfState(ctx context.Context, key string, expected State) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workspaces WHERE key = ? AND state = ?;`, key, expected)
	if err != nil {
		return false, fmt.Errorf("delete workspace record %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete workspace record %q: %w", key, err)
	}
	return n > 0, nil
}

// EvictionCandidates orders idle records oldest-access-first and returns the
// prefix that must go to bring the cache back under both maxCount and
// maxTotalBytes. Ties on access time break toward smaller size, then key, so
// the selection is deterministic. Active, locked, and preserved records are
// never candidates but do count toward the limits.
func (s *Store) EvictionCandidates(ctx context.Context, maxCount int, maxTotalBytes int64) ([]*Record, error) {
	var (
		totalCount int
		totalBytes sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(size_bytes) FROM workspaces WHERE state != ?;`,
		StateCorrupted).Scan(&totalCount, &totalBytes)
	if err != nil {
		return nil, fmt.Errorf("measure cache pressure: %w", err)
	}

	count := totalCount
	bytes := totalBytes.Int64

	if count <= maxCount && bytes <= maxTotalBytes {
		return nil, nil
	}

	idle, err := s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM workspaces WHERE state = ?
ORDER BY last_accessed_at ASC, size_bytes ASC, key ASC;`,
		StateIdle)
	if err != nil {
		return nil, err
	}

	var candidates []*Record
	for _, rec := range idle {
		if count <= maxCount && bytes <= maxTotalBytes {
			break
		}
		candidates = append(candidates, rec)
		count--
		bytes -= rec.SizeBytes
	}
	return candidates, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workspace records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workspace record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspace records: %w", err)
	}
	return records, nil
}
