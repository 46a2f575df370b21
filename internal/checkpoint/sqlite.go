package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"fathom/pkg/models"
)

// SQLiteStore persists snapshots in a single SQLite database. It is the
// default backend: one file, transactional writes, cheap listing.
type SQLiteStore struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the checkpoint database at path
// and applies pending migrations. WAL mode is enabled so `fathom runs`
// can read while a run is writing.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
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

	s := &SQLiteStore{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// migrate applies all pending schema migrations.
func (s *SQLiteStore) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Checkpoints},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.conn.Begin()
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

const migrationV1Checkpoints = `
CREATE TABLE IF NOT EXISTS checkpoints (
	run_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	run_state TEXT NOT NULL,
	query_text TEXT NOT NULL,
	written_at DATETIME NOT NULL,
	snapshot TEXT NOT NULL,
	PRIMARY KEY (run_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_written_at ON checkpoints(written_at);
`

// Put inserts a snapshot inside a transaction. The sequence check and
// the insert commit together, so concurrent writers cannot interleave
// a stale frame past a newer one.
func (s *SQLiteStore) Put(ctx context.Context, snap *Snapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var latest uint64
	row := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence), 0) FROM checkpoints WHERE run_id = ?", snap.RunID)
	if err := row.Scan(&latest); err != nil {
		return fmt.Errorf("get latest sequence: %w", err)
	}
	if snap.Sequence <= latest {
		return fmt.Errorf("%w: run %s has sequence %d, refusing %d",
			ErrStaleSequence, snap.RunID, latest, snap.Sequence)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, sequence, run_state, query_text, written_at, snapshot)
		VALUES (?, ?, ?, ?, ?, ?)
	`, snap.RunID, snap.Sequence, string(snap.RunState), snap.Query.Raw, formatTime(snap.WrittenAt), string(data))
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// GetLatest returns the highest-sequence snapshot for the run.
func (s *SQLiteStore) GetLatest(ctx context.Context, runID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	row := s.conn.QueryRowContext(ctx, `
		SELECT snapshot FROM checkpoints
		WHERE run_id = ?
		ORDER BY sequence DESC
		LIMIT 1
	`, runID)
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("get latest checkpoint: %w", err)
	}
	return Decode([]byte(data))
}

// ListRuns returns one row per run, taken from each run's latest
// snapshot, newest write first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]RunInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT c.run_id, c.sequence, c.run_state, c.query_text, c.written_at
		FROM checkpoints c
		JOIN (
			SELECT run_id, MAX(sequence) AS max_seq
			FROM checkpoints
			GROUP BY run_id
		) latest ON c.run_id = latest.run_id AND c.sequence = latest.max_seq
		ORDER BY c.written_at DESC, c.run_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		var info RunInfo
		var state, writtenAt string
		if err := rows.Scan(&info.RunID, &info.Sequence, &state, &info.QueryText, &writtenAt); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		info.RunState = models.RunState(state)
		t, err := parseTime(writtenAt)
		if err != nil {
			return nil, fmt.Errorf("parse written_at for run %s: %w", info.RunID, err)
		}
		info.WrittenAt = t
		out = append(out, info)
	}
	return out, rows.Err()
}

// PurgeCompletedBefore removes every snapshot of runs whose latest
// frame is terminal and older than cutoff.
func (s *SQLiteStore) PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	infos, err := s.ListRuns(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for _, info := range infos {
		if !info.RunState.Terminal() || !info.WrittenAt.Before(cutoff) {
			continue
		}
		if _, err := s.conn.ExecContext(ctx,
			"DELETE FROM checkpoints WHERE run_id = ?", info.RunID); err != nil {
			return purged, fmt.Errorf("purge run %s: %w", info.RunID, err)
		}
		purged++
	}
	return purged, nil
}

// formatTime formats a time.Time for SQLite storage. RFC3339 at second
// precision keeps lexicographic and chronological order aligned, which
// ListRuns relies on.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
