// Package store provides the correlation store for tracksync.
//
// The correlation store is the single source of truth for which items in the
// tracker, the board and the beads store represent the same piece of work.
// Each row is a correlation record keyed by the tracker's identifier (the
// canonical id) and carries the last-seen state used for no-op detection and
// conflict resolution.
//
// The database runs as embedded SQLite (ncruces/go-sqlite3) in WAL mode so the
// CLI can read while the daemon writes.
//
// Architecture:
//   - Database file: .tsync/correlations.db
//   - Tables: correlations, conflicts, schema_migrations
//   - Indexes: board_id and beads_id (unique when set), content_hash
//   - Migrations: additive only, applied in order on Migrate
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a correlation record does not exist.
var ErrNotFound = errors.New("correlation record not found")

// Store wraps the SQLite connection holding correlation records.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the correlation database at path.
//
// The caller MUST call Close() when done, and Migrate() before first use.
//
// Example:
//
//	st, err := store.Open(".tsync/correlations.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.conn.Exec(p); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// migrations are applied in order and never edited once released.
// Only CREATE TABLE, ADD COLUMN and CREATE INDEX belong here.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS correlations (
		canonical_id        TEXT PRIMARY KEY,
		project_key         TEXT,
		board_id            TEXT,
		beads_id            TEXT,
		title               TEXT,
		status              TEXT,
		priority            TEXT,
		content_hash        TEXT,
		last_seen_tracker   TEXT,
		last_seen_board     TEXT,
		last_seen_beads     TEXT,
		parent_canonical_id TEXT,
		parent_board_id     TEXT,
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_correlations_board_id ON correlations(board_id) WHERE board_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_correlations_beads_id ON correlations(beads_id) WHERE beads_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_correlations_content_hash ON correlations(content_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_correlations_project ON correlations(project_key)`,
	`ALTER TABLE correlations ADD COLUMN deleted_from_tracker INTEGER`,
	`ALTER TABLE correlations ADD COLUMN deleted_from_board INTEGER`,
	`ALTER TABLE correlations ADD COLUMN deleted_from_beads INTEGER`,
	`ALTER TABLE correlations ADD COLUMN parent_beads_id TEXT`,
	`CREATE TABLE IF NOT EXISTS conflicts (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		canonical_id   TEXT NOT NULL,
		direction      TEXT NOT NULL,
		winner         TEXT NOT NULL,
		loser          TEXT NOT NULL,
		loser_title    TEXT,
		loser_status   TEXT,
		loser_priority TEXT,
		winner_at      TEXT,
		loser_at       TEXT,
		detected_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conflicts_detected_at ON conflicts(detected_at)`,
}

// Migrate brings the schema up to date. Safe to call on every start.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := s.conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			i+1, time.Now().UTC().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", i+1, err)
		}
	}

	return nil
}

// SchemaVersion returns the number of applied migrations.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// Stats summarizes the store for status output.
type Stats struct {
	Records        int
	LinkedBoard    int
	LinkedBeads    int
	PendingParents int
	Deleted        int
	Conflicts      int
}

// Stats returns record counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(board_id),
			COUNT(beads_id),
			SUM(CASE WHEN parent_canonical_id IS NOT NULL AND (parent_board_id IS NULL OR parent_beads_id IS NULL) THEN 1 ELSE 0 END),
			SUM(CASE WHEN deleted_from_tracker = 1 OR deleted_from_board = 1 OR deleted_from_beads = 1 THEN 1 ELSE 0 END)
		FROM correlations`).Scan(&st.Records, &st.LinkedBoard, &st.LinkedBeads, nullInt{&st.PendingParents}, nullInt{&st.Deleted})
	if err != nil {
		return st, fmt.Errorf("failed to count correlations: %w", err)
	}
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts`).Scan(&st.Conflicts); err != nil {
		return st, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return st, nil
}

// nullInt scans a nullable integer (SUM over zero rows) into an int.
type nullInt struct{ dst *int }

func (n nullInt) Scan(src any) error {
	var v sql.NullInt64
	if err := v.Scan(src); err != nil {
		return err
	}
	*n.dst = int(v.Int64)
	return nil
}

// timeLayout is RFC3339 with a fixed-width fraction so stored times sort
// lexically in the same order as chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// timeToNullString converts a time to its stored form; zero is NULL.
func timeToNullString(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

// nullStringToTime parses a stored time; NULL or garbage is zero.
func nullStringToTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// stringToNull converts "" to NULL.
func stringToNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToNull(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullToBool(nb sql.NullBool) *bool {
	if !nb.Valid {
		return nil
	}
	v := nb.Bool
	return &v
}
