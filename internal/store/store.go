// Package store provides the embedded SQLite persistence layer for the
// sync core.
//
// It owns the three durable tables and every transition on them:
//   - samples:   captured GPS fixes queued for delivery
//   - mutations: pending create/update/delete operations on trip entities
//   - entities:  the local mirror of regions and places
//
// The database runs in WAL mode so readers proceed during writes. All
// state transitions are conditional updates (state checked in the WHERE
// clause, RowsAffected checked by the caller), which is the only form of
// mutual exclusion between concurrent drain workers: a row is won by
// whichever worker flips its state first, and everyone else moves on.
//
// Timestamps are stored as RFC 3339 TEXT in UTC. captured_at keeps
// nanosecond precision because the dispatch idempotency token is derived
// from it and must survive a crash/reload round trip unchanged.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with sync-queue specific operations.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created along with the schema's parent
// directory. The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(".tracksync/queue.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn: conn,
		path: path,
	}

	// Enable WAL mode for concurrent reads
	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to 5 seconds
	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
// Useful for integrating with other libraries that expect *sql.DB.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the database file path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	// Checkpoint WAL before closing
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Location sample queue
	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		altitude REAL NOT NULL DEFAULT 0,
		accuracy REAL NOT NULL DEFAULT 0,
		speed REAL NOT NULL DEFAULT 0,
		bearing REAL NOT NULL DEFAULT 0,
		captured_at TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT 'gps',
		sync_state TEXT NOT NULL DEFAULT 'pending',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TEXT,
		last_error TEXT NOT NULL DEFAULT '',
		rejection_reason TEXT NOT NULL DEFAULT '',
		server_confirmed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Entity mutation queue
	CREATE TABLE IF NOT EXISTS mutations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		op TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		trip_id TEXT NOT NULL DEFAULT '',
		parent_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		snapshot TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'queued',
		server_id TEXT NOT NULL DEFAULT '',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TEXT,
		last_error TEXT NOT NULL DEFAULT '',
		rejection_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Local mirror of trip entities (regions, places)
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		trip_id TEXT NOT NULL DEFAULT '',
		parent_id TEXT NOT NULL DEFAULT '',
		fields TEXT NOT NULL DEFAULT '',
		provisional INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Claim and purge paths
	CREATE INDEX IF NOT EXISTS idx_samples_state_id ON samples(sync_state, id);
	CREATE INDEX IF NOT EXISTS idx_samples_created ON samples(created_at);

	-- Dispatch eligibility checks walk per-entity history
	CREATE INDEX IF NOT EXISTS idx_mutations_state_id ON mutations(state, id);
	CREATE INDEX IF NOT EXISTS idx_mutations_entity_id ON mutations(entity_id, id);
	CREATE INDEX IF NOT EXISTS idx_mutations_parent ON mutations(parent_id);

	CREATE INDEX IF NOT EXISTS idx_entities_trip ON entities(trip_id);
	CREATE INDEX IF NOT EXISTS idx_entities_parent ON entities(parent_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
