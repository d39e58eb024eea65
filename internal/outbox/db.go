// Package outbox is the durable local queue for chat messages composed while
// the signaling transport is down. Messages live in SQLite until confirmed
// delivered; a bounded retry budget demotes repeatedly failing messages to a
// failed state that only an explicit user retry can clear.
package outbox

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// schemaVersion is recorded in _meta so a future on-disk format change can
// key its migration on the stored value.
const schemaVersion = "1"

// Queue is a SQLite-backed store of undelivered messages keyed by temp ID.
type Queue struct {
	db         *sql.DB
	path       string
	maxRetries int
}

// Open opens or creates the outbox database at path. maxRetries is the
// retry budget after which a message is demoted to failed (default 3).
func Open(path string, maxRetries int) (*Queue, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create outbox dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open outbox database: %w", err)
	}

	// WAL mode so the UI send path and the background retry sweep can
	// overlap without SQLITE_BUSY surprises.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure outbox database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queued_messages (
			temp_id         TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			content         TEXT NOT NULL,
			retry_count     INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL DEFAULT 'pending',
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_queued_conversation
		ON queued_messages (conversation_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue index: %w", err)
	}

	if _, err := db.Exec(
		`INSERT INTO _meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO NOTHING`, schemaVersion,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("record schema version: %w", err)
	}

	return &Queue{db: db, path: path, maxRetries: maxRetries}, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Path returns the database file location.
func (q *Queue) Path() string {
	return q.path
}
