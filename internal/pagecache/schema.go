// Package pagecache keeps fetched history pages in a local SQLite
// database so scrolling back through a conversation survives restarts.
package pagecache

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// CurrentVersion is the current schema version.
const CurrentVersion = 1

// OpenDB opens a SQLite database with WAL enabled.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Set journal mode to WAL so readers never block the writer
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return db, nil
}

// Migrate brings the database to the current schema version.
func Migrate(db *sql.DB) error {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return InitDB(db)
	}
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	version, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}
	switch {
	case version == 0:
		return InitDB(db)
	case version > CurrentVersion:
		return fmt.Errorf("cache schema version %d is newer than supported %d", version, CurrentVersion)
	}
	return nil
}

// InitDB creates the cache tables.
func InitDB(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		// One row per (conversation, cursor, limit); messages hold the
		// wire encoding, oldest first.
		`CREATE TABLE IF NOT EXISTS pages (
			conversation_id TEXT NOT NULL,
			before_cursor   TEXT NOT NULL,
			page_limit      INTEGER NOT NULL,
			messages        TEXT NOT NULL,
			next_cursor     TEXT NOT NULL DEFAULT '',
			has_more        INTEGER NOT NULL DEFAULT 0,
			fetched_at      INTEGER NOT NULL,
			PRIMARY KEY (conversation_id, before_cursor, page_limit)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pages_fetched ON pages(fetched_at)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", CurrentVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the schema version stored in the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}
