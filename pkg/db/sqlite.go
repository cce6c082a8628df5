package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the sql.DB connection
type DB struct {
	*sql.DB
}

// NewDB creates a new SQLite database connection
func NewDB(dbPath string) (*DB, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps ":memory:"
	// databases shared across queries.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.DB.Close()
}

// InitSchema initializes the database schema
func (d *DB) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS job_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_runs_job ON job_runs (job, started_at);

	CREATE TABLE IF NOT EXISTS materialize_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created INTEGER NOT NULL,
		rolled_forward INTEGER NOT NULL,
		repaired INTEGER NOT NULL,
		ran_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		remote TEXT NOT NULL,
		downloaded INTEGER NOT NULL,
		uploaded INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		ran_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source1 TEXT NOT NULL,
		source2 TEXT NOT NULL,
		time1 DATETIME NOT NULL,
		time2 DATETIME NOT NULL,
		difference_ms INTEGER NOT NULL,
		detected_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS calendar_sync (
		task_id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		sync_key TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS drive_sync (
		name TEXT PRIMARY KEY,
		drive_file_id TEXT NOT NULL,
		modified_at DATETIME NOT NULL
	);
	`

	_, err := d.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}

	return nil
}
