// Package db provides database connection management and local storage
// for WashPoint Core.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the sql.DB with WashPoint-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens the local SQLite database with WashPoint configuration.
// The database is opened with:
// - WAL mode for concurrent reads alongside the single writer
// - Foreign key constraints enabled
// - A single connection, since SQLite allows only one writer
func Open(dataDir string) (*DB, error) {
	// Ensure data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "washpoint.db")

	// Open database with modernc.org/sqlite (pure Go, no CGO)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Serialize every write through one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Enable foreign key constraints
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// Initializer coordinates one-time database setup. Concurrent callers of
// DB() before the first successful open await the same in-flight
// initialization instead of racing to create the schema twice. An
// initialization failure is sticky for the process; the next app start
// retries with a fresh Initializer.
type Initializer struct {
	dataDir string
	once    sync.Once
	db      *DB
	err     error
}

// NewInitializer creates an Initializer for the given data directory.
func NewInitializer(dataDir string) *Initializer {
	return &Initializer{dataDir: dataDir}
}

// DB opens and migrates the database on first call and returns the shared
// handle on every call.
func (i *Initializer) DB() (*DB, error) {
	i.once.Do(func() {
		db, err := Open(i.dataDir)
		if err != nil {
			i.err = err
			return
		}
		if err := Migrate(db); err != nil {
			db.Close()
			i.err = err
			return
		}
		i.db = db
	})
	return i.db, i.err
}
