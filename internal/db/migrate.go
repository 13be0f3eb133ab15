// Package db provides database schema creation and additive migration.
package db

import (
	"database/sql"
	"fmt"
	"strings"
)

// The schema is embedded rather than shipped as files: the core runs inside
// a mobile app bundle where a migrations directory is not practical.
//
// Evolution policy: new columns are added through columnSpecs below and
// applied with ALTER TABLE ADD COLUMN on startup. Existing rows are never
// rewritten during migration.
var createStatements = []string{
	`CREATE TABLE IF NOT EXISTS bookings (
		local_id          TEXT PRIMARY KEY,
		server_id         TEXT,
		customer_name     TEXT NOT NULL,
		customer_phone    TEXT,
		vehicle_reg       TEXT,
		amount            INTEGER NOT NULL DEFAULT 0,
		category          TEXT NOT NULL,
		payment_method    TEXT,
		status            TEXT NOT NULL DEFAULT 'pending',
		attendant_id      TEXT,
		note              TEXT,
		sync_state        TEXT NOT NULL DEFAULT 'pending',
		sync_error        TEXT,
		last_sync_attempt INTEGER,
		created_at        INTEGER NOT NULL,
		updated_at        INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS wallets (
		local_id          TEXT PRIMARY KEY,
		server_id         TEXT,
		attendant_id      TEXT NOT NULL UNIQUE,
		balance           INTEGER NOT NULL DEFAULT 0,
		total_earnings    INTEGER NOT NULL DEFAULT 0,
		total_commission  INTEGER NOT NULL DEFAULT 0,
		company_share     INTEGER NOT NULL DEFAULT 0,
		company_debt      INTEGER NOT NULL DEFAULT 0,
		is_paid           INTEGER NOT NULL DEFAULT 0,
		last_payment_at   INTEGER,
		adjustments       TEXT NOT NULL DEFAULT '[]',
		sync_state        TEXT NOT NULL DEFAULT 'pending',
		sync_error        TEXT,
		last_sync_attempt INTEGER,
		created_at        INTEGER NOT NULL,
		updated_at        INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS staff (
		local_id          TEXT PRIMARY KEY,
		server_id         TEXT,
		name              TEXT NOT NULL,
		phone             TEXT,
		role              TEXT,
		available         INTEGER NOT NULL DEFAULT 1,
		photo_ref         TEXT,
		sync_state        TEXT NOT NULL DEFAULT 'pending',
		sync_error        TEXT,
		last_sync_attempt INTEGER,
		created_at        INTEGER NOT NULL,
		updated_at        INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS sync_queue (
		id           TEXT PRIMARY KEY,
		op           TEXT NOT NULL,
		entity_type  TEXT NOT NULL,
		entity_id    TEXT NOT NULL,
		data         TEXT NOT NULL,
		retry_count  INTEGER NOT NULL DEFAULT 0,
		created_at   INTEGER NOT NULL,
		last_attempt INTEGER,
		last_error   TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS app_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_bookings_server_id ON bookings(server_id);`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_attendant_id ON bookings(attendant_id);`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_sync_state ON bookings(sync_state);`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_created_at ON bookings(created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_wallets_server_id ON wallets(server_id);`,
	`CREATE INDEX IF NOT EXISTS idx_wallets_sync_state ON wallets(sync_state);`,
	`CREATE INDEX IF NOT EXISTS idx_staff_server_id ON staff(server_id);`,
	`CREATE INDEX IF NOT EXISTS idx_staff_sync_state ON staff(sync_state);`,
	`CREATE INDEX IF NOT EXISTS idx_sync_queue_created_at ON sync_queue(created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_type, entity_id);`,
}

// columnSpec describes a column that later releases added to an existing
// table. Migration adds any that are missing.
type columnSpec struct {
	table      string
	column     string
	definition string
}

var columnSpecs = []columnSpec{
	// v2: rejection messages kept per record for sync indicators
	{"bookings", "sync_error", "TEXT"},
	{"wallets", "sync_error", "TEXT"},
	{"staff", "sync_error", "TEXT"},
	{"bookings", "last_sync_attempt", "INTEGER"},
	{"wallets", "last_sync_attempt", "INTEGER"},
	{"staff", "last_sync_attempt", "INTEGER"},
	// v3: customer contact captured on bookings
	{"bookings", "customer_phone", "TEXT"},
	// v3: outstanding company debt tracked per wallet
	{"wallets", "company_debt", "INTEGER NOT NULL DEFAULT 0"},
	// v4: queue keeps the last failure for visibility
	{"sync_queue", "last_error", "TEXT"},
}

// Migrate creates the schema if missing and applies additive column
// migrations. Safe to run on every startup.
func Migrate(db *DB) error {
	for _, stmt := range createStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	if err := ensureColumns(db); err != nil {
		return err
	}

	for _, stmt := range indexStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// ensureColumns adds any column from columnSpecs that the on-disk schema
// does not have yet. Additive only; never drops or rewrites.
func ensureColumns(db *DB) error {
	existing := make(map[string]map[string]bool)

	for _, spec := range columnSpecs {
		cols, ok := existing[spec.table]
		if !ok {
			var err error
			cols, err = tableColumns(db, spec.table)
			if err != nil {
				return err
			}
			existing[spec.table] = cols
		}

		if cols[spec.column] {
			continue
		}

		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", spec.table, spec.column, spec.definition)
		if _, err := db.Exec(stmt); err != nil {
			// Another connection may have added it between our check and
			// the ALTER; that is fine.
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("failed to add column %s.%s: %w", spec.table, spec.column, err)
		}
		cols[spec.column] = true
	}

	return nil
}

// tableColumns returns the current column set of a table.
func tableColumns(db *DB, table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to read schema of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
