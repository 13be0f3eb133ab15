// Package db tests for schema migration.
package db

import (
	"testing"
)

// openMigrated is a test helper returning a migrated database.
func openMigrated(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	return db
}

// TestMigrateCreatesTables verifies all four tables plus metadata exist.
func TestMigrateCreatesTables(t *testing.T) {
	db := openMigrated(t)

	for _, table := range []string{"bookings", "wallets", "staff", "sync_queue", "app_meta"} {
		var name string
		err := db.QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s missing: %v", table, err)
		}
	}
}

// TestMigrateIsIdempotent verifies repeated migration is harmless.
func TestMigrateIsIdempotent(t *testing.T) {
	db := openMigrated(t)

	for i := 0; i < 3; i++ {
		if err := Migrate(db); err != nil {
			t.Fatalf("Migrate() run %d failed: %v", i+2, err)
		}
	}
}

// TestMigrateAddsMissingColumns verifies additive evolution: a database
// created by an older release gains new columns without losing rows.
func TestMigrateAddsMissingColumns(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	// v1-era bookings table without the later columns.
	_, err = db.Exec(`CREATE TABLE bookings (
		local_id TEXT PRIMARY KEY,
		server_id TEXT,
		customer_name TEXT NOT NULL,
		vehicle_reg TEXT,
		amount INTEGER NOT NULL DEFAULT 0,
		category TEXT NOT NULL,
		payment_method TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		attendant_id TEXT,
		note TEXT,
		sync_state TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		t.Fatalf("Failed to create legacy table: %v", err)
	}
	_, err = db.Exec(`INSERT INTO bookings (local_id, customer_name, amount, category, created_at, updated_at)
		VALUES ('b1', 'Jane', 500, 'vehicle', 100, 100)`)
	if err != nil {
		t.Fatalf("Failed to seed legacy row: %v", err)
	}

	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() failed on legacy schema: %v", err)
	}

	cols, err := tableColumns(db, "bookings")
	if err != nil {
		t.Fatalf("tableColumns() failed: %v", err)
	}
	for _, want := range []string{"sync_error", "last_sync_attempt", "customer_phone"} {
		if !cols[want] {
			t.Errorf("Expected column %s after migration", want)
		}
	}

	// Existing row survives untouched.
	var name string
	var amount int64
	err = db.QueryRow(`SELECT customer_name, amount FROM bookings WHERE local_id = 'b1'`).Scan(&name, &amount)
	if err != nil {
		t.Fatalf("Legacy row lost: %v", err)
	}
	if name != "Jane" || amount != 500 {
		t.Errorf("Legacy row rewritten: %s %d", name, amount)
	}
}
