// Package queue tests for the durable operation queue.
package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/washpoint/backend/internal/db"
	"github.com/washpoint/backend/internal/models"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.Migrate(database); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	return NewQueue(database)
}

// TestEnqueueAndList verifies entries come back oldest first with their
// snapshots intact.
func TestEnqueueAndList(t *testing.T) {
	q := newTestQueue(t)

	type snapshot struct {
		Amount int64 `json:"amount"`
	}

	first, err := q.Enqueue(models.OpCreate, models.EntityBooking, "b1", snapshot{Amount: 500})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	second, err := q.Enqueue(models.OpUpdate, models.EntityBooking, "b1", snapshot{Amount: 750})
	if err != nil {
		t.Fatalf("Second Enqueue() failed: %v", err)
	}

	entries, err := q.ListPending()
	if err != nil {
		t.Fatalf("ListPending() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != first.ID || entries[1].ID != second.ID {
		t.Error("Entries not in creation order")
	}
	if entries[0].Op != models.OpCreate || entries[1].Op != models.OpUpdate {
		t.Error("Create must come before the update that depends on it")
	}

	var snap snapshot
	if err := json.Unmarshal(entries[1].Data, &snap); err != nil {
		t.Fatalf("Snapshot not valid JSON: %v", err)
	}
	if snap.Amount != 750 {
		t.Errorf("Expected snapshot amount 750, got %d", snap.Amount)
	}
}

// TestEnqueueRejectsInvalid verifies input validation.
func TestEnqueueRejectsInvalid(t *testing.T) {
	q := newTestQueue(t)

	if _, err := q.Enqueue("upsert", models.EntityBooking, "b1", nil); err == nil {
		t.Error("Expected error for invalid op")
	}
	if _, err := q.Enqueue(models.OpCreate, "invoice", "b1", nil); err == nil {
		t.Error("Expected error for invalid entity type")
	}
	if _, err := q.Enqueue(models.OpCreate, models.EntityBooking, "", nil); err == nil {
		t.Error("Expected error for missing entity id")
	}
}

// TestRemove verifies confirmed entries disappear.
func TestRemove(t *testing.T) {
	q := newTestQueue(t)

	entry, err := q.Enqueue(models.OpCreate, models.EntityWallet, "w1", nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := q.Remove(entry.ID); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if err := q.Remove(entry.ID); err != sql.ErrNoRows {
		t.Errorf("Expected ErrNoRows for missing entry, got %v", err)
	}

	n, _ := q.Size()
	if n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}
}

// TestRemoveAllFor verifies per-entity cleanup leaves other entries alone.
func TestRemoveAllFor(t *testing.T) {
	q := newTestQueue(t)

	q.Enqueue(models.OpCreate, models.EntityBooking, "b1", nil)
	q.Enqueue(models.OpUpdate, models.EntityBooking, "b1", nil)
	q.Enqueue(models.OpCreate, models.EntityBooking, "b2", nil)
	q.Enqueue(models.OpCreate, models.EntityWallet, "b1", nil) // same id, other kind

	n, err := q.RemoveAllFor(models.EntityBooking, "b1")
	if err != nil {
		t.Fatalf("RemoveAllFor() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 removed, got %d", n)
	}

	entries, _ := q.ListPending()
	if len(entries) != 2 {
		t.Errorf("Expected 2 entries left, got %d", len(entries))
	}
	for _, e := range entries {
		if e.EntityType == models.EntityBooking && e.EntityID == "b1" {
			t.Error("Entry for removed entity still present")
		}
	}
}

// TestRecordFailure verifies the retry counter and error message stick.
func TestRecordFailure(t *testing.T) {
	q := newTestQueue(t)

	entry, err := q.Enqueue(models.OpCreate, models.EntityBooking, "b1", nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 3; i++ {
		if err := q.RecordFailure(entry.ID, errors.New("connection refused")); err != nil {
			t.Fatalf("RecordFailure() %d failed: %v", i, err)
		}
	}

	got, err := q.Get(entry.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.RetryCount != 3 {
		t.Errorf("Expected retry count 3, got %d", got.RetryCount)
	}
	if got.LastError != "connection refused" {
		t.Errorf("Expected error stored, got %q", got.LastError)
	}
	if got.LastAttempt == 0 {
		t.Error("Expected last attempt timestamp set")
	}
}

// TestPruneBefore verifies unconditional pruning of aged entries.
func TestPruneBefore(t *testing.T) {
	q := newTestQueue(t)

	oldEntry, _ := q.Enqueue(models.OpCreate, models.EntityBooking, "b-old", nil)
	// Backdate the first entry past the cutoff.
	if _, err := q.db.Exec(`UPDATE sync_queue SET created_at = 1000 WHERE id = ?`, oldEntry.ID); err != nil {
		t.Fatal(err)
	}
	q.Enqueue(models.OpCreate, models.EntityBooking, "b-new", nil)

	n, err := q.PruneBefore(2000)
	if err != nil {
		t.Fatalf("PruneBefore() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 pruned, got %d", n)
	}

	entries, _ := q.ListPending()
	if len(entries) != 1 || entries[0].EntityID != "b-new" {
		t.Error("Wrong entry pruned")
	}
}

// TestQueueSurvivesReopen verifies durability across process restarts.
func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	database, err := db.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(database); err != nil {
		t.Fatal(err)
	}
	q := NewQueue(database)
	if _, err := q.Enqueue(models.OpCreate, models.EntityBooking, "b1", nil); err != nil {
		t.Fatal(err)
	}
	database.Close()

	reopened, err := db.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if err := db.Migrate(reopened); err != nil {
		t.Fatal(err)
	}

	entries, err := NewQueue(reopened).ListPending()
	if err != nil {
		t.Fatalf("ListPending() after reopen failed: %v", err)
	}
	if len(entries) != 1 || entries[0].EntityID != "b1" {
		t.Error("Queue entry lost across restart")
	}
}
