// Package retention tests for the storage sweep.
package retention

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/washpoint/backend/internal/db"
	"github.com/washpoint/backend/internal/models"
	"github.com/washpoint/backend/internal/queue"
)

type fixture struct {
	db      *db.DB
	store   *db.Store
	queue   *queue.Queue
	manager *Manager
}

func newFixture(t *testing.T, retainFor, checkInterval time.Duration) *fixture {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.Migrate(database); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	f := &fixture{
		db:    database,
		store: db.NewStore(database),
		queue: queue.NewQueue(database),
	}
	f.manager = NewManager(f.store, f.queue, retainFor, checkInterval)
	return f
}

// advanceClock moves the manager's view of now forward.
func (f *fixture) advanceClock(d time.Duration) {
	base := time.Now()
	f.manager.now = func() time.Time { return base.Add(d) }
}

func (f *fixture) markSynced(t *testing.T, entityType models.EntityType, localID string) {
	t.Helper()
	err := f.store.WithTx(func(tx *sql.Tx) error {
		return f.store.MarkSynced(tx, entityType, localID, "srv-"+localID, time.Now().Unix())
	})
	if err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
}

// TestRunNowDeletesOnlySyncedAgedBookings verifies unsynced and recent
// records survive the sweep.
func TestRunNowDeletesOnlySyncedAgedBookings(t *testing.T) {
	f := newFixture(t, 30*24*time.Hour, time.Hour)

	synced := &models.Booking{CustomerName: "Old Synced", Amount: 100, Category: models.CategoryVehicle, Status: models.BookingStatusCompleted}
	unsynced := &models.Booking{CustomerName: "Old Unsynced", Amount: 200, Category: models.CategoryCarpet, Status: models.BookingStatusCompleted}
	for _, b := range []*models.Booking{synced, unsynced} {
		if err := f.store.PutBooking(b); err != nil {
			t.Fatal(err)
		}
	}
	f.markSynced(t, models.EntityBooking, synced.LocalID)

	// Both records age past the window; only the synced one may go.
	f.advanceClock(31 * 24 * time.Hour)

	stats := f.manager.RunNow()
	if stats.Bookings != 1 {
		t.Errorf("Expected 1 booking swept, got %d", stats.Bookings)
	}

	if _, err := f.store.GetBooking(synced.LocalID); err != sql.ErrNoRows {
		t.Error("Expected synced aged booking deleted")
	}
	if _, err := f.store.GetBooking(unsynced.LocalID); err != nil {
		t.Errorf("Unsynced booking must survive no matter its age: %v", err)
	}
}

// TestRunNowKeepsRecentSynced verifies the age gate.
func TestRunNowKeepsRecentSynced(t *testing.T) {
	f := newFixture(t, 30*24*time.Hour, time.Hour)

	b := &models.Booking{CustomerName: "Fresh", Amount: 100, Category: models.CategoryVehicle, Status: models.BookingStatusCompleted}
	if err := f.store.PutBooking(b); err != nil {
		t.Fatal(err)
	}
	f.markSynced(t, models.EntityBooking, b.LocalID)

	stats := f.manager.RunNow()
	if stats.Bookings != 0 {
		t.Errorf("Expected recent booking kept, %d swept", stats.Bookings)
	}
}

// TestRunNowWalletSettlementGate verifies only settled wallets are swept.
func TestRunNowWalletSettlementGate(t *testing.T) {
	f := newFixture(t, 30*24*time.Hour, time.Hour)

	settled := &models.Wallet{AttendantID: "a1", Balance: 0, IsPaid: true}
	active := &models.Wallet{AttendantID: "a2", Balance: 500, IsPaid: false}
	for _, w := range []*models.Wallet{settled, active} {
		if err := f.store.PutWallet(w); err != nil {
			t.Fatal(err)
		}
		f.markSynced(t, models.EntityWallet, w.LocalID)
	}

	f.advanceClock(31 * 24 * time.Hour)

	stats := f.manager.RunNow()
	if stats.Wallets != 1 {
		t.Errorf("Expected 1 wallet swept, got %d", stats.Wallets)
	}
	if _, err := f.store.GetWallet(active.LocalID); err != nil {
		t.Errorf("Wallet with balance must survive: %v", err)
	}
}

// TestRunNowPrunesAgedQueueEntries verifies the queue sweep.
func TestRunNowPrunesAgedQueueEntries(t *testing.T) {
	f := newFixture(t, 30*24*time.Hour, time.Hour)

	if _, err := f.queue.Enqueue(models.OpCreate, models.EntityBooking, "b1", nil); err != nil {
		t.Fatal(err)
	}

	f.advanceClock(31 * 24 * time.Hour)

	stats := f.manager.RunNow()
	if stats.QueueEntries != 1 {
		t.Errorf("Expected 1 queue entry pruned, got %d", stats.QueueEntries)
	}
}

// TestRunNowIsolatesCategoryFailures verifies one failing sweep neither
// propagates nor stops the remaining categories.
func TestRunNowIsolatesCategoryFailures(t *testing.T) {
	f := newFixture(t, 30*24*time.Hour, time.Hour)

	wallet := &models.Wallet{AttendantID: "a1", Balance: 0, IsPaid: true}
	if err := f.store.PutWallet(wallet); err != nil {
		t.Fatal(err)
	}
	f.markSynced(t, models.EntityWallet, wallet.LocalID)
	if _, err := f.queue.Enqueue(models.OpCreate, models.EntityBooking, "b1", nil); err != nil {
		t.Fatal(err)
	}

	// Break the booking sweep only.
	if _, err := f.db.Exec(`DROP TABLE bookings`); err != nil {
		t.Fatal(err)
	}

	f.advanceClock(31 * 24 * time.Hour)

	stats := f.manager.RunNow()
	if stats.Bookings != 0 {
		t.Errorf("Expected zero count for the failed category, got %d", stats.Bookings)
	}
	if stats.Wallets != 1 {
		t.Errorf("Expected wallet sweep to still run, got %d", stats.Wallets)
	}
	if stats.QueueEntries != 1 {
		t.Errorf("Expected queue prune to still run, got %d", stats.QueueEntries)
	}

	if _, err := f.store.GetWallet(wallet.LocalID); err != sql.ErrNoRows {
		t.Error("Expected settled wallet swept despite booking failure")
	}
	if n, _ := f.queue.Size(); n != 0 {
		t.Errorf("Expected queue pruned despite booking failure, %d left", n)
	}

	// The run is still recorded so the next check honors the interval.
	if _, ran := f.manager.CheckAndRun(); ran {
		t.Error("Expected check within the interval to skip after a partial sweep")
	}
}

// TestCheckAndRunHonorsInterval verifies the last-run gate persists.
func TestCheckAndRunHonorsInterval(t *testing.T) {
	f := newFixture(t, 30*24*time.Hour, 24*time.Hour)

	if _, ran := f.manager.CheckAndRun(); !ran {
		t.Fatal("Expected first check to sweep")
	}
	if _, ran := f.manager.CheckAndRun(); ran {
		t.Error("Expected second check within the interval to skip")
	}

	f.advanceClock(25 * time.Hour)
	if _, ran := f.manager.CheckAndRun(); !ran {
		t.Error("Expected sweep after the interval elapsed")
	}
}

// TestLoopSweepsPeriodically verifies the background loop keeps sweeping
// after the startup check.
func TestLoopSweepsPeriodically(t *testing.T) {
	f := newFixture(t, time.Hour, 10*time.Millisecond)

	// A fixed future offset: the startup sweep finds nothing, entries
	// created afterwards with real timestamps age past the window.
	f.manager.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	f.manager.Start(context.Background())
	defer f.manager.Stop()

	// Enqueue after the startup sweep so only a later tick can prune it.
	time.Sleep(50 * time.Millisecond)
	if _, err := f.queue.Enqueue(models.OpCreate, models.EntityBooking, "b1", nil); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := f.queue.Size(); n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Background loop never pruned the aged entry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
