// Package syncengine tests for queue draining and auto-sync.
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/washpoint/backend/internal/db"
	"github.com/washpoint/backend/internal/models"
	"github.com/washpoint/backend/internal/netmon"
	"github.com/washpoint/backend/internal/queue"
	"github.com/washpoint/backend/internal/remote"
)

type pushRecord struct {
	Op       models.Op
	Entity   models.EntityType
	ServerID string
}

// fakeAuthority records pushes and fails on demand per entity id.
type fakeAuthority struct {
	mu      sync.Mutex
	pushes  []pushRecord
	failFor map[string]error
	onPush  func()
	nextID  int
}

func (f *fakeAuthority) Push(ctx context.Context, cred remote.Credential, op models.Op, entityType models.EntityType, serverID string, snapshot json.RawMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, pushRecord{Op: op, Entity: entityType, ServerID: serverID})
	if f.onPush != nil {
		f.onPush()
	}
	if err, ok := f.failFor[serverID]; ok && err != nil {
		return "", err
	}
	if op == models.OpCreate {
		f.nextID++
		return fmt.Sprintf("srv-%d", f.nextID), nil
	}
	return "", nil
}

func (f *fakeAuthority) recorded() []pushRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pushRecord, len(f.pushes))
	copy(out, f.pushes)
	return out
}

type fixture struct {
	store     *db.Store
	queue     *queue.Queue
	monitor   *netmon.Monitor
	authority *fakeAuthority
	engine    *Engine
}

func newFixture(t *testing.T, opts Options) *fixture {
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
		store:     db.NewStore(database),
		queue:     queue.NewQueue(database),
		monitor:   netmon.NewMonitor(),
		authority: &fakeAuthority{failFor: make(map[string]error)},
	}
	f.engine = NewEngine(f.store, f.queue, f.monitor, f.authority, opts)
	return f
}

func (f *fixture) goOnline() {
	f.monitor.Update(netmon.State{
		Connected: true,
		Reachable: netmon.ReachabilityYes,
		Link:      netmon.LinkWifi,
	})
}

// addBooking stores a pending booking and queues its create, the way the
// facade does when offline.
func (f *fixture) addBooking(t *testing.T, name string) *models.Booking {
	t.Helper()
	b := &models.Booking{
		CustomerName: name,
		Amount:       1500,
		Category:     models.CategoryVehicle,
		Status:       models.BookingStatusPending,
	}
	if err := f.store.PutBooking(b); err != nil {
		t.Fatalf("PutBooking() failed: %v", err)
	}
	if _, err := f.queue.Enqueue(models.OpCreate, models.EntityBooking, b.LocalID, b); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	return b
}

// TestSyncAllOfflineIsNoOp verifies nothing is pushed while offline.
func TestSyncAllOfflineIsNoOp(t *testing.T) {
	f := newFixture(t, Options{})
	f.addBooking(t, "Jane")

	stats, err := f.engine.SyncAll(context.Background(), "tok")
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if stats.Succeeded != 0 || len(f.authority.recorded()) != 0 {
		t.Error("Expected no pushes while offline")
	}
	if n, _ := f.queue.Size(); n != 1 {
		t.Errorf("Expected entry retained, queue size %d", n)
	}
}

// TestSyncAllDrainsQueue verifies the full happy path: entries pushed in
// order, records marked synced with server-assigned ids, queue emptied.
func TestSyncAllDrainsQueue(t *testing.T) {
	f := newFixture(t, Options{})
	first := f.addBooking(t, "Jane")
	second := f.addBooking(t, "Ade")
	f.goOnline()

	stats, err := f.engine.SyncAll(context.Background(), "tok")
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if stats.Succeeded != 2 || stats.Failed != 0 {
		t.Fatalf("Expected 2 successes, got %+v", stats)
	}
	if stats.Remaining != 0 {
		t.Errorf("Expected empty queue, %d remaining", stats.Remaining)
	}

	pushes := f.authority.recorded()
	if len(pushes) != 2 || pushes[0].Op != models.OpCreate || pushes[1].Op != models.OpCreate {
		t.Fatalf("Unexpected pushes: %+v", pushes)
	}

	for _, b := range []*models.Booking{first, second} {
		got, err := f.store.GetBooking(b.LocalID)
		if err != nil {
			t.Fatalf("GetBooking() failed: %v", err)
		}
		if got.SyncState != models.SyncStateSynced {
			t.Errorf("Expected synced state, got %s", got.SyncState)
		}
		if got.ServerID == "" {
			t.Error("Expected server id assigned after create")
		}
	}
}

// TestSyncAllFailuresRetained verifies failed entries stay queued with
// their records flagged, and drain once the authority recovers.
func TestSyncAllFailuresRetained(t *testing.T) {
	f := newFixture(t, Options{})
	bad := f.addBooking(t, "Bad")
	good := f.addBooking(t, "Good")
	f.goOnline()

	// Creates carry no server id, so the empty key fails every create.
	f.authority.failFor[""] = fmt.Errorf("connection reset")

	stats, err := f.engine.SyncAll(context.Background(), "tok")
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if stats.Failed != 2 || stats.Succeeded != 0 {
		t.Fatalf("Expected both creates to fail on transport error, got %+v", stats)
	}

	entries, _ := f.queue.ListPending()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries retained, got %d", len(entries))
	}
	for _, e := range entries {
		if e.RetryCount != 1 {
			t.Errorf("Expected retry count 1, got %d", e.RetryCount)
		}
		if e.LastError == "" {
			t.Error("Expected failure message stored on entry")
		}
	}

	for _, b := range []*models.Booking{bad, good} {
		got, _ := f.store.GetBooking(b.LocalID)
		if got.SyncState != models.SyncStateError {
			t.Errorf("Expected error state on record, got %s", got.SyncState)
		}
		if got.SyncError == "" {
			t.Error("Expected sync error mirrored on record")
		}
	}

	// Authority recovers: the retained entries drain on the next pass.
	delete(f.authority.failFor, "")
	stats, err = f.engine.SyncAll(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Second SyncAll() failed: %v", err)
	}
	if stats.Succeeded != 2 || stats.Remaining != 0 {
		t.Fatalf("Expected recovery to drain queue, got %+v", stats)
	}
}

// TestRetryCountAccumulates verifies repeated failures reach the cap.
func TestRetryCountAccumulates(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 3})
	f.addBooking(t, "Jane")
	f.goOnline()
	f.authority.failFor[""] = fmt.Errorf("boom")

	for i := 0; i < 3; i++ {
		if _, err := f.engine.SyncAll(context.Background(), "tok"); err != nil {
			t.Fatalf("SyncAll() %d failed: %v", i, err)
		}
	}

	entries, _ := f.queue.ListPending()
	if len(entries) != 1 || entries[0].RetryCount != 3 {
		t.Fatalf("Expected retry count 3, got %+v", entries)
	}

	// Auto passes skip the capped entry; manual passes still attempt it.
	stats, _ := f.engine.syncPass(context.Background(), "tok", false)
	if stats.Skipped != 1 || stats.Failed != 0 {
		t.Errorf("Expected capped entry skipped on auto pass, got %+v", stats)
	}
	stats, _ = f.engine.SyncAll(context.Background(), "tok")
	if stats.Failed != 1 {
		t.Errorf("Expected manual pass to retry capped entry, got %+v", stats)
	}
}

// TestUpdateWaitsForServerID verifies an update queued for a record the
// remote has never seen fails the pass instead of pushing garbage.
func TestUpdateWaitsForServerID(t *testing.T) {
	f := newFixture(t, Options{})
	b := f.addBooking(t, "Jane")
	// Remove the create so only an orphaned update remains.
	entries, _ := f.queue.ListPending()
	f.queue.Remove(entries[0].ID)
	if _, err := f.queue.Enqueue(models.OpUpdate, models.EntityBooking, b.LocalID, b); err != nil {
		t.Fatal(err)
	}
	f.goOnline()

	stats, err := f.engine.SyncAll(context.Background(), "tok")
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("Expected update without server id to fail, got %+v", stats)
	}
	if len(f.authority.recorded()) != 0 {
		t.Error("Expected nothing pushed for an unidentifiable update")
	}
}

// TestDeleteUsesSnapshotServerID verifies a delete for a locally-removed
// record resolves its server id from the enqueue-time snapshot.
func TestDeleteUsesSnapshotServerID(t *testing.T) {
	f := newFixture(t, Options{})
	f.goOnline()

	snapshot := map[string]interface{}{"server_id": "srv-99"}
	if _, err := f.queue.Enqueue(models.OpDelete, models.EntityBooking, "gone-local", snapshot); err != nil {
		t.Fatal(err)
	}

	stats, err := f.engine.SyncAll(context.Background(), "tok")
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if stats.Succeeded != 1 {
		t.Fatalf("Expected delete to succeed, got %+v", stats)
	}

	pushes := f.authority.recorded()
	if len(pushes) != 1 || pushes[0].Op != models.OpDelete || pushes[0].ServerID != "srv-99" {
		t.Errorf("Expected delete pushed with snapshot server id, got %+v", pushes)
	}
	if n, _ := f.queue.Size(); n != 0 {
		t.Error("Expected delete entry removed after confirmation")
	}
}

// TestInterruptedBatchKeepsRecordPending verifies a record with several
// queued mutations stays pending after the first lands, so an interrupted
// batch never leaves a half-confirmed record reported as synced.
func TestInterruptedBatchKeepsRecordPending(t *testing.T) {
	f := newFixture(t, Options{})
	b := f.addBooking(t, "Jane")
	b.Note = "rescheduled"
	if err := f.store.PutBooking(b); err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.Enqueue(models.OpUpdate, models.EntityBooking, b.LocalID, b); err != nil {
		t.Fatal(err)
	}
	f.goOnline()

	// Cut the batch off after the create lands.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.authority.onPush = cancel

	stats, err := f.engine.SyncAll(ctx, "tok")
	if err != context.Canceled {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if stats.Succeeded != 1 || stats.Remaining != 1 {
		t.Fatalf("Expected create landed with update remaining, got %+v", stats)
	}

	got, err := f.store.GetBooking(b.LocalID)
	if err != nil {
		t.Fatalf("GetBooking() failed: %v", err)
	}
	if got.ServerID == "" {
		t.Error("Expected server id assigned by the landed create")
	}
	if got.SyncState != models.SyncStatePending {
		t.Errorf("Expected pending while the update is still queued, got %s", got.SyncState)
	}

	counts, err := f.store.UnsyncedCounts()
	if err != nil {
		t.Fatal(err)
	}
	if counts[models.EntityBooking] != 1 {
		t.Errorf("Expected 1 unsynced booking mid-batch, got %d", counts[models.EntityBooking])
	}

	// The next pass drains the update and only then confirms the record.
	f.authority.onPush = nil
	stats, err = f.engine.SyncAll(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Second SyncAll() failed: %v", err)
	}
	if stats.Succeeded != 1 || stats.Remaining != 0 {
		t.Fatalf("Expected update drained, got %+v", stats)
	}
	got, _ = f.store.GetBooking(b.LocalID)
	if got.SyncState != models.SyncStateSynced {
		t.Errorf("Expected synced after the batch completes, got %s", got.SyncState)
	}
}

// TestStatusEvents verifies subscribers see the pass start and finish.
func TestStatusEvents(t *testing.T) {
	f := newFixture(t, Options{})
	f.goOnline()

	var mu sync.Mutex
	var events []bool
	unsubscribe := f.engine.OnStatusChange(func(syncing bool) {
		mu.Lock()
		events = append(events, syncing)
		mu.Unlock()
	})
	defer unsubscribe()

	if _, err := f.engine.SyncAll(context.Background(), "tok"); err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || !events[0] || events[1] {
		t.Errorf("Expected [true false] status events, got %v", events)
	}
}

// TestAutoSyncRunsOnOnlineFlip verifies the debounced auto pass after the
// monitor comes online.
func TestAutoSyncRunsOnOnlineFlip(t *testing.T) {
	f := newFixture(t, Options{Debounce: 20 * time.Millisecond, Interval: time.Hour})
	f.addBooking(t, "Jane")

	f.engine.SetupAutoSync(func() remote.Credential { return "tok" })
	defer f.engine.StopAutoSync()

	f.goOnline()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := f.queue.Size(); n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Auto-sync never drained the queue after coming online")
		}
		time.Sleep(10 * time.Millisecond)
	}

	pushes := f.authority.recorded()
	if len(pushes) != 1 || pushes[0].Op != models.OpCreate {
		t.Errorf("Unexpected pushes: %+v", pushes)
	}
}
