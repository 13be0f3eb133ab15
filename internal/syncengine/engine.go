// Package syncengine drains the operation queue against the remote
// authority whenever connectivity allows, reconciling local records with
// server-assigned identities.
package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/washpoint/backend/internal/db"
	apperrors "github.com/washpoint/backend/internal/errors"
	"github.com/washpoint/backend/internal/logging"
	"github.com/washpoint/backend/internal/models"
	"github.com/washpoint/backend/internal/netmon"
	"github.com/washpoint/backend/internal/queue"
	"github.com/washpoint/backend/internal/remote"
)

// Authority is the remote endpoint queued operations are pushed to.
// Creates must be idempotent on the snapshot's local_id: a replayed create
// whose earlier attempt was accepted returns the already-assigned server id
// instead of minting a duplicate. The engine relies on this when a push
// succeeds but the local commit does not survive.
// Implemented by remote.Client; tests substitute fakes.
type Authority interface {
	Push(ctx context.Context, cred remote.Credential, op models.Op, entityType models.EntityType, serverID string, snapshot json.RawMessage) (string, error)
}

// Stats summarizes one sync pass.
type Stats struct {
	Succeeded int
	Failed    int
	Skipped   int // entries over the retry cap, left for manual sync
	Remaining int // entries still queued after the pass
}

// Options tunes the engine.
type Options struct {
	MaxRetries int           // attempts before an entry needs a manual sync
	Interval   time.Duration // coarse auto-sync timer while online
	Debounce   time.Duration // settle delay after an online flip
}

// Engine coordinates queue draining. One pass runs at a time; a SyncAll
// invoked during a pass is a no-op.
type Engine struct {
	store     *db.Store
	queue     *queue.Queue
	monitor   *netmon.Monitor
	authority Authority
	opts      Options

	mu         sync.Mutex
	syncing    bool
	nextSubID  int
	statusSubs map[int]func(bool)

	autoMu    sync.Mutex
	autoStop  chan struct{}
	autoUnsub func()
	wg        sync.WaitGroup
}

// NewEngine creates an Engine.
func NewEngine(store *db.Store, q *queue.Queue, monitor *netmon.Monitor, authority Authority, opts Options) *Engine {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 5
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 3 * time.Second
	}
	return &Engine{
		store:      store,
		queue:      q,
		monitor:    monitor,
		authority:  authority,
		opts:       opts,
		statusSubs: make(map[int]func(bool)),
	}
}

// Syncing reports whether a pass is in progress.
func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// OnStatusChange registers a callback fired when a pass starts (true) and
// finishes (false). Returns an unsubscribe function.
func (e *Engine) OnStatusChange(fn func(syncing bool)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSubID
	e.nextSubID++
	e.statusSubs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.statusSubs, id)
	}
}

// SyncAll drains the queue once, manually. Entries over the retry cap are
// included: a manual sync is the operator's way to retry them. Offline is
// a no-op, not a failure.
func (e *Engine) SyncAll(ctx context.Context, cred remote.Credential) (Stats, error) {
	return e.syncPass(ctx, cred, true)
}

// syncPass is the single drain implementation. includeCapped controls
// whether entries at or over MaxRetries are attempted.
func (e *Engine) syncPass(ctx context.Context, cred remote.Credential, includeCapped bool) (Stats, error) {
	var stats Stats

	if !e.monitor.IsOnline() {
		logging.Debug("Skipping sync - offline")
		return stats, nil
	}

	if !e.beginPass() {
		logging.Debug("Sync already in progress, skipping")
		return stats, nil
	}
	defer e.endPass()

	entries, err := e.queue.ListPending()
	if err != nil {
		return stats, apperrors.Wrap(apperrors.ErrSyncFailed, "failed to read queue", err)
	}

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			stats.Remaining = e.remaining()
			return stats, ctx.Err()
		default:
		}

		if !includeCapped && entry.RetryCount >= e.opts.MaxRetries {
			stats.Skipped++
			continue
		}

		if err := e.processEntry(ctx, cred, entry); err != nil {
			stats.Failed++
			e.recordEntryFailure(entry, err)
			// One bad record must not block the rest of the batch.
			continue
		}
		stats.Succeeded++
	}

	stats.Remaining = e.remaining()
	logging.Info("Sync pass completed", map[string]interface{}{
		"succeeded": stats.Succeeded,
		"failed":    stats.Failed,
		"skipped":   stats.Skipped,
		"remaining": stats.Remaining,
	})
	return stats, nil
}

// beginPass flips the syncing flag, returning false when a pass is
// already running. Emits the status event on success.
func (e *Engine) beginPass() bool {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return false
	}
	e.syncing = true
	fns := e.statusCallbacks()
	e.mu.Unlock()

	for _, fn := range fns {
		fn(true)
	}
	return true
}

func (e *Engine) endPass() {
	e.mu.Lock()
	e.syncing = false
	fns := e.statusCallbacks()
	e.mu.Unlock()

	for _, fn := range fns {
		fn(false)
	}
}

// statusCallbacks snapshots subscribers; caller must hold e.mu.
func (e *Engine) statusCallbacks() []func(bool) {
	fns := make([]func(bool), 0, len(e.statusSubs))
	for _, fn := range e.statusSubs {
		fns = append(fns, fn)
	}
	return fns
}

func (e *Engine) remaining() int {
	n, err := e.queue.Size()
	if err != nil {
		logging.Error("Failed to count remaining queue entries", err)
		return 0
	}
	return n
}

// processEntry pushes one queued operation and reconciles local state on
// success.
func (e *Engine) processEntry(ctx context.Context, cred remote.Credential, entry *models.QueueEntry) error {
	serverID, err := e.currentServerID(entry)
	if err != nil {
		return err
	}
	// An update or delete cannot land before the create that assigns the
	// server id. Queue order normally guarantees this; if the create has
	// not succeeded yet the entry stays queued for the next pass.
	if entry.Op != models.OpCreate && serverID == "" {
		return fmt.Errorf("server id not yet assigned for %s %s", entry.EntityType, entry.EntityID)
	}

	if entry.Op != models.OpDelete {
		if err := e.store.MarkSyncing(entry.EntityType, entry.EntityID); err != nil {
			logging.Warn("Failed to flag record as syncing", map[string]interface{}{
				"entity_id": entry.EntityID, "error": err.Error(),
			})
		}
	}

	assignedID, err := e.authority.Push(ctx, cred, entry.Op, entry.EntityType, serverID, entry.Data)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	return e.store.WithTx(func(tx *sql.Tx) error {
		if err := e.queue.RemoveTx(tx, entry.ID); err != nil {
			return err
		}
		if entry.Op == models.OpDelete {
			return nil
		}

		// The record is only confirmed once every queued mutation for it
		// has landed; until then it keeps its server id but stays pending
		// so unsynced counts never undercount across an interrupted batch.
		remaining, err := e.queue.CountForTx(tx, entry.EntityType, entry.EntityID)
		if err != nil {
			return err
		}
		if remaining > 0 {
			err = e.store.AssignServerID(tx, entry.EntityType, entry.EntityID, assignedID, now)
		} else {
			err = e.store.MarkSynced(tx, entry.EntityType, entry.EntityID, assignedID, now)
		}
		if err == sql.ErrNoRows {
			// Record deleted locally while its entry was in flight;
			// the delete entry queued after this one settles it.
			logging.Warn("Synced record no longer present locally", map[string]interface{}{
				"entity_type": string(entry.EntityType), "entity_id": entry.EntityID,
			})
			return nil
		}
		return err
	})
}

// recordEntryFailure persists the failure on the queue entry and mirrors
// it on the record so indicators can show it.
func (e *Engine) recordEntryFailure(entry *models.QueueEntry, failure error) {
	if err := e.queue.RecordFailure(entry.ID, failure); err != nil {
		logging.Error("Failed to record queue failure", err, map[string]interface{}{
			"entry_id": entry.ID,
		})
	}

	if entry.Op != models.OpDelete {
		now := time.Now().Unix()
		if err := e.store.MarkSyncError(entry.EntityType, entry.EntityID, failure.Error(), now); err != nil {
			logging.Error("Failed to record sync error on record", err, map[string]interface{}{
				"entity_id": entry.EntityID,
			})
		}
	}

	code := apperrors.ErrSyncFailed
	if remote.IsRejection(failure) {
		code = apperrors.ErrSyncRejected
	}
	logging.ErrorWithCode("Queue entry failed to sync", string(code), failure, map[string]interface{}{
		"entry_id":    entry.ID,
		"entity_type": string(entry.EntityType),
		"entity_id":   entry.EntityID,
		"retries":     entry.RetryCount + 1,
	})
}

// currentServerID resolves the server id for an entry, preferring the live
// record and falling back to the snapshot for deleted records.
func (e *Engine) currentServerID(entry *models.QueueEntry) (string, error) {
	var serverID string
	var err error

	switch entry.EntityType {
	case models.EntityBooking:
		var b *models.Booking
		if b, err = e.store.GetBooking(entry.EntityID); err == nil {
			serverID = b.ServerID
		}
	case models.EntityWallet:
		var w *models.Wallet
		if w, err = e.store.GetWallet(entry.EntityID); err == nil {
			serverID = w.ServerID
		}
	case models.EntityAttendant:
		var m *models.StaffMember
		if m, err = e.store.GetStaff(entry.EntityID); err == nil {
			serverID = m.ServerID
		}
	default:
		return "", fmt.Errorf("unknown entity type: %s", entry.EntityType)
	}

	if errors.Is(err, sql.ErrNoRows) {
		// Deleted locally: the enqueue-time snapshot carries the id.
		var snap struct {
			ServerID string `json:"server_id"`
		}
		if len(entry.Data) > 0 {
			if jsonErr := json.Unmarshal(entry.Data, &snap); jsonErr != nil {
				return "", fmt.Errorf("unreadable snapshot for %s: %w", entry.ID, jsonErr)
			}
		}
		return snap.ServerID, nil
	}
	if err != nil {
		return "", err
	}
	return serverID, nil
}
