// Package retention caps local storage growth by deleting aged records
// that the remote authority has already confirmed. Unsynced data is never
// deleted, no matter how old.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/washpoint/backend/internal/db"
	"github.com/washpoint/backend/internal/logging"
	"github.com/washpoint/backend/internal/queue"
)

// lastRunKey is the app_meta key holding the unix time of the last sweep.
const lastRunKey = "retention_last_run"

// Stats reports what one sweep removed.
type Stats struct {
	Bookings     int64
	Wallets      int64
	QueueEntries int64
}

// Manager runs periodic retention sweeps.
type Manager struct {
	store         *db.Store
	queue         *queue.Queue
	retainFor     time.Duration
	checkInterval time.Duration
	now           func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a Manager. retainFor is how long confirmed records are
// kept; checkInterval is the minimum gap between automatic sweeps.
func NewManager(store *db.Store, q *queue.Queue, retainFor, checkInterval time.Duration) *Manager {
	if retainFor <= 0 {
		retainFor = 30 * 24 * time.Hour
	}
	if checkInterval <= 0 {
		checkInterval = 24 * time.Hour
	}
	return &Manager{
		store:         store,
		queue:         q,
		retainFor:     retainFor,
		checkInterval: checkInterval,
		now:           time.Now,
	}
}

// Start begins the background sweep loop: one check immediately, then one
// per check interval until Stop or context cancellation. The interval gate
// in CheckAndRun makes the repeated calls cheap.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	m.CheckAndRun()

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CheckAndRun()
		}
	}
}

// CheckAndRun sweeps only if the last sweep is older than the check
// interval. An unreadable last-run timestamp does not block the sweep.
func (m *Manager) CheckAndRun() (Stats, bool) {
	last, err := m.store.GetMeta(lastRunKey)
	if err != nil {
		logging.Error("Failed to read last retention run, sweeping anyway", err)
	} else if last != "" {
		var lastRun int64
		if _, err := fmt.Sscanf(last, "%d", &lastRun); err == nil {
			if m.now().Sub(time.Unix(lastRun, 0)) < m.checkInterval {
				return Stats{}, false
			}
		}
		// Unreadable timestamp: sweep and rewrite it.
	}

	return m.RunNow(), true
}

// RunNow sweeps unconditionally. Only synced bookings past the retention
// window, settled synced wallets, and aged queue entries are touched.
// Staff records are a directory, not a log; they are never swept.
//
// Each category is guarded independently: a failure in one is logged and
// leaves that category's count at zero, the others are still attempted,
// and nothing propagates to the caller.
func (m *Manager) RunNow() Stats {
	var stats Stats
	cutoff := m.now().Add(-m.retainFor).Unix()

	if n, err := m.store.DeleteSyncedBookingsBefore(cutoff); err != nil {
		logging.Error("Booking sweep failed", err)
	} else {
		stats.Bookings = n
	}

	if n, err := m.store.DeleteSettledWalletsBefore(cutoff); err != nil {
		logging.Error("Wallet sweep failed", err)
	} else {
		stats.Wallets = n
	}

	if n, err := m.queue.PruneBefore(cutoff); err != nil {
		logging.Error("Queue prune failed", err)
	} else {
		stats.QueueEntries = n
	}

	if err := m.store.SetMeta(lastRunKey, fmt.Sprintf("%d", m.now().Unix())); err != nil {
		logging.Error("Failed to record retention run", err)
	}

	logging.Info("Retention sweep completed", map[string]interface{}{
		"bookings":      stats.Bookings,
		"wallets":       stats.Wallets,
		"queue_entries": stats.QueueEntries,
	})
	return stats
}
