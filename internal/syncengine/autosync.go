package syncengine

import (
	"context"
	"time"

	"github.com/washpoint/backend/internal/logging"
	"github.com/washpoint/backend/internal/remote"
)

// CredentialFunc supplies the bearer credential at the moment a pass runs,
// so token refreshes in the embedding app are picked up automatically.
type CredentialFunc func() remote.Credential

// SetupAutoSync starts background syncing: a debounced pass whenever the
// monitor flips online, plus a coarse interval ticker that catches entries
// queued while already online. Entries over the retry cap are skipped;
// those wait for a manual SyncAll. Calling again restarts with the new
// credential source.
func (e *Engine) SetupAutoSync(credFn CredentialFunc) {
	e.autoMu.Lock()
	defer e.autoMu.Unlock()
	e.stopAutoLocked()

	stop := make(chan struct{})
	e.autoStop = stop

	// Buffered so the subscriber callback never blocks the monitor's
	// event dispatch.
	wake := make(chan struct{}, 1)
	e.autoUnsub = e.monitor.OnOnlineChange(func(online bool) {
		if !online {
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	})

	e.wg.Add(1)
	go e.autoLoop(stop, wake, credFn)

	logging.Info("Auto-sync enabled", map[string]interface{}{
		"interval_seconds": int(e.opts.Interval.Seconds()),
		"debounce_seconds": e.opts.Debounce.Seconds(),
	})
}

// StopAutoSync stops background syncing and waits for an in-flight pass
// started by the loop to finish.
func (e *Engine) StopAutoSync() {
	e.autoMu.Lock()
	e.stopAutoLocked()
	e.autoMu.Unlock()
	e.wg.Wait()
}

// stopAutoLocked releases the subscription and signals the loop. Caller
// holds e.autoMu.
func (e *Engine) stopAutoLocked() {
	if e.autoStop == nil {
		return
	}
	e.autoUnsub()
	e.autoUnsub = nil
	close(e.autoStop)
	e.autoStop = nil
}

// autoLoop runs passes on online flips (after the debounce settles) and on
// the interval ticker.
func (e *Engine) autoLoop(stop <-chan struct{}, wake <-chan struct{}, credFn CredentialFunc) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	// Connectivity right after a flip is often flapping; let it settle
	// before burning a retry on every queued entry.
	debounce := time.NewTimer(e.opts.Debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	armed := false

	for {
		select {
		case <-stop:
			return

		case <-wake:
			if armed && !debounce.Stop() {
				<-debounce.C
			}
			debounce.Reset(e.opts.Debounce)
			armed = true

		case <-debounce.C:
			armed = false
			e.runAutoPass(credFn)

		case <-ticker.C:
			e.runAutoPass(credFn)
		}
	}
}

func (e *Engine) runAutoPass(credFn CredentialFunc) {
	stats, err := e.syncPass(context.Background(), credFn(), false)
	if err != nil {
		logging.Error("Auto-sync pass failed", err)
		return
	}
	if stats.Skipped > 0 {
		logging.Warn("Entries over the retry cap await manual sync", map[string]interface{}{
			"skipped": stats.Skipped,
		})
	}
}
