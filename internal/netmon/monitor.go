// Package netmon tracks network connectivity and reachability. It is the
// single source of truth for "may I attempt sync now"; nothing else in the
// core probes the network.
package netmon

import (
	"sync"
	"time"

	apperrors "github.com/washpoint/backend/internal/errors"
	"github.com/washpoint/backend/internal/logging"
)

// Reachability is a tri-state: the platform can know it has a link without
// yet knowing whether the internet answers.
type Reachability int

const (
	ReachabilityUnknown Reachability = iota
	ReachabilityNo
	ReachabilityYes
)

// LinkType names the transport the device is connected through.
type LinkType string

const (
	LinkNone     LinkType = "none"
	LinkWifi     LinkType = "wifi"
	LinkCellular LinkType = "cellular"
	LinkEthernet LinkType = "ethernet"
	LinkUnknown  LinkType = "unknown"
)

// State is a connectivity snapshot.
type State struct {
	Connected bool
	Reachable Reachability
	Link      LinkType
}

// Online reports whether sync may be attempted: connected with confirmed
// internet reachability. Unknown reachability counts as offline.
func (s State) Online() bool {
	return s.Connected && s.Reachable == ReachabilityYes
}

// Monitor holds the current network state and notifies subscribers on
// transitions. State changes arrive via Update, fed by platform bindings
// or by a Prober.
type Monitor struct {
	mu         sync.RWMutex
	state      State
	nextSubID  int
	connSubs   map[int]func(State)
	reachSubs  map[int]func(State)
	onlineSubs map[int]func(bool)
}

// NewMonitor creates a Monitor that starts disconnected with unknown
// reachability.
func NewMonitor() *Monitor {
	return &Monitor{
		state:      State{Connected: false, Reachable: ReachabilityUnknown, Link: LinkNone},
		connSubs:   make(map[int]func(State)),
		reachSubs:  make(map[int]func(State)),
		onlineSubs: make(map[int]func(bool)),
	}
}

// State returns the current snapshot.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsOnline reports whether the device is connected and the internet is
// confirmed reachable.
func (m *Monitor) IsOnline() bool {
	return m.State().Online()
}

// Update applies a new snapshot and fires the relevant events. The online
// event only fires when the online boolean actually flips, coalescing
// connectivity and reachability noise. Callbacks run on the caller's
// goroutine and must not block; heavier work belongs on a new goroutine.
func (m *Monitor) Update(next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next

	connChanged := prev.Connected != next.Connected || prev.Link != next.Link
	reachChanged := prev.Reachable != next.Reachable
	onlineFlipped := prev.Online() != next.Online()

	var connFns, reachFns []func(State)
	var onlineFns []func(bool)
	if connChanged {
		for _, fn := range m.connSubs {
			connFns = append(connFns, fn)
		}
	}
	if reachChanged {
		for _, fn := range m.reachSubs {
			reachFns = append(reachFns, fn)
		}
	}
	if onlineFlipped {
		for _, fn := range m.onlineSubs {
			onlineFns = append(onlineFns, fn)
		}
	}
	m.mu.Unlock()

	if onlineFlipped {
		logging.Info("Online status changed", map[string]interface{}{
			"online": next.Online(),
			"link":   string(next.Link),
		})
	}

	// Deliver outside the lock so handlers can re-subscribe or query state.
	for _, fn := range connFns {
		fn(next)
	}
	for _, fn := range reachFns {
		fn(next)
	}
	for _, fn := range onlineFns {
		fn(next.Online())
	}
}

// OnConnectivityChange registers a callback for connectivity transitions
// (connected flag or link type). Returns an unsubscribe function.
func (m *Monitor) OnConnectivityChange(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.connSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.connSubs, id)
	}
}

// OnReachabilityChange registers a callback for reachability transitions.
// Returns an unsubscribe function.
func (m *Monitor) OnReachabilityChange(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.reachSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.reachSubs, id)
	}
}

// OnOnlineChange registers a callback fired only when the coalesced online
// boolean flips. Returns an unsubscribe function.
func (m *Monitor) OnOnlineChange(fn func(bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.onlineSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.onlineSubs, id)
	}
}

// WaitForOnline blocks until the device is online or the timeout elapses.
// Resolves immediately if already online. The subscription is always
// released on either outcome.
func (m *Monitor) WaitForOnline(timeout time.Duration) error {
	if m.IsOnline() {
		return nil
	}

	ch := make(chan struct{}, 1)
	unsubscribe := m.OnOnlineChange(func(online bool) {
		if online {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	// The flip may have happened between the check and the subscribe.
	if m.IsOnline() {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		return apperrors.New(apperrors.ErrNetworkTimeout, "timed out waiting for connectivity")
	}
}
