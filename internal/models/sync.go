// Package models provides data model definitions for WashPoint Core.
package models

// SyncState is the authoritative sync state of a locally persisted record.
// There is deliberately no separate "synced" boolean; the state alone decides.
type SyncState string

const (
	SyncStatePending SyncState = "pending"
	SyncStateSyncing SyncState = "syncing"
	SyncStateSynced  SyncState = "synced"
	SyncStateError   SyncState = "error"
)

// Valid reports whether the state is one of the known values.
func (s SyncState) Valid() bool {
	switch s {
	case SyncStatePending, SyncStateSyncing, SyncStateSynced, SyncStateError:
		return true
	}
	return false
}

// SyncMeta holds the sync bookkeeping fields shared by every persisted entity.
type SyncMeta struct {
	LocalID         string    `json:"local_id"`
	ServerID        string    `json:"server_id,omitempty"`
	CreatedAt       int64     `json:"created_at"`
	UpdatedAt       int64     `json:"updated_at"`
	SyncState       SyncState `json:"sync_state"`
	SyncError       string    `json:"sync_error,omitempty"`
	LastSyncAttempt int64     `json:"last_sync_attempt,omitempty"`
}

// Synced reports whether the record has been confirmed by the remote
// authority for its current generation.
func (m *SyncMeta) Synced() bool {
	return m.SyncState == SyncStateSynced
}

// MarkPending resets the record to pending after a local mutation.
// A mutation on an already-synced record re-enters the sync cycle.
func (m *SyncMeta) MarkPending() {
	m.SyncState = SyncStatePending
	m.SyncError = ""
}

// MarkSynced records a successful round-trip. serverID is kept from the
// previous generation when the remote did not issue a new one.
func (m *SyncMeta) MarkSynced(serverID string, at int64) {
	if serverID != "" {
		m.ServerID = serverID
	}
	m.SyncState = SyncStateSynced
	m.SyncError = ""
	m.LastSyncAttempt = at
}

// MarkError records a failed sync attempt without losing the record.
func (m *SyncMeta) MarkError(msg string, at int64) {
	m.SyncState = SyncStateError
	m.SyncError = msg
	m.LastSyncAttempt = at
}
