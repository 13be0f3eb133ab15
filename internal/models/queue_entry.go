package models

import "encoding/json"

// Op is a queued mutation kind.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether the op is one of the known values.
func (o Op) Valid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// EntityType names the record kind a queue entry refers to.
type EntityType string

const (
	EntityBooking   EntityType = "booking"
	EntityWallet    EntityType = "wallet"
	EntityAttendant EntityType = "attendant"
)

// Valid reports whether the entity type is one of the known values.
func (e EntityType) Valid() bool {
	return e == EntityBooking || e == EntityWallet || e == EntityAttendant
}

// QueueEntry is a pending mutation awaiting remote confirmation. Data holds
// the entity snapshot taken at enqueue time. Entries are processed in
// CreatedAt order so an update never lands before the create it depends on.
type QueueEntry struct {
	ID          string          `db:"id" json:"id"`
	Op          Op              `db:"op" json:"op"`
	EntityType  EntityType      `db:"entity_type" json:"entity_type"`
	EntityID    string          `db:"entity_id" json:"entity_id"`
	Data        json.RawMessage `db:"data" json:"data"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	CreatedAt   int64           `db:"created_at" json:"created_at"`
	LastAttempt int64           `db:"last_attempt" json:"last_attempt,omitempty"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for QueueEntry.
func (QueueEntry) TableName() string {
	return "sync_queue"
}
