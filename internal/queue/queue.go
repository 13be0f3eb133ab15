// Package queue provides the durable operation queue for offline mutations.
// Every local write that has not been confirmed by the remote authority has
// an entry here; entries survive process restarts.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/washpoint/backend/internal/db"
	"github.com/washpoint/backend/internal/models"
	"github.com/washpoint/backend/internal/uuid"
)

// execer is satisfied by both *sql.DB and *sql.Tx so enqueue can share a
// transaction with the entity write it belongs to.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Queue manages pending sync operations backed by the sync_queue table.
type Queue struct {
	db *db.DB
}

// NewQueue creates a new Queue on the shared database handle.
func NewQueue(database *db.DB) *Queue {
	return &Queue{db: database}
}

// Enqueue appends a mutation with a snapshot of the entity at enqueue time.
func (q *Queue) Enqueue(op models.Op, entityType models.EntityType, entityID string, snapshot interface{}) (*models.QueueEntry, error) {
	return q.EnqueueTx(q.db, op, entityType, entityID, snapshot)
}

// EnqueueTx is Enqueue running on a caller-supplied transaction, so the
// entity write and its queue entry commit or roll back as one unit.
func (q *Queue) EnqueueTx(e execer, op models.Op, entityType models.EntityType, entityID string, snapshot interface{}) (*models.QueueEntry, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("invalid operation: %s", op)
	}
	if !entityType.Valid() {
		return nil, fmt.Errorf("invalid entity type: %s", entityType)
	}
	if entityID == "" {
		return nil, fmt.Errorf("entity id required")
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	entry := &models.QueueEntry{
		ID:         uuid.New(),
		Op:         op,
		EntityType: entityType,
		EntityID:   entityID,
		Data:       data,
		CreatedAt:  time.Now().Unix(),
	}

	_, err = e.Exec(
		`INSERT INTO sync_queue (id, op, entity_type, entity_id, data, retry_count, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		entry.ID, entry.Op, entry.EntityType, entry.EntityID, string(entry.Data), entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue: %w", err)
	}
	return entry, nil
}

const entryColumns = `id, op, entity_type, entity_id, data, retry_count, created_at, last_attempt, last_error`

// ListPending returns all entries oldest first. The ordering is
// load-bearing: entries for the same entity must apply in creation order,
// so an update never lands before the create it depends on. Same-second
// entries fall back to insertion order via rowid.
func (q *Queue) ListPending() ([]*models.QueueEntry, error) {
	rows, err := q.db.Query(
		`SELECT ` + entryColumns + ` FROM sync_queue ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Get returns a single entry by id.
func (q *Queue) Get(id string) (*models.QueueEntry, error) {
	row := q.db.QueryRow(`SELECT `+entryColumns+` FROM sync_queue WHERE id = ?`, id)
	return scanEntry(row)
}

// Remove deletes an entry after its operation was confirmed remotely.
func (q *Queue) Remove(id string) error {
	return q.RemoveTx(q.db, id)
}

// RemoveTx is Remove running on a caller-supplied transaction.
func (q *Queue) RemoveTx(e execer, id string) error {
	result, err := e.Exec(`DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RemoveAllFor deletes every entry for one entity. Used when an entity
// resolves outside the normal queue drain, such as a locally-deleted record
// the remote never saw, to avoid a stale duplicate replay later.
func (q *Queue) RemoveAllFor(entityType models.EntityType, entityID string) (int64, error) {
	return q.RemoveAllForTx(q.db, entityType, entityID)
}

// RemoveAllForTx is RemoveAllFor running on a caller-supplied transaction.
func (q *Queue) RemoveAllForTx(e execer, entityType models.EntityType, entityID string) (int64, error) {
	result, err := e.Exec(
		`DELETE FROM sync_queue WHERE entity_type = ? AND entity_id = ?`, entityType, entityID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountForTx returns the number of entries still queued for one entity,
// on a caller-supplied transaction. The sync engine uses it to decide
// whether a record's generation is fully confirmed.
func (q *Queue) CountForTx(e execer, entityType models.EntityType, entityID string) (int, error) {
	var n int
	err := e.QueryRow(
		`SELECT COUNT(*) FROM sync_queue WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID).Scan(&n)
	return n, err
}

// RecordFailure increments the retry counter and stores the error, leaving
// the entry in place for the next sync pass.
func (q *Queue) RecordFailure(id string, failure error) error {
	msg := ""
	if failure != nil {
		msg = failure.Error()
	}
	result, err := q.db.Exec(
		`UPDATE sync_queue SET retry_count = retry_count + 1, last_attempt = ?, last_error = ? WHERE id = ?`,
		time.Now().Unix(), msg, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Size returns the number of pending entries.
func (q *Queue) Size() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM sync_queue`).Scan(&n)
	return n, err
}

// PruneBefore removes entries created before the cutoff regardless of
// state. Entries that old are assumed already resolved or permanently
// abandoned.
func (q *Queue) PruneBefore(cutoff int64) (int64, error) {
	result, err := q.db.Exec(`DELETE FROM sync_queue WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	var data string
	var lastAttempt sql.NullInt64
	var lastError sql.NullString

	err := row.Scan(&entry.ID, &entry.Op, &entry.EntityType, &entry.EntityID, &data,
		&entry.RetryCount, &entry.CreatedAt, &lastAttempt, &lastError)
	if err != nil {
		return nil, err
	}
	entry.Data = json.RawMessage(data)
	entry.LastAttempt = lastAttempt.Int64
	entry.LastError = lastError.String
	return &entry, nil
}
