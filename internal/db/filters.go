// Package db provides query filter building for booking lookups.
package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/washpoint/backend/internal/models"
)

// Filter represents a single query filter condition.
type Filter interface {
	// SQL returns the SQL fragment for this filter
	SQL() string

	// Args returns the arguments for this filter
	Args() []interface{}

	// Valid checks if the filter is valid
	Valid() bool
}

// AttendantFilter narrows bookings to one staff member.
type AttendantFilter struct {
	AttendantID string
}

func (f *AttendantFilter) Valid() bool {
	return f.AttendantID != ""
}

func (f *AttendantFilter) SQL() string {
	return "attendant_id = ?"
}

func (f *AttendantFilter) Args() []interface{} {
	return []interface{}{f.AttendantID}
}

// CategoryFilter narrows bookings to one service category.
type CategoryFilter struct {
	Category models.BookingCategory
}

func (f *CategoryFilter) Valid() bool {
	return f.Category.Valid()
}

func (f *CategoryFilter) SQL() string {
	return "category = ?"
}

func (f *CategoryFilter) Args() []interface{} {
	return []interface{}{f.Category}
}

// StatusFilter narrows bookings by booking status.
type StatusFilter struct {
	Status string
}

func (f *StatusFilter) Valid() bool {
	switch f.Status {
	case models.BookingStatusPending, models.BookingStatusInProgress,
		models.BookingStatusCompleted, models.BookingStatusCancelled:
		return true
	}
	return false
}

func (f *StatusFilter) SQL() string {
	return "status = ?"
}

func (f *StatusFilter) Args() []interface{} {
	return []interface{}{f.Status}
}

// SyncStateFilter narrows records by sync state. Unsynced=true matches
// everything not yet confirmed by the remote.
type SyncStateFilter struct {
	State    models.SyncState
	Unsynced bool
}

func (f *SyncStateFilter) Valid() bool {
	return f.Unsynced || f.State.Valid()
}

func (f *SyncStateFilter) SQL() string {
	if f.Unsynced {
		return "sync_state != ?"
	}
	return "sync_state = ?"
}

func (f *SyncStateFilter) Args() []interface{} {
	if f.Unsynced {
		return []interface{}{models.SyncStateSynced}
	}
	return []interface{}{f.State}
}

// DateRangeFilter narrows records by creation time.
type DateRangeFilter struct {
	From int64 // Unix timestamp
	To   int64 // Unix timestamp
}

func (f *DateRangeFilter) Valid() bool {
	// At least one boundary should be set
	if f.From == 0 && f.To == 0 {
		return false
	}
	// From should be before To (if both are set)
	if f.From > 0 && f.To > 0 && f.From > f.To {
		return false
	}
	// To should not be in the future
	if f.To > 0 && f.To > time.Now().Unix()+86400 {
		return false // Allow 1 day of clock skew
	}
	return true
}

func (f *DateRangeFilter) SQL() string {
	var parts []string
	if f.From > 0 {
		parts = append(parts, "created_at >= ?")
	}
	if f.To > 0 {
		parts = append(parts, "created_at <= ?")
	}
	return strings.Join(parts, " AND ")
}

func (f *DateRangeFilter) Args() []interface{} {
	var args []interface{}
	if f.From > 0 {
		args = append(args, f.From)
	}
	if f.To > 0 {
		args = append(args, f.To)
	}
	return args
}

// BuildWhere assembles a WHERE clause from the filters. Returns an empty
// clause for no filters and an error for an invalid one.
func BuildWhere(filters []Filter) (string, []interface{}, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	var parts []string
	var args []interface{}
	for _, f := range filters {
		if !f.Valid() {
			return "", nil, fmt.Errorf("invalid query filter: %T", f)
		}
		parts = append(parts, f.SQL())
		args = append(args, f.Args()...)
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}
