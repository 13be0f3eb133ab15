package models

// BookingCategory is the kind of service a booking covers.
type BookingCategory string

const (
	CategoryVehicle BookingCategory = "vehicle"
	CategoryCarpet  BookingCategory = "carpet"
)

// Valid reports whether the category is one of the known values.
func (c BookingCategory) Valid() bool {
	return c == CategoryVehicle || c == CategoryCarpet
}

// Booking statuses. Bookings move pending -> in_progress -> completed, or
// to cancelled from either of the first two.
const (
	BookingStatusPending    = "pending"
	BookingStatusInProgress = "in_progress"
	BookingStatusCompleted  = "completed"
	BookingStatusCancelled  = "cancelled"
)

// Booking represents a service booking. Amounts are in currency minor units.
// The attendant is referenced by staff localId, never embedded.
type Booking struct {
	SyncMeta

	CustomerName  string          `json:"customer_name"`
	CustomerPhone string          `json:"customer_phone,omitempty"`
	VehicleReg    string          `json:"vehicle_reg,omitempty"`
	Amount        int64           `json:"amount"`
	Category      BookingCategory `json:"category"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	Status        string          `json:"status"`
	AttendantID   string          `json:"attendant_id,omitempty"`
	Note          string          `json:"note,omitempty"`
}

// TableName returns the table name for Booking.
func (Booking) TableName() string {
	return "bookings"
}
