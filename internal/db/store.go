// Package db provides the LocalStore: CRUD operations for WashPoint
// business records plus sync bookkeeping.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/washpoint/backend/internal/models"
	"github.com/washpoint/backend/internal/uuid"
)

// execer is satisfied by both *sql.DB and *sql.Tx so every write can run
// standalone or inside a caller-owned transaction.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Store provides LocalStore operations for all record kinds.
type Store struct {
	db *DB
}

// NewStore creates a new Store instance.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// WithTx runs fn inside a transaction. Rolls back on error or panic.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// tableFor maps an entity type onto its table name.
func tableFor(t models.EntityType) (string, error) {
	switch t {
	case models.EntityBooking:
		return models.Booking{}.TableName(), nil
	case models.EntityWallet:
		return models.Wallet{}.TableName(), nil
	case models.EntityAttendant:
		return models.StaffMember{}.TableName(), nil
	}
	return "", fmt.Errorf("unknown entity type: %s", t)
}

// stampMeta fills in identity and timestamps before a write.
func stampMeta(m *models.SyncMeta) {
	now := time.Now().Unix()
	if m.LocalID == "" {
		m.LocalID = uuid.New()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.SyncState == "" {
		m.SyncState = models.SyncStatePending
	}
	m.UpdatedAt = now
}

// =====================================================
// Booking Operations
// =====================================================

// PutBooking upserts a booking keyed by local id. Callers merge changed
// fields into the record before calling; there are no partial updates.
func (s *Store) PutBooking(b *models.Booking) error {
	return s.PutBookingTx(s.db, b)
}

// PutBookingTx is PutBooking running on a caller-supplied transaction.
func (s *Store) PutBookingTx(q execer, b *models.Booking) error {
	if !b.Category.Valid() {
		return fmt.Errorf("invalid booking category: %s", b.Category)
	}
	stampMeta(&b.SyncMeta)

	query := `
	INSERT INTO bookings (local_id, server_id, customer_name, customer_phone, vehicle_reg,
		amount, category, payment_method, status, attendant_id, note,
		sync_state, sync_error, last_sync_attempt, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		server_id = excluded.server_id,
		customer_name = excluded.customer_name,
		customer_phone = excluded.customer_phone,
		vehicle_reg = excluded.vehicle_reg,
		amount = excluded.amount,
		category = excluded.category,
		payment_method = excluded.payment_method,
		status = excluded.status,
		attendant_id = excluded.attendant_id,
		note = excluded.note,
		sync_state = excluded.sync_state,
		sync_error = excluded.sync_error,
		last_sync_attempt = excluded.last_sync_attempt,
		updated_at = excluded.updated_at
	`
	_, err := q.Exec(query, b.LocalID, nullStr(b.ServerID), b.CustomerName, nullStr(b.CustomerPhone),
		nullStr(b.VehicleReg), b.Amount, b.Category, nullStr(b.PaymentMethod), b.Status,
		nullStr(b.AttendantID), nullStr(b.Note), b.SyncState, nullStr(b.SyncError),
		nullInt(b.LastSyncAttempt), b.CreatedAt, b.UpdatedAt)
	return err
}

const bookingColumns = `local_id, server_id, customer_name, customer_phone, vehicle_reg,
	amount, category, payment_method, status, attendant_id, note,
	sync_state, sync_error, last_sync_attempt, created_at, updated_at`

// GetBooking retrieves a booking by local id.
func (s *Store) GetBooking(localID string) (*models.Booking, error) {
	row := s.db.QueryRow(`SELECT `+bookingColumns+` FROM bookings WHERE local_id = ?`, localID)
	return scanBooking(row)
}

// GetBookingByServerID retrieves a booking by its server-assigned id.
func (s *Store) GetBookingByServerID(serverID string) (*models.Booking, error) {
	row := s.db.QueryRow(`SELECT `+bookingColumns+` FROM bookings WHERE server_id = ?`, serverID)
	return scanBooking(row)
}

// QueryBookings returns bookings matching the filters, newest first.
func (s *Store) QueryBookings(filters []Filter, limit, offset int) ([]*models.Booking, error) {
	where, args, err := BuildWhere(filters)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + bookingColumns + ` FROM bookings` + where +
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookings []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// DeleteBooking removes a booking row.
func (s *Store) DeleteBooking(localID string) error {
	return s.DeleteBookingTx(s.db, localID)
}

// DeleteBookingTx is DeleteBooking running on a caller-supplied transaction.
func (s *Store) DeleteBookingTx(q execer, localID string) error {
	result, err := q.Exec(`DELETE FROM bookings WHERE local_id = ?`, localID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBooking(row scanner) (*models.Booking, error) {
	var b models.Booking
	var serverID, customerPhone, vehicleReg, paymentMethod, attendantID, note, syncErr sql.NullString
	var lastAttempt sql.NullInt64

	err := row.Scan(&b.LocalID, &serverID, &b.CustomerName, &customerPhone, &vehicleReg,
		&b.Amount, &b.Category, &paymentMethod, &b.Status, &attendantID, &note,
		&b.SyncState, &syncErr, &lastAttempt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.ServerID = serverID.String
	b.CustomerPhone = customerPhone.String
	b.VehicleReg = vehicleReg.String
	b.PaymentMethod = paymentMethod.String
	b.AttendantID = attendantID.String
	b.Note = note.String
	b.SyncError = syncErr.String
	b.LastSyncAttempt = lastAttempt.Int64
	return &b, nil
}

// =====================================================
// Wallet Operations
// =====================================================

// PutWallet upserts a wallet keyed by local id. The adjustment list is
// serialized to JSON only here, at the storage boundary.
func (s *Store) PutWallet(w *models.Wallet) error {
	return s.PutWalletTx(s.db, w)
}

// PutWalletTx is PutWallet running on a caller-supplied transaction.
func (s *Store) PutWalletTx(q execer, w *models.Wallet) error {
	if w.AttendantID == "" {
		return fmt.Errorf("wallet requires an attendant id")
	}
	stampMeta(&w.SyncMeta)

	adjustments, err := json.Marshal(w.Adjustments)
	if err != nil {
		return fmt.Errorf("failed to serialize adjustments: %w", err)
	}

	query := `
	INSERT INTO wallets (local_id, server_id, attendant_id, balance, total_earnings,
		total_commission, company_share, company_debt, is_paid, last_payment_at,
		adjustments, sync_state, sync_error, last_sync_attempt, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		server_id = excluded.server_id,
		attendant_id = excluded.attendant_id,
		balance = excluded.balance,
		total_earnings = excluded.total_earnings,
		total_commission = excluded.total_commission,
		company_share = excluded.company_share,
		company_debt = excluded.company_debt,
		is_paid = excluded.is_paid,
		last_payment_at = excluded.last_payment_at,
		adjustments = excluded.adjustments,
		sync_state = excluded.sync_state,
		sync_error = excluded.sync_error,
		last_sync_attempt = excluded.last_sync_attempt,
		updated_at = excluded.updated_at
	`
	_, err = q.Exec(query, w.LocalID, nullStr(w.ServerID), w.AttendantID, w.Balance,
		w.TotalEarnings, w.TotalCommission, w.CompanyShare, w.CompanyDebt,
		w.IsPaid, nullInt(w.LastPaymentAt), string(adjustments), w.SyncState,
		nullStr(w.SyncError), nullInt(w.LastSyncAttempt), w.CreatedAt, w.UpdatedAt)
	return err
}

const walletColumns = `local_id, server_id, attendant_id, balance, total_earnings,
	total_commission, company_share, company_debt, is_paid, last_payment_at,
	adjustments, sync_state, sync_error, last_sync_attempt, created_at, updated_at`

// GetWallet retrieves a wallet by local id.
func (s *Store) GetWallet(localID string) (*models.Wallet, error) {
	row := s.db.QueryRow(`SELECT `+walletColumns+` FROM wallets WHERE local_id = ?`, localID)
	return scanWallet(row)
}

// GetWalletByServerID retrieves a wallet by its server-assigned id.
func (s *Store) GetWalletByServerID(serverID string) (*models.Wallet, error) {
	row := s.db.QueryRow(`SELECT `+walletColumns+` FROM wallets WHERE server_id = ?`, serverID)
	return scanWallet(row)
}

// GetWalletByAttendant retrieves the wallet owned by a staff member.
func (s *Store) GetWalletByAttendant(attendantID string) (*models.Wallet, error) {
	row := s.db.QueryRow(`SELECT `+walletColumns+` FROM wallets WHERE attendant_id = ?`, attendantID)
	return scanWallet(row)
}

// ListWallets returns wallets, newest first.
func (s *Store) ListWallets(limit, offset int) ([]*models.Wallet, error) {
	rows, err := s.db.Query(`SELECT `+walletColumns+` FROM wallets ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []*models.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// DeleteWalletTx removes a wallet row.
func (s *Store) DeleteWalletTx(q execer, localID string) error {
	result, err := q.Exec(`DELETE FROM wallets WHERE local_id = ?`, localID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanWallet(row scanner) (*models.Wallet, error) {
	var w models.Wallet
	var serverID, syncErr sql.NullString
	var lastPayment, lastAttempt sql.NullInt64
	var adjustments string

	err := row.Scan(&w.LocalID, &serverID, &w.AttendantID, &w.Balance, &w.TotalEarnings,
		&w.TotalCommission, &w.CompanyShare, &w.CompanyDebt, &w.IsPaid, &lastPayment,
		&adjustments, &w.SyncState, &syncErr, &lastAttempt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.ServerID = serverID.String
	w.SyncError = syncErr.String
	w.LastPaymentAt = lastPayment.Int64
	w.LastSyncAttempt = lastAttempt.Int64

	if err := json.Unmarshal([]byte(adjustments), &w.Adjustments); err != nil {
		return nil, fmt.Errorf("failed to parse adjustments for wallet %s: %w", w.LocalID, err)
	}
	return &w, nil
}

// =====================================================
// Staff Operations
// =====================================================

// PutStaff upserts a staff member keyed by local id.
func (s *Store) PutStaff(m *models.StaffMember) error {
	return s.PutStaffTx(s.db, m)
}

// PutStaffTx is PutStaff running on a caller-supplied transaction.
func (s *Store) PutStaffTx(q execer, m *models.StaffMember) error {
	if m.Name == "" {
		return fmt.Errorf("staff member requires a name")
	}
	stampMeta(&m.SyncMeta)

	query := `
	INSERT INTO staff (local_id, server_id, name, phone, role, available, photo_ref,
		sync_state, sync_error, last_sync_attempt, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		server_id = excluded.server_id,
		name = excluded.name,
		phone = excluded.phone,
		role = excluded.role,
		available = excluded.available,
		photo_ref = excluded.photo_ref,
		sync_state = excluded.sync_state,
		sync_error = excluded.sync_error,
		last_sync_attempt = excluded.last_sync_attempt,
		updated_at = excluded.updated_at
	`
	_, err := q.Exec(query, m.LocalID, nullStr(m.ServerID), m.Name, nullStr(m.Phone),
		nullStr(m.Role), m.Available, nullStr(m.PhotoRef), m.SyncState,
		nullStr(m.SyncError), nullInt(m.LastSyncAttempt), m.CreatedAt, m.UpdatedAt)
	return err
}

const staffColumns = `local_id, server_id, name, phone, role, available, photo_ref,
	sync_state, sync_error, last_sync_attempt, created_at, updated_at`

// GetStaff retrieves a staff member by local id.
func (s *Store) GetStaff(localID string) (*models.StaffMember, error) {
	row := s.db.QueryRow(`SELECT `+staffColumns+` FROM staff WHERE local_id = ?`, localID)
	return scanStaff(row)
}

// GetStaffByServerID retrieves a staff member by server-assigned id.
func (s *Store) GetStaffByServerID(serverID string) (*models.StaffMember, error) {
	row := s.db.QueryRow(`SELECT `+staffColumns+` FROM staff WHERE server_id = ?`, serverID)
	return scanStaff(row)
}

// ListStaff returns staff members, newest first.
func (s *Store) ListStaff(limit, offset int) ([]*models.StaffMember, error) {
	rows, err := s.db.Query(`SELECT `+staffColumns+` FROM staff ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var staff []*models.StaffMember
	for rows.Next() {
		m, err := scanStaff(rows)
		if err != nil {
			return nil, err
		}
		staff = append(staff, m)
	}
	return staff, rows.Err()
}

// DeleteStaffTx removes a staff row.
func (s *Store) DeleteStaffTx(q execer, localID string) error {
	result, err := q.Exec(`DELETE FROM staff WHERE local_id = ?`, localID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanStaff(row scanner) (*models.StaffMember, error) {
	var m models.StaffMember
	var serverID, phone, role, photoRef, syncErr sql.NullString
	var lastAttempt sql.NullInt64

	err := row.Scan(&m.LocalID, &serverID, &m.Name, &phone, &role, &m.Available, &photoRef,
		&m.SyncState, &syncErr, &lastAttempt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.ServerID = serverID.String
	m.Phone = phone.String
	m.Role = role.String
	m.PhotoRef = photoRef.String
	m.SyncError = syncErr.String
	m.LastSyncAttempt = lastAttempt.Int64
	return &m, nil
}

// =====================================================
// Sync Bookkeeping
// =====================================================

// MarkSynced records a successful round-trip for a record: assigns the
// server id (create), sets the synced state, clears any prior error.
func (s *Store) MarkSynced(q execer, entityType models.EntityType, localID, serverID string, at int64) error {
	table, err := tableFor(entityType)
	if err != nil {
		return err
	}

	var result sql.Result
	if serverID != "" {
		result, err = q.Exec(
			`UPDATE `+table+` SET server_id = ?, sync_state = ?, sync_error = NULL, last_sync_attempt = ? WHERE local_id = ?`,
			serverID, models.SyncStateSynced, at, localID)
	} else {
		result, err = q.Exec(
			`UPDATE `+table+` SET sync_state = ?, sync_error = NULL, last_sync_attempt = ? WHERE local_id = ?`,
			models.SyncStateSynced, at, localID)
	}
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AssignServerID records the server identity for a record that still has
// later mutations queued. The record keeps its pending state so unsynced
// counts stay truthful until the whole generation is confirmed.
func (s *Store) AssignServerID(q execer, entityType models.EntityType, localID, serverID string, at int64) error {
	table, err := tableFor(entityType)
	if err != nil {
		return err
	}

	var result sql.Result
	if serverID != "" {
		result, err = q.Exec(
			`UPDATE `+table+` SET server_id = ?, sync_state = ?, sync_error = NULL, last_sync_attempt = ? WHERE local_id = ?`,
			serverID, models.SyncStatePending, at, localID)
	} else {
		result, err = q.Exec(
			`UPDATE `+table+` SET sync_state = ?, sync_error = NULL, last_sync_attempt = ? WHERE local_id = ?`,
			models.SyncStatePending, at, localID)
	}
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkSyncing flags a record while its queue entry is being pushed.
func (s *Store) MarkSyncing(entityType models.EntityType, localID string) error {
	table, err := tableFor(entityType)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`UPDATE `+table+` SET sync_state = ? WHERE local_id = ?`,
		models.SyncStateSyncing, localID)
	return err
}

// MarkSyncError records a failed sync attempt on the record itself. The
// record stays unsynced; the queue entry keeps the retry counter.
func (s *Store) MarkSyncError(entityType models.EntityType, localID, msg string, at int64) error {
	table, err := tableFor(entityType)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`UPDATE `+table+` SET sync_state = ?, sync_error = ?, last_sync_attempt = ? WHERE local_id = ?`,
		models.SyncStateError, msg, at, localID)
	return err
}

// UnsyncedCounts returns, per entity kind, the number of records not yet
// confirmed by the remote authority. Drives user-facing sync indicators.
func (s *Store) UnsyncedCounts() (map[models.EntityType]int, error) {
	counts := make(map[models.EntityType]int)
	for _, t := range []models.EntityType{models.EntityBooking, models.EntityWallet, models.EntityAttendant} {
		table, err := tableFor(t)
		if err != nil {
			return nil, err
		}
		var n int
		err = s.db.QueryRow(
			`SELECT COUNT(*) FROM `+table+` WHERE sync_state != ?`, models.SyncStateSynced).Scan(&n)
		if err != nil {
			return nil, err
		}
		counts[t] = n
	}
	return counts, nil
}

// =====================================================
// Retention Support
// =====================================================

// DeleteSyncedBookingsBefore removes bookings confirmed synced and created
// before the cutoff. Unsynced rows are never touched.
func (s *Store) DeleteSyncedBookingsBefore(cutoff int64) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM bookings WHERE sync_state = ? AND created_at < ?`,
		models.SyncStateSynced, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteSettledWalletsBefore removes wallets that are synced, settled
// (zero balance, paid out) and created before the cutoff. Active or
// unsettled wallets are never pruned.
func (s *Store) DeleteSettledWalletsBefore(cutoff int64) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM wallets WHERE sync_state = ? AND created_at < ? AND balance = 0 AND is_paid = 1`,
		models.SyncStateSynced, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// =====================================================
// App Metadata
// =====================================================

// GetMeta returns the value for a metadata key, or "" when absent.
func (s *Store) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM app_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetMeta upserts a metadata key.
func (s *Store) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO app_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// nullStr maps "" onto NULL for nullable text columns.
func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullInt maps 0 onto NULL for nullable timestamp columns.
func nullInt(n int64) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
