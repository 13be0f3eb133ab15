// Package app assembles the WashPoint core: local store, operation queue,
// network monitor, sync engine and retention manager behind one facade.
// The embedding app talks to Core and nothing below it.
package app

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/washpoint/backend/internal/config"
	"github.com/washpoint/backend/internal/db"
	apperrors "github.com/washpoint/backend/internal/errors"
	"github.com/washpoint/backend/internal/logging"
	"github.com/washpoint/backend/internal/models"
	"github.com/washpoint/backend/internal/netmon"
	"github.com/washpoint/backend/internal/queue"
	"github.com/washpoint/backend/internal/remote"
	"github.com/washpoint/backend/internal/retention"
	"github.com/washpoint/backend/internal/syncengine"
	"github.com/washpoint/backend/internal/uuid"
)

// Core is the single entry point for the embedding application. Construct
// it once in main and pass it down; components never reach for globals.
type Core struct {
	cfg       *config.Config
	db        *db.DB
	store     *db.Store
	queue     *queue.Queue
	monitor   *netmon.Monitor
	prober    *netmon.Prober
	engine    *syncengine.Engine
	retention *retention.Manager

	credMu sync.RWMutex
	cred   remote.Credential

	closeOnce sync.Once
}

// New builds a Core from configuration. The database is opened, migrated
// and ready when New returns.
func New(cfg *config.Config) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid configuration", err)
	}

	database, err := db.NewInitializer(cfg.DataDir).DB()
	if err != nil {
		return nil, err
	}

	store := db.NewStore(database)
	q := queue.NewQueue(database)
	monitor := netmon.NewMonitor()

	c := &Core{
		cfg:     cfg,
		db:      database,
		store:   store,
		queue:   q,
		monitor: monitor,
		engine: syncengine.NewEngine(store, q, monitor,
			remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Timeout),
			syncengine.Options{
				MaxRetries: cfg.Sync.MaxRetries,
				Interval:   cfg.Sync.Interval,
				Debounce:   cfg.Sync.AutoSyncDebounce,
			}),
		retention: retention.NewManager(store, q,
			time.Duration(cfg.Retention.Days)*24*time.Hour,
			cfg.Retention.CheckInterval),
	}

	if cfg.Network.ProbeURL != "" {
		c.prober = netmon.NewProber(monitor, cfg.Network.ProbeURL, cfg.Network.ProbeInterval)
	}

	return c, nil
}

// SetCredential installs the bearer credential used for sync. The embedding
// app calls this after login and on token refresh.
func (c *Core) SetCredential(cred remote.Credential) {
	c.credMu.Lock()
	c.cred = cred
	c.credMu.Unlock()
}

func (c *Core) credential() remote.Credential {
	c.credMu.RLock()
	defer c.credMu.RUnlock()
	return c.cred
}

// Start brings up the background machinery: the reachability prober when
// configured, auto-sync when enabled, and the periodic retention loop.
func (c *Core) Start(ctx context.Context) {
	if c.prober != nil {
		c.prober.Start(ctx)
	}
	if c.cfg.Sync.AutoSync {
		c.engine.SetupAutoSync(c.credential)
	}
	c.retention.Start(ctx)
}

// Close stops background work and closes the database.
func (c *Core) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.engine.StopAutoSync()
		if c.prober != nil {
			c.prober.Stop()
		}
		c.retention.Stop()
		err = c.db.Close()
	})
	return err
}

// Monitor exposes the network monitor so platform bindings can feed
// connectivity changes via Update.
func (c *Core) Monitor() *netmon.Monitor {
	return c.monitor
}

// =====================================================
// Bookings
// =====================================================

func validateBooking(b *models.Booking) error {
	if b.CustomerName == "" {
		return apperrors.New(apperrors.ErrValidation, "customer name is required")
	}
	if !b.Category.Valid() {
		return apperrors.New(apperrors.ErrValidation, "unknown booking category: "+string(b.Category))
	}
	if b.Amount < 0 {
		return apperrors.New(apperrors.ErrValidation, "booking amount must not be negative")
	}
	return nil
}

// CreateBooking persists a new booking and queues its create in one
// transaction. The booking comes back with its local id and timestamps set.
func (c *Core) CreateBooking(b *models.Booking) error {
	if err := validateBooking(b); err != nil {
		return err
	}
	if b.Status == "" {
		b.Status = models.BookingStatusPending
	}
	b.MarkPending()

	err := c.store.WithTx(func(tx *sql.Tx) error {
		if err := c.store.PutBookingTx(tx, b); err != nil {
			return err
		}
		_, err := c.queue.EnqueueTx(tx, models.OpCreate, models.EntityBooking, b.LocalID, b)
		return err
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to create booking", err)
	}

	logging.Info("Booking created", map[string]interface{}{
		"local_id": b.LocalID, "category": string(b.Category), "amount": b.Amount,
	})
	return nil
}

// UpdateBooking persists a modified booking and queues its update. The
// caller merges changed fields into a record previously loaded from the
// store; there are no partial updates.
func (c *Core) UpdateBooking(b *models.Booking) error {
	if b.LocalID == "" {
		return apperrors.New(apperrors.ErrValidation, "booking local id is required")
	}
	if err := validateBooking(b); err != nil {
		return err
	}
	b.MarkPending()

	err := c.store.WithTx(func(tx *sql.Tx) error {
		if err := c.store.PutBookingTx(tx, b); err != nil {
			return err
		}
		_, err := c.queue.EnqueueTx(tx, models.OpUpdate, models.EntityBooking, b.LocalID, b)
		return err
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update booking", err)
	}
	return nil
}

// DeleteBooking removes a booking locally and queues the remote delete.
// When the remote has never seen the record, every pending entry for it is
// dropped instead and no delete is queued.
func (c *Core) DeleteBooking(localID string) error {
	b, err := c.store.GetBooking(localID)
	if err == sql.ErrNoRows {
		return apperrors.New(apperrors.ErrNotFound, "booking not found: "+localID)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to load booking", err)
	}

	return c.deleteEntity(models.EntityBooking, localID, b.ServerID, b, func(tx *sql.Tx) error {
		return c.store.DeleteBookingTx(tx, localID)
	})
}

// Booking returns one booking by local id.
func (c *Core) Booking(localID string) (*models.Booking, error) {
	b, err := c.store.GetBooking(localID)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "booking not found: "+localID)
	}
	return b, err
}

// Bookings returns bookings matching the filters, newest first.
func (c *Core) Bookings(filters []db.Filter, limit, offset int) ([]*models.Booking, error) {
	return c.store.QueryBookings(filters, limit, offset)
}

// SettleBooking marks a booking completed and credits the attendant's
// wallet with its commission cut in the same transaction. Both mutations
// are queued together; either everything commits or nothing does.
func (c *Core) SettleBooking(localID string) error {
	b, err := c.store.GetBooking(localID)
	if err == sql.ErrNoRows {
		return apperrors.New(apperrors.ErrNotFound, "booking not found: "+localID)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to load booking", err)
	}
	if b.Status == models.BookingStatusCompleted {
		return apperrors.New(apperrors.ErrConstraint, "booking already settled: "+localID)
	}
	if b.AttendantID == "" {
		return apperrors.New(apperrors.ErrValidation, "booking has no attendant to settle to")
	}

	wallet, isNew, err := c.walletFor(b.AttendantID)
	if err != nil {
		return err
	}

	commission := b.Amount * int64(c.cfg.Sync.CommissionPct) / 100
	wallet.ApplySettlement(b.Amount, commission)
	wallet.MarkPending()

	b.Status = models.BookingStatusCompleted
	b.MarkPending()

	walletOp := models.OpUpdate
	if isNew {
		walletOp = models.OpCreate
	}

	err = c.store.WithTx(func(tx *sql.Tx) error {
		if err := c.store.PutBookingTx(tx, b); err != nil {
			return err
		}
		if _, err := c.queue.EnqueueTx(tx, models.OpUpdate, models.EntityBooking, b.LocalID, b); err != nil {
			return err
		}
		if err := c.store.PutWalletTx(tx, wallet); err != nil {
			return err
		}
		_, err := c.queue.EnqueueTx(tx, walletOp, models.EntityWallet, wallet.LocalID, wallet)
		return err
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to settle booking", err)
	}

	logging.Info("Booking settled", map[string]interface{}{
		"local_id":   b.LocalID,
		"attendant":  b.AttendantID,
		"amount":     b.Amount,
		"commission": commission,
	})
	return nil
}

// =====================================================
// Wallets
// =====================================================

// walletFor loads the attendant's wallet, creating a fresh in-memory one
// when none exists yet. isNew tells the caller which queue op to use.
func (c *Core) walletFor(attendantID string) (*models.Wallet, bool, error) {
	w, err := c.store.GetWalletByAttendant(attendantID)
	if err == nil {
		return w, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, apperrors.Wrap(apperrors.ErrDatabase, "failed to load wallet", err)
	}
	return &models.Wallet{AttendantID: attendantID}, true, nil
}

// AdjustWallet applies a tip or deduction to the attendant's wallet,
// creating the wallet row on first use. The adjustment is appended to the
// history and the balance moved by the signed amount, atomically with the
// queue entry.
func (c *Core) AdjustWallet(attendantID string, amount int64, adjType models.AdjustmentType, reason, actor string) (*models.Wallet, error) {
	if attendantID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "attendant id is required")
	}
	if !adjType.Valid() {
		return nil, apperrors.New(apperrors.ErrValidation, "unknown adjustment type: "+string(adjType))
	}
	if amount <= 0 {
		return nil, apperrors.New(apperrors.ErrValidation, "adjustment amount must be positive")
	}

	wallet, isNew, err := c.walletFor(attendantID)
	if err != nil {
		return nil, err
	}

	wallet.ApplyAdjustment(models.Adjustment{
		ID:        uuid.New(),
		Type:      adjType,
		Amount:    amount,
		Reason:    reason,
		Actor:     actor,
		CreatedAt: time.Now().Unix(),
	})
	wallet.MarkPending()

	op := models.OpUpdate
	if isNew {
		op = models.OpCreate
	}

	err = c.store.WithTx(func(tx *sql.Tx) error {
		if err := c.store.PutWalletTx(tx, wallet); err != nil {
			return err
		}
		_, err := c.queue.EnqueueTx(tx, op, models.EntityWallet, wallet.LocalID, wallet)
		return err
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to adjust wallet", err)
	}

	logging.Info("Wallet adjusted", map[string]interface{}{
		"attendant": attendantID,
		"type":      string(adjType),
		"amount":    amount,
		"balance":   wallet.Balance,
	})
	return wallet, nil
}

// Wallet returns the attendant's wallet.
func (c *Core) Wallet(attendantID string) (*models.Wallet, error) {
	w, err := c.store.GetWalletByAttendant(attendantID)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "no wallet for attendant: "+attendantID)
	}
	return w, err
}

// Wallets lists wallets.
func (c *Core) Wallets(limit, offset int) ([]*models.Wallet, error) {
	return c.store.ListWallets(limit, offset)
}

// RebuildWalletBalance recomputes the wallet balance from its settlement
// totals and adjustment history, replacing the stored running total. An
// explicit maintenance operation; it is never run implicitly.
func (c *Core) RebuildWalletBalance(attendantID string) (*models.Wallet, error) {
	wallet, err := c.Wallet(attendantID)
	if err != nil {
		return nil, err
	}

	before := wallet.Balance
	after := wallet.RebuildBalance()
	if after == before {
		return wallet, nil
	}
	wallet.MarkPending()

	err = c.store.WithTx(func(tx *sql.Tx) error {
		if err := c.store.PutWalletTx(tx, wallet); err != nil {
			return err
		}
		_, err := c.queue.EnqueueTx(tx, models.OpUpdate, models.EntityWallet, wallet.LocalID, wallet)
		return err
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to store rebuilt balance", err)
	}

	logging.Warn("Wallet balance rebuilt", map[string]interface{}{
		"attendant": attendantID,
		"before":    before,
		"after":     after,
	})
	return wallet, nil
}

// =====================================================
// Staff
// =====================================================

// CreateStaff persists a new staff member and queues the create.
func (c *Core) CreateStaff(m *models.StaffMember) error {
	if m.Name == "" {
		return apperrors.New(apperrors.ErrValidation, "staff name is required")
	}
	m.MarkPending()

	err := c.store.WithTx(func(tx *sql.Tx) error {
		if err := c.store.PutStaffTx(tx, m); err != nil {
			return err
		}
		_, err := c.queue.EnqueueTx(tx, models.OpCreate, models.EntityAttendant, m.LocalID, m)
		return err
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to create staff member", err)
	}
	return nil
}

// UpdateStaff persists a modified staff member and queues the update.
func (c *Core) UpdateStaff(m *models.StaffMember) error {
	if m.LocalID == "" {
		return apperrors.New(apperrors.ErrValidation, "staff local id is required")
	}
	if m.Name == "" {
		return apperrors.New(apperrors.ErrValidation, "staff name is required")
	}
	m.MarkPending()

	err := c.store.WithTx(func(tx *sql.Tx) error {
		if err := c.store.PutStaffTx(tx, m); err != nil {
			return err
		}
		_, err := c.queue.EnqueueTx(tx, models.OpUpdate, models.EntityAttendant, m.LocalID, m)
		return err
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update staff member", err)
	}
	return nil
}

// DeleteStaff removes a staff member locally and queues the remote delete.
func (c *Core) DeleteStaff(localID string) error {
	m, err := c.store.GetStaff(localID)
	if err == sql.ErrNoRows {
		return apperrors.New(apperrors.ErrNotFound, "staff member not found: "+localID)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to load staff member", err)
	}

	return c.deleteEntity(models.EntityAttendant, localID, m.ServerID, m, func(tx *sql.Tx) error {
		return c.store.DeleteStaffTx(tx, localID)
	})
}

// Staff returns one staff member by local id.
func (c *Core) Staff(localID string) (*models.StaffMember, error) {
	m, err := c.store.GetStaff(localID)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "staff member not found: "+localID)
	}
	return m, err
}

// StaffList lists staff members.
func (c *Core) StaffList(limit, offset int) ([]*models.StaffMember, error) {
	return c.store.ListStaff(limit, offset)
}

// =====================================================
// Shared delete path
// =====================================================

// deleteEntity removes the row and reconciles the queue in one transaction.
// A record the remote never saw needs no delete entry; its pending entries
// are dropped so they never replay. A known record drops its pending
// entries too and queues one delete whose snapshot carries the server id.
func (c *Core) deleteEntity(entityType models.EntityType, localID, serverID string, snapshot interface{}, deleteRow func(tx *sql.Tx) error) error {
	err := c.store.WithTx(func(tx *sql.Tx) error {
		if _, err := c.queue.RemoveAllForTx(tx, entityType, localID); err != nil {
			return err
		}
		if err := deleteRow(tx); err != nil {
			return err
		}
		if serverID == "" {
			return nil
		}
		_, err := c.queue.EnqueueTx(tx, models.OpDelete, entityType, localID, snapshot)
		return err
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete "+string(entityType), err)
	}

	logging.Info("Record deleted", map[string]interface{}{
		"entity_type": string(entityType),
		"local_id":    localID,
		"queued":      serverID != "",
	})
	return nil
}

// =====================================================
// Sync surface
// =====================================================

// GetUnsyncedCount returns, per entity kind, the number of records not yet
// confirmed by the remote authority.
func (c *Core) GetUnsyncedCount() (map[models.EntityType]int, error) {
	return c.store.UnsyncedCounts()
}

// TriggerManualSync drains the queue now, retrying even entries over the
// retry cap. Offline or already-syncing is a no-op, not an error.
func (c *Core) TriggerManualSync(ctx context.Context) (syncengine.Stats, error) {
	return c.engine.SyncAll(ctx, c.credential())
}

// SubscribeSyncStatus registers a callback for sync pass start/finish.
func (c *Core) SubscribeSyncStatus(fn func(syncing bool)) func() {
	return c.engine.OnStatusChange(fn)
}

// SubscribeOnline registers a callback for online flips.
func (c *Core) SubscribeOnline(fn func(online bool)) func() {
	return c.monitor.OnOnlineChange(fn)
}

// RunRetentionNow sweeps aged synced data immediately. Category failures
// are logged inside the manager, never surfaced here.
func (c *Core) RunRetentionNow() retention.Stats {
	return c.retention.RunNow()
}
