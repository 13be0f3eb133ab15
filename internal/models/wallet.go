package models

// AdjustmentType is the kind of a wallet balance delta.
type AdjustmentType string

const (
	AdjustmentTip       AdjustmentType = "tip"
	AdjustmentDeduction AdjustmentType = "deduction"
)

// Valid reports whether the adjustment type is one of the known values.
func (t AdjustmentType) Valid() bool {
	return t == AdjustmentTip || t == AdjustmentDeduction
}

// Adjustment is an immutable wallet balance delta. Once appended to a
// wallet it is never edited or removed; corrections are new adjustments.
type Adjustment struct {
	ID        string         `json:"id"`
	Type      AdjustmentType `json:"type"`
	Amount    int64          `json:"amount"`
	Reason    string         `json:"reason,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

// Signed returns the amount with the sign implied by the type.
func (a Adjustment) Signed() int64 {
	if a.Type == AdjustmentDeduction {
		return -a.Amount
	}
	return a.Amount
}

// Wallet tracks an attendant's running balance. There is exactly one wallet
// per staff member. The balance is the authoritative running total; the
// adjustment list is the append-only history behind it. Amounts are in
// currency minor units.
type Wallet struct {
	SyncMeta

	AttendantID     string       `json:"attendant_id"`
	Balance         int64        `json:"balance"`
	TotalEarnings   int64        `json:"total_earnings"`
	TotalCommission int64        `json:"total_commission"`
	CompanyShare    int64        `json:"company_share"`
	CompanyDebt     int64        `json:"company_debt"`
	IsPaid          bool         `json:"is_paid"`
	LastPaymentAt   int64        `json:"last_payment_at,omitempty"`
	Adjustments     []Adjustment `json:"adjustments"`
}

// TableName returns the table name for Wallet.
func (Wallet) TableName() string {
	return "wallets"
}

// ApplyAdjustment appends the adjustment and moves the balance by its
// signed amount. This is the only sanctioned way to change the balance
// outside of a booking settlement.
func (w *Wallet) ApplyAdjustment(adj Adjustment) {
	w.Adjustments = append(w.Adjustments, adj)
	w.Balance += adj.Signed()
	if w.Balance != 0 {
		w.IsPaid = false
	}
}

// ApplySettlement credits the wallet for a completed booking. amount is the
// full booking amount; commission is the attendant's cut, the remainder is
// the company share.
func (w *Wallet) ApplySettlement(amount, commission int64) {
	w.TotalEarnings += amount
	w.TotalCommission += commission
	w.CompanyShare += amount - commission
	w.Balance += commission
	if w.Balance != 0 {
		w.IsPaid = false
	}
}

// RebuildBalance recomputes the balance from the settlement totals and the
// adjustment history, replacing the stored running total. It assumes no
// payout has been made since the totals were accumulated; callers that have
// paid out must not rebuild without first recording the payout.
func (w *Wallet) RebuildBalance() int64 {
	balance := w.TotalCommission
	for _, adj := range w.Adjustments {
		balance += adj.Signed()
	}
	w.Balance = balance
	return balance
}
