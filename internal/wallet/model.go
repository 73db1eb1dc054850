package wallet

import (
	"fmt"
	"time"

	"github.com/sudo-init-do/settlement/internal/apperr"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleVendor   Role = "vendor"
	RoleRider    Role = "rider"
	// RoleEscrow wallets hold one order's payment each, owned by the order id.
	// RolePlatform is the fee revenue wallet owned by PlatformActorID.
	RoleEscrow   Role = "escrow"
	RolePlatform Role = "platform"
)

const PlatformActorID = "platform"

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleVendor, RoleRider, RoleEscrow, RolePlatform:
		return true
	}
	return false
}

type TxType string

const (
	TxSale          TxType = "sale"
	TxEscrowHold    TxType = "escrow_hold"
	TxEscrowRelease TxType = "escrow_release"
	TxRefund        TxType = "refund"
	TxPayout        TxType = "payout"
	TxFee           TxType = "fee"
	TxAdjustment    TxType = "adjustment"
)

type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusCompleted TxStatus = "completed"
	StatusFailed    TxStatus = "failed"
	StatusCancelled TxStatus = "cancelled"
)

type Wallet struct {
	ID              string    `json:"id"`
	ActorID         string    `json:"actor_id"`
	Role            Role      `json:"actor_role"`
	Available       int64     `json:"available_balance"`
	Pending         int64     `json:"pending_balance"`
	Earned          int64     `json:"total_earned"`
	Withdrawn       int64     `json:"total_withdrawn"`
	LinkedAccountID string    `json:"linked_account_id,omitempty"`
	Frozen          bool      `json:"frozen"`
	FrozenReason    string    `json:"frozen_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Buckets returns the wallet balances in delta form.
func (w Wallet) Buckets() Delta {
	return Delta{Available: w.Available, Pending: w.Pending, Earned: w.Earned, Withdrawn: w.Withdrawn}
}

// Consistent reports whether the balances satisfy
// available >= 0, pending >= 0 and earned - withdrawn == available + pending.
func (w Wallet) Consistent() bool {
	return w.Available >= 0 && w.Pending >= 0 && w.Earned-w.Withdrawn == w.Available+w.Pending
}

// Delta is the signed change a transaction applies to each balance bucket.
type Delta struct {
	Available int64 `json:"available"`
	Pending   int64 `json:"pending"`
	Earned    int64 `json:"earned"`
	Withdrawn int64 `json:"withdrawn"`
}

func (d Delta) Add(o Delta) Delta {
	return Delta{
		Available: d.Available + o.Available,
		Pending:   d.Pending + o.Pending,
		Earned:    d.Earned + o.Earned,
		Withdrawn: d.Withdrawn + o.Withdrawn,
	}
}

func (d Delta) IsZero() bool {
	return d == Delta{}
}

type Transaction struct {
	ID             string     `json:"id"`
	WalletID       string     `json:"wallet_id"`
	Type           TxType     `json:"type"`
	Amount         int64      `json:"amount"`
	Fee            int64      `json:"fee"`
	NetAmount      int64      `json:"net_amount"`
	Status         TxStatus   `json:"status"`
	ReferenceID    string     `json:"reference_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	Delta          Delta      `json:"delta"`
	CreatedAt      time.Time  `json:"created_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`

	// Replayed is set when the key was already posted and this is the prior row.
	Replayed bool `json:"replayed,omitempty"`
}

// Entry is a single posting request handed to a Store.
type Entry struct {
	Type        TxType
	Amount      int64
	Fee         int64
	ReferenceID string
	Key         string
	Delta       Delta
	Status      TxStatus
}

// Totals aggregates balances across all wallets.
type Totals struct {
	Wallets   int64 `json:"wallets"`
	Frozen    int64 `json:"frozen"`
	Available int64 `json:"available"`
	Pending   int64 `json:"pending"`
	Earned    int64 `json:"earned"`
	Withdrawn int64 `json:"withdrawn"`
}

// applyEntry validates e against w and mutates w's balances in place.
// Both stores call it while holding the wallet lock.
func applyEntry(w *Wallet, e Entry) error {
	if w.Frozen {
		return fmt.Errorf("%w: wallet %s frozen: %s", apperr.ErrIrrecoverableMismatch, w.ID, w.FrozenReason)
	}
	if e.Amount <= 0 {
		return apperr.Validation("amount must be greater than zero")
	}
	if e.Key == "" {
		return apperr.Validation("idempotency key is required")
	}
	if e.Fee < 0 || e.Fee > e.Amount {
		return apperr.Validation("fee %d out of range for amount %d", e.Fee, e.Amount)
	}
	if e.Status != StatusCompleted && !e.Delta.IsZero() {
		return apperr.Validation("%s transaction cannot move balances", e.Status)
	}

	next := w.Buckets().Add(e.Delta)
	if next.Available < 0 {
		return fmt.Errorf("%w: available %d, need %d", apperr.ErrInsufficientFunds, w.Available, -e.Delta.Available)
	}
	if next.Pending < 0 {
		return fmt.Errorf("%w: pending %d, need %d", apperr.ErrInsufficientFunds, w.Pending, -e.Delta.Pending)
	}

	w.Available = next.Available
	w.Pending = next.Pending
	w.Earned = next.Earned
	w.Withdrawn = next.Withdrawn
	return nil
}

func newTransaction(id, walletID string, e Entry, now time.Time) Transaction {
	t := Transaction{
		ID:             id,
		WalletID:       walletID,
		Type:           e.Type,
		Amount:         e.Amount,
		Fee:            e.Fee,
		NetAmount:      e.Amount - e.Fee,
		Status:         e.Status,
		ReferenceID:    e.ReferenceID,
		IdempotencyKey: e.Key,
		Delta:          e.Delta,
		CreatedAt:      now,
	}
	if e.Status == StatusCompleted || e.Status == StatusFailed || e.Status == StatusCancelled {
		p := now
		t.ProcessedAt = &p
	}
	return t
}
