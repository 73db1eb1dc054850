package escrow

import (
	"time"

	"github.com/sudo-init-do/settlement/internal/apperr"
)

type HoldStatus string

const (
	StatusHeld     HoldStatus = "held"
	StatusReleased HoldStatus = "released"
	StatusRefunded HoldStatus = "refunded"
)

// Resolution is the outcome committed while a hold is still held. Once set
// it never changes, and the hold can only move to the matching status.
type Resolution string

const (
	ResolutionNone    Resolution = "none"
	ResolutionRelease Resolution = "release"
	ResolutionRefund  Resolution = "refund"
)

type RefundReason string

const (
	ReasonVendorRejected    RefundReason = "vendor_rejected"
	ReasonCustomerCancelled RefundReason = "customer_cancelled"
)

func (r RefundReason) Valid() bool {
	return r == ReasonVendorRejected || r == ReasonCustomerCancelled
}

// Order carries the amounts the proceeds split needs. Pricing happens upstream.
type Order struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customer_id"`
	VendorID    string    `json:"vendor_id"`
	RiderID     string    `json:"rider_id,omitempty"`
	Subtotal    int64     `json:"subtotal"`
	DeliveryFee int64     `json:"delivery_fee"`
	CreatedAt   time.Time `json:"created_at"`
}

func (o Order) Total() int64 {
	return o.Subtotal + o.DeliveryFee
}

func (o Order) validate() error {
	switch {
	case o.ID == "":
		return apperr.Validation("order id is required")
	case o.CustomerID == "" || o.VendorID == "":
		return apperr.Validation("order %s: customer and vendor are required", o.ID)
	case o.Subtotal <= 0:
		return apperr.Validation("order %s: subtotal must be greater than zero", o.ID)
	case o.DeliveryFee < 0:
		return apperr.Validation("order %s: delivery fee cannot be negative", o.ID)
	case o.DeliveryFee > 0 && o.RiderID == "":
		return apperr.Validation("order %s: delivery fee without a rider", o.ID)
	}
	return nil
}

func (o Order) sameTerms(other Order) bool {
	return o.CustomerID == other.CustomerID && o.VendorID == other.VendorID &&
		o.RiderID == other.RiderID && o.Subtotal == other.Subtotal && o.DeliveryFee == other.DeliveryFee
}

type Hold struct {
	OrderID          string       `json:"order_id"`
	Gross            int64        `json:"gross_amount"`
	PlatformFee      int64        `json:"platform_fee"`
	VendorShare      int64        `json:"vendor_share"`
	RiderShare       int64        `json:"rider_share"`
	Status           HoldStatus   `json:"status"`
	Resolution       Resolution   `json:"resolution"`
	RefundReason     RefundReason `json:"refund_reason,omitempty"`
	SourceProvider   string       `json:"source_provider,omitempty"`
	GatewayReference string       `json:"gateway_reference,omitempty"`
	HeldAt           time.Time    `json:"held_at"`
	ResolvedAt       *time.Time   `json:"resolved_at,omitempty"`
}

func (h Hold) Terminal() bool {
	return h.Status == StatusReleased || h.Status == StatusRefunded
}

type HoldRequest struct {
	OrderID    string
	Gross      int64
	Provider   string
	GatewayRef string
}
