// Package fees computes commissions, payout fees and the order proceeds split.
package fees

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sudo-init-do/settlement/internal/apperr"
)

type Mode string

const (
	ModeFlat    Mode = "flat"
	ModePercent Mode = "percent"
)

var hundred = decimal.NewFromInt(100)

// Schedule is a flat fee in minor units or a percentage of the amount.
type Schedule struct {
	Mode  Mode
	Value decimal.Decimal
}

// ParseSchedule builds a Schedule from config strings such as ("percent", "10").
func ParseSchedule(mode, value string) (Schedule, error) {
	if value == "" {
		value = "0"
	}
	v, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return Schedule{}, fmt.Errorf("parse fee value %q: %w", value, err)
	}
	if v.IsNegative() {
		return Schedule{}, fmt.Errorf("fee value %q is negative", value)
	}
	s := Schedule{Mode: Mode(strings.ToLower(strings.TrimSpace(mode))), Value: v}
	switch s.Mode {
	case ModeFlat, ModePercent:
	case "":
		s.Mode = ModeFlat
	default:
		return Schedule{}, fmt.Errorf("unknown fee mode %q", mode)
	}
	if s.Mode == ModePercent && v.GreaterThan(hundred) {
		return Schedule{}, fmt.Errorf("percentage fee %s exceeds 100", v)
	}
	return s, nil
}

// Flat returns a flat schedule of amount minor units.
func Flat(amount int64) Schedule {
	return Schedule{Mode: ModeFlat, Value: decimal.NewFromInt(amount)}
}

// Percent returns a percentage schedule, e.g. Percent("10") for 10%.
func Percent(pct string) Schedule {
	return Schedule{Mode: ModePercent, Value: decimal.RequireFromString(pct)}
}

// Apply returns the fee for amount, rounded half up to a whole minor unit.
func (s Schedule) Apply(amount int64) int64 {
	switch s.Mode {
	case ModePercent:
		return decimal.NewFromInt(amount).Mul(s.Value).Div(hundred).Round(0).IntPart()
	default:
		return s.Value.Round(0).IntPart()
	}
}

func (s Schedule) String() string {
	if s.Mode == ModePercent {
		return s.Value.String() + "%"
	}
	return s.Value.String()
}

// Split is how an order's gross payment is divided on release.
type Split struct {
	VendorShare int64 `json:"vendor_share"`
	RiderShare  int64 `json:"rider_share"`
	PlatformFee int64 `json:"platform_fee"`
}

func (s Split) Total() int64 {
	return s.VendorShare + s.RiderShare + s.PlatformFee
}

// SplitFunc divides gross given the order's recorded subtotal and delivery fee.
// Implementations must return shares summing exactly to gross.
type SplitFunc func(subtotal, deliveryFee, gross int64) (Split, error)

// CommissionSplit charges commission on the subtotal for the platform, pays the
// rest of the subtotal to the vendor and the delivery fee to the rider.
// Anything paid above the order total is kept by the platform.
func CommissionSplit(commission Schedule) SplitFunc {
	return func(subtotal, deliveryFee, gross int64) (Split, error) {
		if subtotal < 0 || deliveryFee < 0 {
			return Split{}, apperr.Validation("negative order amounts")
		}
		total := subtotal + deliveryFee
		if gross < total {
			return Split{}, apperr.Validation("gross %d below order total %d", gross, total)
		}
		fee := commission.Apply(subtotal)
		if fee > subtotal {
			fee = subtotal
		}
		s := Split{
			VendorShare: subtotal - fee,
			RiderShare:  deliveryFee,
			PlatformFee: fee + (gross - total),
		}
		if s.Total() != gross {
			return Split{}, fmt.Errorf("split %d does not cover gross %d", s.Total(), gross)
		}
		return s, nil
	}
}

// MinorUnits converts a major-unit amount (naira) into kobo.
func MinorUnits(major decimal.Decimal) int64 {
	return major.Mul(hundred).Round(0).IntPart()
}

// MajorUnits converts kobo into naira.
func MajorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
