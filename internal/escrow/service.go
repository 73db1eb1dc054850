// Package escrow holds order payments until delivery and then releases them
// to the payees or refunds the customer.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sudo-init-do/settlement/internal/apperr"
	"github.com/sudo-init-do/settlement/internal/clock"
	"github.com/sudo-init-do/settlement/internal/events"
	"github.com/sudo-init-do/settlement/internal/fees"
	"github.com/sudo-init-do/settlement/internal/metrics"
	"github.com/sudo-init-do/settlement/internal/retry"
	"github.com/sudo-init-do/settlement/internal/wallet"
)

type Options struct {
	// Split divides the gross on hold. Defaults to a zero commission split.
	Split fees.SplitFunc
	// RefundCutoff bounds customer cancellation, measured from held_at.
	RefundCutoff time.Duration
	// Retry governs each ledger sub-posting.
	Retry   retry.Policy
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Events  events.Publisher
}

type Service struct {
	store   Store
	ledger  *wallet.Ledger
	logger  *zap.Logger
	split   fees.SplitFunc
	cutoff  time.Duration
	retry   retry.Policy
	clock   clock.Clock
	metrics *metrics.Metrics
	events  events.Publisher
}

func NewService(store Store, ledger *wallet.Ledger, logger *zap.Logger, opts Options) *Service {
	s := &Service{
		store:   store,
		ledger:  ledger,
		logger:  logger,
		split:   opts.Split,
		cutoff:  opts.RefundCutoff,
		retry:   opts.Retry,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		events:  opts.Events,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.split == nil {
		s.split = fees.CommissionSplit(fees.Flat(0))
	}
	if s.clock == nil {
		s.clock = clock.RealClock{}
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	// ledger postings are keyed, so anything short of a permanent error is safe to repeat
	s.retry.Retryable = retry.UnlessPermanent
	return s
}

func holdKey(orderID string) string { return "escrow:" + orderID + ":hold" }

func subKey(orderID string, res Resolution, part string) string {
	return "escrow:" + orderID + ":" + string(res) + ":" + part
}

func alreadyResolved(h *Hold) error {
	state := string(h.Status)
	if h.Status == StatusHeld && h.Resolution != ResolutionNone {
		state = "resolving as " + string(h.Resolution)
	}
	return fmt.Errorf("%w: order %s is %s", apperr.ErrAlreadyResolved, h.OrderID, state)
}

// RegisterOrder records the amounts needed to split an order's payment.
// Registering the same order again is a no-op; changing its terms is not allowed.
func (s *Service) RegisterOrder(ctx context.Context, o Order) (*Order, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.clock.Now()
	}
	stored, err := s.store.SaveOrder(ctx, o)
	if err != nil {
		return nil, err
	}
	if !stored.sameTerms(o) {
		return stored, apperr.Validation("order %s already registered with different terms", o.ID)
	}
	return stored, nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	return s.store.GetOrder(ctx, id)
}

func (s *Service) GetHold(ctx context.Context, orderID string) (*Hold, error) {
	return s.store.GetHold(ctx, orderID)
}

func (s *Service) Counts(ctx context.Context) (map[HoldStatus]int64, error) {
	return s.store.Counts(ctx)
}

// Hold takes a confirmed payment into escrow. The gross is credited to the
// escrow wallet's pending bucket, never to a payee. A second payment for an
// order that already has a hold returns that hold with ErrAlreadyResolved.
func (s *Service) Hold(ctx context.Context, req HoldRequest) (*Hold, error) {
	if req.OrderID == "" {
		return nil, apperr.Validation("order id is required")
	}
	if req.Gross <= 0 {
		return nil, apperr.Validation("gross must be greater than zero")
	}
	if existing, err := s.store.GetHold(ctx, req.OrderID); err == nil {
		return existing, alreadyResolved(existing)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	order, err := s.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if _, err := s.split(order.Subtotal, order.DeliveryFee, req.Gross); err != nil {
		return nil, err
	}
	escrowWallet, err := s.ledger.EscrowWallet(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	var tx *wallet.Transaction
	err = retry.Do(ctx, s.retry, func(ctx context.Context) error {
		var err error
		tx, err = s.ledger.CreditPending(ctx, escrowWallet.ID, req.Gross, wallet.TxEscrowHold, req.OrderID, holdKey(req.OrderID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("escrow intake for order %s: %w", req.OrderID, err)
	}

	// a replayed intake carries the amount first credited
	split, err := s.split(order.Subtotal, order.DeliveryFee, tx.Amount)
	if err != nil {
		return nil, err
	}
	hold, created, err := s.store.CreateHold(ctx, Hold{
		OrderID:          req.OrderID,
		Gross:            tx.Amount,
		PlatformFee:      split.PlatformFee,
		VendorShare:      split.VendorShare,
		RiderShare:       split.RiderShare,
		Status:           StatusHeld,
		Resolution:       ResolutionNone,
		SourceProvider:   req.Provider,
		GatewayReference: req.GatewayRef,
		HeldAt:           s.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return hold, alreadyResolved(hold)
	}

	s.metrics.EscrowTransition(string(StatusHeld))
	s.logger.Info("escrow held",
		zap.String("order_id", hold.OrderID),
		zap.Int64("gross", hold.Gross),
		zap.String("provider", req.Provider),
		zap.String("gateway_reference", req.GatewayRef),
	)
	s.publish(ctx, events.EscrowHeld, hold)
	return hold, nil
}

// Release pays out a held order on delivery. Each payee credit and the escrow
// drain is its own keyed posting. If one fails the hold stays held with
// resolution release, and a later call or the resume sweep finishes the rest
// without crediting anyone twice.
func (s *Service) Release(ctx context.Context, orderID string) (*Hold, error) {
	hold, err := s.store.GetHold(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if hold.Terminal() || hold.Resolution == ResolutionRefund {
		return hold, alreadyResolved(hold)
	}
	hold, err = s.store.CommitResolution(ctx, orderID, ResolutionRelease, "")
	if err != nil {
		return nil, err
	}
	if hold.Terminal() || hold.Resolution != ResolutionRelease {
		return hold, alreadyResolved(hold)
	}
	return s.applyRelease(ctx, hold)
}

// Refund returns a held order's gross to the customer. Vendor rejection is
// always allowed; customer cancellation only within the refund cutoff.
func (s *Service) Refund(ctx context.Context, orderID string, reason RefundReason) (*Hold, error) {
	if !reason.Valid() {
		return nil, apperr.Validation("unknown refund reason %q", reason)
	}
	hold, err := s.store.GetHold(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if hold.Terminal() || hold.Resolution == ResolutionRelease {
		return hold, alreadyResolved(hold)
	}
	if hold.Resolution == ResolutionNone && reason == ReasonCustomerCancelled && s.cutoff > 0 {
		if s.clock.Now().Sub(hold.HeldAt) > s.cutoff {
			return hold, apperr.Validation("order %s: cancellation window of %s has passed", orderID, s.cutoff)
		}
	}
	hold, err = s.store.CommitResolution(ctx, orderID, ResolutionRefund, reason)
	if err != nil {
		return nil, err
	}
	if hold.Terminal() || hold.Resolution != ResolutionRefund {
		return hold, alreadyResolved(hold)
	}
	return s.applyRefund(ctx, hold)
}

// ResumePending finishes holds whose resolution was committed but whose
// postings did not all land. It returns how many holds it completed.
func (s *Service) ResumePending(ctx context.Context, limit int) (int, error) {
	holds, err := s.store.ListUnresolved(ctx, limit)
	if err != nil {
		return 0, err
	}
	var (
		done int
		errs []error
	)
	for i := range holds {
		h := &holds[i]
		var err error
		switch h.Resolution {
		case ResolutionRelease:
			_, err = s.applyRelease(ctx, h)
		case ResolutionRefund:
			_, err = s.applyRefund(ctx, h)
		default:
			continue
		}
		if err != nil {
			s.logger.Warn("resume escrow resolution", zap.String("order_id", h.OrderID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

type posting struct {
	name     string
	walletID string
	amount   int64
	apply    func(ctx context.Context, walletID string, amount int64, typ wallet.TxType, ref, key string, opts ...wallet.PostOption) (*wallet.Transaction, error)
	typ      wallet.TxType
}

func (s *Service) run(ctx context.Context, hold *Hold, res Resolution, postings []posting) error {
	for _, p := range postings {
		if p.amount == 0 {
			continue
		}
		key := subKey(hold.OrderID, res, p.name)
		err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
			_, err := p.apply(ctx, p.walletID, p.amount, p.typ, hold.OrderID, key)
			return err
		})
		if err != nil {
			s.logger.Error("escrow posting failed",
				zap.String("order_id", hold.OrderID),
				zap.String("resolution", string(res)),
				zap.String("posting", p.name),
				zap.Error(err),
			)
			return fmt.Errorf("%s %s for order %s: %w", res, p.name, hold.OrderID, err)
		}
	}
	return nil
}

func (s *Service) applyRelease(ctx context.Context, hold *Hold) (*Hold, error) {
	order, err := s.store.GetOrder(ctx, hold.OrderID)
	if err != nil {
		return hold, err
	}
	vendor, err := s.ledger.GetOrCreate(ctx, order.VendorID, wallet.RoleVendor)
	if err != nil {
		return hold, err
	}
	escrowWallet, err := s.ledger.EscrowWallet(ctx, hold.OrderID)
	if err != nil {
		return hold, err
	}
	postings := []posting{
		{name: "vendor", walletID: vendor.ID, amount: hold.VendorShare, apply: s.ledger.Credit, typ: wallet.TxEscrowRelease},
	}
	if hold.RiderShare > 0 {
		rider, err := s.ledger.GetOrCreate(ctx, order.RiderID, wallet.RoleRider)
		if err != nil {
			return hold, err
		}
		postings = append(postings, posting{name: "rider", walletID: rider.ID, amount: hold.RiderShare, apply: s.ledger.Credit, typ: wallet.TxEscrowRelease})
	}
	if hold.PlatformFee > 0 {
		platform, err := s.ledger.PlatformWallet(ctx)
		if err != nil {
			return hold, err
		}
		postings = append(postings, posting{name: "fee", walletID: platform.ID, amount: hold.PlatformFee, apply: s.ledger.Credit, typ: wallet.TxFee})
	}
	postings = append(postings, posting{name: "drain", walletID: escrowWallet.ID, amount: hold.Gross, apply: s.ledger.SettlePending, typ: wallet.TxEscrowRelease})

	if err := s.run(ctx, hold, ResolutionRelease, postings); err != nil {
		return hold, err
	}
	return s.finish(ctx, hold, StatusReleased, events.EscrowReleased)
}

func (s *Service) applyRefund(ctx context.Context, hold *Hold) (*Hold, error) {
	order, err := s.store.GetOrder(ctx, hold.OrderID)
	if err != nil {
		return hold, err
	}
	customer, err := s.ledger.GetOrCreate(ctx, order.CustomerID, wallet.RoleCustomer)
	if err != nil {
		return hold, err
	}
	escrowWallet, err := s.ledger.EscrowWallet(ctx, hold.OrderID)
	if err != nil {
		return hold, err
	}
	postings := []posting{
		{name: "customer", walletID: customer.ID, amount: hold.Gross, apply: s.ledger.Credit, typ: wallet.TxRefund},
		{name: "drain", walletID: escrowWallet.ID, amount: hold.Gross, apply: s.ledger.SettlePending, typ: wallet.TxRefund},
	}
	if err := s.run(ctx, hold, ResolutionRefund, postings); err != nil {
		return hold, err
	}
	return s.finish(ctx, hold, StatusRefunded, events.EscrowRefunded)
}

func (s *Service) finish(ctx context.Context, hold *Hold, status HoldStatus, eventType string) (*Hold, error) {
	resolved, err := s.store.MarkResolved(ctx, hold.OrderID, status, s.clock.Now())
	if err != nil {
		return hold, err
	}
	s.metrics.EscrowTransition(string(status))
	s.logger.Info("escrow resolved",
		zap.String("order_id", resolved.OrderID),
		zap.String("status", string(resolved.Status)),
		zap.Int64("vendor_share", resolved.VendorShare),
		zap.Int64("rider_share", resolved.RiderShare),
		zap.Int64("platform_fee", resolved.PlatformFee),
	)
	s.publish(ctx, eventType, resolved)
	return resolved, nil
}

func (s *Service) publish(ctx context.Context, eventType string, h *Hold) {
	err := s.events.Publish(ctx, events.Event{
		Type:       eventType,
		OrderID:    h.OrderID,
		Amount:     h.Gross,
		Status:     string(h.Status),
		Reason:     string(h.RefundReason),
		OccurredAt: s.clock.Now(),
	})
	if err != nil {
		s.logger.Warn("publish event failed", zap.String("type", eventType), zap.String("order_id", h.OrderID), zap.Error(err))
	}
}
