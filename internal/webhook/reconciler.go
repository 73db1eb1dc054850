// Package webhook turns verified gateway callbacks into escrow holds and
// payout outcomes. Every notification runs at most once per gateway
// reference; redeliveries replay the recorded result.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sudo-init-do/settlement/internal/apperr"
	"github.com/sudo-init-do/settlement/internal/escrow"
	"github.com/sudo-init-do/settlement/internal/idempotency"
	"github.com/sudo-init-do/settlement/internal/metrics"
	"github.com/sudo-init-do/settlement/internal/payout"
	"github.com/sudo-init-do/settlement/internal/provider"
	"github.com/sudo-init-do/settlement/internal/wallet"
)

type Action string

const (
	ActionHeld            Action = "held"
	ActionDuplicate       Action = "duplicate"
	ActionAmountMismatch  Action = "amount_mismatch"
	ActionChargeFailed    Action = "charge_failed"
	ActionPayoutCompleted Action = "payout_completed"
	ActionPayoutFailed    Action = "payout_failed"
	ActionUnknownTransfer Action = "unknown_transfer"
	ActionIgnored         Action = "ignored"
)

// Result describes what a notification did. Replayed is set when the
// notification had already been processed and nothing ran.
type Result struct {
	Provider         string             `json:"provider"`
	EventType        string             `json:"event_type"`
	Kind             provider.EventKind `json:"kind"`
	Action           Action             `json:"action"`
	OrderID          string             `json:"order_id,omitempty"`
	PayoutID         string             `json:"payout_id,omitempty"`
	GatewayReference string             `json:"gateway_reference,omitempty"`
	Detail           string             `json:"detail,omitempty"`
	Replayed         bool               `json:"replayed"`
}

type Holder interface {
	Hold(ctx context.Context, req escrow.HoldRequest) (*escrow.Hold, error)
}

type TransferOutcomes interface {
	ApplyTransferOutcome(ctx context.Context, reference string, success bool, reason string) (*payout.Request, error)
}

type Options struct {
	Metrics *metrics.Metrics
	Alerter wallet.Alerter
}

type Reconciler struct {
	adapters map[string]provider.WebhookAdapter
	guard    *idempotency.Guard
	holds    Holder
	payouts  TransferOutcomes
	logger   *zap.Logger
	metrics  *metrics.Metrics
	alerter  wallet.Alerter
}

func NewReconciler(guard *idempotency.Guard, holds Holder, payouts TransferOutcomes, logger *zap.Logger, opts Options, adapters ...provider.WebhookAdapter) *Reconciler {
	r := &Reconciler{
		adapters: make(map[string]provider.WebhookAdapter, len(adapters)),
		guard:    guard,
		holds:    holds,
		payouts:  payouts,
		logger:   logger,
		metrics:  opts.Metrics,
		alerter:  opts.Alerter,
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	for _, a := range adapters {
		r.adapters[strings.ToLower(a.Name())] = a
	}
	return r
}

// Adapter returns the adapter registered for a provider name.
func (r *Reconciler) Adapter(name string) (provider.WebhookAdapter, bool) {
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}

// Ingest verifies, normalizes and applies one raw notification.
func (r *Reconciler) Ingest(ctx context.Context, providerName string, raw []byte, signature string) (Result, error) {
	adapter, ok := r.Adapter(providerName)
	if !ok {
		r.metrics.WebhookEvent(providerName, "unknown", "unknown_provider")
		return Result{}, apperr.Validation("unknown webhook provider %q", providerName)
	}
	name := adapter.Name()
	if err := adapter.Verify(raw, signature); err != nil {
		r.metrics.WebhookEvent(name, "unknown", "invalid_signature")
		r.logger.Warn("webhook signature rejected", zap.String("provider", name))
		return Result{}, fmt.Errorf("%s webhook: %w", name, err)
	}
	ev, err := adapter.Normalize(raw)
	if err != nil {
		r.metrics.WebhookEvent(name, "unknown", "malformed")
		r.logger.Warn("webhook payload rejected", zap.String("provider", name), zap.Error(err))
		return Result{}, err
	}

	log := r.logger.With(
		zap.String("provider", name),
		zap.String("event_type", ev.EventType),
		zap.String("gateway_reference", ev.GatewayReference),
	)
	if ev.Kind == provider.KindIgnored {
		r.metrics.WebhookEvent(name, string(ev.Kind), string(ActionIgnored))
		log.Info("webhook event ignored")
		return base(ev, ActionIgnored), nil
	}

	res, replayed, err := idempotency.Run(ctx, r.guard, eventKey(ev), func(ctx context.Context) (Result, error) {
		return r.route(ctx, log, ev)
	})
	if err != nil {
		r.metrics.WebhookEvent(name, string(ev.Kind), "error")
		log.Error("webhook processing failed", zap.Error(err))
		return Result{}, err
	}
	if replayed {
		res.Replayed = true
		r.metrics.WebhookEvent(name, string(ev.Kind), "replayed")
		log.Info("webhook redelivery absorbed", zap.String("action", string(res.Action)))
		return res, nil
	}
	r.metrics.WebhookEvent(name, string(ev.Kind), string(res.Action))
	return res, nil
}

// eventKey is provider:gatewayRef for successes. Failure notifications carry
// their event type too so a later success on the same reference still runs.
func eventKey(ev provider.NormalizedEvent) string {
	ref := ev.GatewayReference
	if ev.Outcome != provider.OutcomeSuccess {
		ref += ":" + ev.EventType
	}
	return idempotency.WebhookKey(ev.Provider, ref)
}

func base(ev provider.NormalizedEvent, action Action) Result {
	return Result{
		Provider:         ev.Provider,
		EventType:        ev.EventType,
		Kind:             ev.Kind,
		Action:           action,
		GatewayReference: ev.GatewayReference,
	}
}

func (r *Reconciler) route(ctx context.Context, log *zap.Logger, ev provider.NormalizedEvent) (Result, error) {
	switch ev.Kind {
	case provider.KindCharge:
		return r.charge(ctx, log, ev)
	case provider.KindTransfer:
		return r.transfer(ctx, log, ev)
	default:
		return base(ev, ActionIgnored), nil
	}
}

func (r *Reconciler) charge(ctx context.Context, log *zap.Logger, ev provider.NormalizedEvent) (Result, error) {
	res := base(ev, ActionHeld)
	res.OrderID = ev.OrderReference
	if ev.OrderReference == "" {
		return res, apperr.Validation("%s %s: no order reference", ev.Provider, ev.EventType)
	}
	if ev.Outcome != provider.OutcomeSuccess {
		res.Action = ActionChargeFailed
		res.Detail = ev.Reason
		log.Info("charge failed at gateway", zap.String("order_id", ev.OrderReference), zap.String("reason", ev.Reason))
		return res, nil
	}

	hold, err := r.holds.Hold(ctx, escrow.HoldRequest{
		OrderID:    ev.OrderReference,
		Gross:      ev.Amount,
		Provider:   ev.Provider,
		GatewayRef: ev.GatewayReference,
	})
	switch {
	case errors.Is(err, apperr.ErrAlreadyResolved):
		res.Action = ActionDuplicate
		if hold != nil {
			res.Detail = fmt.Sprintf("order already %s", hold.Status)
		}
		log.Info("payment for order already held", zap.String("order_id", ev.OrderReference))
		return res, nil
	case errors.Is(err, apperr.ErrValidation):
		res.Action = ActionAmountMismatch
		res.Detail = err.Error()
		log.Error("charge does not cover order", zap.String("order_id", ev.OrderReference), zap.Int64("amount", ev.Amount), zap.Error(err))
		r.alert(ctx, log, fmt.Sprintf("%s charge %s for order %s was not held: %v", ev.Provider, ev.GatewayReference, ev.OrderReference, err))
		return res, nil
	case err != nil:
		// unknown orders and transient failures go back to the provider for redelivery
		return res, err
	}
	log.Info("charge held in escrow", zap.String("order_id", hold.OrderID), zap.Int64("gross", hold.Gross))
	return res, nil
}

func (r *Reconciler) transfer(ctx context.Context, log *zap.Logger, ev provider.NormalizedEvent) (Result, error) {
	success := ev.Outcome == provider.OutcomeSuccess
	res := base(ev, ActionPayoutFailed)
	if success {
		res.Action = ActionPayoutCompleted
	}
	p, err := r.payouts.ApplyTransferOutcome(ctx, ev.OrderReference, success, ev.Reason)
	if p != nil {
		res.PayoutID = p.ID
	}
	switch {
	case errors.Is(err, apperr.ErrAlreadyResolved):
		res.Action = ActionDuplicate
		res.Detail = fmt.Sprintf("payout already %s", p.Status)
		log.Info("transfer outcome already applied", zap.String("payout_id", p.ID), zap.String("status", string(p.Status)))
		return res, nil
	case errors.Is(err, apperr.ErrNotFound):
		res.Action = ActionUnknownTransfer
		log.Warn("transfer reference not recognised", zap.String("reference", ev.OrderReference))
		return res, nil
	case err != nil:
		return res, err
	}
	log.Info("transfer outcome applied", zap.String("payout_id", p.ID), zap.String("status", string(p.Status)))
	return res, nil
}

func (r *Reconciler) alert(ctx context.Context, log *zap.Logger, msg string) {
	if r.alerter == nil {
		return
	}
	if err := r.alerter.AdminAlert(ctx, "critical", msg); err != nil {
		log.Warn("admin alert failed", zap.Error(err))
	}
}
